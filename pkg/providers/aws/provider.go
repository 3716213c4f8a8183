package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/providers"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// ProviderName keys the aws run context.
const ProviderName = "aws"

// TagDeployment is the tag recording which deployment owns an object.
const TagDeployment = "orchestra:deployment"

// Options configures the aws provider.
type Options struct {
	Client     ClientConfig
	Deployment string

	// NewClients creates the clients of one worker. Defaults to NewClients
	// with Client.
	NewClients func(ctx context.Context) (*Clients, error)

	Logger zerolog.Logger
}

// BucketProperties configure an S3 bucket.
type BucketProperties struct {
	Name       string            `json:"name" validate:"required,min=3,max=63"`
	Versioning bool              `json:"versioning"`
	Tags       map[string]string `json:"tags"`

	// ForceDestroy deletes every object before the bucket on reverse.
	ForceDestroy bool `json:"force_destroy"`
}

// SecretProperties configure a Secrets Manager secret.
type SecretProperties struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`

	// Value is the secret string. ValueFromEnv names an environment variable
	// to read it from instead.
	Value        string `json:"value" validate:"required_without=ValueFromEnv"`
	ValueFromEnv string `json:"value_from_env"`

	KMSKeyID string            `json:"kms_key_id"`
	Tags     map[string]string `json:"tags"`

	// RecoveryWindowDays is the deletion grace period. Zero deletes the
	// secret immediately.
	RecoveryWindowDays int64 `json:"recovery_window_days" validate:"omitempty,min=7,max=30"`
}

// Register binds the bucket and secret handlers to the provisioning domain.
func Register(reg *engine.Registry, opts Options) error {
	if opts.NewClients == nil {
		cfg := opts.Client
		opts.NewClients = func(ctx context.Context) (*Clients, error) {
			return NewClients(ctx, cfg)
		}
	}
	if opts.Deployment == "" {
		opts.Deployment = "default"
	}

	p := &provider{opts: opts}
	rc := engine.StaticProvider{
		ProviderName: ProviderName,
		New: func(ctx context.Context) (engine.RunContext, error) {
			return opts.NewClients(ctx)
		},
	}

	if err := reg.Register(engine.DomainProvisioning, engine.KindBucket, p.bucketHandler, rc); err != nil {
		return err
	}
	return reg.Register(engine.DomainProvisioning, engine.KindSecret, p.secretHandler, rc)
}

type provider struct {
	opts Options
}

func (p *provider) logger(item engine.Item, name string) zerolog.Logger {
	return p.opts.Logger.With().
		Str("provider", ProviderName).
		Str("node_id", item.ItemID()).
		Str("name", name).Logger()
}

func resourceOf(item engine.Item) (*config.Resource, error) {
	r, ok := item.(*config.Resource)
	if !ok {
		return nil, fmt.Errorf("aws handlers need a resource, got %T", item)
	}
	return r, nil
}

func clientsOf(rc engine.RunContext) (*Clients, error) {
	c, ok := rc.(*Clients)
	if !ok || c == nil {
		return nil, engine.NewPermanentError("aws run context is not an aws client set", nil).
			WithCode(engine.ErrCodeInternal)
	}
	return c, nil
}

// call runs fn as a recorded provider operation and classifies its error by
// AWS error code.
func (p *provider) call(ctx context.Context, op, itemID string, fn func(ctx context.Context) error) error {
	err := telemetry.RecordProviderOperation(ctx, ProviderName, op, fn)
	if err == nil {
		return nil
	}
	return providers.Classify(ProviderName, op, itemID, err, classOf(err))
}

func classOf(err error) engine.ErrorClass {
	code := errorCode(err)
	switch {
	case code == "":
		return engine.ErrorClassTransient
	case code == "Throttling", code == "ThrottlingException", code == "SlowDown",
		code == "TooManyRequestsException", code == "RequestLimitExceeded":
		return engine.ErrorClassThrottled
	case code == "BucketAlreadyExists", code == "OperationAborted", code == "ResourceExistsException":
		return engine.ErrorClassConflict
	case code == "AccessDenied", code == "AccessDeniedException",
		strings.HasPrefix(code, "Invalid"), strings.HasPrefix(code, "Malformed"):
		return engine.ErrorClassPermanent
	}
	return engine.ErrorClassTransient
}

func handler(perform, reverse func(ctx context.Context, c *Clients) error) engine.Handler {
	return engine.HandlerFuncs{
		PerformFunc: func(ctx context.Context, rc engine.RunContext) error {
			c, err := clientsOf(rc)
			if err != nil {
				return err
			}
			return perform(ctx, c)
		},
		ReverseFunc: func(ctx context.Context, rc engine.RunContext) error {
			c, err := clientsOf(rc)
			if err != nil {
				return err
			}
			return reverse(ctx, c)
		},
	}
}

func (p *provider) tags(extra map[string]string) map[string]string {
	tags := map[string]string{TagDeployment: p.opts.Deployment}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *provider) bucketHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	res, err := resourceOf(item)
	if err != nil {
		return nil, err
	}
	var props BucketProperties
	if err := providers.DecodeProperties(res.Properties, &props); err != nil {
		return nil, err
	}

	bucket := aws.String(props.Name)
	logger := p.logger(item, props.Name)

	perform := func(ctx context.Context, c *Clients) error {
		if err := p.call(ctx, "bucket_create", res.ID, func(ctx context.Context) error {
			_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: bucket})
			if err == nil {
				logger.Debug().Msg("Bucket already exists")
				return nil
			}
			var nf *s3types.NotFound
			var nsb *s3types.NoSuchBucket
			if !errors.As(err, &nf) && !errors.As(err, &nsb) {
				return err
			}

			in := &s3.CreateBucketInput{Bucket: bucket}
			if c.Region != "" && c.Region != "us-east-1" {
				in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
					LocationConstraint: s3types.BucketLocationConstraint(c.Region),
				}
			}
			if _, err := c.S3.CreateBucket(ctx, in); err != nil {
				var owned *s3types.BucketAlreadyOwnedByYou
				if !errors.As(err, &owned) {
					return err
				}
			}
			logger.Info().Str("region", c.Region).Msg("Bucket created")
			return nil
		}); err != nil {
			return err
		}

		if props.Versioning {
			if err := p.call(ctx, "bucket_versioning", res.ID, func(ctx context.Context) error {
				_, err := c.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
					Bucket: bucket,
					VersioningConfiguration: &s3types.VersioningConfiguration{
						Status: s3types.BucketVersioningStatusEnabled,
					},
				})
				return err
			}); err != nil {
				return err
			}
		}

		tags := p.tags(props.Tags)
		tagSet := make([]s3types.Tag, 0, len(tags))
		for _, k := range sortedKeys(tags) {
			tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
		}
		return p.call(ctx, "bucket_tagging", res.ID, func(ctx context.Context) error {
			_, err := c.S3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
				Bucket:  bucket,
				Tagging: &s3types.Tagging{TagSet: tagSet},
			})
			return err
		})
	}

	reverse := func(ctx context.Context, c *Clients) error {
		return p.call(ctx, "bucket_delete", res.ID, func(ctx context.Context) error {
			if props.ForceDestroy {
				n, err := emptyBucket(ctx, c.S3, bucket)
				if err != nil {
					return err
				}
				logger.Debug().Int("objects", n).Msg("Bucket emptied")
			}
			if _, err := c.S3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: bucket}); err != nil {
				var nsb *s3types.NoSuchBucket
				if !errors.As(err, &nsb) && errorCode(err) != "NoSuchBucket" {
					return err
				}
			}
			logger.Info().Msg("Bucket deleted")
			return nil
		})
	}

	return handler(perform, reverse), nil
}

// emptyBucket deletes every object in bucket and returns how many it removed.
func emptyBucket(ctx context.Context, api S3API, bucket *string) (int, error) {
	removed := 0
	var token *string
	for {
		out, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: bucket, ContinuationToken: token})
		if err != nil {
			var nsb *s3types.NoSuchBucket
			if errors.As(err, &nsb) {
				return removed, nil
			}
			return removed, err
		}

		if len(out.Contents) > 0 {
			ids := make([]s3types.ObjectIdentifier, 0, len(out.Contents))
			for _, obj := range out.Contents {
				ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: bucket,
				Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			}); err != nil {
				return removed, err
			}
			removed += len(ids)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			return removed, nil
		}
		token = out.NextContinuationToken
	}
}

func (p *provider) secretHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	res, err := resourceOf(item)
	if err != nil {
		return nil, err
	}
	var props SecretProperties
	if err := providers.DecodeProperties(res.Properties, &props); err != nil {
		return nil, err
	}

	id := aws.String(props.Name)
	logger := p.logger(item, props.Name)

	perform := func(ctx context.Context, c *Clients) error {
		value := props.Value
		if props.ValueFromEnv != "" {
			v, ok := os.LookupEnv(props.ValueFromEnv)
			if !ok {
				return engine.NewPermanentError(
					fmt.Sprintf("environment variable %s is not set", props.ValueFromEnv), nil,
				).WithCode(engine.ErrCodeValidation).WithResource(res.ID)
			}
			value = v
		}

		return p.call(ctx, "secret_put", res.ID, func(ctx context.Context) error {
			desc, err := c.Secrets.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: id})
			if err != nil {
				var nf *smtypes.ResourceNotFoundException
				if !errors.As(err, &nf) {
					return err
				}
				return p.createSecret(ctx, c, props, value, logger)
			}

			if desc.DeletedDate != nil {
				if _, err := c.Secrets.RestoreSecret(ctx, &secretsmanager.RestoreSecretInput{SecretId: id}); err != nil {
					return fmt.Errorf("failed to restore secret: %w", err)
				}
				logger.Info().Msg("Secret restored")
			}

			current, err := c.Secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: id})
			if err == nil && current.SecretString != nil && *current.SecretString == value {
				logger.Debug().Msg("Secret up to date")
				return nil
			}
			if _, err := c.Secrets.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
				SecretId:     id,
				SecretString: aws.String(value),
			}); err != nil {
				return fmt.Errorf("failed to update secret: %w", err)
			}
			logger.Info().Msg("Secret updated")
			return nil
		})
	}

	reverse := func(ctx context.Context, c *Clients) error {
		return p.call(ctx, "secret_delete", res.ID, func(ctx context.Context) error {
			in := &secretsmanager.DeleteSecretInput{SecretId: id}
			if props.RecoveryWindowDays > 0 {
				in.RecoveryWindowInDays = aws.Int64(props.RecoveryWindowDays)
			} else {
				in.ForceDeleteWithoutRecovery = aws.Bool(true)
			}
			if _, err := c.Secrets.DeleteSecret(ctx, in); err != nil {
				var nf *smtypes.ResourceNotFoundException
				if !errors.As(err, &nf) {
					return err
				}
			}
			logger.Info().Msg("Secret deleted")
			return nil
		})
	}

	return handler(perform, reverse), nil
}

func (p *provider) createSecret(ctx context.Context, c *Clients, props SecretProperties, value string, logger zerolog.Logger) error {
	tags := p.tags(props.Tags)
	in := &secretsmanager.CreateSecretInput{
		Name:         aws.String(props.Name),
		SecretString: aws.String(value),
		Tags:         make([]smtypes.Tag, 0, len(tags)),
	}
	if props.Description != "" {
		in.Description = aws.String(props.Description)
	}
	if props.KMSKeyID != "" {
		in.KmsKeyId = aws.String(props.KMSKeyID)
	}
	for _, k := range sortedKeys(tags) {
		in.Tags = append(in.Tags, smtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	out, err := c.Secrets.CreateSecret(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	logger.Info().Str("arn", aws.ToString(out.ARN)).Msg("Secret created")
	return nil
}
