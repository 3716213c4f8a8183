package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/providers"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// ProviderName keys the docker run context.
const ProviderName = "docker"

// Labels set on every object the provider creates.
const (
	LabelManaged    = "orchestra.managed"
	LabelItem       = "orchestra.item"
	LabelDeployment = "orchestra.deployment"
)

// Options configures the docker provider.
type Options struct {
	// Deployment prefixes object names and is recorded as a label.
	Deployment string

	// NewAPI creates the client of one worker. Defaults to NewAPI.
	NewAPI func(ctx context.Context) (API, error)

	Logger zerolog.Logger
}

// ServerProperties configure a container.
type ServerProperties struct {
	Image   string            `json:"image" validate:"required"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`

	// Ports are docker port specs such as "8080:80" or "53:53/udp".
	Ports []string `json:"ports"`

	// Networks are IDs of network items to attach to.
	Networks []string `json:"networks"`

	// Volumes are "source:target[:ro]" mounts. A source that is the ID of a
	// volume item names that volume; an absolute path is a bind mount.
	Volumes []string `json:"volumes"`

	Restart string `json:"restart" validate:"omitempty,oneof=no always on-failure unless-stopped"`

	// Pull is the image pull policy.
	Pull string `json:"pull" validate:"omitempty,oneof=always missing never"`
}

// NetworkProperties configure a network.
type NetworkProperties struct {
	Driver   string `json:"driver"`
	Internal bool   `json:"internal"`
	Subnet   string `json:"subnet" validate:"omitempty,cidr"`
}

// VolumeProperties configure a volume.
type VolumeProperties struct {
	Driver     string            `json:"driver"`
	DriverOpts map[string]string `json:"driver_opts"`
}

// Register binds the server, network and volume handlers to the
// provisioning domain.
func Register(reg *engine.Registry, opts Options) error {
	if opts.NewAPI == nil {
		opts.NewAPI = NewAPI
	}
	if opts.Deployment == "" {
		opts.Deployment = "default"
	}

	p := &provider{opts: opts}
	rc := engine.StaticProvider{
		ProviderName: ProviderName,
		New: func(ctx context.Context) (engine.RunContext, error) {
			return opts.NewAPI(ctx)
		},
	}

	factories := map[engine.Kind]engine.HandlerFactory{
		engine.KindServer:  p.serverHandler,
		engine.KindNetwork: p.networkHandler,
		engine.KindVolume:  p.volumeHandler,
	}
	for kind, f := range factories {
		if err := reg.Register(engine.DomainProvisioning, kind, f, rc); err != nil {
			return err
		}
	}
	return nil
}

type provider struct {
	opts Options
}

// objectName is the docker name of the object backing itemID.
func (p *provider) objectName(itemID string) string {
	return p.opts.Deployment + "-" + itemID
}

func (p *provider) labels(itemID string) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelItem:       itemID,
		LabelDeployment: p.opts.Deployment,
	}
}

func (p *provider) logger(item engine.Item) zerolog.Logger {
	return p.opts.Logger.With().
		Str("provider", ProviderName).
		Str("node_id", item.ItemID()).
		Str("name", p.objectName(item.ItemID())).Logger()
}

func resourceOf(item engine.Item) (*config.Resource, error) {
	r, ok := item.(*config.Resource)
	if !ok {
		return nil, fmt.Errorf("docker handlers need a resource, got %T", item)
	}
	return r, nil
}

func apiOf(rc engine.RunContext) (API, error) {
	api, ok := rc.(API)
	if !ok || api == nil {
		return nil, engine.NewPermanentError("docker run context is not a docker client", nil).
			WithCode(engine.ErrCodeInternal)
	}
	return api, nil
}

// call runs fn as a recorded provider operation and classifies its error.
func (p *provider) call(ctx context.Context, op, itemID string, fn func(ctx context.Context) error) error {
	err := telemetry.RecordProviderOperation(ctx, ProviderName, op, fn)
	if err == nil {
		return nil
	}
	fallback := engine.ErrorClassTransient
	switch {
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		fallback = engine.ErrorClassConflict
	case cerrdefs.IsInvalidArgument(err), cerrdefs.IsNotFound(err), cerrdefs.IsPermissionDenied(err):
		fallback = engine.ErrorClassPermanent
	}
	return providers.Classify(ProviderName, op, itemID, err, fallback)
}

// handler adapts perform/reverse closures that receive the worker's API.
func handler(perform, reverse func(ctx context.Context, api API) error) engine.Handler {
	return engine.HandlerFuncs{
		PerformFunc: func(ctx context.Context, rc engine.RunContext) error {
			api, err := apiOf(rc)
			if err != nil {
				return err
			}
			return perform(ctx, api)
		},
		ReverseFunc: func(ctx context.Context, rc engine.RunContext) error {
			api, err := apiOf(rc)
			if err != nil {
				return err
			}
			return reverse(ctx, api)
		},
	}
}

func (p *provider) serverHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	res, err := resourceOf(item)
	if err != nil {
		return nil, err
	}
	var props ServerProperties
	if err := providers.DecodeProperties(res.Properties, &props); err != nil {
		return nil, err
	}
	spec, err := p.containerSpec(res.ID, props)
	if err != nil {
		return nil, err
	}

	name := p.objectName(res.ID)
	logger := p.logger(item)

	perform := func(ctx context.Context, api API) error {
		return p.call(ctx, "container_create", res.ID, func(ctx context.Context) error {
			info, err := api.ContainerInspect(ctx, name)
			switch {
			case err == nil:
				if info.State != nil && info.State.Running {
					logger.Debug().Msg("Container already running")
					return nil
				}
				logger.Info().Msg("Starting existing container")
				return api.ContainerStart(ctx, info.ID, container.StartOptions{})
			case !cerrdefs.IsNotFound(err):
				return err
			}

			if err := ensureImage(ctx, api, props.Image, props.Pull); err != nil {
				return err
			}

			resp, err := api.ContainerCreate(ctx, spec.config, spec.host, spec.network, nil, name)
			if err != nil {
				return fmt.Errorf("failed to create container: %w", err)
			}
			if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
				_ = api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
				return fmt.Errorf("failed to start container: %w", err)
			}
			logger.Info().Str("container_id", resp.ID).Str("image", props.Image).Msg("Container started")
			return nil
		})
	}

	reverse := func(ctx context.Context, api API) error {
		return p.call(ctx, "container_remove", res.ID, func(ctx context.Context) error {
			err := api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
			if err != nil && !cerrdefs.IsNotFound(err) {
				return err
			}
			logger.Info().Msg("Container removed")
			return nil
		})
	}

	return handler(perform, reverse), nil
}

type containerSpec struct {
	config  *container.Config
	host    *container.HostConfig
	network *network.NetworkingConfig
}

func (p *provider) containerSpec(itemID string, props ServerProperties) (*containerSpec, error) {
	exposed, bindings, err := nat.ParsePortSpecs(props.Ports)
	if err != nil {
		return nil, fmt.Errorf("invalid ports: %w", err)
	}

	env := make([]string, 0, len(props.Env))
	for k, v := range props.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	binds := make([]string, 0, len(props.Volumes))
	for _, v := range props.Volumes {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid volume %q: want source:target", v)
		}
		source := parts[0]
		if !strings.HasPrefix(source, "/") && !strings.HasPrefix(source, ".") {
			source = p.objectName(source)
		}
		binds = append(binds, source+":"+parts[1])
	}

	endpoints := make(map[string]*network.EndpointSettings, len(props.Networks))
	for _, id := range props.Networks {
		endpoints[p.objectName(id)] = &network.EndpointSettings{}
	}

	spec := &containerSpec{
		config: &container.Config{
			Image:        props.Image,
			Cmd:          props.Command,
			Env:          env,
			ExposedPorts: exposed,
			Labels:       p.labels(itemID),
		},
		host: &container.HostConfig{
			PortBindings: bindings,
			Binds:        binds,
		},
		network: &network.NetworkingConfig{EndpointsConfig: endpoints},
	}
	if props.Restart != "" {
		spec.host.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(props.Restart)}
	}
	return spec, nil
}

// ensureImage pulls ref according to policy: "missing" (the default) pulls
// only when the image is not present locally.
func ensureImage(ctx context.Context, api API, ref, policy string) error {
	switch policy {
	case "never":
		return nil
	case "always":
	default:
		_, err := api.ImageInspect(ctx, ref)
		if err == nil {
			return nil
		}
		if !cerrdefs.IsNotFound(err) {
			return err
		}
	}

	reader, err := api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *provider) networkHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	res, err := resourceOf(item)
	if err != nil {
		return nil, err
	}
	var props NetworkProperties
	if err := providers.DecodeProperties(res.Properties, &props); err != nil {
		return nil, err
	}
	if props.Driver == "" {
		props.Driver = "bridge"
	}

	name := p.objectName(res.ID)
	logger := p.logger(item)

	perform := func(ctx context.Context, api API) error {
		return p.call(ctx, "network_create", res.ID, func(ctx context.Context) error {
			_, err := api.NetworkInspect(ctx, name, network.InspectOptions{})
			if err == nil {
				logger.Debug().Msg("Network already exists")
				return nil
			}
			if !cerrdefs.IsNotFound(err) {
				return err
			}

			opts := network.CreateOptions{
				Driver:   props.Driver,
				Internal: props.Internal,
				Labels:   p.labels(res.ID),
			}
			if props.Subnet != "" {
				opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{{Subnet: props.Subnet}}}
			}
			resp, err := api.NetworkCreate(ctx, name, opts)
			if err != nil {
				return fmt.Errorf("failed to create network: %w", err)
			}
			logger.Info().Str("network_id", resp.ID).Msg("Network created")
			return nil
		})
	}

	reverse := func(ctx context.Context, api API) error {
		return p.call(ctx, "network_remove", res.ID, func(ctx context.Context) error {
			if err := api.NetworkRemove(ctx, name); err != nil && !cerrdefs.IsNotFound(err) {
				return err
			}
			logger.Info().Msg("Network removed")
			return nil
		})
	}

	return handler(perform, reverse), nil
}

func (p *provider) volumeHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	res, err := resourceOf(item)
	if err != nil {
		return nil, err
	}
	var props VolumeProperties
	if err := providers.DecodeProperties(res.Properties, &props); err != nil {
		return nil, err
	}

	name := p.objectName(res.ID)
	logger := p.logger(item)

	perform := func(ctx context.Context, api API) error {
		return p.call(ctx, "volume_create", res.ID, func(ctx context.Context) error {
			_, err := api.VolumeInspect(ctx, name)
			if err == nil {
				logger.Debug().Msg("Volume already exists")
				return nil
			}
			if !cerrdefs.IsNotFound(err) {
				return err
			}

			if _, err := api.VolumeCreate(ctx, volume.CreateOptions{
				Name:       name,
				Driver:     props.Driver,
				DriverOpts: props.DriverOpts,
				Labels:     p.labels(res.ID),
			}); err != nil {
				return fmt.Errorf("failed to create volume: %w", err)
			}
			logger.Info().Msg("Volume created")
			return nil
		})
	}

	reverse := func(ctx context.Context, api API) error {
		return p.call(ctx, "volume_remove", res.ID, func(ctx context.Context) error {
			if err := api.VolumeRemove(ctx, name, false); err != nil && !cerrdefs.IsNotFound(err) {
				return err
			}
			logger.Info().Msg("Volume removed")
			return nil
		})
	}

	return handler(perform, reverse), nil
}
