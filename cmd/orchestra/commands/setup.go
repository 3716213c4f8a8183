package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/policy"
	awsprovider "github.com/openfroyo/orchestra/pkg/providers/aws"
	"github.com/openfroyo/orchestra/pkg/providers/docker"
	"github.com/openfroyo/orchestra/pkg/providers/remote"
	"github.com/openfroyo/orchestra/pkg/providers/simulated"
	"github.com/openfroyo/orchestra/pkg/snapshot"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// runFlags are the flags shared by the commands that drive an orchestration.
type runFlags struct {
	dryRun     bool
	failures   map[string]int
	workers    int
	noDelay    bool
	pause      time.Duration
	skipPolicy bool
	reverseAll bool
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "log what would be done instead of doing it")
	cmd.Flags().StringToIntVar(&f.failures, "simulate-failure", nil, "with --dry-run, fail an item this many times (-1 always)")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", engine.DefaultWorkers, "number of workers per phase")
	cmd.Flags().BoolVar(&f.noDelay, "no-delay", false, "start tasks without jitter")
	cmd.Flags().DurationVar(&f.pause, "pause", engine.DefaultPause, "wait between provisioning and configuration")
	cmd.Flags().BoolVar(&f.skipPolicy, "skip-policy", false, "skip the policy pre-flight check")
}

// app is everything one orchestration command needs.
type app struct {
	model   *config.Model
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	orch    *engine.Orchestrator
	journal *simulated.Journal
}

// openApp loads the model, runs the policy gate and wires the orchestrator.
func (s *settings) openApp(ctx context.Context, modelPath, operation string, f *runFlags) (a *app, err error) {
	model, err := config.Load(modelPath)
	if err != nil {
		return nil, err
	}

	if !f.skipPolicy {
		if err := s.checkPolicy(ctx, model, operation); err != nil {
			return nil, err
		}
	}

	opened := &app{model: model}
	defer func() {
		if err != nil {
			opened.Close(context.Background())
		}
	}()
	a = opened

	a.tel, err = telemetry.NewTelemetry(s.telemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := a.tel.StartMetricsServer(); err != nil {
		return nil, err
	}

	a.store, err = s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	store := a.store
	a.tel.Events.Subscribe(func(e engine.Event) {
		if err := store.Publish(context.Background(), &e); err != nil {
			log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to store event")
		}
	}, nil)

	reg := engine.NewDefaultRegistry()
	if err := model.DeclareKinds(reg); err != nil {
		return nil, err
	}
	logger := a.tel.Logger.Zerolog()
	if f.dryRun {
		a.journal, err = simulated.Register(reg, simulated.Options{Failures: f.failures, Logger: logger})
	} else {
		err = s.registerProviders(reg, model, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	opts := engine.DefaultOrchestratorOptions()
	opts.Deployment = model.Name
	if opts.Retry, err = model.DefaultRetry(); err != nil {
		return nil, err
	}
	opts.Workers = f.workers
	opts.NoDelay = f.noDelay
	opts.Pause = f.pause
	opts.ReverseAll = f.reverseAll
	a.tel.Apply(&opts)

	opts.Sinks = []engine.SnapshotSink{a.store}
	opts.Source = a.store
	if name := s.v.GetString(keySnapshotBackend); name != "" {
		backend, err := snapshot.NewBackend(name, s.v.GetStringMapString(keySnapshotConfig))
		if err != nil {
			return nil, err
		}
		opts.Sinks = append(opts.Sinks, snapshot.NewExporter(backend, ""))
	}

	a.orch = engine.NewOrchestrator(reg, model, opts)
	return a, nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) {
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

func (s *settings) registerProviders(reg *engine.Registry, model *config.Model, logger zerolog.Logger) error {
	if err := docker.Register(reg, docker.Options{Deployment: model.Name, Logger: logger}); err != nil {
		return err
	}
	awsCfg := s.awsConfig()
	if err := awsprovider.Register(reg, awsprovider.Options{Client: awsCfg, Deployment: model.Name, Logger: logger}); err != nil {
		return err
	}
	return remote.Register(reg, remote.Options{
		Model:   model,
		Secrets: &lazySecrets{cfg: awsCfg},
		Logger:  logger,
	})
}

func (s *settings) awsConfig() awsprovider.ClientConfig {
	return awsprovider.ClientConfig{
		Region:   s.v.GetString(keyAWSRegion),
		Profile:  s.v.GetString(keyAWSProfile),
		Endpoint: s.v.GetString(keyAWSEndpoint),
		// Path-style addressing is what S3-compatible endpoints expect.
		UsePathStyle: s.v.GetString(keyAWSEndpoint) != "",
	}
}

// lazySecrets creates the Secrets Manager client on first use, so models
// without password_secret hosts never load AWS credentials.
type lazySecrets struct {
	cfg      awsprovider.ClientConfig
	once     sync.Once
	resolver *awsprovider.SecretResolver
	err      error
}

func (l *lazySecrets) ResolveSecret(ctx context.Context, name string) (string, error) {
	l.once.Do(func() {
		clients, err := awsprovider.NewClients(ctx, l.cfg)
		if err != nil {
			l.err = err
			return
		}
		l.resolver = awsprovider.NewSecretResolver(clients.Secrets)
	})
	if l.err != nil {
		return "", l.err
	}
	return l.resolver.ResolveSecret(ctx, name)
}

func (s *settings) telemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = s.v.GetString(keyLogLevel)
	if s.v.GetBool(keyVerbose) {
		cfg.Logging.Level = "debug"
	}
	if format := s.v.GetString(keyLogFormat); format != "" {
		cfg.Logging.Format = format
	}

	// Events feed the store, which must see them in order with snapshots.
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false
	cfg.Events.Output = s.v.GetString(keyEvents)

	cfg.Metrics.ListenAddress = s.v.GetString(keyMetricsAddr)

	if exporter := s.v.GetString(keyTraceExporter); exporter != "" && exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = s.v.GetString(keyTraceEndpoint)
	}
	return cfg
}

// checkPolicy evaluates the built-in and configured policies. Warnings are
// logged; blocking violations fail the command.
func (s *settings) checkPolicy(ctx context.Context, model *config.Model, operation string) error {
	result, err := s.evaluatePolicy(ctx, model, operation)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		log.Warn().Str("policy", w.Policy).Str("item", w.Item).Msg(w.Message)
	}
	return result.Err()
}

func (s *settings) evaluatePolicy(ctx context.Context, model *config.Model, operation string) (*policy.Result, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if paths := s.v.GetStringSlice(keyPolicies); len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe.Evaluate(ctx, model, operation)
}

// report prints the outcome of an orchestration command.
func (s *settings) report(cmd *cobra.Command, a *app, runErr error) error {
	aborted := a.orch.AbortedTasks()

	if s.v.GetBool(keyJSON) {
		out := runReport{
			OrchestrationID: a.orch.ID(),
			Deployment:      a.model.Name,
			Status:          a.orch.Status(),
		}
		for _, t := range aborted {
			out.Aborted = append(out.Aborted, abortedReport{
				NodeID:    t.Node.ID(),
				Kind:      t.Node.Kind(),
				ErrorKind: t.ErrorKind,
				Error:     errString(t.Err),
			})
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Orchestration %s: %s\n", a.orch.ID(), a.orch.Status())
		for _, t := range aborted {
			fmt.Fprintf(w, "  aborted %s (%s) [%s]: %s\n", t.Node.ID(), t.Node.Kind(), t.ErrorKind, errString(t.Err))
		}
		if a.journal != nil {
			for _, e := range a.journal.Entries() {
				if e.Err != nil {
					continue
				}
				verb := "perform"
				if e.Direction == engine.DirectionReverse {
					verb = "reverse"
				}
				fmt.Fprintf(w, "  would %s %s/%s\n", verb, e.Domain, e.ItemID)
			}
		}
	}

	return runErr
}

type runReport struct {
	OrchestrationID string                     `json:"orchestration_id"`
	Deployment      string                     `json:"deployment"`
	Status          engine.OrchestrationStatus `json:"status"`
	Aborted         []abortedReport            `json:"aborted,omitempty"`
	Error           string                     `json:"error,omitempty"`
}

type abortedReport struct {
	NodeID    string      `json:"node_id"`
	Kind      engine.Kind `json:"kind"`
	ErrorKind string      `json:"error_kind"`
	Error     string      `json:"error"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
