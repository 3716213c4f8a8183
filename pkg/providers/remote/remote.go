// Package remote runs configuration and execution steps on hosts over SSH.
//
// Script steps upload a script and run it, check steps run a command and
// judge its output with a Starlark program, and command steps run a single
// command line. Every step may name an undo command that runs when the step
// is reversed.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/providers"
	"github.com/openfroyo/orchestra/pkg/telemetry"
	"github.com/openfroyo/orchestra/pkg/transports/ssh"
)

// ProviderName keys the remote run context.
const ProviderName = "remote"

// DefaultScriptDir holds uploaded scripts that name no destination.
const DefaultScriptDir = "/tmp/orchestra"

// SecretResolver looks up host passwords stored outside the model.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, name string) (string, error)
}

// Options configures the remote provider.
type Options struct {
	// Model supplies the hosts steps refer to.
	Model *config.Model

	// Secrets resolves host password_secret references.
	Secrets SecretResolver

	// Evaluator runs check programs. Defaults to a StarlarkEvaluator with
	// the default timeout.
	Evaluator *config.StarlarkEvaluator

	// Dialer replaces ssh.NewClient in each worker's pool.
	Dialer ssh.Dialer

	Logger zerolog.Logger
}

// Register binds the step handlers to the configuration and execution
// domains. Steps of a kind without its own handler are dispatched on their
// fields: a check program makes a check, a script or source makes a script,
// anything else is a command.
func Register(reg *engine.Registry, opts Options) error {
	if opts.Model == nil {
		return errors.New("remote provider needs a model")
	}
	if opts.Evaluator == nil {
		opts.Evaluator = config.NewStarlarkEvaluator(0)
	}

	p := &provider{opts: opts}
	rc := engine.StaticProvider{
		ProviderName: ProviderName,
		New: func(ctx context.Context) (engine.RunContext, error) {
			pool := ssh.NewPool(opts.Logger)
			if opts.Dialer != nil {
				pool.WithDialer(opts.Dialer)
			}
			return pool, nil
		},
	}

	bindings := []struct {
		domain  engine.Domain
		kind    engine.Kind
		factory engine.HandlerFactory
	}{
		{engine.DomainConfiguration, engine.KindStep, p.stepHandler},
		{engine.DomainConfiguration, engine.KindScript, p.scriptHandler},
		{engine.DomainConfiguration, engine.KindCheck, p.checkHandler},
		{engine.DomainExecution, engine.KindStep, p.stepHandler},
		{engine.DomainExecution, engine.KindCommand, p.commandHandler},
	}
	for _, b := range bindings {
		if err := reg.Register(b.domain, b.kind, b.factory, rc); err != nil {
			return err
		}
	}
	return nil
}

type provider struct {
	opts Options
}

func stepOf(item engine.Item) (*config.Step, error) {
	s, ok := item.(*config.Step)
	if !ok {
		return nil, fmt.Errorf("remote handlers need a step, got %T", item)
	}
	return s, nil
}

func poolOf(rc engine.RunContext) (*ssh.Pool, error) {
	pool, ok := rc.(*ssh.Pool)
	if !ok || pool == nil {
		return nil, engine.NewPermanentError("remote run context is not an ssh pool", nil).
			WithCode(engine.ErrCodeInternal)
	}
	return pool, nil
}

func (p *provider) stepHandler(item engine.Item, retry engine.RetryPolicy) (engine.Handler, error) {
	step, err := stepOf(item)
	if err != nil {
		return nil, err
	}
	switch {
	case step.Check != "":
		return p.checkHandler(item, retry)
	case step.Script != "" || step.Source != "":
		return p.scriptHandler(item, retry)
	default:
		return p.commandHandler(item, retry)
	}
}

// target is a step bound to its host, ready to run on a worker's pool.
type target struct {
	p      *provider
	step   *config.Step
	host   *config.Host
	logger zerolog.Logger
}

func (p *provider) target(item engine.Item, needHost bool) (*target, error) {
	step, err := stepOf(item)
	if err != nil {
		return nil, err
	}
	if _, err := step.TimeoutDuration(); err != nil {
		return nil, fmt.Errorf("invalid timeout %q: %w", step.Timeout, err)
	}

	t := &target{p: p, step: step}
	if step.Host != "" {
		host, ok := p.opts.Model.Host(step.Host)
		if !ok {
			return nil, fmt.Errorf("step %s refers to unknown host %s", step.ID, step.Host)
		}
		t.host = host
	} else if needHost {
		return nil, fmt.Errorf("step %s needs a host", step.ID)
	}

	lc := p.opts.Logger.With().Str("provider", ProviderName).Str("node_id", step.ID)
	if t.host != nil {
		lc = lc.Str("host", t.host.ID)
	}
	t.logger = lc.Logger()
	return t, nil
}

// sshConfig maps the host onto a transport configuration.
func (t *target) sshConfig(ctx context.Context) (*ssh.Config, error) {
	h := t.host
	cfg := ssh.DefaultConfig(h.Address, h.User)
	if h.Port > 0 {
		cfg.Port = h.Port
	}
	if h.KnownHostsFile != "" {
		cfg.KnownHostsPath = h.KnownHostsFile
	}
	cfg.InsecureIgnoreHostKey = h.InsecureIgnoreHostKey

	switch {
	case h.PasswordSecret != "":
		if t.p.opts.Secrets == nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("host %s uses password_secret but no secret store is configured", h.ID), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		pw, err := t.p.opts.Secrets.ResolveSecret(ctx, h.PasswordSecret)
		if err != nil {
			return nil, err
		}
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = pw
	case h.Password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = h.Password
	case h.KeyFile != "":
		cfg.PrivateKeyPath = h.KeyFile
	}
	return cfg, nil
}

// run executes command on the host within the step's timeout.
func (t *target) run(ctx context.Context, pool *ssh.Pool, op, command string) (*ssh.ExecResult, error) {
	var result *ssh.ExecResult
	err := telemetry.RecordProviderOperation(ctx, ProviderName, op, func(ctx context.Context) error {
		if timeout, _ := t.step.TimeoutDuration(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		tr, cfg, err := t.connect(ctx, pool)
		if err != nil {
			return err
		}
		cmd := ssh.Command{Cmd: command, Env: t.step.Env, Sudo: t.step.Sudo}
		if t.step.Sudo {
			cmd.SudoPassword = cfg.Password
		}
		result, err = tr.Run(ctx, cmd)
		return err
	})
	if err != nil {
		return nil, t.classify(op, err)
	}
	return result, nil
}

func (t *target) connect(ctx context.Context, pool *ssh.Pool) (ssh.Transport, *ssh.Config, error) {
	cfg, err := t.sshConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	tr, err := pool.Get(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return tr, cfg, nil
}

// classify maps transport failures onto engine error classes.
func (t *target) classify(op string, err error) error {
	var te *ssh.TransportError
	if errors.As(err, &te) && te.IsAuthError {
		return engine.NewPermanentError("ssh authentication failed", err).
			WithCode(engine.ErrCodeAuth).
			WithResource(t.step.ID).
			WithOperation(op).
			WithDetail("host", t.host.ID)
	}
	fallback := engine.ErrorClassTransient
	if te == nil {
		fallback = engine.ErrorClassPermanent
	}
	return providers.Classify(ProviderName, op, t.step.ID, err, fallback)
}

// commandFailed reports a command that ran and exited non-zero.
func (t *target) commandFailed(op string, result *ssh.ExecResult) error {
	return engine.NewPermanentError(fmt.Sprintf("%s on %s failed", op, t.host.ID), result.Err()).
		WithCode(engine.ErrCodeCommandFailed).
		WithResource(t.step.ID).
		WithOperation(op).
		WithDetail("exit_code", result.ExitCode)
}

// undo runs the step's undo command, if it has one.
func (t *target) undo(ctx context.Context, pool *ssh.Pool) error {
	if t.step.Undo == "" {
		t.logger.Debug().Msg("Nothing to undo")
		return nil
	}
	result, err := t.run(ctx, pool, "undo", t.step.Undo)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return t.commandFailed("undo", result)
	}
	t.logger.Info().Dur("duration", result.Duration).Msg("Undo completed")
	return nil
}

func (t *target) handler(perform, reverse func(ctx context.Context, pool *ssh.Pool) error) engine.Handler {
	return engine.HandlerFuncs{
		PerformFunc: func(ctx context.Context, rc engine.RunContext) error {
			pool, err := poolOf(rc)
			if err != nil {
				return err
			}
			return perform(ctx, pool)
		},
		ReverseFunc: func(ctx context.Context, rc engine.RunContext) error {
			pool, err := poolOf(rc)
			if err != nil {
				return err
			}
			return reverse(ctx, pool)
		},
	}
}

func (p *provider) commandHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	t, err := p.target(item, true)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.step.Command) == "" {
		return nil, fmt.Errorf("step %s has no command", t.step.ID)
	}

	perform := func(ctx context.Context, pool *ssh.Pool) error {
		result, err := t.run(ctx, pool, "command", t.step.Command)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return t.commandFailed("command", result)
		}
		t.logger.Info().Dur("duration", result.Duration).Msg("Command completed")
		return nil
	}
	return t.handler(perform, t.undo), nil
}

// scriptPath is where the step's script is uploaded.
func scriptPath(step *config.Step) string {
	if step.Destination != "" {
		return step.Destination
	}
	return path.Join(DefaultScriptDir, step.ID+".sh")
}

func (p *provider) scriptHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	t, err := p.target(item, true)
	if err != nil {
		return nil, err
	}
	if t.step.Script == "" && t.step.Source == "" {
		return nil, fmt.Errorf("step %s has neither script nor source", t.step.ID)
	}
	dest := scriptPath(t.step)

	perform := func(ctx context.Context, pool *ssh.Pool) error {
		err := telemetry.RecordProviderOperation(ctx, ProviderName, "upload", func(ctx context.Context) error {
			tr, _, err := t.connect(ctx, pool)
			if err != nil {
				return err
			}
			var res *ssh.FileTransferResult
			if t.step.Source != "" {
				res, err = tr.UploadFile(ctx, t.step.Source, dest, 0o700)
			} else {
				res, err = tr.Upload(ctx, strings.NewReader(t.step.Script), dest, 0o700)
			}
			if err != nil {
				return err
			}
			t.logger.Debug().Str("path", dest).Str("checksum", res.Checksum).Msg("Script uploaded")
			return nil
		})
		if err != nil {
			return t.classify("upload", err)
		}

		command := t.step.Command
		if command == "" {
			command = "sh " + ssh.ShellQuote(dest)
		}
		result, err := t.run(ctx, pool, "script", command)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return t.commandFailed("script", result)
		}
		t.logger.Info().Str("path", dest).Dur("duration", result.Duration).Msg("Script completed")
		return nil
	}

	reverse := func(ctx context.Context, pool *ssh.Pool) error {
		if err := t.undo(ctx, pool); err != nil {
			return err
		}
		err := telemetry.RecordProviderOperation(ctx, ProviderName, "remove", func(ctx context.Context) error {
			tr, _, err := t.connect(ctx, pool)
			if err != nil {
				return err
			}
			return tr.Remove(ctx, dest)
		})
		if err != nil {
			return t.classify("remove", err)
		}
		return nil
	}

	return t.handler(perform, reverse), nil
}

func (p *provider) checkHandler(item engine.Item, _ engine.RetryPolicy) (engine.Handler, error) {
	t, err := p.target(item, false)
	if err != nil {
		return nil, err
	}
	if t.step.Check == "" {
		return nil, fmt.Errorf("step %s has no check program", t.step.ID)
	}
	if t.host != nil && t.step.Command == "" {
		return nil, fmt.Errorf("check %s on host %s has no command", t.step.ID, t.host.ID)
	}

	perform := func(ctx context.Context, pool *ssh.Pool) error {
		input := map[string]interface{}{
			"exit_status": 0,
			"stdout":      "",
			"stderr":      "",
		}
		if t.step.Properties != nil {
			input["properties"] = t.step.Properties
		}

		if t.host != nil {
			result, err := t.run(ctx, pool, "check", t.step.Command)
			if err != nil {
				return err
			}
			input["exit_status"] = result.ExitCode
			input["stdout"] = result.Stdout
			input["stderr"] = result.Stderr
		}

		res, err := p.opts.Evaluator.EvaluateCheck(ctx, t.step.Check, input)
		if err != nil {
			return providers.Classify(ProviderName, "check", t.step.ID, err, engine.ErrorClassPermanent)
		}
		if !res.OK {
			msg := "check failed"
			if res.Reason != "" {
				msg += ": " + res.Reason
			}
			return engine.NewPermanentError(msg, nil).
				WithCode(engine.ErrCodeCheckFailed).
				WithResource(t.step.ID).
				WithOperation("check")
		}
		t.logger.Info().Msg("Check passed")
		return nil
	}

	// A check changes nothing, so reversing it only runs an explicit undo.
	reverse := func(ctx context.Context, pool *ssh.Pool) error {
		if t.host == nil {
			return nil
		}
		return t.undo(ctx, pool)
	}

	return t.handler(perform, reverse), nil
}
