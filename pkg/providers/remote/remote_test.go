package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/transports/ssh"
)

// fakeHost records what the provider does on one host.
type fakeHost struct {
	mu       sync.Mutex
	configs  []*ssh.Config
	commands []ssh.Command
	files    map[string]string
	modes    map[string]uint32
	removed  []string
	replies  map[string]*ssh.ExecResult
	dialErr  error
	dials    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:   make(map[string]string),
		modes:   make(map[string]uint32),
		replies: make(map[string]*ssh.ExecResult),
	}
}

func (h *fakeHost) dialer() ssh.Dialer {
	return func(cfg *ssh.Config) (ssh.Transport, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dials++
		h.configs = append(h.configs, cfg)
		if h.dialErr != nil {
			return nil, h.dialErr
		}
		return &fakeTransport{host: h}, nil
	}
}

type fakeTransport struct {
	host      *fakeHost
	connected bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeTransport) Run(ctx context.Context, cmd ssh.Command) (*ssh.ExecResult, error) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.host.commands = append(f.host.commands, cmd)
	if r, ok := f.host.replies[cmd.Cmd]; ok {
		return r, nil
	}
	return &ssh.ExecResult{StartedAt: time.Now()}, nil
}

func (f *fakeTransport) Upload(ctx context.Context, r io.Reader, remotePath string, mode uint32) (*ssh.FileTransferResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.host.files[remotePath] = string(data)
	f.host.modes[remotePath] = mode
	return &ssh.FileTransferResult{BytesTransferred: int64(len(data))}, nil
}

func (f *fakeTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*ssh.FileTransferResult, error) {
	return f.Upload(ctx, strings.NewReader("file:"+localPath), remotePath, mode)
}

func (f *fakeTransport) Remove(ctx context.Context, remotePath string) error {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	delete(f.host.files, remotePath)
	f.host.removed = append(f.host.removed, remotePath)
	return nil
}

func (f *fakeTransport) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	return "", nil
}

func (f *fakeTransport) GetConnectionInfo() ssh.ConnectionInfo { return ssh.ConnectionInfo{} }

type fakeSecrets map[string]string

func (s fakeSecrets) ResolveSecret(ctx context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.New("no such secret")
	}
	return v, nil
}

func webModel() *config.Model {
	return &config.Model{
		Name: "shop",
		Hosts: []config.Host{
			{ID: "web", Address: "10.0.0.5", Port: 2222, User: "deploy", PasswordSecret: "hosts/web", InsecureIgnoreHostKey: true},
		},
		Configurations: []config.Step{
			{
				ID:     "install",
				Kind:   engine.KindScript,
				Host:   "web",
				Script: "apt-get install -y nginx\n",
				Undo:   "apt-get remove -y nginx",
				Sudo:   true,
			},
			{
				ID:      "nginx-up",
				Kind:    engine.KindCheck,
				Host:    "web",
				Depends: []string{"install"},
				Command: "systemctl is-active nginx",
				Check:   `ok = exit_status == 0 and stdout.strip() == "active"`,
			},
			{
				ID:         "sized",
				Kind:       engine.KindCheck,
				Check:      `ok = properties["replicas"] >= 2`,
				Properties: map[string]interface{}{"replicas": 3},
			},
		},
		Executions: []config.Step{
			{
				ID:      "deploy",
				Kind:    engine.KindCommand,
				Host:    "web",
				Command: "systemctl reload nginx",
				Env:     map[string]string{"RELEASE": "42"},
				Timeout: "30s",
			},
		},
	}
}

func newRegistry(t *testing.T, host *fakeHost, model *config.Model) *engine.Registry {
	t.Helper()
	reg := engine.NewDefaultRegistry()
	err := Register(reg, Options{
		Model:   model,
		Secrets: fakeSecrets{"hosts/web": "s3cret"},
		Dialer:  host.dialer(),
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

func newOrchestrator(t *testing.T, host *fakeHost, model *config.Model) *engine.Orchestrator {
	t.Helper()
	opts := engine.DefaultOrchestratorOptions()
	opts.Deployment = model.Name
	opts.NoDelay = true
	opts.Pause = 0
	opts.Retry, _ = engine.NewRetryPolicy(1, 0)
	return engine.NewOrchestrator(newRegistry(t, host, model), model, opts)
}

func TestConfigureAndExecute(t *testing.T) {
	host := newFakeHost()
	host.replies["systemctl is-active nginx"] = &ssh.ExecResult{Stdout: "active\n"}
	o := newOrchestrator(t, host, webModel())

	ctx := context.Background()
	if err := o.RunPhase(ctx, engine.DomainConfiguration); err != nil {
		t.Fatalf("configuration failed: %v", err)
	}
	if err := o.RunPhase(ctx, engine.DomainExecution); err != nil {
		t.Fatalf("execution failed: %v", err)
	}

	script := "/tmp/orchestra/install.sh"
	if host.files[script] != "apt-get install -y nginx\n" || host.modes[script] != 0o700 {
		t.Errorf("Expected uploaded script, got %v %v", host.files, host.modes)
	}

	var cmds []string
	for _, c := range host.commands {
		cmds = append(cmds, c.Cmd)
	}
	want := []string{"sh '/tmp/orchestra/install.sh'", "systemctl is-active nginx", "systemctl reload nginx"}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Errorf("Expected commands %v, got %v", want, cmds)
	}

	install := host.commands[0]
	if !install.Sudo || install.SudoPassword != "s3cret" {
		t.Errorf("Expected sudo with the resolved password, got %+v", install)
	}
	if host.commands[2].Env["RELEASE"] != "42" {
		t.Errorf("Expected env passed through, got %v", host.commands[2].Env)
	}

	cfg := host.configs[0]
	if cfg.Host != "10.0.0.5" || cfg.Port != 2222 || cfg.User != "deploy" ||
		cfg.AuthMethod != ssh.AuthMethodPassword || cfg.Password != "s3cret" || !cfg.InsecureIgnoreHostKey {
		t.Errorf("Unexpected ssh config %+v", cfg)
	}
}

func TestCheck_Fails(t *testing.T) {
	host := newFakeHost()
	host.replies["systemctl is-active nginx"] = &ssh.ExecResult{Stdout: "inactive\n", ExitCode: 3}
	model := webModel()
	o := newOrchestrator(t, host, model)

	err := o.RunPhase(context.Background(), engine.DomainConfiguration)
	if err == nil {
		t.Fatal("Expected configuration to abort")
	}

	aborted := o.AbortedTasks()
	if len(aborted) != 1 || aborted[0].Node.ID() != "nginx-up" {
		t.Fatalf("Expected nginx-up aborted, got %+v", aborted)
	}
	var ee *engine.EngineError
	if !errors.As(aborted[0].Err, &ee) || ee.Code != engine.ErrCodeCheckFailed {
		t.Errorf("Expected a check failure, got %v", aborted[0].Err)
	}
}

func TestCommand_NonZeroExit(t *testing.T) {
	host := newFakeHost()
	host.replies["false"] = &ssh.ExecResult{ExitCode: 1, Stderr: "nope"}
	model := webModel()
	p := &provider{opts: Options{Model: model, Secrets: fakeSecrets{"hosts/web": "pw"}, Logger: zerolog.Nop()}}

	h, err := p.commandHandler(&config.Step{ID: "c", Kind: engine.KindCommand, Host: "web", Command: "false"}, engine.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("commandHandler failed: %v", err)
	}
	pool := ssh.NewPool(zerolog.Nop()).WithDialer(host.dialer())
	defer pool.Close()

	err = h.Perform(context.Background(), pool)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeCommandFailed || !engine.IsPermanent(err) {
		t.Fatalf("Expected permanent command failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestScript_ReverseRunsUndoAndRemoves(t *testing.T) {
	host := newFakeHost()
	model := webModel()
	p := &provider{opts: Options{Model: model, Secrets: fakeSecrets{"hosts/web": "pw"}, Logger: zerolog.Nop()}}

	h, err := p.scriptHandler(&model.Configurations[0], engine.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("scriptHandler failed: %v", err)
	}
	pool := ssh.NewPool(zerolog.Nop()).WithDialer(host.dialer())
	defer pool.Close()

	ctx := context.Background()
	if err := h.Perform(ctx, pool); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if err := h.Reverse(ctx, pool); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}

	last := host.commands[len(host.commands)-1]
	if last.Cmd != "apt-get remove -y nginx" {
		t.Errorf("Expected undo command, got %q", last.Cmd)
	}
	if len(host.removed) != 1 || host.removed[0] != "/tmp/orchestra/install.sh" {
		t.Errorf("Expected uploaded script removed, got %v", host.removed)
	}
	if host.dials != 1 {
		t.Errorf("Expected the pooled connection reused, got %d dials", host.dials)
	}
}

func TestScript_SourceAndDestination(t *testing.T) {
	host := newFakeHost()
	model := webModel()
	p := &provider{opts: Options{Model: model, Secrets: fakeSecrets{"hosts/web": "pw"}, Logger: zerolog.Nop()}}

	step := &config.Step{ID: "s", Kind: engine.KindScript, Host: "web", Source: "scripts/setup.sh", Destination: "/opt/setup.sh", Command: "/opt/setup.sh --fast"}
	h, err := p.scriptHandler(step, engine.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("scriptHandler failed: %v", err)
	}
	pool := ssh.NewPool(zerolog.Nop()).WithDialer(host.dialer())
	defer pool.Close()

	if err := h.Perform(context.Background(), pool); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if host.files["/opt/setup.sh"] != "file:scripts/setup.sh" {
		t.Errorf("Expected source uploaded to destination, got %v", host.files)
	}
	if host.commands[0].Cmd != "/opt/setup.sh --fast" {
		t.Errorf("Expected explicit command, got %q", host.commands[0].Cmd)
	}
}

func TestAuthFailureIsPermanent(t *testing.T) {
	host := newFakeHost()
	host.dialErr = &ssh.TransportError{Op: "connect", Host: "10.0.0.5:2222", Err: errors.New("unable to authenticate"), IsAuthError: true}
	model := webModel()
	p := &provider{opts: Options{Model: model, Secrets: fakeSecrets{"hosts/web": "pw"}, Logger: zerolog.Nop()}}

	h, _ := p.commandHandler(&model.Executions[0], engine.DefaultRetryPolicy())
	pool := ssh.NewPool(zerolog.Nop()).WithDialer(host.dialer())
	defer pool.Close()

	err := h.Perform(context.Background(), pool)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeAuth || !engine.IsPermanent(err) {
		t.Errorf("Expected permanent auth error, got %v", err)
	}

	host.dialErr = &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
	if err := h.Perform(context.Background(), pool); !engine.IsTransient(err) {
		t.Errorf("Expected transient connect error, got %v", err)
	}
}

func TestSSHConfig_Auth(t *testing.T) {
	tests := []struct {
		name     string
		host     config.Host
		secrets  SecretResolver
		wantAuth ssh.AuthMethod
		wantPW   string
		wantErr  bool
	}{
		{"key", config.Host{ID: "h", Address: "a", User: "u", KeyFile: "/k"}, nil, ssh.AuthMethodKey, "", false},
		{"password", config.Host{ID: "h", Address: "a", User: "u", Password: "pw"}, nil, ssh.AuthMethodPassword, "pw", false},
		{"secret", config.Host{ID: "h", Address: "a", User: "u", PasswordSecret: "s"}, fakeSecrets{"s": "x"}, ssh.AuthMethodPassword, "x", false},
		{"secret without store", config.Host{ID: "h", Address: "a", User: "u", PasswordSecret: "s"}, nil, "", "", true},
		{"missing secret", config.Host{ID: "h", Address: "a", User: "u", PasswordSecret: "s"}, fakeSecrets{}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := tt.host
			tg := &target{
				p:    &provider{opts: Options{Secrets: tt.secrets}},
				step: &config.Step{ID: "s"},
				host: &host,
			}
			cfg, err := tg.sshConfig(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("sshConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cfg.AuthMethod != tt.wantAuth || cfg.Password != tt.wantPW {
				t.Errorf("Expected %s/%q, got %s/%q", tt.wantAuth, tt.wantPW, cfg.AuthMethod, cfg.Password)
			}
		})
	}
}

func TestHandlers_InvalidSteps(t *testing.T) {
	model := webModel()
	p := &provider{opts: Options{Model: model, Evaluator: config.NewStarlarkEvaluator(0), Logger: zerolog.Nop()}}

	tests := []struct {
		name    string
		factory engine.HandlerFactory
		item    engine.Item
	}{
		{"unknown host", p.commandHandler, &config.Step{ID: "c", Host: "db", Command: "true"}},
		{"command without host", p.commandHandler, &config.Step{ID: "c", Command: "true"}},
		{"empty command", p.commandHandler, &config.Step{ID: "c", Host: "web"}},
		{"script without body", p.scriptHandler, &config.Step{ID: "s", Host: "web"}},
		{"check without program", p.checkHandler, &config.Step{ID: "k"}},
		{"remote check without command", p.checkHandler, &config.Step{ID: "k", Host: "web", Check: "ok = True"}},
		{"bad timeout", p.commandHandler, &config.Step{ID: "c", Host: "web", Command: "true", Timeout: "soon"}},
		{"resource", p.commandHandler, &config.Resource{ID: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.factory(tt.item, engine.DefaultRetryPolicy()); err == nil {
				t.Error("Expected factory to reject step")
			}
		})
	}
}

func TestStepHandler_Dispatch(t *testing.T) {
	host := newFakeHost()
	model := webModel()
	p := &provider{opts: Options{Model: model, Evaluator: config.NewStarlarkEvaluator(0), Secrets: fakeSecrets{"hosts/web": "pw"}, Logger: zerolog.Nop()}}
	pool := ssh.NewPool(zerolog.Nop()).WithDialer(host.dialer())
	defer pool.Close()

	h, err := p.stepHandler(&config.Step{ID: "local", Kind: engine.KindStep, Check: "ok = False\nreason = \"nope\""}, engine.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("stepHandler failed: %v", err)
	}
	if err := h.Perform(context.Background(), pool); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("Expected the check reason in the error, got %v", err)
	}
	if host.dials != 0 {
		t.Errorf("Expected a local check not to connect, got %d dials", host.dials)
	}

	h, err = p.stepHandler(&config.Step{ID: "cmd", Kind: engine.KindStep, Host: "web", Command: "uptime"}, engine.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("stepHandler failed: %v", err)
	}
	if err := h.Perform(context.Background(), pool); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if len(host.commands) != 1 || host.commands[0].Cmd != "uptime" {
		t.Errorf("Expected uptime to run, got %+v", host.commands)
	}
}

func TestRegister_RequiresModel(t *testing.T) {
	if err := Register(engine.NewDefaultRegistry(), Options{}); err == nil {
		t.Error("Expected Register without a model to fail")
	}
}
