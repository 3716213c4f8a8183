package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Well-known kinds of the default hierarchy.
const (
	KindResource      Kind = "resource"
	KindCompute       Kind = "compute"
	KindServer        Kind = "server"
	KindNetwork       Kind = "network"
	KindSecurityGroup Kind = "security_group"
	KindStorage       Kind = "storage"
	KindBucket        Kind = "bucket"
	KindVolume        Kind = "volume"
	KindQueue         Kind = "queue"
	KindSecret        Kind = "secret"

	KindStep    Kind = "step"
	KindScript  Kind = "script"
	KindCheck   Kind = "check"
	KindCommand Kind = "command"
)

// Registration binds a handler factory and its context provider to a kind.
type Registration struct {
	Domain   Domain
	Kind     Kind
	Factory  HandlerFactory
	Provider ContextProvider
}

// Registry maps (domain, kind) to handler registrations. Lookups fall back
// along the declared is-a chain, most-derived kind first.
// A Registry is scoped to one orchestration; it holds no process-wide state.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// parents maps a kind to the kind it is-a.
	parents map[Kind]Kind

	// registrations maps domain -> kind -> registration.
	registrations map[Domain]map[Kind]Registration
}

// NewRegistry creates an empty registry with no kinds declared.
func NewRegistry() *Registry {
	return &Registry{
		parents:       make(map[Kind]Kind),
		registrations: make(map[Domain]map[Kind]Registration),
	}
}

// NewDefaultRegistry creates a registry with the default kind hierarchy declared.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, pair := range [][2]Kind{
		{KindResource, ""},
		{KindCompute, KindResource},
		{KindServer, KindCompute},
		{KindNetwork, KindResource},
		{KindSecurityGroup, KindNetwork},
		{KindStorage, KindResource},
		{KindBucket, KindStorage},
		{KindVolume, KindStorage},
		{KindQueue, KindResource},
		{KindSecret, KindResource},
		{KindStep, ""},
		{KindScript, KindStep},
		{KindCheck, KindStep},
		{KindCommand, KindStep},
	} {
		// The default table is acyclic; DeclareKind cannot fail here.
		_ = r.DeclareKind(pair[0], pair[1])
	}
	return r
}

// DeclareKind declares that kind is-a parent. An empty parent declares a root kind.
func (r *Registry) DeclareKind(kind, parent Kind) error {
	if kind == "" {
		return fmt.Errorf("kind must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for p := parent; p != ""; p = r.parents[p] {
		if p == kind {
			return fmt.Errorf("declaring %s is-a %s creates a cycle", kind, parent)
		}
	}
	r.parents[kind] = parent
	return nil
}

// Lineage returns kind followed by its ancestors, most-derived first.
func (r *Registry) Lineage(kind Kind) []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lineageLocked(kind)
}

func (r *Registry) lineageLocked(kind Kind) []Kind {
	lineage := []Kind{kind}
	seen := map[Kind]bool{kind: true}
	for p := r.parents[kind]; p != "" && !seen[p]; p = r.parents[p] {
		lineage = append(lineage, p)
		seen[p] = true
	}
	return lineage
}

// Register binds factory and provider to kind within domain.
// A later registration for the same pair replaces the earlier one.
func (r *Registry) Register(domain Domain, kind Kind, factory HandlerFactory, provider ContextProvider) error {
	if err := domain.Validate(); err != nil {
		return err
	}
	if kind == "" {
		return fmt.Errorf("kind must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("handler factory for %s/%s is nil", domain, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registrations[domain] == nil {
		r.registrations[domain] = make(map[Kind]Registration)
	}
	r.registrations[domain][kind] = Registration{
		Domain:   domain,
		Kind:     kind,
		Factory:  factory,
		Provider: provider,
	}
	return nil
}

// Lookup resolves the registration for kind in domain, walking the is-a chain.
func (r *Registry) Lookup(domain Domain, kind Kind) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byKind := r.registrations[domain]
	for _, k := range r.lineageLocked(kind) {
		if reg, ok := byKind[k]; ok {
			return reg, nil
		}
	}
	return Registration{}, &BuildError{
		Kind:   BuildErrorMissingTaskMapping,
		Domain: domain,
		Detail: fmt.Sprintf("no handler registered for kind %s", kind),
	}
}

// Kinds returns the kinds registered directly in domain, sorted.
func (r *Registry) Kinds(domain Domain) []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.registrations[domain]))
	for k := range r.registrations[domain] {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// workerContexts is the run-context cache owned by a single worker.
type workerContexts struct {
	worker   int
	contexts map[string]RunContext
	logger   zerolog.Logger
}

func newWorkerContexts(worker int, logger zerolog.Logger) *workerContexts {
	return &workerContexts{
		worker:   worker,
		contexts: make(map[string]RunContext),
		logger:   logger,
	}
}

// get returns the cached context for provider, creating it on first use.
func (w *workerContexts) get(ctx context.Context, provider ContextProvider) (RunContext, error) {
	if provider == nil {
		return nil, nil
	}
	name := provider.Name()
	if rc, ok := w.contexts[name]; ok {
		return rc, nil
	}

	rc, err := provider.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s run context: %w", name, err)
	}
	w.contexts[name] = rc
	w.logger.Debug().Int("worker", w.worker).Str("provider", name).Msg("Created run context")
	return rc, nil
}

// close releases every cached context.
func (w *workerContexts) close() {
	for name, rc := range w.contexts {
		if c, ok := rc.(io.Closer); ok {
			if err := c.Close(); err != nil {
				w.logger.Warn().Err(err).Int("worker", w.worker).Str("provider", name).
					Msg("Failed to close run context")
			}
		}
		delete(w.contexts, name)
	}
}
