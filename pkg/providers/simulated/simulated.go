// Package simulated provides dry-run handlers for every domain. Handlers log
// and journal what they would do instead of touching any system.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/providers"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// ProviderName keys the simulated run context.
const ProviderName = "simulated"

// FailAlways makes every attempt of an item fail.
const FailAlways = -1

// Options configures the simulated provider.
type Options struct {
	// Delay is how long each action takes.
	Delay time.Duration

	// Failures maps item IDs to the number of forward attempts that fail
	// before one succeeds. FailAlways fails every attempt.
	Failures map[string]int

	Logger zerolog.Logger
}

// Entry is one journaled action.
type Entry struct {
	Domain    engine.Domain
	Direction engine.Direction
	ItemID    string
	Kind      engine.Kind
	Session   int64
	Err       error
	At        time.Time
}

// Journal records actions in the order they completed.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
}

func (j *Journal) add(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

// Entries returns a copy of the journal.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

// Succeeded returns the IDs of items whose action in direction succeeded,
// in completion order.
func (j *Journal) Succeeded(d engine.Direction) []string {
	var ids []string
	for _, e := range j.Entries() {
		if e.Direction == d && e.Err == nil {
			ids = append(ids, e.ItemID)
		}
	}
	return ids
}

// Session is the per-worker run context.
type Session struct {
	ID int64
}

// Register binds dry-run handlers to the base kind of every domain, so
// every kind in the hierarchy resolves to them. It returns the journal the
// handlers write to.
func Register(reg *engine.Registry, opts Options) (*Journal, error) {
	journal := &Journal{}
	var sessions atomic.Int64
	provider := engine.StaticProvider{
		ProviderName: ProviderName,
		New: func(ctx context.Context) (engine.RunContext, error) {
			return &Session{ID: sessions.Add(1)}, nil
		},
	}

	var attemptsMu sync.Mutex
	attempts := make(map[string]int)

	bases := map[engine.Domain]engine.Kind{
		engine.DomainProvisioning:  engine.KindResource,
		engine.DomainConfiguration: engine.KindStep,
		engine.DomainExecution:     engine.KindStep,
	}
	for domain, kind := range bases {
		domain := domain
		factory := func(item engine.Item, retry engine.RetryPolicy) (engine.Handler, error) {
			h := &handler{
				domain:  domain,
				item:    item,
				opts:    opts,
				journal: journal,
				logger: opts.Logger.With().
					Str("provider", ProviderName).
					Str("domain", string(domain)).
					Str("node_id", item.ItemID()).Logger(),
			}
			h.failNext = func() bool {
				budget, ok := opts.Failures[item.ItemID()]
				if !ok {
					return false
				}
				if budget == FailAlways {
					return true
				}
				attemptsMu.Lock()
				defer attemptsMu.Unlock()
				attempts[item.ItemID()]++
				return attempts[item.ItemID()] <= budget
			}
			return h, nil
		}
		if err := reg.Register(domain, kind, factory, provider); err != nil {
			return nil, err
		}
	}
	return journal, nil
}

type handler struct {
	domain   engine.Domain
	item     engine.Item
	opts     Options
	journal  *Journal
	logger   zerolog.Logger
	failNext func() bool
}

func (h *handler) Perform(ctx context.Context, rc engine.RunContext) error {
	return h.act(ctx, rc, engine.DirectionForward)
}

func (h *handler) Reverse(ctx context.Context, rc engine.RunContext) error {
	return h.act(ctx, rc, engine.DirectionReverse)
}

func (h *handler) act(ctx context.Context, rc engine.RunContext, d engine.Direction) error {
	op := "perform"
	if d == engine.DirectionReverse {
		op = "reverse"
	}

	err := telemetry.RecordProviderOperation(ctx, ProviderName, op, func(ctx context.Context) error {
		if h.opts.Delay > 0 {
			t := time.NewTimer(h.opts.Delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
		if d == engine.DirectionForward && h.failNext() {
			return fmt.Errorf("simulated failure of %s", h.item.ItemID())
		}
		return nil
	})
	err = providers.Classify(ProviderName, op, h.item.ItemID(), err, engine.ErrorClassTransient)

	var session int64
	if s, ok := rc.(*Session); ok {
		session = s.ID
	}
	h.journal.add(Entry{
		Domain:    h.domain,
		Direction: d,
		ItemID:    h.item.ItemID(),
		Kind:      h.item.ItemKind(),
		Session:   session,
		Err:       err,
		At:        time.Now(),
	})

	if err != nil {
		h.logger.Warn().Err(err).Str("direction", string(d)).Msg("Simulated action failed")
		return err
	}
	h.logger.Info().
		Str("direction", string(d)).
		Str("kind", string(h.item.ItemKind())).
		Msgf("Would %s %s", op, h.item.ItemName())
	return nil
}
