package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// testItem is a minimal model item.
type testItem struct {
	id    string
	kind  Kind
	deps  []string
	retry RetrySpec
}

func (i *testItem) ItemID() string       { return i.id }
func (i *testItem) ItemName() string     { return "item-" + i.id }
func (i *testItem) ItemKind() Kind       { return i.kind }
func (i *testItem) DependsOn() []string  { return i.deps }
func (i *testItem) RetrySpec() RetrySpec { return i.retry }

func item(id string, deps ...string) *testItem {
	return &testItem{id: id, kind: KindServer, deps: deps}
}

// testModel holds items per domain.
type testModel map[Domain][]Item

func (m testModel) Items(d Domain) []Item { return m[d] }

func modelOf(d Domain, items ...*testItem) testModel {
	list := make([]Item, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	return testModel{d: list}
}

// sixNodeItems builds t0..t5 with edges t0→t1, t1→t2, t1→t3, t1→t4, t2→t4, t3→t4, t4→t5.
func sixNodeItems() []*testItem {
	return []*testItem{
		item("t0"),
		item("t1", "t0"),
		item("t2", "t1"),
		item("t3", "t1"),
		item("t4", "t1", "t2", "t3"),
		item("t5", "t4"),
	}
}

// recorder counts handler calls and fails configured items.
type recorder struct {
	mu          sync.Mutex
	performed   []string
	reversed    []string
	calls       map[string]int
	failPerform map[string]bool
	failReverse map[string]bool
	delay       time.Duration
	onPerform   func(id string)
}

func newRecorder() *recorder {
	return &recorder{
		calls:       make(map[string]int),
		failPerform: make(map[string]bool),
		failReverse: make(map[string]bool),
	}
}

func (r *recorder) factory(it Item, _ RetryPolicy) (Handler, error) {
	id := it.ItemID()
	return HandlerFuncs{
		PerformFunc: func(ctx context.Context, rc RunContext) error {
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
			r.mu.Lock()
			r.calls[id]++
			fail := r.failPerform[id]
			if !fail {
				r.performed = append(r.performed, id)
			}
			hook := r.onPerform
			r.mu.Unlock()
			if hook != nil {
				hook(id)
			}
			if fail {
				return NewTransientError("mock failure", fmt.Errorf("perform %s", id))
			}
			return nil
		},
		ReverseFunc: func(ctx context.Context, rc RunContext) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.failReverse[id] {
				return errors.New("mock reverse failure")
			}
			r.reversed = append(r.reversed, id)
			return nil
		},
	}, nil
}

func (r *recorder) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) reverseOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reversed...)
}

func (r *recorder) performOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.performed...)
}

// newTestRegistry registers the recorder for servers and steps in every domain.
func newTestRegistry(r *recorder) *Registry {
	reg := NewDefaultRegistry()
	for _, d := range AllDomains() {
		_ = reg.Register(d, KindResource, r.factory, nil)
		_ = reg.Register(d, KindStep, r.factory, nil)
	}
	return reg
}

// fastScheduler returns a scheduler that records backoff sleeps instead of sleeping.
func fastScheduler(g *Graph, workers int) (*Scheduler, *[]time.Duration) {
	s := NewScheduler(g, SchedulerOptions{Workers: workers, NoDelay: true})
	var mu sync.Mutex
	sleeps := make([]time.Duration, 0)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return s, &sleeps
}

// mockEventPublisher collects events.
type mockEventPublisher struct {
	mu      sync.Mutex
	events  []Event
	onEvent func(e *Event)
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	m.events = append(m.events, *event)
	hook := m.onEvent
	m.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

func (m *mockEventPublisher) ofType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memSnapshots is an in-memory SnapshotSink and SnapshotSource.
type memSnapshots struct {
	mu    sync.Mutex
	saved map[string]*Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{saved: make(map[string]*Snapshot)}
}

func (m *memSnapshots) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[s.Deployment+"/"+string(s.Domain)] = s
	return nil
}

func (m *memSnapshots) LoadSnapshot(ctx context.Context, deployment string, d Domain) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[deployment+"/"+string(d)], nil
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}
