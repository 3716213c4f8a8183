package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// ErrStreamClosed is returned by Publish after Shutdown.
var ErrStreamClosed = errors.New("event stream closed")

// EventSubscriber handles a published event.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventStream writes engine events as JSON lines and fans them out to
// subscribers. It implements engine.EventPublisher.
type EventStream struct {
	config EventsConfig

	out    io.Writer
	closer io.Closer
	enc    *json.Encoder
	outMu  sync.Mutex

	mu          sync.RWMutex
	subscribers []subscriberEntry
	filters     []EventFilter
	closed      bool
	logger      zerolog.Logger

	buffer chan engine.Event
	wg     sync.WaitGroup
}

var _ engine.EventPublisher = (*EventStream)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventStream creates an event stream from configuration.
// A disabled stream accepts and discards every event.
func NewEventStream(cfg EventsConfig) (*EventStream, error) {
	if !cfg.Enabled {
		return &EventStream{config: cfg, logger: zerolog.Nop()}, nil
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "":
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open event stream: %w", err)
		}
		out = file
		closer = file
	}

	es := NewEventStreamWriter(cfg, out)
	es.closer = closer
	return es, nil
}

// NewEventStreamWriter creates an enabled event stream writing to w.
// A nil w only feeds subscribers.
func NewEventStreamWriter(cfg EventsConfig, w io.Writer) *EventStream {
	cfg.Enabled = true
	es := &EventStream{
		config:      cfg,
		out:         w,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		logger:      zerolog.Nop(),
	}
	if w != nil {
		es.enc = json.NewEncoder(w)
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		es.buffer = make(chan engine.Event, size)
		es.wg.Add(1)
		go es.processEvents()
	}
	return es
}

// Publish implements engine.EventPublisher.
func (es *EventStream) Publish(ctx context.Context, event *engine.Event) error {
	if !es.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Version == "" {
		e.Version = engine.EventSchemaVersion
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	if es.closed {
		return ErrStreamClosed
	}
	for _, filter := range es.filters {
		if !filter(e) {
			return nil
		}
	}

	if es.buffer == nil {
		es.deliver(e)
		return nil
	}

	select {
	case es.buffer <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("event buffer full, %s event dropped", e.Type)
	}
}

// Subscribe adds a subscriber; a nil filter receives every event.
func (es *EventStream) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.subscribers = append(es.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (es *EventStream) AddFilter(filter EventFilter) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.filters = append(es.filters, filter)
}

// SetLogger sets the logger that reports stream write failures.
func (es *EventStream) SetLogger(logger zerolog.Logger) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.logger = logger
}

func (es *EventStream) processEvents() {
	defer es.wg.Done()

	for e := range es.buffer {
		es.mu.RLock()
		es.deliver(e)
		es.mu.RUnlock()
	}
}

// deliver writes e and hands it to subscribers. Callers hold es.mu for reading.
func (es *EventStream) deliver(e engine.Event) {
	if es.enc != nil {
		es.outMu.Lock()
		err := es.enc.Encode(e)
		es.outMu.Unlock()
		// Subscribers still get the event.
		if err != nil {
			es.logger.Debug().Err(err).Str("event_type", string(e.Type)).Msg("Failed to write event")
		}
	}

	for _, entry := range es.subscribers {
		if entry.filter != nil && !entry.filter(e) {
			continue
		}
		entry.subscriber(e)
	}
}

// Shutdown drains buffered events and closes the output file.
func (es *EventStream) Shutdown(ctx context.Context) error {
	if !es.config.Enabled {
		return nil
	}

	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return nil
	}
	es.closed = true
	if es.buffer != nil {
		close(es.buffer)
	}
	es.mu.Unlock()

	done := make(chan struct{})
	go func() {
		es.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("event stream shutdown timeout")
	}

	if es.closer != nil {
		return es.closer.Close()
	}
	return nil
}

// FilterByClass creates a filter that only allows events of the given classes.
func FilterByClass(classes ...engine.EventClass) EventFilter {
	set := make(map[engine.EventClass]bool, len(classes))
	for _, c := range classes {
		set[c] = true
	}
	return func(e engine.Event) bool {
		return set[e.Class]
	}
}

// FilterByType creates a filter that only allows events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(e engine.Event) bool {
		return set[e.Type]
	}
}
