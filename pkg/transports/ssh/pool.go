package ssh

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Dialer creates a transport for a configuration. NewClient is used
// unless a Pool is given another one.
type Dialer func(cfg *Config) (Transport, error)

// Pool holds one connected transport per user and address. A pool is
// owned by one worker and closed when the worker's pass ends.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]Transport
	dial   Dialer
	logger zerolog.Logger
	closed bool
}

// NewPool creates an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		conns:  make(map[string]Transport),
		logger: logger,
		dial: func(cfg *Config) (Transport, error) {
			c, err := NewClient(cfg)
			if err != nil {
				return nil, err
			}
			return c.WithLogger(logger), nil
		},
	}
}

// WithDialer replaces the function used to create transports.
func (p *Pool) WithDialer(d Dialer) *Pool {
	p.dial = d
	return p
}

// Get returns a connected transport for cfg, reusing a live connection to
// the same user and address.
func (p *Pool) Get(ctx context.Context, cfg *Config) (Transport, error) {
	key := cfg.User + "@" + cfg.Address()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("ssh pool is closed")
	}

	if t, ok := p.conns[key]; ok {
		if t.IsConnected() {
			return t, nil
		}
		delete(p.conns, key)
	}

	t, err := p.dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}

	p.logger.Debug().Str("target", key).Msg("Opened pooled SSH connection")
	p.conns[key] = t
	return t, nil
}

// Len returns the number of cached transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every cached transport.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, t := range p.conns {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, key)
	}
	p.closed = true
	return errors.Join(errs...)
}
