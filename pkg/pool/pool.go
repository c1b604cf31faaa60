// Package pool hands concurrent callers exclusive sessions. A session runs one
// exchange at a time, so parallel work needs one session per caller.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mtmanager/pkg/core"
	"mtmanager/pkg/session"
)

// Factory creates a new unconnected session. Sessions connect on first use.
type Factory func() (*session.Session, error)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for pool events.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// member is a session owned by the pool.
type member struct {
	session    *session.Session
	uses       int
	errorCount int
}

// Pool holds up to size sessions, created lazily.
type Pool struct {
	factory Factory
	size    int
	tokens  chan struct{}
	done    chan struct{}
	logger  zerolog.Logger

	mu      sync.Mutex
	idle    []*member
	open    int
	closed  bool
	calls   int64
	failed  int64
	waiting int
}

// New creates a pool of at most size sessions built by factory.
func New(size int, factory Factory, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	p := &Pool{
		factory: factory,
		size:    size,
		tokens:  make(chan struct{}, size),
		done:    make(chan struct{}),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		p.tokens <- struct{}{}
	}
	return p, nil
}

// FromConfig builds a pool whose sessions all use config.
func FromConfig(size int, config *core.Config, opts ...session.Option) (*Pool, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return New(size, func() (*session.Session, error) {
		return session.New(config, opts...)
	})
}

// Do runs fn with a session no other caller is using. It waits for a free
// session until ctx is done. A session whose call failed with a connection or
// protocol error is disconnected before it is handed out again.
func (p *Pool) Do(ctx context.Context, fn func(*session.Session) error) error {
	m, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(m.session)
	p.release(m, err)
	return err
}

func (p *Pool) acquire(ctx context.Context) (*member, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrPoolClosed
	}
	p.waiting++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	select {
	case <-p.tokens:
	case <-p.done:
		return nil, core.ErrPoolClosed
	case <-ctx.Done():
		code := core.RetErrTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			code = core.RetErrCancel
		}
		return nil, core.WrapError(core.ErrorTypeConnection, code, "pool_acquire", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return nil, core.ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		m := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return m, nil
	}
	p.open++
	p.mu.Unlock()

	s, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return nil, fmt.Errorf("create session: %w", err)
	}
	p.logger.Debug().Str("session_id", s.ID()).Msg("pool session created")
	return &member{session: s}, nil
}

func (p *Pool) release(m *member, err error) {
	m.uses++
	if err != nil && (core.IsConnectionError(err) || core.IsProtocolError(err)) {
		m.errorCount++
		_ = m.session.Disconnect()
		p.logger.Warn().
			Err(err).
			Str("session_id", m.session.ID()).
			Int("uses", m.uses).
			Int("errors", m.errorCount).
			Msg("pool session disconnected after failure")
	}

	p.mu.Lock()
	p.calls++
	if err != nil {
		p.failed++
	}
	if p.closed {
		p.open--
		p.mu.Unlock()
		_ = m.session.Close()
		p.tokens <- struct{}{}
		return
	}
	p.idle = append(p.idle, m)
	p.mu.Unlock()
	p.tokens <- struct{}{}
}

// Close closes every idle session and rejects further calls. Sessions in use
// are closed when their call returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	for _, m := range idle {
		_ = m.session.Close()
	}
	p.logger.Info().Int("closed", len(idle)).Msg("pool closed")
	return nil
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Size    int
	Open    int
	Idle    int
	InUse   int
	Waiting int
	Calls   int64
	Failed  int64
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		Open:    p.open,
		Idle:    len(p.idle),
		InUse:   p.open - len(p.idle),
		Waiting: p.waiting,
		Calls:   p.calls,
		Failed:  p.failed,
	}
}
