// Package circuitbreaker stops a session from hammering an unreachable or
// rejecting trade server with connect attempts.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"mtmanager/pkg/core"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailThreshold    int           `json:"fail_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// ConfigFrom extracts the breaker settings of a session config.
func ConfigFrom(c *core.Config) Config {
	return Config{
		FailThreshold:    c.CircuitBreakerFailThreshold,
		SuccessThreshold: c.CircuitBreakerSuccessThreshold,
		Timeout:          c.CircuitBreakerTimeout,
	}
}

// Breaker counts consecutive connect failures. After FailThreshold failures it
// opens and rejects attempts until Timeout has passed; then a trial attempt is
// let through and SuccessThreshold successes close it again.
type Breaker struct {
	config Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(from, to State)

	metrics Metrics
	now     func() time.Time
}

type Metrics struct {
	attempts     atomic.Int64
	rejected     atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	stateChanges atomic.Int32
}

func New(config Config) *Breaker {
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange registers fn to be called after every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether an attempt may proceed.
func (b *Breaker) Allow() bool {
	b.metrics.attempts.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.config.Timeout {
			b.metrics.rejected.Add(1)
			return false
		}
		b.transitionTo(StateHalfOpen)
	}
	return true
}

// Record feeds the outcome of an allowed attempt.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.metrics.successes.Add(1)
	} else {
		b.metrics.failures.Add(1)
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.config.FailThreshold {
			b.open()
		}
	case StateHalfOpen:
		if !success {
			b.open()
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transitionTo(StateClosed)
		}
	case StateOpen:
		// an attempt admitted before the breaker opened finished late
		if !success {
			b.openedAt = b.now()
		}
	}
}

// Execute runs fn when allowed and records its outcome. A rejected attempt
// returns a connection error wrapping core.ErrCircuitBreakerOpen.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return core.WrapError(core.ErrorTypeConnection, core.RetErrConnection, "connect", core.ErrCircuitBreakerOpen)
	}
	err := fn()
	b.Record(err == nil)
	return err
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.successes = 0
	b.transitionTo(StateOpen)
}

func (b *Breaker) transitionTo(newState State) {
	from := b.state
	if from == newState {
		return
	}
	b.state = newState
	b.metrics.stateChanges.Add(1)
	if b.onChange != nil {
		b.onChange(from, newState)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transitionTo(StateClosed)
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Attempts:     b.metrics.attempts.Load(),
		Rejected:     b.metrics.rejected.Load(),
		Successes:    b.metrics.successes.Load(),
		Failures:     b.metrics.failures.Load(),
		StateChanges: b.metrics.stateChanges.Load(),
		CurrentState: b.State().String(),
	}
}

type MetricsSnapshot struct {
	Attempts     int64
	Rejected     int64
	Successes    int64
	Failures     int64
	StateChanges int32
	CurrentState string
}
