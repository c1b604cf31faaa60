// Package session is the public entry point of the manager client. A Session
// owns at most one authenticated connection, opens it on demand and runs
// commands over it one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mtmanager/internal/circuitbreaker"
	"mtmanager/internal/crypt"
	"mtmanager/internal/ratelimit"
	"mtmanager/internal/transport"
	"mtmanager/pkg/auth"
	"mtmanager/pkg/core"
	"mtmanager/pkg/protocol"
)

// State represents the lifecycle state of a Session.
type State int

const (
	// StateUnconnected indicates there is no connection.
	StateUnconnected State = iota
	// StateConnected indicates the socket is open and the handshake is running.
	StateConnected
	// StateAuthenticated indicates commands may be sent.
	StateAuthenticated
	// StateClosed indicates the session has been shut down and can no longer be used.
	StateClosed
)

// String returns the string representation of the State.
func (s State) String() string {
	return [...]string{"UNCONNECTED", "CONNECTED", "AUTHENTICATED", "CLOSED"}[s]
}

// Recorder observes connection and command outcomes.
type Recorder interface {
	ObserveConnect(code core.RetCode, elapsed time.Duration)
	ObserveCommand(command string, code core.RetCode, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveConnect(core.RetCode, time.Duration)         {}
func (nopRecorder) ObserveCommand(string, core.RetCode, time.Duration) {}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The session id is added to every event.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithHasher replaces the MD5 password digest used by the handshake.
func WithHasher(h crypt.Hasher) Option {
	return func(s *Session) {
		s.hasher = h
	}
}

// WithRecorder sets the recorder of connection and command outcomes.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// Session is a connection to one trade server under one manager account.
// Sessions are safe for concurrent use; commands are serialized.
type Session struct {
	mu             sync.Mutex
	id             string
	config         *core.Config
	hasher         crypt.Hasher
	logger         zerolog.Logger
	recorder       Recorder
	rateLimiter    *ratelimit.RateLimiter
	circuitBreaker *circuitbreaker.Breaker

	state      State
	conn       *transport.Conn
	dispatcher *protocol.Dispatcher
	createdAt  time.Time
	lastUsed   time.Time
}

// New creates an unconnected Session. The configuration is validated first.
func New(config *core.Config, opts ...Option) (*Session, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	s := &Session{
		id:          uuid.NewString(),
		config:      config,
		hasher:      crypt.MD5Hasher{},
		logger:      zerolog.Nop(),
		recorder:    nopRecorder{},
		rateLimiter: ratelimit.New(config.RateLimitRequests, config.RateLimitPeriod),
		state:       StateUnconnected,
		createdAt:   time.Now(),
	}
	for command, requests := range config.CommandRateLimits {
		s.rateLimiter.SetCommandLimit(command, requests, config.RateLimitPeriod)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session_id", s.id).Logger()

	if config.CircuitBreakerEnabled {
		s.circuitBreaker = circuitbreaker.New(circuitbreaker.ConfigFrom(config))
		s.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
			s.logger.Warn().
				Stringer("from", from).
				Stringer("to", to).
				Msg("connect circuit breaker changed state")
		})
	}

	return s, nil
}

// ID returns the unique id of the session, also logged as session_id.
func (s *Session) ID() string {
	return s.id
}

// Config returns the configuration used to create the session.
func (s *Session) Config() *core.Config {
	return s.config
}

// State returns the current lifecycle state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session holds a connection. It does not
// contact the server; use Ping for that.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect opens and authenticates a connection. It is a no-op when the
// session is already authenticated. On failure the session is left
// unconnected and the error carries the transport or server code.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return closedError("connect")
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	if s.state == StateAuthenticated {
		return nil
	}

	start := time.Now()
	var err error
	if s.circuitBreaker != nil {
		err = s.circuitBreaker.Execute(func() error { return s.open(ctx) })
	} else {
		err = s.open(ctx)
	}
	s.recorder.ObserveConnect(core.CodeOf(err), time.Since(start))

	if err != nil {
		s.logger.Warn().Err(err).Str("server", s.config.Address()).Msg("connect failed")
		return err
	}
	s.logger.Info().
		Str("server", s.config.Address()).
		Uint64("login", s.config.Credentials.Login).
		Bool("crypt", s.config.Crypt).
		Dur("elapsed", time.Since(start)).
		Msg("session authenticated")
	return nil
}

// open dials, runs the handshake and switches on encryption. Any failure
// closes the socket before returning.
func (s *Session) open(ctx context.Context) error {
	creds := s.config.Credentials

	conn := transport.New(transport.Config{Addr: s.config.Address(), Timeout: s.config.Timeout})
	conn.SetLogger(s.logger)
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	s.conn = conn
	s.state = StateConnected

	dispatcher := protocol.NewDispatcher(conn)
	dispatcher.SetLogger(s.logger)

	authenticator := auth.New(dispatcher, creds.Agent, auth.WithHasher(s.hasher))
	authenticator.SetLogger(s.logger)

	result, err := authenticator.Auth(ctx, creds.Login, creds.Password, s.config.Crypt)
	if err != nil {
		s.drop()
		return err
	}

	if s.config.Crypt {
		keys, err := authenticator.SessionKeys(creds.Password, result.CryptRand)
		clear(result.CryptRand)
		if err != nil {
			s.drop()
			return err
		}
		err = conn.EnableEncryption(keys)
		keys.Wipe()
		if err != nil {
			s.drop()
			return err
		}
	}

	s.dispatcher = dispatcher
	s.state = StateAuthenticated
	return nil
}

// drop closes the connection without a goodbye.
func (s *Session) drop() {
	if s.conn != nil {
		_ = s.conn.Disconnect()
	}
	s.conn = nil
	s.dispatcher = nil
	if s.state != StateClosed {
		s.state = StateUnconnected
	}
}

// Disconnect ends the session politely when authenticated and closes the
// connection. It is safe to call repeatedly.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect()
	return nil
}

func (s *Session) disconnect() {
	if s.conn == nil {
		return
	}
	if s.state == StateAuthenticated {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
		if err := s.dispatcher.Quit(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("quit not delivered")
		}
		cancel()
	}
	s.drop()
	s.logger.Info().Msg("session disconnected")
}

// Close disconnects and marks the session unusable.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect()
	s.state = StateClosed
	return nil
}

// Ping checks that the authenticated connection still answers. It does not
// connect. A failed ping drops the connection.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return closedError("ping")
	}
	if s.state != StateAuthenticated {
		return core.WrapError(core.ErrorTypeConnection, core.RetClientNotConnected, "ping", core.ErrNotConnected)
	}

	start := time.Now()
	err := s.dispatcher.Ping(ctx)
	s.recorder.ObserveCommand(protocol.CmdTest, core.CodeOf(err), time.Since(start))
	if err != nil {
		s.logger.Warn().Err(err).Msg("ping failed")
		s.drop()
	}
	return err
}

// Trade posts a balance operation. On success the server ticket is stored in
// t.Ticket and t is returned; no other field changes.
func (s *Session) Trade(ctx context.Context, t *core.Trade) (*core.Trade, error) {
	const op = "trade"
	if t == nil {
		return nil, core.NewAPIError(core.ErrorTypeEncoding, core.RetClientEncoding, op, "trade is required")
	}

	req := protocol.TradeBalanceRequest{
		Login:       t.Login,
		Type:        t.Type,
		Comment:     t.Comment,
		CheckMargin: t.CheckMargin,
	}
	req.Amount.Set(&t.Amount)

	msg, err := protocol.NewTradeBalance(&req)
	if err != nil {
		return nil, err
	}

	var resp protocol.TradeBalanceResponse
	err = s.run(ctx, op, protocol.CmdTradeBalance, func(d *protocol.Dispatcher) error {
		var err error
		resp, err = d.SendTradeBalance(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.Ticket = resp.Ticket
	s.logger.Info().
		Uint64("login", t.Login).
		Stringer("type", t.Type).
		Str("amount", t.Amount.String()).
		Uint64("ticket", t.Ticket).
		Msg("trade posted")
	return t, nil
}

// CreateUser creates a trading account. On success the server-assigned login
// is stored in u.Login and u is returned.
func (s *Session) CreateUser(ctx context.Context, u *core.User) (*core.User, error) {
	const op = "create_user"
	if u == nil {
		return nil, core.NewAPIError(core.ErrorTypeEncoding, core.RetClientEncoding, op, "user is required")
	}

	req := protocol.UserAddRequestFrom(u)
	msg, err := protocol.NewUserAdd(&req)
	if err != nil {
		return nil, err
	}

	var resp protocol.UserAddResponse
	err = s.run(ctx, op, protocol.CmdUserAdd, func(d *protocol.Dispatcher) error {
		var err error
		resp, err = d.SendUserAdd(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	u.Login = resp.Login
	s.logger.Info().
		Uint64("login", u.Login).
		Str("group", u.Group).
		Msg("user created")
	return u, nil
}

// run makes sure the session is authenticated, paces the command and runs fn.
// A failed connect attempt is reported as a connection error keeping the
// underlying code. Transport and protocol failures drop the connection;
// server rejections keep it.
func (s *Session) run(ctx context.Context, op, command string, fn func(d *protocol.Dispatcher) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return closedError(op)
	}

	if s.config.CheckLiveness && s.state == StateAuthenticated {
		if err := s.dispatcher.Ping(ctx); err != nil {
			s.logger.Info().Err(err).Msg("stale connection, reconnecting")
			s.drop()
		}
	}

	if err := s.connect(ctx); err != nil {
		if core.IsConnectionError(err) {
			return err
		}
		return core.WrapError(core.ErrorTypeConnection, core.CodeOf(err), op, err)
	}

	if err := s.rateLimiter.Wait(ctx, command); err != nil {
		code := core.RetErrTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			code = core.RetErrCancel
		}
		return core.WrapError(core.ErrorTypeConnection, code, op, err)
	}

	start := time.Now()
	err := fn(s.dispatcher)
	s.recorder.ObserveCommand(command, core.CodeOf(err), time.Since(start))
	s.lastUsed = time.Now()

	if err != nil {
		if core.IsConnectionError(err) || core.IsProtocolError(err) {
			s.logger.Warn().Err(err).Str("command", command).Msg("connection dropped after command failure")
			s.drop()
		} else {
			s.logger.Info().Err(err).Str("command", command).Msg("command rejected")
		}
		return err
	}
	return nil
}

func closedError(op string) error {
	return core.WrapError(core.ErrorTypeConnection, core.RetClientNotConnected, op, core.ErrSessionClosed)
}

// Stats is a point-in-time view of a session.
type Stats struct {
	State           State
	CreatedAt       time.Time
	LastUsed        time.Time
	BreakerState    string
	BreakerRejected int64
	RateLimited     int64
	RateLimitWait   time.Duration
}

// Stats returns a snapshot of the session state and its guards.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stats := Stats{
		State:     s.state,
		CreatedAt: s.createdAt,
		LastUsed:  s.lastUsed,
	}
	s.mu.Unlock()

	if s.circuitBreaker != nil {
		m := s.circuitBreaker.Metrics()
		stats.BreakerState = m.CurrentState
		stats.BreakerRejected = m.Rejected
	}
	rl := s.rateLimiter.Metrics()
	stats.RateLimited = rl.DeniedRequests
	stats.RateLimitWait = rl.WaitTime
	return stats
}
