package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtmanager/internal/mt5test"
	"mtmanager/pkg/core"
	"mtmanager/pkg/protocol"
)

const (
	testLogin    = 1000
	testPassword = "Manager1"
)

func testConfig(srv *mt5test.Server) *core.Config {
	host, port := srv.Addr()
	return core.DefaultConfig(host, port).
		WithCredentials(testLogin, testPassword).
		WithTimeout(time.Second)
}

func startServer(t *testing.T, cfg mt5test.Config) *mt5test.Server {
	t.Helper()
	cfg.Login = testLogin
	cfg.Password = testPassword
	return mt5test.Start(t, cfg)
}

func newSession(t *testing.T, config *core.Config, opts ...Option) *Session {
	t.Helper()
	s, err := New(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func deposit(t *testing.T) *core.Trade {
	t.Helper()
	trade, err := core.NewTrade(5001, core.TradeDeposit, "100.00", "Deposit")
	require.NoError(t, err)
	return trade
}

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *core.Config
		wantErr bool
	}{
		{
			name:   "valid config",
			config: core.DefaultConfig("127.0.0.1", 443).WithCredentials(testLogin, testPassword),
		},
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "missing credentials",
			config:  core.DefaultConfig("127.0.0.1", 443),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateUnconnected, s.State())
			assert.False(t, s.IsConnected())
			assert.NotEmpty(t, s.ID())
			assert.Same(t, tt.config, s.Config())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "UNCONNECTED", StateUnconnected.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "AUTHENTICATED", StateAuthenticated.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
}

func TestSession_Connect(t *testing.T) {
	for _, crypt := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "crypt"}[crypt], func(t *testing.T) {
			srv := startServer(t, mt5test.Config{})
			s := newSession(t, testConfig(srv).WithCrypt(crypt))

			require.NoError(t, s.Connect(context.Background()))
			assert.Equal(t, StateAuthenticated, s.State())
			assert.True(t, s.IsConnected())
			assert.NoError(t, s.Ping(context.Background()))

			require.NoError(t, s.Connect(context.Background()), "connect is a no-op once authenticated")
			assert.Equal(t, 1, srv.Accepted())
		})
	}
}

func TestSession_Connect_InvalidPassword(t *testing.T) {
	srv := startServer(t, mt5test.Config{})
	config := testConfig(srv)
	config.Credentials.Password = "wrong"
	s := newSession(t, config)

	err := s.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, core.IsAuthError(err))
	assert.True(t, core.CodeOf(err).IsAuth())
	assert.Equal(t, StateUnconnected, s.State())
	assert.False(t, s.IsConnected())
}

func TestSession_Connect_Refused(t *testing.T) {
	s := newSession(t, core.DefaultConfig("127.0.0.1", closedPort(t)).
		WithCredentials(testLogin, testPassword).
		WithCircuitBreaker(false))

	err := s.Connect(context.Background())

	assert.True(t, core.IsConnectionError(err))
	assert.Equal(t, core.RetErrConnection, core.CodeOf(err))
	assert.False(t, s.IsConnected())
}

func TestSession_Trade(t *testing.T) {
	srv := startServer(t, mt5test.Config{Ticket: 42})
	s := newSession(t, testConfig(srv))

	trade := deposit(t)
	got, err := s.Trade(context.Background(), trade)

	require.NoError(t, err)
	assert.Same(t, trade, got)
	assert.Equal(t, uint64(42), got.Ticket)
	assert.Equal(t, uint64(5001), got.Login)
	assert.Equal(t, core.TradeDeposit, got.Type)
	assert.Equal(t, "100.00", got.Amount.String())
	assert.Equal(t, "Deposit", got.Comment)

	req := srv.Last(protocol.CmdTradeBalance)
	require.NotNil(t, req)
	assert.Equal(t, "5001", req.Get("LOGIN"))
	assert.Equal(t, "2", req.Get("TYPE"))
	assert.Equal(t, "100.00", req.Get("BALANCE"))
}

func TestSession_Trade_Rejected(t *testing.T) {
	srv := startServer(t, mt5test.Config{TradeRetCode: core.RetRequestNoMoney})
	s := newSession(t, testConfig(srv))

	trade := deposit(t)
	got, err := s.Trade(context.Background(), trade)

	assert.Nil(t, got)
	assert.True(t, core.IsTradeError(err))
	assert.Equal(t, core.RetRequestNoMoney, core.CodeOf(err))
	assert.Zero(t, trade.Ticket)

	assert.True(t, s.IsConnected(), "a rejection keeps the connection")
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, 1, srv.Accepted())
}

func TestSession_Trade_ConnectFailure(t *testing.T) {
	srv := startServer(t, mt5test.Config{})
	config := testConfig(srv)
	config.Credentials.Password = "wrong"
	s := newSession(t, config)

	_, err := s.Trade(context.Background(), deposit(t))

	assert.True(t, core.IsConnectionError(err))
	assert.Equal(t, core.RetAuthAccountInvalid, core.CodeOf(err))
	assert.NotContains(t, srv.Commands(), protocol.CmdTradeBalance)
}

func TestSession_Trade_Nil(t *testing.T) {
	s := newSession(t, core.DefaultConfig("127.0.0.1", 443).WithCredentials(testLogin, testPassword))

	_, err := s.Trade(context.Background(), nil)
	assert.True(t, core.IsEncodingError(err))

	_, err = s.CreateUser(context.Background(), nil)
	assert.True(t, core.IsEncodingError(err))
}

func TestSession_CreateUser(t *testing.T) {
	tests := []struct {
		name       string
		loginParam bool
	}{
		{name: "json record"},
		{name: "login param", loginParam: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, mt5test.Config{NewLogin: 100234, UserLoginParam: tt.loginParam})
			s := newSession(t, testConfig(srv))

			user := core.NewUser()
			user.Group = "demo\\forex"
			user.Name = "John Smith"
			user.Email = "john@example.com"
			user.MainPassword = "Main1234"
			user.InvestorPassword = "Invest12"

			got, err := s.CreateUser(context.Background(), user)

			require.NoError(t, err)
			assert.Same(t, user, got)
			assert.Equal(t, uint64(100234), got.Login)

			req := srv.Last(protocol.CmdUserAdd)
			require.NotNil(t, req)
			assert.Equal(t, "demo\\forex", req.Get("GROUP"))
			assert.Equal(t, "John Smith", req.Get("NAME"))
		})
	}
}

func TestSession_CreateUser_Rejected(t *testing.T) {
	srv := startServer(t, mt5test.Config{UserRetCode: core.RetUsrLoginExist})
	s := newSession(t, testConfig(srv))

	_, err := s.CreateUser(context.Background(), core.NewUser())

	assert.True(t, core.IsUserError(err))
	assert.Equal(t, core.RetUsrLoginExist, core.CodeOf(err))
	assert.True(t, s.IsConnected())
}

func TestSession_InvalidInputNeverConnects(t *testing.T) {
	tests := []struct {
		name    string
		command string
		call    func(t *testing.T, s *Session) error
	}{
		{
			name:    "overlong name",
			command: protocol.CmdUserAdd,
			call: func(t *testing.T, s *Session) error {
				user := core.NewUser()
				user.Name = strings.Repeat("x", 200)
				_, err := s.CreateUser(context.Background(), user)
				return err
			},
		},
		{
			name:    "invalid utf-8 name",
			command: protocol.CmdUserAdd,
			call: func(t *testing.T, s *Session) error {
				user := core.NewUser()
				user.Name = "ab\xffcd"
				_, err := s.CreateUser(context.Background(), user)
				return err
			},
		},
		{
			name:    "invalid trade type",
			command: protocol.CmdTradeBalance,
			call: func(t *testing.T, s *Session) error {
				trade := deposit(t)
				trade.Type = core.TradeType(42)
				_, err := s.Trade(context.Background(), trade)
				return err
			},
		},
		{
			name:    "overlong comment",
			command: protocol.CmdTradeBalance,
			call: func(t *testing.T, s *Session) error {
				trade := deposit(t)
				trade.Comment = strings.Repeat("c", 33)
				_, err := s.Trade(context.Background(), trade)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, mt5test.Config{NewLogin: 100234, Ticket: 42})
			s := newSession(t, testConfig(srv))

			err := tt.call(t, s)

			require.Error(t, err)
			assert.True(t, core.IsEncodingError(err))
			assert.Equal(t, core.RetClientEncoding, core.CodeOf(err))
			assert.Zero(t, srv.Accepted())
			assert.False(t, s.IsConnected())
			assert.Equal(t, StateUnconnected, s.State())
			assert.NotContains(t, srv.Commands(), tt.command)
		})
	}
}

func TestSession_InvalidInputKeepsConnection(t *testing.T) {
	srv := startServer(t, mt5test.Config{NewLogin: 100234})
	s := newSession(t, testConfig(srv))
	require.NoError(t, s.Connect(context.Background()))

	user := core.NewUser()
	user.Name = strings.Repeat("x", 200)

	_, err := s.CreateUser(context.Background(), user)

	assert.True(t, core.IsEncodingError(err))
	assert.Zero(t, user.Login)
	assert.NotContains(t, srv.Commands(), protocol.CmdUserAdd)
	assert.True(t, s.IsConnected())
	assert.Equal(t, 1, srv.Accepted())
}

func TestSession_SilentServerTimesOut(t *testing.T) {
	srv := startServer(t, mt5test.Config{Silent: true})
	timeout := 200 * time.Millisecond
	s := newSession(t, testConfig(srv).WithTimeout(timeout))
	require.NoError(t, s.Connect(context.Background()))

	start := time.Now()
	_, err := s.Trade(context.Background(), deposit(t))
	elapsed := time.Since(start)

	assert.True(t, core.IsConnectionError(err))
	assert.Equal(t, core.RetErrTimeout, core.CodeOf(err))
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.False(t, s.IsConnected())
	assert.Equal(t, StateUnconnected, s.State())
}

func TestSession_Disconnect(t *testing.T) {
	srv := startServer(t, mt5test.Config{})
	s := newSession(t, testConfig(srv))
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())
	assert.Equal(t, StateUnconnected, s.State())

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())

	assert.Eventually(t, func() bool {
		return srv.Last(protocol.CmdQuit) != nil
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, filter(srv.Commands(), protocol.CmdQuit), 1)
}

func TestSession_DisconnectNeverConnected(t *testing.T) {
	s := newSession(t, core.DefaultConfig("127.0.0.1", 443).WithCredentials(testLogin, testPassword))
	assert.NoError(t, s.Disconnect())
	assert.NoError(t, s.Disconnect())
}

func TestSession_ReconnectsAfterDisconnect(t *testing.T) {
	srv := startServer(t, mt5test.Config{Ticket: 7})
	s := newSession(t, testConfig(srv))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())

	got, err := s.Trade(context.Background(), deposit(t))

	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Ticket)
	assert.Equal(t, 2, srv.Accepted())
}

func TestSession_Close(t *testing.T) {
	srv := startServer(t, mt5test.Config{})
	s := newSession(t, testConfig(srv))
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrSessionClosed)

	_, err = s.Trade(context.Background(), deposit(t))
	assert.ErrorIs(t, err, core.ErrSessionClosed)

	assert.ErrorIs(t, s.Ping(context.Background()), core.ErrSessionClosed)
}

func TestSession_PingNotConnected(t *testing.T) {
	s := newSession(t, core.DefaultConfig("127.0.0.1", 443).WithCredentials(testLogin, testPassword))

	err := s.Ping(context.Background())

	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.Equal(t, core.RetClientNotConnected, core.CodeOf(err))
}

func TestSession_Liveness(t *testing.T) {
	tests := []struct {
		name         string
		liveness     bool
		wantFirstErr bool
	}{
		{name: "liveness check reconnects", liveness: true},
		{name: "stale connection fails once", liveness: false, wantFirstErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, mt5test.Config{Ticket: 42})
			s := newSession(t, testConfig(srv).WithLivenessCheck(tt.liveness))
			require.NoError(t, s.Connect(context.Background()))

			srv.DropConnections()

			_, err := s.Trade(context.Background(), deposit(t))
			if tt.wantFirstErr {
				assert.True(t, core.IsConnectionError(err))
				assert.False(t, s.IsConnected())

				_, err = s.Trade(context.Background(), deposit(t))
			}

			require.NoError(t, err)
			assert.True(t, s.IsConnected())
			assert.Equal(t, 2, srv.Accepted())
		})
	}
}

func TestSession_CircuitBreakerOpens(t *testing.T) {
	config := core.DefaultConfig("127.0.0.1", closedPort(t)).
		WithCredentials(testLogin, testPassword).
		WithTimeout(200 * time.Millisecond)
	config.CircuitBreakerFailThreshold = 2
	config.CircuitBreakerTimeout = time.Minute
	s := newSession(t, config)

	for i := 0; i < 2; i++ {
		err := s.Connect(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, core.ErrCircuitBreakerOpen)
	}

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.True(t, core.IsConnectionError(err))

	stats := s.Stats()
	assert.Equal(t, "OPEN", stats.BreakerState)
	assert.Equal(t, int64(1), stats.BreakerRejected)
}

func TestSession_ContextCanceled(t *testing.T) {
	srv := startServer(t, mt5test.Config{Silent: true})
	s := newSession(t, testConfig(srv).WithTimeout(5*time.Second))
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.Trade(ctx, deposit(t))

	assert.Equal(t, core.RetErrCancel, core.CodeOf(err))
	assert.False(t, s.IsConnected())
}

type observation struct {
	command string
	code    core.RetCode
}

type fakeRecorder struct {
	mu       sync.Mutex
	connects []core.RetCode
	commands []observation
}

func (r *fakeRecorder) ObserveConnect(code core.RetCode, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, code)
}

func (r *fakeRecorder) ObserveCommand(command string, code core.RetCode, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, observation{command, code})
}

func TestSession_Recorder(t *testing.T) {
	srv := startServer(t, mt5test.Config{Ticket: 1, UserRetCode: core.RetUsrLoginExist})
	rec := &fakeRecorder{}
	s := newSession(t, testConfig(srv), WithRecorder(rec))

	_, err := s.Trade(context.Background(), deposit(t))
	require.NoError(t, err)
	_, err = s.CreateUser(context.Background(), core.NewUser())
	require.Error(t, err)

	assert.Equal(t, []core.RetCode{core.RetOK}, rec.connects)
	assert.Equal(t, []observation{
		{protocol.CmdTradeBalance, core.RetOK},
		{protocol.CmdUserAdd, core.RetUsrLoginExist},
	}, rec.commands)
}

func TestSession_Stats(t *testing.T) {
	srv := startServer(t, mt5test.Config{})
	s := newSession(t, testConfig(srv).WithCircuitBreaker(false))

	before := s.Stats()
	assert.Equal(t, StateUnconnected, before.State)
	assert.True(t, before.LastUsed.IsZero())
	assert.Empty(t, before.BreakerState)

	_, err := s.Trade(context.Background(), deposit(t))
	require.NoError(t, err)

	after := s.Stats()
	assert.Equal(t, StateAuthenticated, after.State)
	assert.False(t, after.LastUsed.IsZero())
	assert.False(t, after.LastUsed.Before(after.CreatedAt))
}

func TestSession_CommandRateLimit(t *testing.T) {
	srv := startServer(t, mt5test.Config{NewLogin: 100234, Ticket: 42})
	config := testConfig(srv).
		WithRateLimit(50, time.Minute).
		WithCommandRateLimit(protocol.CmdUserAdd, 1)
	s := newSession(t, config)

	_, err := s.CreateUser(context.Background(), core.NewUser())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.CreateUser(ctx, core.NewUser())

	require.Error(t, err)
	assert.True(t, core.IsConnectionError(err))
	assert.Equal(t, core.RetErrTimeout, core.CodeOf(err))
	assert.Len(t, filter(srv.Commands(), protocol.CmdUserAdd), 1)

	_, err = s.Trade(context.Background(), deposit(t))
	require.NoError(t, err, "other commands only see the session limit")

	assert.True(t, s.IsConnected())
	assert.Equal(t, int64(1), s.Stats().RateLimited)
}

func filter(names []string, want string) []string {
	var out []string
	for _, n := range names {
		if n == want {
			out = append(out, n)
		}
	}
	return out
}
