// Package mt5test runs an in-process trade server speaking the server side of
// the manager protocol, for tests.
package mt5test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"mtmanager/internal/crypt"
	"mtmanager/internal/transport"
	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// Config describes the accounts and canned answers of a Server.
type Config struct {
	// Login and Password are the only manager credentials accepted.
	Login    uint64
	Password string
	// Hasher defaults to crypt.MD5Hasher.
	Hasher crypt.Hasher

	// Ticket is answered to every accepted TRADE_BALANCE.
	Ticket uint64
	// NewLogin is answered to every accepted USER_ADD.
	NewLogin uint64
	// TradeRetCode and UserRetCode reject the respective commands when non-zero.
	TradeRetCode core.RetCode
	UserRetCode  core.RetCode
	// UserLoginParam answers USER_ADD with a LOGIN parameter instead of a JSON record.
	UserLoginParam bool

	// Silent stops answering once a connection is authenticated.
	Silent bool
	// BadServerProof answers the client challenge incorrectly.
	BadServerProof bool
}

// Server is a mock trade server listening on the loopback interface.
type Server struct {
	config Config
	ln     net.Listener
	t      testing.TB

	mu       sync.Mutex
	requests []*wire.Message
	conns    map[net.Conn]struct{}
	accepted int
	closed   bool

	wg sync.WaitGroup
}

// Start listens on a random loopback port and serves until the test ends.
func Start(t testing.TB, config Config) *Server {
	t.Helper()

	if config.Hasher == nil {
		config.Hasher = crypt.MD5Hasher{}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mt5test: listen: %v", err)
	}

	s := &Server{
		config: config,
		ln:     ln,
		t:      t,
		conns:  make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host and port the server listens on.
func (s *Server) Addr() (string, int) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

// Address returns the host:port the server listens on.
func (s *Server) Address() string {
	return s.ln.Addr().String()
}

// Requests returns every decoded request received so far, across connections.
func (s *Server) Requests() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Message(nil), s.requests...)
}

// Commands returns the command names of Requests.
func (s *Server) Commands() []string {
	reqs := s.Requests()
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Command
	}
	return names
}

// Last returns the most recent request with the given command, or nil.
func (s *Server) Last(command string) *wire.Message {
	reqs := s.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Command == command {
			return reqs[i]
		}
	}
	return nil
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open connection without a goodbye.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Close stops the server and waits for its connections to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.handle(conn)
		}()
	}
}

// session is the per-connection handshake state.
type session struct {
	conn          *transport.Conn
	srvRand       []byte
	crypt         bool
	authenticated bool
}

func (s *Server) handle(raw net.Conn) {
	greeting := make([]byte, len(wire.Greeting))
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(raw, greeting); err != nil || string(greeting) != wire.Greeting {
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	sess := &session{conn: transport.Wrap(raw, 0)}
	ctx := context.Background()

	for {
		number, body, err := sess.conn.Receive(ctx)
		if err != nil {
			return
		}
		req, err := wire.Decode(body)
		if err != nil {
			s.t.Logf("mt5test: undecodable request: %v", err)
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if req.Command == "QUIT" {
			return
		}
		if sess.authenticated && s.config.Silent {
			continue
		}

		answer, keys := s.answer(sess, req)
		if err := s.send(sess, number, answer); err != nil {
			return
		}
		if keys != nil {
			if err := sess.conn.EnableEncryption(*keys); err != nil {
				s.t.Logf("mt5test: enable encryption: %v", err)
				return
			}
		}
	}
}

func (s *Server) send(sess *session, number uint16, answer *wire.Message) error {
	body, err := wire.Encode(answer)
	if err != nil {
		return err
	}
	return sess.conn.Send(context.Background(), number, body)
}

func reply(req *wire.Message, code core.RetCode) *wire.Message {
	return wire.NewMessage(req.Command).Set("RETCODE", code.String())
}

// answer builds the reply to req. Non-nil keys switch the connection to
// encryption once the reply is sent.
func (s *Server) answer(sess *session, req *wire.Message) (*wire.Message, *crypt.SessionKeys) {
	switch req.Command {
	case "AUTH_START":
		if req.Get("LOGIN") != strconv.FormatUint(s.config.Login, 10) || req.Get("TYPE") != "MANAGER" {
			return reply(req, core.RetAuthAccountInvalid), nil
		}
		sess.srvRand = random(crypt.RandSize)
		sess.crypt = req.Get("CRYPT_METHOD") == "AES256OFB"
		return reply(req, core.RetOK).Set("SRV_RAND", hex.EncodeToString(sess.srvRand)), nil

	case "AUTH_ANSWER":
		return s.authAnswer(sess, req)
	}

	if !sess.authenticated {
		return reply(req, core.RetErrPermissions), nil
	}

	switch req.Command {
	case "TEST":
		return reply(req, core.RetOK), nil

	case "TRADE_BALANCE":
		if s.config.TradeRetCode != core.RetOK {
			return reply(req, s.config.TradeRetCode), nil
		}
		return reply(req, core.RetOK).Set("TICKET", strconv.FormatUint(s.config.Ticket, 10)), nil

	case "USER_ADD":
		if s.config.UserRetCode != core.RetOK {
			return reply(req, s.config.UserRetCode), nil
		}
		login := strconv.FormatUint(s.config.NewLogin, 10)
		if s.config.UserLoginParam {
			return reply(req, core.RetOK).Set("LOGIN", login), nil
		}
		record, err := sonic.Marshal(map[string]string{
			"Login":    login,
			"Group":    req.Get("GROUP"),
			"Name":     req.Get("NAME"),
			"Email":    req.Get("EMAIL"),
			"Leverage": req.Get("LEVERAGE"),
		})
		if err != nil {
			return reply(req, core.RetError), nil
		}
		return reply(req, core.RetOK).SetJSON(record), nil
	}

	return reply(req, core.RetErrParams), nil
}

func (s *Server) authAnswer(sess *session, req *wire.Message) (*wire.Message, *crypt.SessionKeys) {
	if sess.srvRand == nil {
		return reply(req, core.RetErrParams), nil
	}

	h := s.config.Hasher
	secret := h.PasswordHash(s.config.Password)

	got, err := hex.DecodeString(req.Get("SRV_RAND_ANSWER"))
	if err != nil || !bytes.Equal(got, h.Answer(secret, sess.srvRand)) {
		return reply(req, core.RetAuthAccountInvalid), nil
	}
	cliRand, err := hex.DecodeString(req.Get("CLI_RAND"))
	if err != nil || len(cliRand) != crypt.RandSize {
		return reply(req, core.RetErrParams), nil
	}

	proof := h.Answer(secret, cliRand)
	if s.config.BadServerProof {
		proof = random(len(proof))
	}
	answer := reply(req, core.RetOK).Set("CLI_RAND_ANSWER", hex.EncodeToString(proof))
	sess.authenticated = true

	if !sess.crypt {
		return answer, nil
	}

	cryptRand := random(crypt.CryptRandSize)
	keys, err := crypt.DeriveKeys(h, secret, cryptRand)
	if err != nil {
		return reply(req, core.RetError), nil
	}
	server := keys.Swap()
	return answer.Set("CRYPT_RAND", hex.EncodeToString(cryptRand)), &server
}

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
