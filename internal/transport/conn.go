// Package transport carries framed manager protocol bodies over a TCP stream.
//
// A Conn owns one socket. Bodies larger than a frame are split into parts that
// share one packet number; after the handshake every body is encrypted with
// the session stream while headers stay in clear text.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtmanager/internal/crypt"
	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// MaxMessageSize bounds a reassembled multi-part body.
const MaxMessageSize = 16 << 20

// Config describes the remote endpoint.
type Config struct {
	// Addr is the host:port of the trade server.
	Addr string
	// Timeout bounds dialing and every Send or Receive. Zero disables it.
	Timeout time.Duration
}

// Conn is a framed connection to a trade server.
type Conn struct {
	config Config
	state  *State
	logger zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	stream *crypt.Stream

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// New creates a disconnected Conn.
func New(config Config) *Conn {
	c := &Conn{
		config: config,
		state:  &State{},
		logger: zerolog.Nop(),
	}
	c.state.Store(StateDisconnected)
	return c
}

// Wrap adopts an established socket. It is used on the accepting side, where
// the greeting has already been consumed.
func Wrap(conn net.Conn, timeout time.Duration) *Conn {
	c := New(Config{Addr: conn.RemoteAddr().String(), Timeout: timeout})
	c.conn = conn
	c.state.Store(StateConnected)
	return c
}

// SetLogger sets the logger used for connection events.
func (c *Conn) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return c.state.Load()
}

// IsConnected reports whether the socket is open.
func (c *Conn) IsConnected() bool {
	return c.state.Load() == StateConnected
}

// Encrypted reports whether bodies are encrypted.
func (c *Conn) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Connect dials the server and writes the protocol greeting. Connecting an
// already connected Conn is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		current := c.state.Load()
		if current == StateConnected {
			return nil
		}
		return core.NewAPIError(core.ErrorTypeConnection, core.RetErrConnection, "connect",
			fmt.Sprintf("invalid state for connect: %s", current))
	}

	dialer := net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		c.state.Store(StateDisconnected)
		c.logger.Warn().Err(err).Str("addr", c.config.Addr).Msg("dial failed")
		return connectError(ctx, err)
	}

	stop := c.arm(ctx, conn)
	_, err = conn.Write([]byte(wire.Greeting))
	stop()
	if err != nil {
		_ = conn.Close()
		c.state.Store(StateDisconnected)
		c.logger.Warn().Err(err).Str("addr", c.config.Addr).Msg("greeting failed")
		return connectError(ctx, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = nil
	c.mu.Unlock()
	c.state.Store(StateConnected)

	c.logger.Info().Str("addr", c.config.Addr).Msg("connected")
	return nil
}

// EnableEncryption switches both directions to the session stream built from keys.
func (c *Conn) EnableEncryption(keys crypt.SessionKeys) error {
	stream, err := crypt.NewStream(keys)
	if err != nil {
		return core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, "enable_encryption", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return core.NewAPIError(core.ErrorTypeConnection, core.RetClientNotConnected, "enable_encryption", "")
	}
	c.stream = stream
	return nil
}

// Disconnect closes the socket. It is safe to call repeatedly.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.stream = nil
	c.mu.Unlock()

	c.state.Store(StateDisconnected)
	if conn == nil {
		return nil
	}

	c.logger.Info().Str("addr", c.config.Addr).Msg("disconnected")
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Send writes body as one or more frames carrying number.
func (c *Conn) Send(ctx context.Context, number uint16, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn, stream := c.current()
	if conn == nil {
		return core.NewAPIError(core.ErrorTypeConnection, core.RetClientNotConnected, "send", "")
	}

	if stream != nil {
		body = stream.Encrypt(body)
	}

	parts := wire.Split(body)
	buf := make([]byte, 0, len(body)+len(parts)*wire.HeaderSize)
	for i, part := range parts {
		header := wire.Header{Size: len(part), Number: number, More: i < len(parts)-1}
		buf = append(buf, header.Encode()...)
		buf = append(buf, part...)
	}

	stop := c.arm(ctx, conn)
	_, err := conn.Write(buf)
	stop()
	if err != nil {
		c.fail(conn)
		return ioError(ctx, "send", err)
	}

	c.logger.Debug().Uint16("number", number).Int("size", len(body)).Int("parts", len(parts)).Msg("sent")
	return nil
}

// Receive reads one complete message and returns its packet number and plain body.
func (c *Conn) Receive(ctx context.Context) (uint16, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	conn, _ := c.current()
	if conn == nil {
		return 0, nil, core.NewAPIError(core.ErrorTypeConnection, core.RetClientNotConnected, "receive", "")
	}

	stop := c.arm(ctx, conn)
	defer stop()

	var (
		body   []byte
		number uint16
		parts  int
		head   [wire.HeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			c.fail(conn)
			return 0, nil, ioError(ctx, "receive", err)
		}

		header, err := wire.ParseHeader(head[:])
		if err != nil {
			c.fail(conn)
			return 0, nil, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, "receive", err)
		}
		if parts > 0 && header.Number != number {
			c.fail(conn)
			return 0, nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, "receive",
				fmt.Sprintf("part carries packet %d, message started with %d", header.Number, number))
		}
		if len(body)+header.Size > MaxMessageSize {
			c.fail(conn)
			return 0, nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, "receive",
				fmt.Sprintf("message exceeds %d bytes", MaxMessageSize))
		}

		number = header.Number
		parts++

		start := len(body)
		body = append(body, make([]byte, header.Size)...)
		if _, err := io.ReadFull(conn, body[start:]); err != nil {
			c.fail(conn)
			return 0, nil, ioError(ctx, "receive", err)
		}

		if !header.More {
			break
		}
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		body = stream.Decrypt(body)
	}

	c.logger.Debug().Uint16("number", number).Int("size", len(body)).Int("parts", parts).Msg("received")
	return number, body, nil
}

func (c *Conn) current() (net.Conn, *crypt.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.stream
}

// fail drops conn after an I/O or framing error unless it was already replaced.
func (c *Conn) fail(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stream = nil
	c.mu.Unlock()

	c.state.Store(StateDisconnected)
	_ = conn.Close()
	c.logger.Warn().Str("addr", c.config.Addr).Msg("connection dropped")
}

// arm sets the socket deadline to the earlier of the context deadline and the
// configured timeout, and expires it when ctx is canceled. The returned func
// disarms both.
func (c *Conn) arm(ctx context.Context, conn net.Conn) func() {
	var deadline time.Time
	if c.config.Timeout > 0 {
		deadline = time.Now().Add(c.config.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func connectError(ctx context.Context, err error) error {
	apiErr := ioError(ctx, "connect", err)
	if apiErr.Code == core.RetErrNetwork {
		apiErr.Code = core.RetErrConnection
	}
	return apiErr
}

func ioError(ctx context.Context, op string, err error) *core.APIError {
	code := core.RetErrNetwork
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		code = core.RetErrCancel
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		code = core.RetErrTimeout
	}
	return core.WrapError(core.ErrorTypeConnection, code, op, err)
}
