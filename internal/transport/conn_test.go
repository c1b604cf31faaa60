package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtmanager/internal/crypt"
	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// pair returns a connected client Conn and the accepted server socket.
func pair(t *testing.T, timeout time.Duration) (*Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client := New(Config{Addr: ln.Addr().String(), Timeout: timeout})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect() })

	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

func readGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, len(wire.Greeting))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, wire.Greeting, string(buf))
}

func testKeys() crypt.SessionKeys {
	return crypt.SessionKeys{
		Key:     bytes.Repeat([]byte{0x11}, crypt.KeySize),
		WriteIV: bytes.Repeat([]byte{0x22}, 16),
		ReadIV:  bytes.Repeat([]byte{0x33}, 16),
	}
}

func TestConn_ConnectSendsGreeting(t *testing.T) {
	client, server := pair(t, time.Second)
	readGreeting(t, server)

	assert.True(t, client.IsConnected())
	assert.Equal(t, StateConnected, client.State())
	assert.False(t, client.Encrypted())

	// a second connect is a no-op
	assert.NoError(t, client.Connect(context.Background()))
}

func TestConn_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := New(Config{Addr: addr, Timeout: time.Second})
	err = client.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, core.IsConnectionError(err))
	assert.Equal(t, core.RetErrConnection, core.CodeOf(err))
	assert.Equal(t, StateDisconnected, client.State())
}

func TestConn_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		encrypt bool
	}{
		{name: "empty", size: 0},
		{name: "small", size: 100},
		{name: "multi_part", size: wire.MaxBodySize*2 + 17},
		{name: "encrypted", size: 300, encrypt: true},
		{name: "encrypted_multi_part", size: wire.MaxBodySize + 1, encrypt: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, raw := pair(t, 2*time.Second)
			readGreeting(t, raw)
			server := Wrap(raw, 2*time.Second)

			if tt.encrypt {
				require.NoError(t, client.EnableEncryption(testKeys()))
				require.NoError(t, server.EnableEncryption(testKeys().Swap()))
				assert.True(t, client.Encrypted())
			}

			body := bytes.Repeat([]byte("ab"), tt.size/2)
			if tt.size%2 == 1 {
				body = append(body, 'z')
			}

			errCh := make(chan error, 1)
			go func() { errCh <- client.Send(context.Background(), 7, body) }()

			number, got, err := server.Receive(context.Background())
			require.NoError(t, err)
			require.NoError(t, <-errCh)
			assert.Equal(t, uint16(7), number)
			assert.Equal(t, len(body), len(got))
			assert.True(t, bytes.Equal(body, got))

			go func() { errCh <- server.Send(context.Background(), 7, []byte("answer")) }()
			number, got, err = client.Receive(context.Background())
			require.NoError(t, err)
			require.NoError(t, <-errCh)
			assert.Equal(t, uint16(7), number)
			assert.Equal(t, "answer", string(got))
		})
	}
}

func TestConn_EncryptedHeaderStaysClear(t *testing.T) {
	client, raw := pair(t, time.Second)
	readGreeting(t, raw)
	require.NoError(t, client.EnableEncryption(testKeys()))

	require.NoError(t, client.Send(context.Background(), 3, []byte("PLAINTEXT")))

	frame := make([]byte, wire.HeaderSize+9)
	_, err := io.ReadFull(raw, frame)
	require.NoError(t, err)
	assert.Equal(t, "000900030", string(frame[:wire.HeaderSize]))
	assert.NotEqual(t, "PLAINTEXT", string(frame[wire.HeaderSize:]))
}

func TestConn_ReceiveTimeout(t *testing.T) {
	timeout := 100 * time.Millisecond
	client, raw := pair(t, timeout)
	readGreeting(t, raw)

	start := time.Now()
	_, _, err := client.Receive(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, core.IsTimeoutError(err))
	assert.True(t, core.IsConnectionError(err))
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.False(t, client.IsConnected())
}

func TestConn_ReceiveContextDeadline(t *testing.T) {
	client, raw := pair(t, 10*time.Second)
	readGreeting(t, raw)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := client.Receive(ctx)
	require.Error(t, err)
	assert.Equal(t, core.RetErrTimeout, core.CodeOf(err))
}

func TestConn_ReceiveCanceled(t *testing.T) {
	client, raw := pair(t, 10*time.Second)
	readGreeting(t, raw)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, _, err := client.Receive(ctx)
	require.Error(t, err)
	assert.Equal(t, core.RetErrCancel, core.CodeOf(err))
	assert.False(t, client.IsConnected())
}

func TestConn_ReceiveMismatchedParts(t *testing.T) {
	client, raw := pair(t, time.Second)
	readGreeting(t, raw)

	var frames []byte
	frames = append(frames, wire.Header{Size: 2, Number: 4, More: true}.Encode()...)
	frames = append(frames, 'a', 0)
	frames = append(frames, wire.Header{Size: 2, Number: 5}.Encode()...)
	frames = append(frames, 'b', 0)
	_, err := raw.Write(frames)
	require.NoError(t, err)

	_, _, err = client.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsProtocolError(err))
	assert.False(t, client.IsConnected())
}

func TestConn_ReceiveMalformedHeader(t *testing.T) {
	client, raw := pair(t, time.Second)
	readGreeting(t, raw)

	_, err := raw.Write([]byte("zzzzzzzz0"))
	require.NoError(t, err)

	_, _, err = client.Receive(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.RetClientProtocol, core.CodeOf(err))
}

func TestConn_ReceivePeerClosed(t *testing.T) {
	client, raw := pair(t, time.Second)
	readGreeting(t, raw)
	require.NoError(t, raw.Close())

	_, _, err := client.Receive(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.RetErrNetwork, core.CodeOf(err))
	assert.False(t, client.IsConnected())
}

func TestConn_NotConnected(t *testing.T) {
	client := New(Config{Addr: "127.0.0.1:1", Timeout: time.Second})

	err := client.Send(context.Background(), 1, []byte("x"))
	assert.Equal(t, core.RetClientNotConnected, core.CodeOf(err))

	_, _, err = client.Receive(context.Background())
	assert.Equal(t, core.RetClientNotConnected, core.CodeOf(err))

	err = client.EnableEncryption(testKeys())
	assert.Equal(t, core.RetClientNotConnected, core.CodeOf(err))
}

func TestConn_DisconnectIdempotent(t *testing.T) {
	client, _ := pair(t, time.Second)

	assert.NoError(t, client.Disconnect())
	assert.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
	assert.False(t, client.Encrypted())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
