package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// fakeTransport answers each request synchronously through reply.
type fakeTransport struct {
	t       *testing.T
	sent    []*wire.Message
	numbers []uint16
	reply   func(number uint16, req *wire.Message) (uint16, *wire.Message)
	sendErr error
	recvErr error

	answerNumber uint16
	answer       []byte
}

func newFakeTransport(t *testing.T, reply func(number uint16, req *wire.Message) (uint16, *wire.Message)) *fakeTransport {
	return &fakeTransport{t: t, reply: reply}
}

func (f *fakeTransport) Send(_ context.Context, number uint16, body []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	req, err := wire.Decode(body)
	require.NoError(f.t, err)
	f.sent = append(f.sent, req)
	f.numbers = append(f.numbers, number)

	if f.reply != nil {
		n, answer := f.reply(number, req)
		f.answerNumber = n
		f.answer, err = wire.Encode(answer)
		require.NoError(f.t, err)
	}
	return nil
}

func (f *fakeTransport) Receive(context.Context) (uint16, []byte, error) {
	if f.recvErr != nil {
		return 0, nil, f.recvErr
	}
	return f.answerNumber, f.answer, nil
}

func ok(command string) *wire.Message {
	return wire.NewMessage(command).Set(ParamRetCode, "0 Done")
}

func echoOK(number uint16, req *wire.Message) (uint16, *wire.Message) {
	return number, ok(req.Command)
}

func TestDispatcher_PacketNumbers(t *testing.T) {
	ft := newFakeTransport(t, echoOK)
	d := NewDispatcher(ft)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Ping(context.Background()))
	}
	assert.Equal(t, []uint16{1, 2, 3}, ft.numbers)
	assert.Equal(t, uint16(3), d.LastNumber())
}

func TestDispatcher_PacketNumberWraps(t *testing.T) {
	ft := newFakeTransport(t, echoOK)
	d := NewDispatcher(ft)
	d.number = wire.MaxPacketNumber - 1

	require.NoError(t, d.Ping(context.Background()))
	require.NoError(t, d.Ping(context.Background()))
	require.NoError(t, d.Ping(context.Background()))

	assert.Equal(t, []uint16{wire.MaxPacketNumber, 1, 2}, ft.numbers)
}

func TestDispatcher_MismatchedAnswers(t *testing.T) {
	tests := []struct {
		name  string
		reply func(number uint16, req *wire.Message) (uint16, *wire.Message)
	}{
		{
			name: "wrong_packet_number",
			reply: func(number uint16, req *wire.Message) (uint16, *wire.Message) {
				return number + 1, ok(req.Command)
			},
		},
		{
			name: "wrong_command",
			reply: func(number uint16, _ *wire.Message) (uint16, *wire.Message) {
				return number, ok(CmdUserAdd)
			},
		},
		{
			name: "missing_retcode",
			reply: func(number uint16, req *wire.Message) (uint16, *wire.Message) {
				return number, wire.NewMessage(req.Command)
			},
		},
		{
			name: "garbage_retcode",
			reply: func(number uint16, req *wire.Message) (uint16, *wire.Message) {
				return number, wire.NewMessage(req.Command).Set(ParamRetCode, "Done")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(newFakeTransport(t, tt.reply))

			err := d.Ping(context.Background())
			require.Error(t, err)
			assert.True(t, core.IsProtocolError(err))
			assert.Equal(t, core.RetClientProtocol, core.CodeOf(err))
		})
	}
}

func TestDispatcher_UndecodableAnswer(t *testing.T) {
	ft := newFakeTransport(t, echoOK)
	d := NewDispatcher(ft)

	ft.reply = nil
	ft.answerNumber = 1
	ft.answer = []byte{0x41}

	err := d.Ping(context.Background())
	assert.True(t, core.IsProtocolError(err))
}

func TestDispatcher_TransportErrorsPassThrough(t *testing.T) {
	timeout := core.NewAPIError(core.ErrorTypeConnection, core.RetErrTimeout, "receive", "")

	ft := newFakeTransport(t, echoOK)
	ft.recvErr = timeout
	d := NewDispatcher(ft)

	err := d.Ping(context.Background())
	assert.Same(t, timeout, err)

	ft.sendErr = errors.New("broken pipe")
	err = d.Ping(context.Background())
	assert.EqualError(t, err, "broken pipe")
}

func TestDispatcher_Do(t *testing.T) {
	ft := newFakeTransport(t, func(number uint16, req *wire.Message) (uint16, *wire.Message) {
		return number, wire.NewMessage(req.Command).Set(ParamRetCode, "3 Invalid parameters").Set("EXTRA", "x")
	})
	d := NewDispatcher(ft)

	answer, err := d.Do(context.Background(), wire.NewMessage("USER_GET").Set("LOGIN", "1"))
	require.Error(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "x", answer.Get("EXTRA"))
	assert.Equal(t, core.RetErrParams, core.CodeOf(err))

	_, err = d.Do(context.Background(), wire.NewMessage(""))
	assert.True(t, core.IsEncodingError(err))
}

func TestDispatcher_UnknownServerCode(t *testing.T) {
	ft := newFakeTransport(t, func(number uint16, req *wire.Message) (uint16, *wire.Message) {
		return number, wire.NewMessage(req.Command).Set(ParamRetCode, "55555 Brand new")
	})
	d := NewDispatcher(ft)

	err := d.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.RetClientUnknown, core.CodeOf(err))
	assert.Contains(t, err.Error(), "55555 Brand new")
}

func TestDispatcher_Quit(t *testing.T) {
	ft := newFakeTransport(t, nil)
	d := NewDispatcher(ft)

	require.NoError(t, d.Quit(context.Background()))
	require.Len(t, ft.sent, 1)
	assert.Equal(t, CmdQuit, ft.sent[0].Command)
}

func TestDispatcher_AuthCodeKeepsAuthType(t *testing.T) {
	ft := newFakeTransport(t, func(number uint16, req *wire.Message) (uint16, *wire.Message) {
		return number, wire.NewMessage(req.Command).Set(ParamRetCode, "1001 Invalid account")
	})
	d := NewDispatcher(ft)

	amount, _, err := apd.NewFromString("1")
	require.NoError(t, err)

	_, err = d.TradeBalance(context.Background(), TradeBalanceRequest{Login: 1, Type: core.TradeDeposit, Amount: *amount})
	assert.True(t, core.IsAuthError(err))
}
