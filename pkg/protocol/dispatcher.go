// Package protocol sends manager commands over a framed transport and decodes
// their answers.
//
// Every request gets the next packet number; the answer must carry the same
// number and command name. A complete exchange always yields one result code:
// nil for RETCODE 0, otherwise a *core.APIError carrying the server code.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// Command names.
const (
	CmdAuthStart    = "AUTH_START"
	CmdAuthAnswer   = "AUTH_ANSWER"
	CmdTradeBalance = "TRADE_BALANCE"
	CmdUserAdd      = "USER_ADD"
	CmdTest         = "TEST"
	CmdQuit         = "QUIT"
)

// ParamRetCode is the result code parameter of every answer.
const ParamRetCode = "RETCODE"

// Transport is a framed connection.
type Transport interface {
	Send(ctx context.Context, number uint16, body []byte) error
	Receive(ctx context.Context) (uint16, []byte, error)
}

// Dispatcher correlates requests and answers on one Transport. Calls are
// serialized; the protocol allows one outstanding request per connection.
type Dispatcher struct {
	transport Transport
	logger    zerolog.Logger

	mu     sync.Mutex
	number uint16
}

// NewDispatcher creates a dispatcher over t.
func NewDispatcher(t Transport) *Dispatcher {
	return &Dispatcher{
		transport: t,
		logger:    zerolog.Nop(),
	}
}

// SetLogger sets the logger used for command events.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// LastNumber returns the packet number of the most recent request.
func (d *Dispatcher) LastNumber() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.number
}

// Do sends msg and returns the decoded answer. A non-OK RETCODE is returned as
// an error of the type ErrorTypeForCode assigns, together with the answer.
func (d *Dispatcher) Do(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return d.Call(ctx, msg, core.ErrorTypeUnknown)
}

// Call runs one request/answer round. Server rejections get rejectType
// unless the code is an authentication failure or rejectType is Unknown.
func (d *Dispatcher) Call(ctx context.Context, msg *wire.Message, rejectType core.ErrorType) (*wire.Message, error) {
	op := strings.ToLower(msg.Command)

	body, err := wire.Encode(msg)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeEncoding, core.RetClientEncoding, op, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.number = wire.NextNumber(d.number)
	number := d.number

	if err := d.transport.Send(ctx, number, body); err != nil {
		return nil, err
	}

	got, raw, err := d.transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if got != number {
		return nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, op,
			fmt.Sprintf("answer packet %d, request packet %d", got, number))
	}

	answer, err := wire.Decode(raw)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, op, err)
	}
	if answer.Command != msg.Command {
		return nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, op,
			fmt.Sprintf("answer command %q", answer.Command))
	}

	value, ok := answer.Lookup(ParamRetCode)
	if !ok {
		return nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, op, "answer without RETCODE")
	}
	code, err := core.ParseRetCode(value)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeProtocol, code, op, err)
	}

	d.logger.Debug().
		Str("command", msg.Command).
		Uint16("number", number).
		Stringer("retcode", code).
		Msg("command answered")

	if !code.IsOK() {
		detail := ""
		if code == core.RetClientUnknown {
			detail = "server answered " + value
		}
		return answer, core.NewAPIError(rejection(code, rejectType), code, op, detail)
	}
	return answer, nil
}

func rejection(code core.RetCode, rejectType core.ErrorType) core.ErrorType {
	if rejectType == core.ErrorTypeUnknown || code.IsAuth() {
		return core.ErrorTypeForCode(code)
	}
	return rejectType
}

// Ping sends TEST and waits for its answer.
func (d *Dispatcher) Ping(ctx context.Context) error {
	_, err := d.Call(ctx, wire.NewMessage(CmdTest), core.ErrorTypeConnection)
	return err
}

// Quit tells the server the session ends. The server may close the socket
// without answering, so callers treat errors as informational.
func (d *Dispatcher) Quit(ctx context.Context) error {
	body, err := wire.Encode(wire.NewMessage(CmdQuit))
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.number = wire.NextNumber(d.number)
	return d.transport.Send(ctx, d.number, body)
}

var validate = validator.New()

// checkText rejects a built message whose text has no UTF-16 form.
func checkText(op string, msg *wire.Message) (*wire.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, core.WrapError(core.ErrorTypeEncoding, core.RetClientEncoding, op, err)
	}
	return msg, nil
}

// validateRequest checks field widths before anything is encoded.
func validateRequest(op string, req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return core.WrapError(core.ErrorTypeEncoding, core.RetClientEncoding, op, err)
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "max":
		msg = fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	default:
		msg = fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
	}
	apiErr := core.NewAPIError(core.ErrorTypeEncoding, core.RetClientEncoding, op, msg)
	apiErr.Err = err
	return apiErr
}
