package protocol

import (
	"context"
	"strconv"

	"github.com/cockroachdb/apd/v3"

	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// Deal types of TRADE_BALANCE.
const (
	dealBalance    = 2
	dealCredit     = 3
	dealCharge     = 4
	dealCorrection = 5
	dealBonus      = 6
	dealCommission = 7
)

// TradeBalanceRequest posts a balance operation on an account.
type TradeBalanceRequest struct {
	Login       uint64
	Type        core.TradeType
	Amount      apd.Decimal
	Comment     string `validate:"max=32"`
	CheckMargin bool
}

// TradeBalanceResponse carries the deal ticket assigned by the server.
type TradeBalanceResponse struct {
	Ticket uint64
}

// dealType maps a trade type to its wire deal type.
func dealType(t core.TradeType) (int, bool) {
	switch t {
	case core.TradeDeposit, core.TradeWithdrawal:
		return dealBalance, true
	case core.TradeCredit:
		return dealCredit, true
	case core.TradeCharge:
		return dealCharge, true
	case core.TradeCorrection:
		return dealCorrection, true
	case core.TradeBonus:
		return dealBonus, true
	case core.TradeCommission:
		return dealCommission, true
	}
	return 0, false
}

// FormatAmount renders the BALANCE value for t: deposits are positive,
// withdrawals negative, other types pass the amount unchanged.
func FormatAmount(t core.TradeType, amount *apd.Decimal) string {
	var d apd.Decimal
	d.Set(amount)
	switch t {
	case core.TradeDeposit:
		d.Abs(&d)
	case core.TradeWithdrawal:
		d.Abs(&d)
		d.Neg(&d)
	}
	return d.Text('f')
}

// NewTradeBalance builds the TRADE_BALANCE message for req.
func NewTradeBalance(req *TradeBalanceRequest) (*wire.Message, error) {
	const op = "trade_balance"

	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	deal, ok := dealType(req.Type)
	if !ok {
		return nil, core.NewAPIError(core.ErrorTypeEncoding, core.RetClientEncoding, op, "unknown trade type")
	}
	if req.Amount.Form != apd.Finite {
		return nil, core.NewAPIError(core.ErrorTypeEncoding, core.RetClientEncoding, op, "amount is not a finite number")
	}

	checkMargin := "0"
	if req.CheckMargin {
		checkMargin = "1"
	}

	return checkText(op, wire.NewMessage(CmdTradeBalance).
		Set("LOGIN", strconv.FormatUint(req.Login, 10)).
		Set("TYPE", strconv.Itoa(deal)).
		Set("BALANCE", FormatAmount(req.Type, &req.Amount)).
		Set("COMMENT", req.Comment).
		Set("CHECK_MARGIN", checkMargin))
}

// TradeBalance posts a balance operation and returns the deal ticket. A
// rejection surfaces the server code unchanged as a trade error.
func (d *Dispatcher) TradeBalance(ctx context.Context, req TradeBalanceRequest) (TradeBalanceResponse, error) {
	msg, err := NewTradeBalance(&req)
	if err != nil {
		return TradeBalanceResponse{}, err
	}
	return d.SendTradeBalance(ctx, msg)
}

// SendTradeBalance sends a message built by NewTradeBalance.
func (d *Dispatcher) SendTradeBalance(ctx context.Context, msg *wire.Message) (TradeBalanceResponse, error) {
	answer, err := d.Call(ctx, msg, core.ErrorTypeTrade)
	if err != nil {
		return TradeBalanceResponse{}, err
	}

	ticket, err := strconv.ParseUint(answer.Get("TICKET"), 10, 64)
	if err != nil {
		return TradeBalanceResponse{}, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, "trade_balance", err)
	}
	return TradeBalanceResponse{Ticket: ticket}, nil
}
