package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// TradeType selects the kind of balance operation posted by a trade.
type TradeType int

// Trade type constants define how a balance operation affects the account.
const (
	// TradeDeposit credits the balance; the amount is sent as positive.
	TradeDeposit TradeType = iota
	// TradeWithdrawal debits the balance; the amount is sent as negative.
	TradeWithdrawal
	// TradeCredit posts a credit operation with the amount as given.
	TradeCredit
	// TradeCharge posts an additional charge with the amount as given.
	TradeCharge
	// TradeCorrection posts a correction with the amount as given.
	TradeCorrection
	// TradeBonus posts a bonus with the amount as given.
	TradeBonus
	// TradeCommission posts an additional commission with the amount as given.
	TradeCommission
)

// String returns the string representation of the trade type.
func (t TradeType) String() string {
	if !t.Valid() {
		return "UNKNOWN"
	}
	return [...]string{"DEPOSIT", "WITHDRAWAL", "CREDIT", "CHARGE", "CORRECTION", "BONUS", "COMMISSION"}[t]
}

// Valid reports whether t is a known trade type.
func (t TradeType) Valid() bool {
	return t >= TradeDeposit && t <= TradeCommission
}

// MarshalJSON implements json.Marshaler for TradeType.
func (t TradeType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// ParseTradeType parses a trade type name in upper or lower case.
func ParseTradeType(s string) (TradeType, error) {
	switch strings.ToUpper(s) {
	case "DEPOSIT":
		return TradeDeposit, nil
	case "WITHDRAWAL":
		return TradeWithdrawal, nil
	case "CREDIT":
		return TradeCredit, nil
	case "CHARGE":
		return TradeCharge, nil
	case "CORRECTION":
		return TradeCorrection, nil
	case "BONUS":
		return TradeBonus, nil
	case "COMMISSION":
		return TradeCommission, nil
	}
	return 0, fmt.Errorf("unknown trade type %q", s)
}

// UnmarshalJSON implements json.Unmarshaler for TradeType.
// It accepts both uppercase and lowercase formats.
func (t *TradeType) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("trade type: %w", err)
	}
	parsed, err := ParseTradeType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Trade is a balance operation on a trading account. Ticket is assigned by
// the server on success.
type Trade struct {
	Login       uint64      `json:"login"`
	Type        TradeType   `json:"type"`
	Amount      apd.Decimal `json:"amount"`
	Comment     string      `json:"comment"`
	CheckMargin bool        `json:"check_margin"`
	Ticket      uint64      `json:"ticket,omitempty"`
}

// NewTrade creates a trade from a decimal amount string such as "100.00".
func NewTrade(login uint64, tradeType TradeType, amount, comment string) (*Trade, error) {
	d, _, err := apd.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return &Trade{
		Login:   login,
		Type:    tradeType,
		Amount:  *d,
		Comment: comment,
	}, nil
}

// Account rights applied to new users unless overridden.
const (
	UserRightEnabled  uint64 = 0x0001
	UserRightPassword uint64 = 0x0002
	UserRightTrailing uint64 = 0x0020
	UserRightExpert   uint64 = 0x0040
	UserRightAPI      uint64 = 0x0080
	UserRightReports  uint64 = 0x0100

	UserRightsDefault = UserRightEnabled | UserRightPassword | UserRightTrailing |
		UserRightExpert | UserRightAPI | UserRightReports
)

// DefaultLeverage is the leverage of a new user when none is given.
const DefaultLeverage uint32 = 100

// DefaultColor marks a user without a display color.
const DefaultColor uint32 = 0xFF000000

// User is a trading account. Login is assigned by the server on creation.
type User struct {
	Login            uint64 `json:"login,omitempty"`
	Group            string `json:"group"`
	Name             string `json:"name"`
	Company          string `json:"company,omitempty"`
	Email            string `json:"email"`
	Address          string `json:"address"`
	City             string `json:"city"`
	State            string `json:"state"`
	Country          string `json:"country"`
	ZipCode          string `json:"zip_code"`
	Phone            string `json:"phone"`
	ID               string `json:"id,omitempty"`
	Status           string `json:"status,omitempty"`
	Comment          string `json:"comment,omitempty"`
	MainPassword     string `json:"-"`
	InvestorPassword string `json:"-"`
	PhonePassword    string `json:"-"`
	Leverage         uint32 `json:"leverage"`
	Rights           uint64 `json:"rights"`
	Language         uint32 `json:"language"`
	Color            uint32 `json:"color"`
	Agent            uint64 `json:"agent,omitempty"`
}

// NewUser returns a user carrying the server defaults for new accounts.
func NewUser() *User {
	return &User{
		Leverage: DefaultLeverage,
		Rights:   UserRightsDefault,
		Color:    DefaultColor,
	}
}
