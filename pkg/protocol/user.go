package protocol

import (
	"context"
	"strconv"

	"github.com/bytedance/sonic"

	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
)

// UserAddRequest creates a trading account. The server assigns the login.
type UserAddRequest struct {
	Group            string `validate:"max=64"`
	Name             string `validate:"max=128"`
	Company          string `validate:"max=64"`
	Email            string `validate:"max=64"`
	Address          string `validate:"max=128"`
	City             string `validate:"max=32"`
	State            string `validate:"max=32"`
	Country          string `validate:"max=32"`
	ZipCode          string `validate:"max=16"`
	Phone            string `validate:"max=32"`
	ID               string `validate:"max=32"`
	Status           string `validate:"max=16"`
	Comment          string `validate:"max=32"`
	MainPassword     string `validate:"max=16"`
	InvestorPassword string `validate:"max=16"`
	PhonePassword    string `validate:"max=16"`
	Leverage         uint32
	Rights           uint64
	Language         uint32
	Color            uint32
	Agent            uint64
}

// UserAddRequestFrom copies the fields of a domain user into a request.
func UserAddRequestFrom(u *core.User) UserAddRequest {
	return UserAddRequest{
		Group:            u.Group,
		Name:             u.Name,
		Company:          u.Company,
		Email:            u.Email,
		Address:          u.Address,
		City:             u.City,
		State:            u.State,
		Country:          u.Country,
		ZipCode:          u.ZipCode,
		Phone:            u.Phone,
		ID:               u.ID,
		Status:           u.Status,
		Comment:          u.Comment,
		MainPassword:     u.MainPassword,
		InvestorPassword: u.InvestorPassword,
		PhonePassword:    u.PhonePassword,
		Leverage:         u.Leverage,
		Rights:           u.Rights,
		Language:         u.Language,
		Color:            u.Color,
		Agent:            u.Agent,
	}
}

// UserAddResponse carries the login assigned by the server and the user
// record it answered with, if any.
type UserAddResponse struct {
	Login  uint64
	Record map[string]any
}

// userRecord is the part of the answered user record the client relies on.
type userRecord struct {
	Login uint64 `json:"Login,string"`
}

// NewUserAdd builds the USER_ADD message for req.
func NewUserAdd(req *UserAddRequest) (*wire.Message, error) {
	const op = "user_add"

	if err := validateRequest(op, req); err != nil {
		return nil, err
	}

	return checkText(op, wire.NewMessage(CmdUserAdd).
		Set("LOGIN", "0").
		Set("PASS_MAIN", req.MainPassword).
		Set("PASS_INVESTOR", req.InvestorPassword).
		Set("RIGHTS", strconv.FormatUint(req.Rights, 10)).
		Set("GROUP", req.Group).
		Set("NAME", req.Name).
		Set("COMPANY", req.Company).
		Set("LANGUAGE", strconv.FormatUint(uint64(req.Language), 10)).
		Set("CITY", req.City).
		Set("STATE", req.State).
		Set("ZIPCODE", req.ZipCode).
		Set("ADDRESS", req.Address).
		Set("PHONE", req.Phone).
		Set("EMAIL", req.Email).
		Set("ID", req.ID).
		Set("STATUS", req.Status).
		Set("COMMENT", req.Comment).
		Set("COLOR", strconv.FormatUint(uint64(req.Color), 10)).
		Set("PASS_PHONE", req.PhonePassword).
		Set("LEVERAGE", strconv.FormatUint(uint64(req.Leverage), 10)).
		Set("AGENT", strconv.FormatUint(req.Agent, 10)).
		Set("COUNTRY", req.Country))
}

// UserAdd creates an account and returns the login the server assigned. The
// login is read from the JSON record following the answer line, or from a
// LOGIN parameter when the server sends no record.
func (d *Dispatcher) UserAdd(ctx context.Context, req UserAddRequest) (UserAddResponse, error) {
	msg, err := NewUserAdd(&req)
	if err != nil {
		return UserAddResponse{}, err
	}
	return d.SendUserAdd(ctx, msg)
}

// SendUserAdd sends a message built by NewUserAdd.
func (d *Dispatcher) SendUserAdd(ctx context.Context, msg *wire.Message) (UserAddResponse, error) {
	const op = "user_add"

	answer, err := d.Call(ctx, msg, core.ErrorTypeUser)
	if err != nil {
		return UserAddResponse{}, err
	}

	var resp UserAddResponse
	if len(answer.JSON) > 0 {
		var rec userRecord
		if err := sonic.Unmarshal(answer.JSON, &rec); err != nil {
			return UserAddResponse{}, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, op, err)
		}
		if err := sonic.Unmarshal(answer.JSON, &resp.Record); err != nil {
			return UserAddResponse{}, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, op, err)
		}
		resp.Login = rec.Login
	}

	if resp.Login == 0 {
		if v, ok := answer.Lookup("LOGIN"); ok {
			login, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return UserAddResponse{}, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, op, err)
			}
			resp.Login = login
		}
	}

	if resp.Login == 0 {
		return UserAddResponse{}, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, op, "answer carries no login")
	}
	return resp, nil
}
