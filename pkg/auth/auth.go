// Package auth runs the manager challenge/response handshake.
//
// The client opens with AUTH_START and receives a server challenge. It answers
// with AUTH_ANSWER, proving knowledge of the password and sending its own
// challenge, which the server must answer in turn. When encryption is
// negotiated the server also returns the crypt rand the session keys are
// derived from. The password itself never leaves the process.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"

	"mtmanager/internal/crypt"
	"mtmanager/internal/wire"
	"mtmanager/pkg/core"
	"mtmanager/pkg/protocol"
)

// Crypt methods announced in AUTH_START.
const (
	CryptAES256OFB = "AES256OFB"
	CryptNone      = "NONE"
)

// Result is the outcome of a handshake. CryptRand is set only when
// encryption was negotiated; callers wipe it once the keys are derived.
type Result struct {
	Code      core.RetCode
	CryptRand []byte
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHasher replaces the MD5 digest scheme.
func WithHasher(h crypt.Hasher) Option {
	return func(a *Authenticator) {
		a.hasher = h
	}
}

// WithRand sets the source of client challenges.
func WithRand(r io.Reader) Option {
	return func(a *Authenticator) {
		a.rand = r
	}
}

// Authenticator performs the handshake over a dispatcher.
type Authenticator struct {
	dispatcher *protocol.Dispatcher
	agent      string
	hasher     crypt.Hasher
	rand       io.Reader
	logger     zerolog.Logger
}

// New creates an Authenticator announcing agent.
func New(d *protocol.Dispatcher, agent string, opts ...Option) *Authenticator {
	a := &Authenticator{
		dispatcher: d,
		agent:      agent,
		hasher:     crypt.MD5Hasher{},
		rand:       rand.Reader,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetLogger sets the logger used for handshake events.
func (a *Authenticator) SetLogger(logger zerolog.Logger) {
	a.logger = logger
}

// Hasher returns the digest scheme in use.
func (a *Authenticator) Hasher() crypt.Hasher {
	return a.hasher
}

// Auth authenticates login with password. A non-OK answer to either step ends
// the handshake at once; the error carries the server code.
func (a *Authenticator) Auth(ctx context.Context, login uint64, password string, wantCrypt bool) (Result, error) {
	method := CryptNone
	if wantCrypt {
		method = CryptAES256OFB
	}

	start := wire.NewMessage(protocol.CmdAuthStart).
		Set("VERSION", strconv.Itoa(core.WebAPIVersion)).
		Set("AGENT", a.agent).
		Set("LOGIN", strconv.FormatUint(login, 10)).
		Set("TYPE", "MANAGER").
		Set("CRYPT_METHOD", method)

	answer, err := a.dispatcher.Call(ctx, start, core.ErrorTypeAuth)
	if err != nil {
		a.logger.Warn().Err(err).Uint64("login", login).Msg("auth start rejected")
		return Result{Code: core.CodeOf(err)}, err
	}

	srvRand, err := decodeRand(answer, "SRV_RAND", crypt.RandSize)
	if err != nil {
		return Result{Code: core.RetClientProtocol}, err
	}

	cliRand := make([]byte, crypt.RandSize)
	if _, err := io.ReadFull(a.rand, cliRand); err != nil {
		return Result{Code: core.RetError}, core.WrapError(core.ErrorTypeAuth, core.RetError, "auth_answer", err)
	}

	secret := a.hasher.PasswordHash(password)
	defer clear(secret)

	reply := wire.NewMessage(protocol.CmdAuthAnswer).
		Set("SRV_RAND_ANSWER", hex.EncodeToString(a.hasher.Answer(secret, srvRand))).
		Set("CLI_RAND", hex.EncodeToString(cliRand))

	answer, err = a.dispatcher.Call(ctx, reply, core.ErrorTypeAuth)
	if err != nil {
		a.logger.Warn().Err(err).Uint64("login", login).Msg("auth answer rejected")
		return Result{Code: core.CodeOf(err)}, err
	}

	cliAnswer, err := decodeRand(answer, "CLI_RAND_ANSWER", 0)
	if err != nil {
		return Result{Code: core.RetClientProtocol}, err
	}
	if !bytes.Equal(cliAnswer, a.hasher.Answer(secret, cliRand)) {
		a.logger.Warn().Uint64("login", login).Msg("server failed the client challenge")
		return Result{Code: core.RetAuthServerBad}, core.NewAPIError(core.ErrorTypeAuth, core.RetAuthServerBad, "auth_answer", "")
	}

	result := Result{Code: core.RetOK}
	if wantCrypt {
		result.CryptRand, err = decodeRand(answer, "CRYPT_RAND", crypt.CryptRandSize)
		if err != nil {
			return Result{Code: core.RetClientProtocol}, err
		}
	}

	a.logger.Info().Uint64("login", login).Bool("crypt", wantCrypt).Msg("authenticated")
	return result, nil
}

// SessionKeys derives the client-side keys from password and the crypt rand
// of a successful handshake.
func (a *Authenticator) SessionKeys(password string, cryptRand []byte) (crypt.SessionKeys, error) {
	secret := a.hasher.PasswordHash(password)
	defer clear(secret)

	keys, err := crypt.DeriveKeys(a.hasher, secret, cryptRand)
	if err != nil {
		return crypt.SessionKeys{}, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, "derive_keys", err)
	}
	return keys, nil
}

// decodeRand reads a hex parameter of at least size bytes.
func decodeRand(m *wire.Message, key string, size int) ([]byte, error) {
	const op = "auth"
	value, ok := m.Lookup(key)
	if !ok {
		return nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, op, key+" missing")
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeProtocol, core.RetClientProtocol, op, fmt.Errorf("%s: %w", key, err))
	}
	if len(b) < size {
		return nil, core.NewAPIError(core.ErrorTypeProtocol, core.RetClientProtocol, op,
			fmt.Sprintf("%s has %d bytes, want %d", key, len(b), size))
	}
	return b, nil
}
