// Package crypt holds the key material handling of the manager protocol: the
// password digest used by the challenge/response handshake, the session key
// derivation from the server's crypt rand and the AES-256-OFB body stream.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

const (
	// RandSize is the size of the random challenges exchanged during the handshake.
	RandSize = 16
	// CryptRandSize is the size of the crypt rand issued by the server.
	CryptRandSize = 256
	// KeySize is the AES-256 key size.
	KeySize = 32

	passwordSalt = "WebAPI"
)

// ErrShortCryptRand is returned when the server sent less key material than required.
var ErrShortCryptRand = errors.New("crypt rand too short")

// Hasher computes the password digest and challenge answers of the handshake.
// Implementations must return at least aes.BlockSize bytes from Answer.
type Hasher interface {
	// PasswordHash derives the long-term secret from the plaintext password.
	PasswordHash(password string) []byte
	// Answer proves knowledge of secret for the given random challenge.
	Answer(secret, random []byte) []byte
}

// MD5Hasher is the digest scheme of MetaTrader 5 trade servers:
//
//	PasswordHash(p) = MD5(MD5(UTF16LE(p)) || "WebAPI")
//	Answer(h, r)    = MD5(h || r)
type MD5Hasher struct{}

// PasswordHash implements Hasher.
func (MD5Hasher) PasswordHash(password string) []byte {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(password))
	if err != nil {
		encoded = []byte(password)
	}
	inner := md5.Sum(encoded)
	outer := md5.Sum(append(inner[:], passwordSalt...))
	return outer[:]
}

// Answer implements Hasher.
func (MD5Hasher) Answer(secret, random []byte) []byte {
	buf := make([]byte, 0, len(secret)+len(random))
	buf = append(buf, secret...)
	buf = append(buf, random...)
	sum := md5.Sum(buf)
	return sum[:]
}

// SessionKeys is the symmetric key material of one connection, seen from one side.
type SessionKeys struct {
	Key     []byte
	WriteIV []byte
	ReadIV  []byte
}

// Swap returns the keys as seen from the peer.
func (k SessionKeys) Swap() SessionKeys {
	return SessionKeys{Key: k.Key, WriteIV: k.ReadIV, ReadIV: k.WriteIV}
}

// Wipe zeroes the key material in place.
func (k *SessionKeys) Wipe() {
	clear(k.Key)
	clear(k.WriteIV)
	clear(k.ReadIV)
}

// DeriveKeys expands the crypt rand into client-side session keys. The chain
// starts from the password hash and folds in one 16-byte block per step:
//
//	b_i = Answer(cryptRand[16i:16i+16], b_{i-1}),  b_{-1} = passwordHash
//
// The AES-256 key is b_0||b_1, the client->server IV is b_2 and the
// server->client IV is b_3.
func DeriveKeys(h Hasher, passwordHash, cryptRand []byte) (SessionKeys, error) {
	if len(cryptRand) < CryptRandSize {
		return SessionKeys{}, fmt.Errorf("%w: %d bytes", ErrShortCryptRand, len(cryptRand))
	}

	blocks := make([][]byte, 0, CryptRandSize/RandSize)
	prev := passwordHash
	for i := 0; i < CryptRandSize; i += RandSize {
		prev = h.Answer(cryptRand[i:i+RandSize], prev)
		if len(prev) < aes.BlockSize {
			return SessionKeys{}, fmt.Errorf("hasher output %d bytes, need %d", len(prev), aes.BlockSize)
		}
		blocks = append(blocks, prev)
	}

	key := make([]byte, 0, KeySize)
	key = append(key, blocks[0][:aes.BlockSize]...)
	key = append(key, blocks[1][:aes.BlockSize]...)

	return SessionKeys{
		Key:     key,
		WriteIV: append([]byte(nil), blocks[2][:aes.BlockSize]...),
		ReadIV:  append([]byte(nil), blocks[3][:aes.BlockSize]...),
	}, nil
}

// Stream encrypts outgoing and decrypts incoming bodies. Each direction keeps
// its own keystream position for the lifetime of the connection.
type Stream struct {
	write cipher.Stream
	read  cipher.Stream
}

// NewStream creates a duplex AES-256-OFB stream from session keys.
func NewStream(keys SessionKeys) (*Stream, error) {
	if len(keys.Key) != KeySize {
		return nil, fmt.Errorf("key size %d, want %d", len(keys.Key), KeySize)
	}
	if len(keys.WriteIV) != aes.BlockSize || len(keys.ReadIV) != aes.BlockSize {
		return nil, fmt.Errorf("iv size must be %d", aes.BlockSize)
	}

	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	return &Stream{
		write: cipher.NewOFB(block, keys.WriteIV),
		read:  cipher.NewOFB(block, keys.ReadIV),
	}, nil
}

// Encrypt returns the ciphertext of p, advancing the write keystream.
func (s *Stream) Encrypt(p []byte) []byte {
	out := make([]byte, len(p))
	s.write.XORKeyStream(out, p)
	return out
}

// Decrypt returns the plaintext of p, advancing the read keystream.
func (s *Stream) Decrypt(p []byte) []byte {
	out := make([]byte, len(p))
	s.read.XORKeyStream(out, p)
	return out
}
