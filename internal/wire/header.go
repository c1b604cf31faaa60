// Package wire implements the framing and body encoding of the MetaTrader 5
// manager Web API.
//
// A frame is a 9-byte ASCII header followed by the body:
//
//	LLLL NNNN F
//
// LLLL is the body length in bytes as 4 lowercase hex digits, NNNN is the
// packet number (the correlation id echoed by the server) as 4 hex digits and
// F is '0' for the last part of a message or '1' when more parts follow.
// Bodies longer than MaxBodySize are split into parts sharing one packet
// number. The header is never encrypted.
package wire

import (
	"fmt"
	"strconv"
)

const (
	// HeaderSize is the fixed size of a frame header in bytes.
	HeaderSize = 9
	// MaxBodySize is the largest body a single frame can carry.
	MaxBodySize = 0xFFFF
	// MaxPacketNumber is the highest packet number a client assigns before wrapping to 1.
	MaxPacketNumber = 0x3FFF
	// Greeting is written by the client right after the TCP connection is established.
	Greeting = "MT5WEBAPI"
)

// Header describes one frame on the wire.
type Header struct {
	// Size is the length of the frame body in bytes.
	Size int
	// Number is the packet number shared by a request and its answer.
	Number uint16
	// More reports whether further parts of the same message follow.
	More bool
}

// Encode renders the header in its 9-byte wire form.
func (h Header) Encode() []byte {
	flag := 0
	if h.More {
		flag = 1
	}
	return fmt.Appendf(make([]byte, 0, HeaderSize), "%04x%04x%d", h.Size, h.Number, flag)
}

// ParseHeader decodes a 9-byte frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("header size %d, want %d", len(b), HeaderSize)
	}

	size, err := strconv.ParseUint(string(b[0:4]), 16, 16)
	if err != nil {
		return Header{}, fmt.Errorf("header body size %q: %w", b[0:4], err)
	}

	number, err := strconv.ParseUint(string(b[4:8]), 16, 16)
	if err != nil {
		return Header{}, fmt.Errorf("header packet number %q: %w", b[4:8], err)
	}

	var more bool
	switch b[8] {
	case '0':
	case '1':
		more = true
	default:
		return Header{}, fmt.Errorf("header flag %q", b[8])
	}

	return Header{Size: int(size), Number: uint16(number), More: more}, nil
}

// Split cuts a body into frame-sized parts. An empty body yields one empty part.
func Split(body []byte) [][]byte {
	if len(body) == 0 {
		return [][]byte{{}}
	}

	parts := make([][]byte, 0, len(body)/MaxBodySize+1)
	for len(body) > MaxBodySize {
		parts = append(parts, body[:MaxBodySize])
		body = body[MaxBodySize:]
	}
	return append(parts, body)
}

// NextNumber returns the packet number following n, wrapping after MaxPacketNumber.
func NextNumber(n uint16) uint16 {
	if n >= MaxPacketNumber {
		return 1
	}
	return n + 1
}
