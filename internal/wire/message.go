package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// utf16le is the text encoding of every message body.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// lineEnd terminates the command line. Anything after it is a JSON document.
const lineEnd = "\r\n"

var (
	// ErrEmptyCommand is returned when a body carries no command name.
	ErrEmptyCommand = errors.New("empty command")
	// ErrInvalidText is returned when a command, key, value or JSON document
	// is not valid UTF-8 and so has no UTF-16 form.
	ErrInvalidText = errors.New("invalid utf-8 text")
)

// Param is one KEY=VALUE pair of a command line.
type Param struct {
	Key   string
	Value string
}

// Message is a decoded message body: a command line with ordered parameters,
// optionally followed by a JSON document.
type Message struct {
	Command string
	Params  []Param
	JSON    []byte
}

// NewMessage creates a message for the given command.
func NewMessage(command string) *Message {
	return &Message{Command: command}
}

// Set adds or replaces a parameter and returns the message for chaining.
func (m *Message) Set(key, value string) *Message {
	for i := range m.Params {
		if m.Params[i].Key == key {
			m.Params[i].Value = value
			return m
		}
	}
	m.Params = append(m.Params, Param{Key: key, Value: value})
	return m
}

// SetJSON attaches a JSON document after the command line.
func (m *Message) SetJSON(doc []byte) *Message {
	m.JSON = doc
	return m
}

// Lookup returns the value of key and whether it was present.
func (m *Message) Lookup(key string) (string, bool) {
	for _, p := range m.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Get returns the value of key or an empty string.
func (m *Message) Get(key string) string {
	v, _ := m.Lookup(key)
	return v
}

// Keys lists parameter names in wire order.
func (m *Message) Keys() []string {
	keys := make([]string, len(m.Params))
	for i, p := range m.Params {
		keys[i] = p.Key
	}
	return keys
}

// String renders the command line in UTF-8. Intended for debugging only:
// callers must not log messages that carry secrets.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Command)
	b.WriteByte('|')
	for _, p := range m.Params {
		b.WriteString(Escape(p.Key))
		b.WriteByte('=')
		b.WriteString(Escape(p.Value))
		b.WriteByte('|')
	}
	return b.String()
}

// Validate checks that the message can be encoded without altering any text.
func (m *Message) Validate() error {
	if m == nil || m.Command == "" {
		return ErrEmptyCommand
	}
	if err := validText(m.Command); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	for _, p := range m.Params {
		if err := validText(p.Key); err != nil {
			return fmt.Errorf("key %q: %w", p.Key, err)
		}
		if err := validText(p.Value); err != nil {
			return fmt.Errorf("value of %s: %w", p.Key, err)
		}
	}
	if err := validText(string(m.JSON)); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}

func validText(s string) error {
	if _, _, err := transform.String(encoding.UTF8Validator, s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	return nil
}

// Encode renders the message body as UTF-16LE. Text that is not valid UTF-8
// is rejected rather than replaced.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	text := m.String() + lineEnd
	if len(m.JSON) > 0 {
		text += string(m.JSON)
	}

	body, err := utf16le.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode utf-16: %w", err)
	}
	return body, nil
}

// Decode parses a UTF-16LE message body.
func Decode(body []byte) (*Message, error) {
	if len(body)%2 != 0 {
		return nil, fmt.Errorf("odd body length %d", len(body))
	}

	text, err := utf16le.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode utf-16: %w", err)
	}

	line, rest, _ := bytes.Cut(text, []byte(lineEnd))

	m, err := parseLine(string(line))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		m.JSON = rest
	}
	return m, nil
}

func parseLine(line string) (*Message, error) {
	var (
		m       *Message
		cur     strings.Builder
		key     string
		hasKey  bool
		escaped bool
	)

	flush := func() error {
		token := cur.String()
		cur.Reset()
		defer func() { key, hasKey = "", false }()

		if m == nil {
			if hasKey {
				return fmt.Errorf("command token %q carries a value", key)
			}
			if token == "" {
				return ErrEmptyCommand
			}
			m = NewMessage(token)
			return nil
		}
		if !hasKey {
			if token == "" {
				return nil
			}
			return fmt.Errorf("parameter %q without value", token)
		}
		m.Params = append(m.Params, Param{Key: key, Value: token})
		return nil
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '=' && !hasKey:
			key = cur.String()
			cur.Reset()
			hasKey = true
		case c == '|':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(c)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape at end of command line")
	}
	if cur.Len() > 0 || hasKey || m == nil {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, `=`, `\=`, `|`, `\|`, "\n", "\\\n")

// Escape protects the separators of a command line inside a value.
func Escape(s string) string {
	return escaper.Replace(s)
}
