package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/edgenode/internal/protocol"
)

var (
	ErrInvalidAddress     = fmt.Errorf("osc: invalid address: %w", protocol.ErrParse)
	ErrUnterminatedString = fmt.Errorf("osc: unterminated string: %w", protocol.ErrParse)
	ErrTruncated          = fmt.Errorf("osc: truncated buffer: %w", protocol.ErrParse)
	ErrInvalidTypeTag     = fmt.Errorf("osc: missing or malformed type tag string: %w", protocol.ErrParse)
	ErrUnsupportedType    = fmt.Errorf("osc: unsupported type tag: %w", protocol.ErrParse)
	ErrTrailingBytes      = fmt.Errorf("osc: trailing bytes after arguments: %w", protocol.ErrParse)
	ErrBadPadding         = fmt.Errorf("osc: non-zero padding: %w", protocol.ErrParse)
	ErrTooLarge           = fmt.Errorf("osc: message exceeds limits: %w", protocol.ErrTooLarge)
	ErrInvalidString      = fmt.Errorf("osc: string contains NUL: %w", protocol.ErrEncode)
)

// Limits constrains decode memory use.
type Limits struct {
	MaxMessageBytes int
	MaxArgs         int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 64 * 1024,
		MaxArgs:         64,
	}
}

// Message is an address plus an ordered argument list.
type Message struct {
	Address string
	Args    []Arg
}

func New(address string, args ...Arg) Message {
	return Message{Address: address, Args: args}
}

// Pad returns the zero bytes needed to bring n up to a multiple of four.
func Pad(n int) int {
	return (4 - n%4) % 4
}

// paddedLen is the wire size of a NUL-terminated string of n bytes.
func paddedLen(n int) int {
	return n + 1 + Pad(n+1)
}

// TypeTags returns the tag string including the leading comma.
func (m Message) TypeTags() string {
	var b strings.Builder
	b.Grow(len(m.Args) + 1)
	b.WriteByte(',')
	for _, a := range m.Args {
		b.WriteByte(byte(a.Type))
	}
	return b.String()
}

// Size is the encoded length in bytes.
func (m Message) Size() int {
	n := paddedLen(len(m.Address)) + paddedLen(len(m.Args)+1)
	for _, a := range m.Args {
		n += a.size()
	}
	return n
}

func (m Message) Validate() error {
	if err := validateAddress(m.Address); err != nil {
		return err
	}
	for i, a := range m.Args {
		if !a.Type.Valid() {
			return fmt.Errorf("%w: arg %d type %q", ErrUnsupportedType, i, byte(a.Type))
		}
		if a.Type == TypeString && strings.IndexByte(a.Str, 0) >= 0 {
			return fmt.Errorf("%w: arg %d", ErrInvalidString, i)
		}
		if a.Type == TypeBlob && len(a.Blob) > math.MaxInt32 {
			return fmt.Errorf("%w: blob arg %d", ErrTooLarge, i)
		}
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" || addr[0] != '/' {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if strings.IndexByte(addr, 0) >= 0 {
		return fmt.Errorf("%w: embedded NUL", ErrInvalidAddress)
	}
	return nil
}

func (m Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, m.Size()))
}

// AppendBinary appends the wire form of m to dst.
func (m Message) AppendBinary(dst []byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return dst, err
	}
	dst = appendString(dst, m.Address)
	dst = appendString(dst, m.TypeTags())
	for _, a := range m.Args {
		switch a.Type {
		case TypeInt32:
			dst = binary.BigEndian.AppendUint32(dst, uint32(a.Int))
		case TypeFloat32:
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(a.Float))
		case TypeString:
			dst = appendString(dst, a.Str)
		case TypeBlob:
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(a.Blob)))
			dst = append(dst, a.Blob...)
			dst = appendZeros(dst, Pad(len(a.Blob)))
		}
	}
	return dst, nil
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return appendZeros(dst, 1+Pad(len(s)+1))
}

func appendZeros(dst []byte, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func (m *Message) UnmarshalBinary(b []byte) error {
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Parse decodes one message using DefaultLimits.
func Parse(b []byte) (Message, error) {
	return ParseWithLimits(b, DefaultLimits())
}

func ParseWithLimits(b []byte, limits Limits) (Message, error) {
	if limits.MaxMessageBytes > 0 && len(b) > limits.MaxMessageBytes {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}

	addr, off, err := readString(b, 0)
	if err != nil {
		return Message{}, err
	}
	if err := validateAddress(addr); err != nil {
		return Message{}, err
	}

	if off >= len(b) {
		return Message{}, fmt.Errorf("%w: no tag string", ErrInvalidTypeTag)
	}
	tags, off, err := readString(b, off)
	if err != nil {
		return Message{}, err
	}
	if tags == "" || tags[0] != ',' {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidTypeTag, tags)
	}
	tags = tags[1:]
	if limits.MaxArgs > 0 && len(tags) > limits.MaxArgs {
		return Message{}, fmt.Errorf("%w: %d args", ErrTooLarge, len(tags))
	}

	m := Message{Address: addr}
	if len(tags) > 0 {
		m.Args = make([]Arg, 0, len(tags))
	}
	for i := 0; i < len(tags); i++ {
		t := Type(tags[i])
		switch t {
		case TypeInt32, TypeFloat32:
			if off+4 > len(b) {
				return Message{}, fmt.Errorf("%w: arg %d", ErrTruncated, i)
			}
			v := binary.BigEndian.Uint32(b[off:])
			off += 4
			if t == TypeInt32 {
				m.Args = append(m.Args, Int32(int32(v)))
			} else {
				m.Args = append(m.Args, Float32(math.Float32frombits(v)))
			}
		case TypeString:
			var s string
			s, off, err = readString(b, off)
			if err != nil {
				return Message{}, err
			}
			m.Args = append(m.Args, String(s))
		case TypeBlob:
			if off+4 > len(b) {
				return Message{}, fmt.Errorf("%w: blob size arg %d", ErrTruncated, i)
			}
			n := int(int32(binary.BigEndian.Uint32(b[off:])))
			off += 4
			if n < 0 || off+n+Pad(n) > len(b) {
				return Message{}, fmt.Errorf("%w: blob arg %d", ErrTruncated, i)
			}
			if !zeros(b[off+n : off+n+Pad(n)]) {
				return Message{}, fmt.Errorf("%w: blob arg %d", ErrBadPadding, i)
			}
			m.Args = append(m.Args, Blob(b[off:off+n]))
			off += n + Pad(n)
		default:
			return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedType, tags[i])
		}
	}

	if off != len(b) {
		return Message{}, fmt.Errorf("%w: %d", ErrTrailingBytes, len(b)-off)
	}
	return m, nil
}

// readString returns the string at off and the offset past its padding.
func readString(b []byte, off int) (string, int, error) {
	if off >= len(b) {
		return "", off, ErrTruncated
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return "", off, ErrUnterminatedString
	}
	s := string(b[off : off+end])
	next := off + paddedLen(end)
	if next > len(b) {
		return "", off, fmt.Errorf("%w: string padding", ErrTruncated)
	}
	if !zeros(b[off+end : next]) {
		return "", off, fmt.Errorf("%w: after %q", ErrBadPadding, s)
	}
	return s, next, nil
}

func zeros(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (m Message) Equal(o Message) bool {
	if m.Address != o.Address || len(m.Args) != len(o.Args) {
		return false
	}
	for i := range m.Args {
		if !m.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// String renders "address ,tags arg arg" for logs.
func (m Message) String() string {
	var b strings.Builder
	b.WriteString(m.Address)
	b.WriteByte(' ')
	b.WriteString(m.TypeTags())
	for _, a := range m.Args {
		b.WriteByte(' ')
		b.WriteString(a.String())
	}
	return b.String()
}
