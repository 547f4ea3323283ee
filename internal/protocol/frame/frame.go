package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/danmuck/edgenode/internal/protocol"
)

// HeaderLen is the size prefix carried before every packet on a stream:
// the payload length as a big-endian int32.
const HeaderLen = 4

var (
	ErrEmptyFrame      = fmt.Errorf("%w: frame: zero-length packet", protocol.ErrParse)
	ErrPayloadTooLarge = fmt.Errorf("%w: frame: payload too large", protocol.ErrTooLarge)
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 64 * 1024}
}

func (l Limits) check(n uint64) error {
	if n == 0 {
		return ErrEmptyFrame
	}
	if n > uint64(l.MaxPayloadBytes) || n > 1<<31-1 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return nil
}

// WriteFrame writes payload with its size prefix in a single Write.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if err := limits.check(uint64(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(Append(nil, payload))
	return err
}

// Append writes the size prefix and payload to dst. It does not check
// limits.
func Append(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Splitter reassembles packets from arbitrary stream chunks.
type Splitter struct {
	limits Limits
	buf    []byte
}

func NewSplitter(limits Limits) *Splitter {
	return &Splitter{limits: limits}
}

// Feed appends chunk and returns every packet it completes. After an error
// the stream cannot be resynchronized; the buffered bytes are discarded.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)
	var out [][]byte
	for len(s.buf) >= HeaderLen {
		n := binary.BigEndian.Uint32(s.buf[:HeaderLen])
		if err := s.limits.check(uint64(n)); err != nil {
			s.buf = nil
			return out, err
		}
		end := HeaderLen + int(n)
		if len(s.buf) < end {
			break
		}
		out = append(out, append([]byte{}, s.buf[HeaderLen:end]...))
		s.buf = s.buf[end:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out, nil
}

// Buffered reports bytes held for an incomplete packet.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
