package store

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

var (
	ErrStorage       = errors.New("store: storage failure")
	ErrFieldTooLong  = errors.New("store: field exceeds capacity")
	ErrInvalidPort   = errors.New("store: invalid IoT port")
	ErrUnknownField  = errors.New("store: unknown field")
	ErrOutOfRange    = errors.New("store: access outside image")
	ErrUnknownPolicy = errors.New("store: unknown oversize policy")
)

// NV is byte-addressable non-volatile memory. Writes may be buffered until
// Commit.
type NV interface {
	io.ReaderAt
	io.WriterAt
	Commit() error
}

// Policy decides what Apply does with values longer than their slot.
type Policy int

const (
	PolicyReject Policy = iota
	PolicyTruncate
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyTruncate:
		return "truncate"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reject":
		return PolicyReject, nil
	case "truncate":
		return PolicyTruncate, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
}

type Options struct {
	// Offset is where the record image starts inside NV.
	Offset int64
	Policy Policy
}

// Update carries only the fields an operator submitted.
type Update map[Field]string

// Store owns the in-memory record and its NV image. Not safe for concurrent
// use; the node loop is the only caller.
type Store struct {
	nv     NV
	opts   Options
	record Record
}

func New(nv NV, opts Options) *Store {
	return &Store{nv: nv, opts: opts, record: Defaults()}
}

// Load reads the image and reports whether it carried a valid sentinel. On
// any failure the in-memory record falls back to Defaults; a read error is
// returned wrapped in ErrStorage but the store stays usable.
func (s *Store) Load() (bool, error) {
	buf := make([]byte, RecordSize)
	n, err := s.nv.ReadAt(buf, s.opts.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		s.record = Defaults()
		return false, fmt.Errorf("%w: read %d/%d bytes at %d: %v", ErrStorage, n, len(buf), s.opts.Offset, err)
	}
	rec, ok := Decode(buf)
	s.record = rec
	if !ok {
		log.Info().Msg("store: no valid record, using default configuration")
		return false, nil
	}
	return true, nil
}

// Save persists the current record and commits it.
func (s *Store) Save() error {
	buf := Encode(s.record)
	if _, err := s.nv.WriteAt(buf, s.opts.Offset); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if err := s.nv.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	log.Debug().
		Str("dev_id", s.record.DevID).
		Str("node_id", s.record.NodeID).
		Str("ssid", s.record.SSID).
		Int("passlen", len(s.record.Pass)).
		Str("iot_port", s.record.IoTPort).
		Msg("store: record saved")
	return nil
}

// Apply validates every submitted field before changing any, so a rejected
// update leaves the record untouched. It does not persist.
func (s *Store) Apply(u Update) error {
	next := s.record
	for f, v := range u {
		limit := MaxLen(f)
		if limit == 0 {
			return fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
		if len(v) > limit {
			if s.opts.Policy != PolicyTruncate {
				return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, f, len(v), limit)
			}
			v = truncate(v, limit)
		}
		if f == FieldIoTPort {
			if _, err := ParsePort(v); err != nil {
				return fmt.Errorf("%w: %q", ErrInvalidPort, v)
			}
		}
		next.set(f, v)
	}
	s.record = next
	return nil
}

// Commit applies u and persists the result as one step. If the write fails
// the in-memory record is rolled back, so it always matches NV.
func (s *Store) Commit(u Update) error {
	prev := s.record
	if err := s.Apply(u); err != nil {
		return err
	}
	if err := s.Save(); err != nil {
		s.record = prev
		return err
	}
	return nil
}

// truncate cuts v to at most limit bytes without splitting a UTF-8 sequence.
func truncate(v string, limit int) string {
	if len(v) <= limit {
		return v
	}
	for limit > 0 && !utf8.RuneStart(v[limit]) {
		limit--
	}
	return v[:limit]
}

func (s *Store) Record() Record {
	return s.record
}

func (s *Store) Policy() Policy {
	return s.opts.Policy
}
