package store

import (
	"bytes"
	"strconv"
)

// Sentinel marks an image written by this firmware. It occupies the first
// SentinelWidth bytes, NUL padded.
const (
	Sentinel      = "xyz123"
	SentinelWidth = 8
)

// Field names double as the portal form keys.
type Field string

const (
	FieldSSID    Field = "SSID"
	FieldPass    Field = "Pass"
	FieldDevID   Field = "DevID"
	FieldNodeID  Field = "NodeID"
	FieldIoTPort Field = "IoTPort"
)

type layout struct {
	field Field
	width int
}

// recordLayout is the persisted order. Changing it invalidates stored images.
var recordLayout = []layout{
	{FieldSSID, 32},
	{FieldPass, 32},
	{FieldDevID, 32},
	{FieldNodeID, 32},
	{FieldIoTPort, 8},
}

// RecordSize is the byte size of an encoded record including the sentinel.
var RecordSize = func() int {
	n := SentinelWidth
	for _, l := range recordLayout {
		n += l.width
	}
	return n
}()

const (
	DefaultDevID   = "device"
	DefaultNodeID  = "1"
	DefaultIoTPort = "8000"
)

// Record is the persisted node configuration.
type Record struct {
	SSID    string
	Pass    string
	DevID   string
	NodeID  string
	IoTPort string
}

func Defaults() Record {
	return Record{
		DevID:   DefaultDevID,
		NodeID:  DefaultNodeID,
		IoTPort: DefaultIoTPort,
	}
}

// Fields lists every field in persisted order.
func Fields() []Field {
	out := make([]Field, 0, len(recordLayout))
	for _, l := range recordLayout {
		out = append(out, l.field)
	}
	return out
}

// MaxLen is the longest value a field can hold; one byte is kept for NUL.
func MaxLen(f Field) int {
	for _, l := range recordLayout {
		if l.field == f {
			return l.width - 1
		}
	}
	return 0
}

func (r Record) Get(f Field) string {
	switch f {
	case FieldSSID:
		return r.SSID
	case FieldPass:
		return r.Pass
	case FieldDevID:
		return r.DevID
	case FieldNodeID:
		return r.NodeID
	case FieldIoTPort:
		return r.IoTPort
	}
	return ""
}

func (r *Record) set(f Field, v string) {
	switch f {
	case FieldSSID:
		r.SSID = v
	case FieldPass:
		r.Pass = v
	case FieldDevID:
		r.DevID = v
	case FieldNodeID:
		r.NodeID = v
	case FieldIoTPort:
		r.IoTPort = v
	}
}

// Port returns IoTPort as a number, or 0 when it does not parse.
func (r Record) Port() uint16 {
	p, err := ParsePort(r.IoTPort)
	if err != nil {
		return 0
	}
	return p
}

// ParsePort accepts decimal 1..65535.
func ParsePort(raw string) (uint16, error) {
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, strconv.ErrRange
	}
	return uint16(v), nil
}

// Encode lays r out at fixed offsets. Values longer than their slot are cut
// at width-1; Store.Apply rejects or truncates before it gets this far.
func Encode(r Record) []byte {
	buf := make([]byte, RecordSize)
	copy(buf, Sentinel)
	off := SentinelWidth
	for _, l := range recordLayout {
		v := r.Get(l.field)
		if len(v) > l.width-1 {
			v = v[:l.width-1]
		}
		copy(buf[off:off+l.width], v)
		off += l.width
	}
	return buf
}

// Decode reads a record image. ok is false, and defaults are returned, when
// the sentinel does not match or the image is short.
func Decode(b []byte) (Record, bool) {
	if len(b) < RecordSize {
		return Defaults(), false
	}
	if cstring(b[:SentinelWidth]) != Sentinel {
		return Defaults(), false
	}
	var r Record
	off := SentinelWidth
	for _, l := range recordLayout {
		slot := b[off : off+l.width-1]
		r.set(l.field, cstring(slot))
		off += l.width
	}
	return r, true
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
