package osc

import (
	"bytes"
	"encoding/hex"
	"math"
	"strconv"
)

// Type is a single type-tag character.
type Type byte

const (
	TypeInt32   Type = 'i'
	TypeFloat32 Type = 'f'
	TypeString  Type = 's'
	TypeBlob    Type = 'b'
)

func (t Type) Valid() bool {
	switch t {
	case TypeInt32, TypeFloat32, TypeString, TypeBlob:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeFloat32:
		return "float32"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	default:
		return "unknown(" + strconv.QuoteRune(rune(t)) + ")"
	}
}

// Arg is one typed argument. Only the field selected by Type is meaningful.
type Arg struct {
	Type  Type
	Int   int32
	Float float32
	Str   string
	Blob  []byte
}

func Int32(v int32) Arg     { return Arg{Type: TypeInt32, Int: v} }
func Float32(v float32) Arg { return Arg{Type: TypeFloat32, Float: v} }
func String(v string) Arg   { return Arg{Type: TypeString, Str: v} }

// Blob copies v so later mutation by the caller does not leak into the message.
func Blob(v []byte) Arg {
	return Arg{Type: TypeBlob, Blob: append([]byte{}, v...)}
}

// Equal compares floats bit-for-bit so NaN payloads survive a round trip check.
func (a Arg) Equal(b Arg) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeInt32:
		return a.Int == b.Int
	case TypeFloat32:
		return math.Float32bits(a.Float) == math.Float32bits(b.Float)
	case TypeString:
		return a.Str == b.Str
	case TypeBlob:
		return bytes.Equal(a.Blob, b.Blob)
	}
	return false
}

func (a Arg) String() string {
	switch a.Type {
	case TypeInt32:
		return strconv.FormatInt(int64(a.Int), 10)
	case TypeFloat32:
		return strconv.FormatFloat(float64(a.Float), 'g', -1, 32)
	case TypeString:
		return strconv.Quote(a.Str)
	case TypeBlob:
		if len(a.Blob) > 16 {
			return "0x" + hex.EncodeToString(a.Blob[:16]) + "...(" + strconv.Itoa(len(a.Blob)) + "B)"
		}
		return "0x" + hex.EncodeToString(a.Blob)
	}
	return a.Type.String()
}

func (a Arg) size() int {
	switch a.Type {
	case TypeInt32, TypeFloat32:
		return 4
	case TypeString:
		return paddedLen(len(a.Str))
	case TypeBlob:
		n := len(a.Blob)
		return 4 + n + Pad(n)
	}
	return 0
}
