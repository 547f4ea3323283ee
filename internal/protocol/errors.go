package protocol

import "errors"

var (
	ErrParse       = errors.New("protocol: parse error")
	ErrEncode      = errors.New("protocol: encode error")
	ErrTooLarge    = errors.New("protocol: message too large")
	ErrUnsupported = errors.New("protocol: unsupported encoding")
)
