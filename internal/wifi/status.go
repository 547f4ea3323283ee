package wifi

import "fmt"

type Status int

const (
	StatusIdle Status = iota
	StatusConnected
	StatusAccessPoint
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnected:
		return "connected"
	case StatusAccessPoint:
		return "access_point"
	}
	return fmt.Sprintf("status(%d)", int(s))
}
