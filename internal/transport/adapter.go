package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/danmuck/edgenode/internal/protocol/osc"
)

var (
	ErrTransport      = errors.New("transport: failure")
	ErrNotBound       = fmt.Errorf("%w: socket not bound", ErrTransport)
	ErrNoDestination  = fmt.Errorf("%w: no destination", ErrTransport)
	ErrNotConnected   = fmt.Errorf("%w: not connected", ErrTransport)
	ErrUnsupported    = fmt.Errorf("%w: operation unsupported", ErrTransport)
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", ErrTransport)
)

// Endpoint is the addressing state of an adapter. RemotePort may be set
// without RemoteAddr: binding a UDP port also selects it as the reply port.
type Endpoint struct {
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (e Endpoint) Remote() (netip.AddrPort, bool) {
	if !e.RemoteAddr.IsValid() || e.RemotePort == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(e.RemoteAddr, e.RemotePort), true
}

// Packet is one inbound unit: a datagram for UDP, one read chunk for TCP.
type Packet struct {
	Data   []byte
	Source netip.AddrPort
}

// Adapter is the contract both transports satisfy. All methods are called
// from the node loop; background goroutines only feed Poll.
type Adapter interface {
	Bind(port uint16) error
	Connect(addr string, port uint16) error
	Send(msg osc.Message) error
	SendRaw(b []byte) error
	Poll() (Packet, bool)
	Disconnect() error
	Endpoint() Endpoint
}

func parseAddr(addr string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return ip.Unmap(), nil
}
