package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgenode/internal/observability"
	"github.com/danmuck/edgenode/internal/protocol/osc"
	"github.com/rs/zerolog/log"
)

type UDPConfig struct {
	// QueueSize bounds datagrams waiting for Poll; overflow is dropped.
	QueueSize   int
	MaxDatagram int
}

func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		QueueSize:   64,
		MaxDatagram: 1536,
	}
}

// UDP is a datagram adapter. One reader goroutine per bound socket feeds a
// bounded queue; everything else happens on the caller's goroutine.
type UDP struct {
	cfg UDPConfig

	mu       sync.Mutex
	conn     *net.UDPConn
	endpoint Endpoint
	inbox    chan Packet
	wg       sync.WaitGroup

	dropped atomic.Uint64
}

func NewUDP(cfg UDPConfig) *UDP {
	def := DefaultUDPConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = def.MaxDatagram
	}
	return &UDP{cfg: cfg, inbox: make(chan Packet, cfg.QueueSize)}
}

// Bind listens on port (0 picks one) and makes it the default remote port.
// Rebinding closes the previous socket first.
func (u *UDP) Bind(port uint16) error {
	u.closeConn()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("%w: bind udp %d: %v", ErrTransport, port, err)
	}
	local := uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	u.mu.Lock()
	u.conn = conn
	u.endpoint.LocalPort = local
	if u.endpoint.RemotePort == 0 {
		u.endpoint.RemotePort = local
	}
	u.mu.Unlock()

	u.wg.Add(1)
	go u.readLoop(conn)

	log.Info().Uint16("port", local).Msg("udp bound")
	return nil
}

func (u *UDP) readLoop(conn *net.UDPConn) {
	defer u.wg.Done()
	buf := make([]byte, u.cfg.MaxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		pkt := Packet{
			Data:   append([]byte{}, buf[:n]...),
			Source: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
		}
		select {
		case u.inbox <- pkt:
		default:
			u.dropped.Add(1)
			observability.RecordTransportDrop("udp", "queue_full")
			log.Warn().Str("from", pkt.Source.String()).Int("bytes", n).Msg("udp queue full, datagram dropped")
		}
	}
}

// Connect sets the default destination for Send.
func (u *UDP) Connect(addr string, port uint16) error {
	ip, err := parseAddr(addr)
	if err != nil {
		return err
	}
	u.ConnectAddr(netip.AddrPortFrom(ip, port))
	return nil
}

func (u *UDP) ConnectAddr(dest netip.AddrPort) {
	u.mu.Lock()
	u.endpoint.RemoteAddr = dest.Addr().Unmap()
	u.endpoint.RemotePort = dest.Port()
	u.mu.Unlock()
}

func (u *UDP) Send(msg osc.Message) error {
	dest, ok := u.Endpoint().Remote()
	if !ok {
		return ErrNoDestination
	}
	return u.SendTo(msg, dest)
}

func (u *UDP) SendRaw(b []byte) error {
	dest, ok := u.Endpoint().Remote()
	if !ok {
		return ErrNoDestination
	}
	return u.SendRawTo(b, dest)
}

// SendTo encodes msg and sends it to dest, ignoring the default remote.
func (u *UDP) SendTo(msg osc.Message, dest netip.AddrPort) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return u.SendRawTo(b, dest)
}

func (u *UDP) SendRawTo(b []byte, dest netip.AddrPort) error {
	if !dest.Addr().IsValid() || dest.Port() == 0 {
		return ErrNoDestination
	}
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return ErrNotBound
	}
	if _, err := conn.WriteToUDPAddrPort(b, dest); err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrTransport, dest, err)
	}
	return nil
}

// Poll returns at most one queued datagram without blocking.
func (u *UDP) Poll() (Packet, bool) {
	select {
	case p := <-u.inbox:
		return p, true
	default:
		return Packet{}, false
	}
}

// Disconnect closes the socket and clears the endpoint. Queued datagrams
// are discarded.
func (u *UDP) Disconnect() error {
	u.closeConn()
	u.mu.Lock()
	u.endpoint = Endpoint{}
	u.mu.Unlock()
	for {
		select {
		case <-u.inbox:
		default:
			return nil
		}
	}
}

func (u *UDP) closeConn() {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
		u.wg.Wait()
	}
}

func (u *UDP) Endpoint() Endpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.endpoint
}

func (u *UDP) Bound() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// Dropped counts datagrams lost to a full queue.
func (u *UDP) Dropped() uint64 {
	return u.dropped.Load()
}
