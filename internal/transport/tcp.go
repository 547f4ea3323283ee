package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgenode/internal/observability"
	"github.com/danmuck/edgenode/internal/protocol/frame"
	"github.com/danmuck/edgenode/internal/protocol/osc"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventData
	EventDisconnect
	EventError
	EventTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event struct {
	Kind   EventKind
	Remote netip.AddrPort
	Data   []byte
	Err    error

	// gen ties the event to the Connect that produced it; Poll drops
	// events from an older one.
	gen uint64
}

// Framing selects how packets are delimited on the stream.
type Framing int

const (
	// FramingNone surfaces each read chunk as one packet and sends bytes
	// as-is.
	FramingNone Framing = iota
	// FramingSize prefixes every packet with its int32 length.
	FramingSize
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingSize:
		return "size"
	}
	return fmt.Sprintf("framing(%d)", int(f))
}

func ParseFraming(raw string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return FramingNone, nil
	case "size":
		return FramingSize, nil
	}
	return 0, fmt.Errorf("%w: unknown framing %q", ErrUnsupported, raw)
}

type TCPConfig struct {
	// BufferSize is the outbound byte budget. A message that does not fit
	// in the remaining space is dropped, never blocked on.
	BufferSize     int
	ConnectTimeout time.Duration
	ReadBufferSize int
	EventQueue     int
	// IdleTimeout > 0 raises EventTimeout when the peer is silent that long.
	IdleTimeout time.Duration
	Framing     Framing
	FrameLimits frame.Limits
}

func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		BufferSize:     4096,
		ConnectTimeout: 5 * time.Second,
		ReadBufferSize: 1460,
		EventQueue:     64,
		FrameLimits:    frame.DefaultLimits(),
	}
}

type tcpSession struct {
	gen        uint64
	conn       net.Conn
	remote     netip.AddrPort
	out        chan []byte
	space      atomic.Int64
	done       chan struct{}
	closeOnce  sync.Once
	closedByUs atomic.Bool
	wg         sync.WaitGroup
}

func (s *tcpSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// TCP is a client stream adapter. Under FramingNone each read chunk is
// surfaced as one packet; FramingSize reassembles size-prefixed packets.
type TCP struct {
	cfg TCPConfig

	mu       sync.Mutex
	sess     *tcpSession
	gen      uint64
	endpoint Endpoint
	hook     func(Event)

	connected atomic.Bool
	events    chan Event
	dropped   atomic.Uint64
	dials     sync.WaitGroup
}

func NewTCP(cfg TCPConfig) *TCP {
	def := DefaultTCPConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = def.EventQueue
	}
	if cfg.FrameLimits.MaxPayloadBytes == 0 {
		cfg.FrameLimits = def.FrameLimits
	}
	return &TCP{cfg: cfg, events: make(chan Event, cfg.EventQueue)}
}

// SetEventHook registers fn for every non-data event. It runs inside Poll.
func (t *TCP) SetEventHook(fn func(Event)) {
	t.mu.Lock()
	t.hook = fn
	t.mu.Unlock()
}

func (t *TCP) Bind(uint16) error {
	return fmt.Errorf("%w: tcp adapter is client only", ErrUnsupported)
}

// Connect drops any current session and dials in the background. The
// outcome arrives through Poll as EventConnect, EventError or EventTimeout.
func (t *TCP) Connect(addr string, port uint16) error {
	ip, err := parseAddr(addr)
	if err != nil {
		return err
	}
	if port == 0 {
		return fmt.Errorf("%w: port 0", ErrInvalidAddress)
	}
	_ = t.Disconnect()

	dest := netip.AddrPortFrom(ip, port)
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.endpoint.RemoteAddr = ip
	t.endpoint.RemotePort = port
	t.mu.Unlock()

	t.dials.Add(1)
	go t.dial(gen, dest)
	return nil
}

func (t *TCP) dial(gen uint64, dest netip.AddrPort) {
	defer t.dials.Done()

	d := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := d.Dial("tcp", dest.String())
	if err != nil {
		kind := EventError
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = EventTimeout
		}
		t.emitControl(Event{Kind: kind, Remote: dest, Err: err, gen: gen})
		return
	}

	sess := &tcpSession{
		gen:    gen,
		conn:   conn,
		remote: dest,
		out:    make(chan []byte, t.cfg.BufferSize),
		done:   make(chan struct{}),
	}
	sess.space.Store(int64(t.cfg.BufferSize))

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.sess = sess
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		t.endpoint.LocalPort = uint16(la.Port)
	}
	t.connected.Store(true)
	t.mu.Unlock()

	t.emitControl(Event{Kind: EventConnect, Remote: dest, gen: gen})
	sess.wg.Add(2)
	go t.readLoop(sess)
	go t.writeLoop(sess)
}

func (t *TCP) readLoop(sess *tcpSession) {
	defer sess.wg.Done()
	buf := make([]byte, t.cfg.ReadBufferSize)
	var splitter *frame.Splitter
	if t.cfg.Framing == FramingSize {
		splitter = frame.NewSplitter(t.cfg.FrameLimits)
	}
	for {
		if t.cfg.IdleTimeout > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		}
		n, err := sess.conn.Read(buf)
		if n > 0 {
			packets := [][]byte{append([]byte{}, buf[:n]...)}
			if splitter != nil {
				var ferr error
				packets, ferr = splitter.Feed(buf[:n])
				if ferr != nil {
					err = ferr
				}
			}
			for _, p := range packets {
				select {
				case t.events <- Event{Kind: EventData, Remote: sess.remote, Data: p, gen: sess.gen}:
				case <-sess.done:
					return
				}
			}
		}
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.emitControl(Event{Kind: EventTimeout, Remote: sess.remote, Err: err, gen: sess.gen})
			continue
		}
		if sess.closedByUs.Load() {
			return
		}
		t.detach(sess)
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			t.emitControl(Event{Kind: EventError, Remote: sess.remote, Err: err, gen: sess.gen})
		}
		t.emitControl(Event{Kind: EventDisconnect, Remote: sess.remote, gen: sess.gen})
		return
	}
}

func (t *TCP) writeLoop(sess *tcpSession) {
	defer sess.wg.Done()
	for {
		select {
		case <-sess.done:
			return
		case b := <-sess.out:
			var err error
			if t.cfg.Framing == FramingSize {
				err = frame.WriteFrame(sess.conn, b, t.cfg.FrameLimits)
			} else {
				_, err = sess.conn.Write(b)
			}
			sess.space.Add(t.cost(b))
			if err != nil {
				if !sess.closedByUs.Load() {
					t.emitControl(Event{Kind: EventError, Remote: sess.remote, Err: err, gen: sess.gen})
				}
				return
			}
		}
	}
}

// detach forgets sess if it is still current and closes it.
func (t *TCP) detach(sess *tcpSession) {
	t.mu.Lock()
	if t.sess == sess {
		t.sess = nil
		t.connected.Store(false)
	}
	t.mu.Unlock()
	sess.close()
}

func (t *TCP) emitControl(ev Event) {
	select {
	case t.events <- ev:
	default:
		log.Warn().Stringer("event", ev.Kind).Msg("tcp event queue full, event dropped")
	}
}

func (t *TCP) Send(msg osc.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return t.SendRaw(b)
}

// SendRaw queues b for the writer, size-prefixed under FramingSize. A full
// buffer drops the message and returns nil; the caller is not told beyond
// the log line and Dropped.
func (t *TCP) SendRaw(b []byte) error {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil || !t.connected.Load() {
		observability.RecordTransportDrop("tcp", "not_connected")
		return ErrNotConnected
	}

	if t.cfg.Framing == FramingSize {
		if len(b) == 0 || uint64(len(b)) > uint64(t.cfg.FrameLimits.MaxPayloadBytes) {
			return fmt.Errorf("%w: %d bytes", frame.ErrPayloadTooLarge, len(b))
		}
	}
	b = append([]byte{}, b...)
	n := t.cost(b)
	if n >= sess.space.Load() {
		t.drop(len(b), sess.space.Load())
		return nil
	}
	sess.space.Add(-n)
	select {
	case sess.out <- b:
	default:
		sess.space.Add(n)
		t.drop(len(b), sess.space.Load())
	}
	return nil
}

// cost is what b takes from the send budget, size header included.
func (t *TCP) cost(b []byte) int64 {
	if t.cfg.Framing == FramingSize {
		return int64(frame.HeaderLen + len(b))
	}
	return int64(len(b))
}

func (t *TCP) drop(size int, space int64) {
	t.dropped.Add(1)
	observability.RecordTransportDrop("tcp", "buffer_full")
	log.Warn().Int("bytes", size).Int64("space", space).Msg("tcp send buffer full, message dropped")
}

// Poll drains control events (logging them and calling the hook) until it
// finds data or the queue is empty.
func (t *TCP) Poll() (Packet, bool) {
	for {
		select {
		case ev := <-t.events:
			if ev.gen != t.generation() {
				continue
			}
			if ev.Kind == EventData {
				return Packet{Data: ev.Data, Source: ev.Remote}, true
			}
			t.handleControl(ev)
		default:
			return Packet{}, false
		}
	}
}

func (t *TCP) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *TCP) handleControl(ev Event) {
	switch ev.Kind {
	case EventConnect:
		log.Info().Str("remote", ev.Remote.String()).Msg("tcp connected")
	case EventDisconnect:
		log.Info().Str("remote", ev.Remote.String()).Msg("tcp disconnected")
	case EventTimeout:
		log.Warn().Err(ev.Err).Str("remote", ev.Remote.String()).Msg("tcp timeout")
	case EventError:
		log.Warn().Err(ev.Err).Str("remote", ev.Remote.String()).Msg("tcp error")
	}
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

// Disconnect closes the current session, cancels any dial in flight and
// discards events not yet polled.
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	t.gen++
	sess := t.sess
	t.sess = nil
	t.endpoint = Endpoint{}
	t.connected.Store(false)
	t.mu.Unlock()

	if sess != nil {
		sess.closedByUs.Store(true)
		sess.close()
		sess.wg.Wait()
	}
	for {
		select {
		case <-t.events:
		default:
			return nil
		}
	}
}

// Close disconnects and waits for pending dials to give up.
func (t *TCP) Close() error {
	err := t.Disconnect()
	t.dials.Wait()
	return err
}

func (t *TCP) Connected() bool {
	return t.connected.Load()
}

func (t *TCP) Endpoint() Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// Dropped counts messages lost to a full send buffer.
func (t *TCP) Dropped() uint64 {
	return t.dropped.Load()
}
