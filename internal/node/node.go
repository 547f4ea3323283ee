package node

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/danmuck/edgenode/internal/dispatch"
	"github.com/danmuck/edgenode/internal/observability"
	"github.com/danmuck/edgenode/internal/protocol/osc"
	"github.com/danmuck/edgenode/internal/transport"
	"github.com/danmuck/edgenode/internal/wifi"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTickInterval      = 10 * time.Millisecond
	DefaultIdleRetryInterval = 30 * time.Second
	DefaultTCPRetryInterval  = 5 * time.Second

	// maxPacketsPerStep keeps one chatty peer from starving Manager.Tick.
	maxPacketsPerStep = 32
)

type Config struct {
	Name              string
	TickInterval      time.Duration
	IdleRetryInterval time.Duration
	TCPRetryInterval  time.Duration

	// UDPPort and TCPPort of 0 follow the record's IoT port.
	UDPPort uint16
	UDPHost string
	TCPHost string
	TCPPort uint16
	// ReplyToSource answers on the sender's source port instead of the
	// node's remote port.
	ReplyToSource bool
	Builtins      bool

	Limits osc.Limits
	Now    func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Name:              "edgenode",
		TickInterval:      DefaultTickInterval,
		IdleRetryInterval: DefaultIdleRetryInterval,
		TCPRetryInterval:  DefaultTCPRetryInterval,
		Builtins:          true,
		Limits:            osc.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.IdleRetryInterval <= 0 {
		c.IdleRetryInterval = def.IdleRetryInterval
	}
	if c.TCPRetryInterval <= 0 {
		c.TCPRetryInterval = def.TCPRetryInterval
	}
	if c.Limits.MaxMessageBytes <= 0 || c.Limits.MaxArgs <= 0 {
		c.Limits = def.Limits
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Node ties the connectivity manager to the messaging layer. Every method
// except RequestPortal runs on the loop goroutine.
type Node struct {
	cfg   Config
	mgr   *wifi.Manager
	udp   *transport.UDP
	tcp   *transport.TCP
	table *dispatch.Table

	online      bool
	tcpDialing  bool
	tcpRetryAt  time.Time
	idleRetryAt time.Time

	portalRequested chan struct{}
}

// New wires a node. tcp may be nil, in which case only UDP is served.
func New(mgr *wifi.Manager, udp *transport.UDP, tcp *transport.TCP, cfg Config) *Node {
	n := &Node{
		cfg:             cfg.withDefaults(),
		mgr:             mgr,
		udp:             udp,
		tcp:             tcp,
		table:           dispatch.NewTable(),
		portalRequested: make(chan struct{}, 1),
	}
	if tcp != nil {
		tcp.SetEventHook(n.onTCPEvent)
	}
	return n
}

func (n *Node) Table() *dispatch.Table { return n.table }

func (n *Node) Manager() *wifi.Manager { return n.mgr }

// Handle registers an application handler. Builtins registered first take
// precedence over overlapping patterns.
func (n *Node) Handle(pattern string, fn func(dispatch.Request)) error {
	return n.table.RegisterFunc(pattern, fn)
}

// Online reports whether the messaging transports are up.
func (n *Node) Online() bool { return n.online }

// RequestPortal asks the loop to drop to the access point on its next step.
// Safe from any goroutine.
func (n *Node) RequestPortal() {
	select {
	case n.portalRequested <- struct{}{}:
	default:
	}
}

// Start runs the bring-up sequence: load the record, try the saved network
// and fall back to the access point. An error means the node is Idle and
// Step will retry after IdleRetryInterval.
func (n *Node) Start(ctx context.Context) error {
	if _, err := n.mgr.Initialize(); err != nil {
		log.Warn().Err(err).Msg("node: stored configuration unreadable")
	}
	if n.cfg.Builtins {
		if err := n.RegisterBuiltins(); err != nil {
			return err
		}
	}
	return n.bringUp(ctx)
}

func (n *Node) bringUp(ctx context.Context) error {
	if n.mgr.AttemptConnect(ctx) {
		return nil
	}
	if err := n.mgr.OpenAccessPoint(); err != nil {
		n.idleRetryAt = n.cfg.Now().Add(n.cfg.IdleRetryInterval)
		log.Error().Err(err).Dur("retry_in", n.cfg.IdleRetryInterval).Msg("node: unreachable")
		return err
	}
	return nil
}

// Step runs one loop iteration and never blocks except for a bounded
// association attempt inside the Manager.
func (n *Node) Step(ctx context.Context) {
	select {
	case <-n.portalRequested:
		log.Info().Msg("node: configuration portal requested")
		n.goOffline()
		if err := n.mgr.OpenAccessPoint(); err != nil {
			log.Error().Err(err).Msg("node: portal request failed")
		}
	default:
	}

	n.mgr.Tick(ctx)

	switch n.mgr.Status() {
	case wifi.StatusConnected:
		n.goOnline()
		n.maintainTCP()
		n.drain()
	case wifi.StatusAccessPoint:
		n.goOffline()
	default:
		n.goOffline()
		if now := n.cfg.Now(); !now.Before(n.idleRetryAt) {
			n.idleRetryAt = now.Add(n.cfg.IdleRetryInterval)
			_ = n.bringUp(ctx)
		}
	}
}

// Run starts the node and steps it every TickInterval until ctx ends, then
// shuts the transports, portal and radio down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil && !errors.Is(err, wifi.ErrAccessPointFailed) {
		return err
	}
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	defer n.Shutdown()

	log.Info().Str("node", n.cfg.Name).Stringer("status", n.mgr.Status()).Msg("node: running")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("node", n.cfg.Name).Msg("node: shutdown")
			return nil
		case <-ticker.C:
			n.Step(ctx)
		}
	}
}

func (n *Node) Shutdown() {
	n.goOffline()
	if n.tcp != nil {
		_ = n.tcp.Close()
	}
	n.mgr.Shutdown()
}

func (n *Node) goOnline() {
	if n.online {
		return
	}
	port := n.cfg.UDPPort
	if port == 0 {
		port = n.mgr.IoTPort()
	}
	if port == 0 {
		log.Error().Str("iot_port", n.mgr.Record().IoTPort).Msg("node: no usable messaging port")
		return
	}
	if err := n.udp.Bind(port); err != nil {
		log.Error().Err(err).Msg("node: udp bind failed")
		return
	}
	if n.cfg.UDPHost != "" {
		if err := n.udp.Connect(n.cfg.UDPHost, port); err != nil {
			log.Warn().Err(err).Str("host", n.cfg.UDPHost).Msg("node: udp default destination rejected")
		}
	}
	n.online = true
	n.tcpDialing = false
	n.tcpRetryAt = time.Time{}

	devID, nodeID := n.mgr.Identity()
	log.Info().
		Str("dev_id", devID).
		Str("node_id", nodeID).
		Str("addr", n.mgr.LocalAddr().String()).
		Uint16("port", n.udp.Endpoint().LocalPort).
		Msg("node: messaging online")
}

func (n *Node) goOffline() {
	if !n.online {
		return
	}
	_ = n.udp.Disconnect()
	if n.tcp != nil {
		_ = n.tcp.Disconnect()
	}
	n.online = false
	n.tcpDialing = false
	log.Info().Msg("node: messaging offline")
}

func (n *Node) maintainTCP() {
	if !n.online || n.tcp == nil || n.cfg.TCPHost == "" {
		return
	}
	if n.tcp.Connected() || n.tcpDialing {
		return
	}
	now := n.cfg.Now()
	if now.Before(n.tcpRetryAt) {
		return
	}
	port := n.cfg.TCPPort
	if port == 0 {
		port = n.mgr.IoTPort()
	}
	n.tcpRetryAt = now.Add(n.cfg.TCPRetryInterval)
	if err := n.tcp.Connect(n.cfg.TCPHost, port); err != nil {
		log.Warn().Err(err).Str("host", n.cfg.TCPHost).Msg("node: tcp connect rejected")
		return
	}
	n.tcpDialing = true
}

// onTCPEvent runs inside tcp.Poll, so on the loop goroutine.
func (n *Node) onTCPEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		n.tcpDialing = false
	case transport.EventError, transport.EventTimeout, transport.EventDisconnect:
		n.tcpDialing = false
		n.tcpRetryAt = n.cfg.Now().Add(n.cfg.TCPRetryInterval)
	}
}

func (n *Node) drain() {
	for i := 0; i < maxPacketsPerStep; i++ {
		pkt, ok := n.udp.Poll()
		if !ok {
			break
		}
		src := pkt.Source
		n.handle("udp", pkt, func(m osc.Message) error {
			return n.udp.SendTo(m, n.replyAddr(src))
		})
	}
	if n.tcp == nil {
		return
	}
	for i := 0; i < maxPacketsPerStep; i++ {
		pkt, ok := n.tcp.Poll()
		if !ok {
			break
		}
		n.handle("tcp", pkt, n.tcp.Send)
	}
}

func (n *Node) replyAddr(src netip.AddrPort) netip.AddrPort {
	if n.cfg.ReplyToSource {
		return src
	}
	if port := n.udp.Endpoint().RemotePort; port != 0 {
		return netip.AddrPortFrom(src.Addr(), port)
	}
	return src
}

// handle parses and routes one inbound packet, reporting whether a handler
// ran. Malformed packets and misses are counted, never fatal.
func (n *Node) handle(transportName string, pkt transport.Packet, reply func(osc.Message) error) bool {
	msg, err := osc.ParseWithLimits(pkt.Data, n.cfg.Limits)
	if err != nil {
		observability.RecordMessage(transportName, "parse_error")
		log.Debug().Err(err).Str("from", pkt.Source.String()).Int("bytes", len(pkt.Data)).Msg("node: dropped malformed message")
		return false
	}
	req := dispatch.Request{Message: msg, Source: pkt.Source, Reply: reply}
	if !n.table.Route(req) {
		observability.RecordMessage(transportName, "unmatched")
		log.Debug().Str("addr", msg.Address).Str("from", pkt.Source.String()).Msg("node: no handler")
		return false
	}
	observability.RecordMessage(transportName, "dispatched")
	return true
}

// Send writes msg to the UDP default destination.
func (n *Node) Send(msg osc.Message) error {
	if !n.online {
		return transport.ErrNotBound
	}
	return n.udp.Send(msg)
}

// SendTo writes msg to an explicit UDP destination.
func (n *Node) SendTo(msg osc.Message, dest netip.AddrPort) error {
	if !n.online {
		return transport.ErrNotBound
	}
	return n.udp.SendTo(msg, dest)
}

// SendTCP queues msg on the TCP bridge. A full buffer drops it silently.
func (n *Node) SendTCP(msg osc.Message) error {
	if n.tcp == nil {
		return transport.ErrNotConnected
	}
	return n.tcp.Send(msg)
}
