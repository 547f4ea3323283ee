package wifi

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/danmuck/edgenode/internal/observability"
	"github.com/danmuck/edgenode/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized    = errors.New("wifi: manager not initialized")
	ErrAccessPointFailed = errors.New("wifi: access point failed to start")
	ErrAssociation       = errors.New("wifi: association failed")
)

const (
	DefaultMaxAttempts    = 50
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultPortalPassword = "iotconfig"
)

var DefaultAccessPointAddr = netip.AddrFrom4([4]byte{192, 168, 4, 1})

type ManagerConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
	// Backoff overrides the flat PollInterval wait when Initial is set.
	Backoff         Backoff
	PortalPassword  string
	AccessPointAddr netip.Addr
	// ReconnectInterval > 0 retries the saved network from AccessPoint.
	ReconnectInterval time.Duration

	Portal PortalServer
	Render PageRenderer

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAttempts:     DefaultMaxAttempts,
		PollInterval:    DefaultPollInterval,
		PortalPassword:  DefaultPortalPassword,
		AccessPointAddr: DefaultAccessPointAddr,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	def := DefaultManagerConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = FixedBackoff(c.PollInterval)
	}
	if c.PortalPassword == "" {
		c.PortalPassword = def.PortalPassword
	}
	if !c.AccessPointAddr.IsValid() {
		c.AccessPointAddr = def.AccessPointAddr
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Manager drives connectivity for one node.
type Manager struct {
	cfg   ManagerConfig
	radio Radio
	store *store.Store
	rng   *rand.Rand

	initialized bool
	valid       bool
	status      Status
	localAddr   netip.Addr
	apName      string
	page        string
	lastRetry   time.Time

	onConnect    func(any)
	onConnectCtx any
}

func NewManager(radio Radio, st *store.Store, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:   cfg,
		radio: radio,
		store: st,
		rng:   rand.New(rand.NewSource(cfg.Now().UnixNano())),
	}
}

// Initialize loads the saved record, falling back to defaults, and renders
// the portal page. Later calls return the first result.
func (m *Manager) Initialize() (bool, error) {
	if m.initialized {
		return m.valid, nil
	}
	valid, err := m.store.Load()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("wifi: configuration unreadable, using default configuration")
	case !valid:
		log.Info().Msg("wifi: using default configuration")
	}
	m.valid = valid
	m.initialized = true
	m.render(nil)

	rec := m.store.Record()
	log.Info().
		Bool("saved", valid).
		Str("dev_id", rec.DevID).
		Str("node_id", rec.NodeID).
		Str("ssid", rec.SSID).
		Str("iot_port", rec.IoTPort).
		Msg("wifi: manager initialized")
	return valid, err
}

// AttemptConnect joins the saved network and polls up to MaxAttempts times.
// It never opens the access point; the caller decides what failure means.
func (m *Manager) AttemptConnect(ctx context.Context) bool {
	if !m.initialized {
		log.Error().Err(ErrNotInitialized).Msg("wifi: connect refused")
		return false
	}
	if m.status == StatusAccessPoint {
		m.closeAccessPoint()
	}

	rec := m.store.Record()
	start := m.cfg.Now()
	log.Info().
		Str("ssid", rec.SSID).
		Int("passlen", len(rec.Pass)).
		Int("max_attempts", m.cfg.MaxAttempts).
		Msg("wifi: joining network")

	if err := m.radio.Join(rec.SSID, rec.Pass); err != nil {
		m.failConnect(start, fmt.Errorf("%w: join: %w", ErrAssociation, err))
		return false
	}

	for attempt := 1; ; attempt++ {
		if m.radio.Connected() {
			break
		}
		if attempt >= m.cfg.MaxAttempts {
			m.failConnect(start, fmt.Errorf("%w: gave up after %d polls", ErrAssociation, attempt))
			return false
		}
		if err := m.cfg.Sleep(ctx, m.cfg.Backoff.Delay(attempt, m.rng)); err != nil {
			m.failConnect(start, fmt.Errorf("%w: %w", ErrAssociation, err))
			return false
		}
	}

	m.localAddr = m.radio.LocalAddr()
	observability.RecordAssociation(true, m.cfg.Now().Sub(start))
	m.setStatus(StatusConnected)
	log.Info().
		Str("ssid", rec.SSID).
		Str("addr", m.localAddr.String()).
		Msg("wifi: connected")
	if m.onConnect != nil {
		m.onConnect(m.onConnectCtx)
	}
	return true
}

func (m *Manager) failConnect(start time.Time, err error) {
	observability.RecordAssociation(false, m.cfg.Now().Sub(start))
	log.Warn().Err(err).Msg("wifi: could not connect")
	if derr := m.radio.Disconnect(); derr != nil {
		log.Debug().Err(derr).Msg("wifi: radio disconnect after failed join")
	}
	m.localAddr = netip.Addr{}
	m.setStatus(StatusIdle)
}

// OpenAccessPoint starts the soft AP and the captive portal. It is a no-op
// when already in AccessPoint. On failure the status is unchanged.
func (m *Manager) OpenAccessPoint() error {
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.status == StatusAccessPoint {
		return nil
	}

	name := m.AccessPointName()
	if err := m.radio.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("wifi: radio disconnect before access point")
	}
	if err := m.radio.StartAccessPoint(name, m.cfg.PortalPassword, m.cfg.AccessPointAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrAccessPointFailed, err)
	}
	m.apName = name
	m.render(nil)
	if m.cfg.Portal != nil {
		if err := m.cfg.Portal.Start(m.cfg.AccessPointAddr); err != nil {
			_ = m.radio.StopAccessPoint()
			m.apName = ""
			return fmt.Errorf("%w: portal: %w", ErrAccessPointFailed, err)
		}
	}

	m.localAddr = m.cfg.AccessPointAddr
	m.lastRetry = m.cfg.Now()
	m.setStatus(StatusAccessPoint)
	log.Info().
		Str("ap", name).
		Str("addr", m.cfg.AccessPointAddr.String()).
		Msg("wifi: access point open")
	return nil
}

func (m *Manager) closeAccessPoint() {
	if m.cfg.Portal != nil {
		if err := m.cfg.Portal.Stop(); err != nil {
			log.Warn().Err(err).Msg("wifi: portal stop failed")
		}
	}
	if err := m.radio.StopAccessPoint(); err != nil {
		log.Warn().Err(err).Msg("wifi: access point stop failed")
	}
	m.apName = ""
	m.localAddr = netip.Addr{}
}

// Tick services the current state without blocking, except when a portal
// submission or a due reconnect triggers a bounded association attempt.
// It reports whether the node is reachable (Connected or AccessPoint).
func (m *Manager) Tick(ctx context.Context) bool {
	switch m.status {
	case StatusConnected:
		return true
	case StatusAccessPoint:
		if m.cfg.Portal != nil {
			m.cfg.Portal.Service(ctx, func(sub Submission) SubmissionResult {
				return m.HandleSubmission(ctx, sub)
			})
		}
		if m.status == StatusAccessPoint && m.reconnectDue() {
			m.lastRetry = m.cfg.Now()
			log.Info().Msg("wifi: retrying saved network from access point")
			m.connectOrFallback(ctx)
		}
		return true
	default:
		return false
	}
}

func (m *Manager) reconnectDue() bool {
	if m.cfg.ReconnectInterval <= 0 || m.store.Record().SSID == "" {
		return false
	}
	return m.cfg.Now().Sub(m.lastRetry) >= m.cfg.ReconnectInterval
}

// HandleSubmission applies an operator form. A rejected form changes
// nothing and keeps the portal up. An accepted one is persisted, answered,
// and followed by an association attempt, reopening the AP on failure.
func (m *Manager) HandleSubmission(ctx context.Context, sub Submission) SubmissionResult {
	var res SubmissionResult
	if err := m.store.Commit(sub.Fields); err != nil {
		if errors.Is(err, store.ErrStorage) {
			log.Error().Err(err).Msg("wifi: submission not persisted")
			observability.RecordPortalSubmission("storage_error")
		} else {
			log.Warn().Err(err).Msg("wifi: submission rejected")
			observability.RecordPortalSubmission("rejected")
		}
		m.render(err)
		res.Err, res.Page = err, m.page
		sub.respond(res)
		return res
	}

	observability.RecordPortalSubmission("saved")
	m.valid = true
	m.render(nil)
	res.Saved, res.Page = true, m.page
	sub.respond(res)

	res.Connected = m.connectOrFallback(ctx)
	return res
}

func (m *Manager) connectOrFallback(ctx context.Context) bool {
	if m.AttemptConnect(ctx) {
		return true
	}
	if err := m.OpenAccessPoint(); err != nil {
		log.Error().Err(err).Msg("wifi: node unreachable, access point unavailable")
	}
	return false
}

// SetConnectHandler registers fn to run after every successful
// association; userCtx is passed through untouched.
func (m *Manager) SetConnectHandler(fn func(any), userCtx any) {
	m.onConnect = fn
	m.onConnectCtx = userCtx
}

// Reinitialize tears everything down to Idle and reloads the record.
func (m *Manager) Reinitialize() (bool, error) {
	m.Shutdown()
	m.initialized = false
	return m.Initialize()
}

// Shutdown closes the portal and access point and drops the radio link.
func (m *Manager) Shutdown() {
	if m.status == StatusAccessPoint {
		m.closeAccessPoint()
	}
	if err := m.radio.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("wifi: radio disconnect on shutdown")
	}
	m.localAddr = netip.Addr{}
	m.setStatus(StatusIdle)
}

func (m *Manager) setStatus(s Status) {
	if m.status == s {
		return
	}
	observability.RecordStatusTransition(m.status.String(), s.String())
	log.Debug().Stringer("from", m.status).Stringer("to", s).Msg("wifi: status")
	m.status = s
}

func (m *Manager) render(problem error) {
	if m.cfg.Render == nil {
		return
	}
	page, err := m.cfg.Render(m.store.Record(), m.AccessPointName(), problem)
	if err != nil {
		log.Error().Err(err).Msg("wifi: portal page render failed")
		return
	}
	m.page = page
	if m.cfg.Portal != nil {
		m.cfg.Portal.SetPage(page)
	}
}

func (m *Manager) Status() Status { return m.status }

// LocalAddr is the station address when Connected, the AP address in
// AccessPoint, and invalid when Idle.
func (m *Manager) LocalAddr() netip.Addr { return m.localAddr }

func (m *Manager) Record() store.Record { return m.store.Record() }

func (m *Manager) Identity() (devID, nodeID string) {
	rec := m.store.Record()
	return rec.DevID, rec.NodeID
}

// IoTPort is the saved messaging port, 0 if the record holds garbage.
func (m *Manager) IoTPort() uint16 { return m.store.Record().Port() }

func (m *Manager) AccessPointName() string {
	rec := m.store.Record()
	return "ap-" + rec.DevID + "-" + rec.NodeID
}

func (m *Manager) PortalPage() string { return m.page }
