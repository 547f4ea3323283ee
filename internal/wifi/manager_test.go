package wifi

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgenode/internal/store"
	"github.com/danmuck/edgenode/internal/testutil/testlog"
)

type fakeRadio struct {
	networks    map[string]string
	connectPoll int // Connected turns true on this poll; 0 means on the first

	joinedSSID string
	joinedPass string
	polls      int
	joins      int

	apStarts int
	apStops  int
	apName   string
	apPass   string
	apAddr   netip.Addr
	apErr    error
}

func (r *fakeRadio) Join(ssid, pass string) error {
	r.joins++
	r.polls = 0
	r.joinedSSID, r.joinedPass = ssid, pass
	return nil
}

func (r *fakeRadio) Connected() bool {
	r.polls++
	want, ok := r.networks[r.joinedSSID]
	if !ok || want != r.joinedPass || r.joinedSSID == "" {
		return false
	}
	return r.polls > r.connectPoll
}

func (r *fakeRadio) LocalAddr() netip.Addr { return netip.MustParseAddr("10.1.2.3") }
func (r *fakeRadio) Disconnect() error     { return nil }

func (r *fakeRadio) StartAccessPoint(name, pass string, addr netip.Addr) error {
	if r.apErr != nil {
		return r.apErr
	}
	r.apStarts++
	r.apName, r.apPass, r.apAddr = name, pass, addr
	return nil
}

func (r *fakeRadio) StopAccessPoint() error {
	r.apStops++
	return nil
}

type fakePortal struct {
	running bool
	starts  int
	stops   int
	addr    netip.Addr
	page    string
	queue   []Submission
}

func (p *fakePortal) Start(addr netip.Addr) error {
	p.running = true
	p.starts++
	p.addr = addr
	return nil
}

func (p *fakePortal) Stop() error {
	p.running = false
	p.stops++
	return nil
}

func (p *fakePortal) SetPage(html string) { p.page = html }

func (p *fakePortal) Service(_ context.Context, handle func(Submission) SubmissionResult) int {
	if len(p.queue) == 0 {
		return 0
	}
	sub := p.queue[0]
	p.queue = p.queue[1:]
	handle(sub)
	return 1
}

func renderStub(rec store.Record, apName string, problem error) (string, error) {
	page := fmt.Sprintf("%s ssid=%s port=%s", apName, rec.SSID, rec.IoTPort)
	if problem != nil {
		page += " error=" + problem.Error()
	}
	return page, nil
}

type harness struct {
	radio  *fakeRadio
	portal *fakePortal
	nv     *store.Memory
	mgr    *Manager
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg ManagerConfig) *harness {
	t.Helper()
	h := &harness{
		radio:  &fakeRadio{networks: map[string]string{}},
		portal: &fakePortal{},
		nv:     store.NewMemory(256),
	}
	cfg.Portal = h.portal
	cfg.Render = renderStub
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.mgr = NewManager(h.radio, store.New(h.nv, store.Options{}), cfg)
	if _, err := h.mgr.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func TestInitializeBlankStoreUsesDefaults(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{})
	valid, err := h.mgr.Initialize()
	if valid || err != nil {
		t.Fatalf("expected cached invalid result, valid=%v err=%v", valid, err)
	}
	if h.mgr.Record() != store.Defaults() {
		t.Fatalf("expected defaults, got %+v", h.mgr.Record())
	}
	if dev, node := h.mgr.Identity(); dev != "device" || node != "1" {
		t.Fatalf("unexpected identity %s/%s", dev, node)
	}
	if h.mgr.IoTPort() != 8000 {
		t.Fatalf("expected IoT port 8000, got %d", h.mgr.IoTPort())
	}
	if h.mgr.AccessPointName() != "ap-device-1" {
		t.Fatalf("unexpected AP name %q", h.mgr.AccessPointName())
	}
	if !strings.HasPrefix(h.mgr.PortalPage(), "ap-device-1") || h.portal.page != h.mgr.PortalPage() {
		t.Fatalf("portal page not rendered at init: %q", h.mgr.PortalPage())
	}
	if h.mgr.Status() != StatusIdle {
		t.Fatalf("expected Idle, got %s", h.mgr.Status())
	}
}

func TestAttemptConnectPollsExactlyMaxAttempts(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{MaxAttempts: 5})
	if h.mgr.AttemptConnect(context.Background()) {
		t.Fatalf("expected association to fail")
	}
	if h.radio.polls != 5 {
		t.Fatalf("expected exactly 5 polls, got %d", h.radio.polls)
	}
	if len(h.sleeps) != 4 {
		t.Fatalf("expected 4 waits between polls, got %d", len(h.sleeps))
	}
	for _, d := range h.sleeps {
		if d != DefaultPollInterval {
			t.Fatalf("expected flat %v waits, got %v", DefaultPollInterval, d)
		}
	}
	if h.mgr.Status() != StatusIdle {
		t.Fatalf("expected Idle after failure, got %s", h.mgr.Status())
	}
	if h.radio.apStarts != 0 || h.portal.running {
		t.Fatalf("failed connect must not open the access point")
	}
	if h.mgr.Tick(context.Background()) {
		t.Fatalf("Idle tick must report unreachable")
	}
}

func TestAttemptConnectDefaultCeiling(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{})
	h.mgr.AttemptConnect(context.Background())
	if h.radio.polls != DefaultMaxAttempts {
		t.Fatalf("expected %d polls, got %d", DefaultMaxAttempts, h.radio.polls)
	}
}

func TestAttemptConnectSuccessRunsHandler(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{})
	if err := h.mgr.store.Apply(store.Update{store.FieldSSID: "Home", store.FieldPass: "pw"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	h.radio.networks["Home"] = "pw"
	h.radio.connectPoll = 2

	type token struct{ name string }
	var got any
	calls := 0
	h.mgr.SetConnectHandler(func(ctx any) {
		calls++
		got = ctx
	}, &token{name: "node-a"})

	if !h.mgr.AttemptConnect(context.Background()) {
		t.Fatalf("expected association to succeed")
	}
	if h.radio.polls != 3 {
		t.Fatalf("expected success on third poll, got %d", h.radio.polls)
	}
	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
	if tok, ok := got.(*token); !ok || tok.name != "node-a" {
		t.Fatalf("handler context not passed through: %#v", got)
	}
	if h.mgr.Status() != StatusConnected || h.mgr.LocalAddr() != netip.MustParseAddr("10.1.2.3") {
		t.Fatalf("unexpected state %s addr=%s", h.mgr.Status(), h.mgr.LocalAddr())
	}
	if !h.mgr.Tick(context.Background()) {
		t.Fatalf("connected tick must report reachable")
	}
}

func TestAttemptConnectStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if h.mgr.AttemptConnect(ctx) {
		t.Fatalf("expected cancelled attempt to fail")
	}
	if h.radio.polls != 1 {
		t.Fatalf("expected one poll before cancel took effect, got %d", h.radio.polls)
	}
}

func TestSubmissionScenario(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{MaxAttempts: 3})
	ctx := context.Background()

	if h.mgr.AttemptConnect(ctx) {
		t.Fatalf("blank record must not associate")
	}
	if err := h.mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}
	if h.mgr.Status() != StatusAccessPoint {
		t.Fatalf("expected AccessPoint, got %s", h.mgr.Status())
	}
	if h.radio.apName != "ap-device-1" || h.radio.apPass != "iotconfig" || h.radio.apAddr != DefaultAccessPointAddr {
		t.Fatalf("unexpected AP %q/%q/%s", h.radio.apName, h.radio.apPass, h.radio.apAddr)
	}
	if !h.portal.running || h.portal.addr != DefaultAccessPointAddr {
		t.Fatalf("portal not serving on AP address")
	}

	h.radio.networks["Home"] = "pw"
	var callbackCtx any
	h.mgr.SetConnectHandler(func(c any) { callbackCtx = c }, "ctx-42")

	var answered SubmissionResult
	h.portal.queue = append(h.portal.queue, Submission{
		Fields:  store.Update{store.FieldSSID: "Home", store.FieldPass: "pw", store.FieldIoTPort: "9000"},
		Respond: func(r SubmissionResult) { answered = r },
	})
	if !h.mgr.Tick(ctx) {
		t.Fatalf("tick in access point must report reachable")
	}

	if !answered.Saved || answered.Err != nil {
		t.Fatalf("expected saved response, got %+v", answered)
	}
	if !strings.Contains(answered.Page, "ssid=Home") {
		t.Fatalf("response page not re-rendered: %q", answered.Page)
	}
	if h.mgr.Status() != StatusConnected {
		t.Fatalf("expected Connected after submission, got %s", h.mgr.Status())
	}
	if callbackCtx != "ctx-42" {
		t.Fatalf("expected callback with ctx-42, got %#v", callbackCtx)
	}
	if h.portal.running || h.radio.apStops == 0 {
		t.Fatalf("portal and AP must be stopped after reconnect")
	}

	reloaded := store.New(h.nv, store.Options{})
	if valid, err := reloaded.Load(); !valid || err != nil {
		t.Fatalf("submission not persisted, valid=%v err=%v", valid, err)
	}
	want := store.Record{SSID: "Home", Pass: "pw", DevID: "device", NodeID: "1", IoTPort: "9000"}
	if reloaded.Record() != want {
		t.Fatalf("persisted %+v, want %+v", reloaded.Record(), want)
	}
}

func TestRejectedSubmissionKeepsPortal(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{MaxAttempts: 1})
	if err := h.mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}

	res := h.mgr.HandleSubmission(context.Background(), Submission{
		Fields: store.Update{store.FieldSSID: strings.Repeat("x", 40)},
	})
	if !errors.Is(res.Err, store.ErrFieldTooLong) || res.Saved {
		t.Fatalf("expected ErrFieldTooLong, got %+v", res)
	}
	if h.nv.Commits() != 0 {
		t.Fatalf("rejected submission must not persist")
	}
	if h.mgr.Status() != StatusAccessPoint || !h.portal.running {
		t.Fatalf("portal must stay up after rejection")
	}
	if !strings.Contains(h.portal.page, "error=") {
		t.Fatalf("expected error on page, got %q", h.portal.page)
	}
}

func TestFailedSubmissionReopensAccessPoint(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{MaxAttempts: 2})
	if err := h.mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}

	res := h.mgr.HandleSubmission(context.Background(), Submission{
		Fields: store.Update{store.FieldSSID: "Nowhere", store.FieldNodeID: "4"},
	})
	if !res.Saved || res.Connected {
		t.Fatalf("expected saved but unconnected, got %+v", res)
	}
	if h.mgr.Status() != StatusAccessPoint {
		t.Fatalf("expected AccessPoint again, got %s", h.mgr.Status())
	}
	if h.radio.apStarts != 2 || h.radio.apName != "ap-device-4" {
		t.Fatalf("expected AP reopened under new name, starts=%d name=%q", h.radio.apStarts, h.radio.apName)
	}
	if !h.portal.running || h.portal.starts != 2 {
		t.Fatalf("expected portal restarted")
	}
}

func TestUnpersistedSubmissionKeepsSavedRecord(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{MaxAttempts: 2})
	if err := h.mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}
	before := h.mgr.Record()

	h.nv.FailWrites = true
	res := h.mgr.HandleSubmission(context.Background(), Submission{
		Fields: store.Update{store.FieldSSID: "unsaved", store.FieldDevID: "lamp"},
	})
	if res.Saved || !errors.Is(res.Err, store.ErrStorage) {
		t.Fatalf("expected storage failure, got %+v", res)
	}
	if got := h.mgr.Record(); got != before {
		t.Fatalf("in-memory record drifted from NV: got %+v want %+v", got, before)
	}
	if name := h.mgr.AccessPointName(); name != h.radio.apName || name != "ap-device-1" {
		t.Fatalf("access point name %q does not match broadcast %q", name, h.radio.apName)
	}
	if h.mgr.Status() != StatusAccessPoint || !h.portal.running {
		t.Fatalf("portal must stay up after a failed save")
	}
	if strings.Contains(h.portal.page, "ssid=unsaved") {
		t.Fatalf("page shows unsaved values: %q", h.portal.page)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	testlog.Start(t)

	m := NewManager(&fakeRadio{}, store.New(store.NewMemory(256), store.Options{}), ManagerConfig{})
	if m.AttemptConnect(context.Background()) {
		t.Fatalf("expected refusal before Initialize")
	}
	if err := m.OpenAccessPoint(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestAccessPointFailureLeavesStatus(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{})
	h.radio.apErr = ErrAccessPointUnsupported
	err := h.mgr.OpenAccessPoint()
	if !errors.Is(err, ErrAccessPointFailed) || !errors.Is(err, ErrAccessPointUnsupported) {
		t.Fatalf("expected wrapped AP failure, got %v", err)
	}
	if h.mgr.Status() != StatusIdle || h.portal.running {
		t.Fatalf("status must stay Idle with portal down")
	}
}

func TestReconnectIntervalRetriesFromAccessPoint(t *testing.T) {
	testlog.Start(t)

	now := time.Unix(1_700_000_000, 0)
	h := newHarness(t, ManagerConfig{
		MaxAttempts:       1,
		ReconnectInterval: time.Minute,
		Now:               func() time.Time { return now },
	})
	if err := h.mgr.store.Apply(store.Update{store.FieldSSID: "Home", store.FieldPass: "pw"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := h.mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}

	h.mgr.Tick(context.Background())
	if h.radio.joins != 0 {
		t.Fatalf("retry fired before interval elapsed")
	}

	h.radio.networks["Home"] = "pw"
	now = now.Add(time.Minute)
	h.mgr.Tick(context.Background())
	if h.radio.joins != 1 || h.mgr.Status() != StatusConnected {
		t.Fatalf("expected retry to connect, joins=%d status=%s", h.radio.joins, h.mgr.Status())
	}
}

func TestReinitializeReturnsToIdle(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, ManagerConfig{})
	if err := h.mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}
	if _, err := h.mgr.Reinitialize(); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if h.mgr.Status() != StatusIdle || h.portal.running {
		t.Fatalf("expected Idle with portal down, got %s", h.mgr.Status())
	}
}
