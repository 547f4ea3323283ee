package portal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgenode/internal/store"
	"github.com/danmuck/edgenode/internal/testutil/testlog"
	"github.com/danmuck/edgenode/internal/wifi"
	"golang.org/x/net/dns/dnsmessage"
)

var apAddr = netip.MustParseAddr("192.168.4.1")

func testConfig() Config {
	return Config{
		Node:          "test",
		HTTPAddr:      "127.0.0.1:0",
		DNSAddr:       "127.0.0.1:0",
		SubmitTimeout: 5 * time.Second,
	}
}

func TestRenderShowsValuesLimitsAndProblem(t *testing.T) {
	testlog.Start(t)

	rec := store.Defaults()
	rec.SSID = `Caf<e>`
	page, err := Render(rec, "ap-device-1", errors.New("store: bad port"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"ap-device-1 configuration",
		`name="SSID"`,
		`value="Caf&lt;e&gt;"`,
		`maxlength="31"`,
		`maxlength="7"`,
		`name="Update"`,
		"store: bad port",
	} {
		if !strings.Contains(page, want) {
			t.Fatalf("page missing %q:\n%s", want, page)
		}
	}
}

func TestEveryPathServesPage(t *testing.T) {
	testlog.Start(t)

	s := New(testConfig())
	s.SetPage("<p>portal</p>")
	for _, path := range []string{"/", "/generate_204", "/hotspot-detect.html", "/a/b/c"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "<p>portal</p>" {
			t.Fatalf("%s: got %d %q", path, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "edgenode_") {
		t.Fatalf("metrics endpoint not served: %d", rec.Code)
	}
}

func postForm(s *Server, form url.Values) <-chan *httptest.ResponseRecorder {
	out := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		out <- rec
	}()
	return out
}

func tickUntil(t *testing.T, mgr *wifi.Manager, done <-chan *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mgr.Tick(context.Background())
		select {
		case rec := <-done:
			return rec
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatalf("submission never answered")
	return nil
}

func newPortalManager(t *testing.T, radio wifi.Radio) (*Server, *wifi.Manager, *store.Memory) {
	t.Helper()
	s := New(testConfig())
	nv := store.NewMemory(store.RecordSize)
	mgr := wifi.NewManager(radio, store.New(nv, store.Options{}), wifi.ManagerConfig{
		MaxAttempts: 3,
		Portal:      s,
		Render:      Render,
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if _, err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := mgr.OpenAccessPoint(); err != nil {
		t.Fatalf("open access point: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, mgr, nv
}

func TestFormPostReconnectsThroughManager(t *testing.T) {
	testlog.Start(t)

	radio := wifi.NewHostRadio(map[string]string{"Home": "hunter22"}, false)
	s, mgr, nv := newPortalManager(t, radio)
	if s.HTTPAddr() == "" {
		t.Fatalf("portal not listening after OpenAccessPoint")
	}

	form := url.Values{"SSID": {"Home"}, "Pass": {"hunter22"}, "Update": {"Update"}}
	rec := tickUntil(t, mgr, postForm(s, form))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `value="Home"`) {
		t.Fatalf("response page not re-rendered")
	}
	if mgr.Status() != wifi.StatusConnected {
		t.Fatalf("expected Connected, got %s", mgr.Status())
	}
	if s.HTTPAddr() != "" {
		t.Fatalf("portal should be stopped once connected")
	}
	if nv.Commits() != 1 {
		t.Fatalf("expected one persisted write, got %d", nv.Commits())
	}
	if mgr.Record().DevID != store.DefaultDevID {
		t.Fatalf("absent keys must keep their values, got %+v", mgr.Record())
	}
}

func TestFormPostRejectedStaysInPortal(t *testing.T) {
	testlog.Start(t)

	s, mgr, nv := newPortalManager(t, wifi.NewHostRadio(nil, false))
	rec := tickUntil(t, mgr, postForm(s, url.Values{"IoTPort": {"99999"}}))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid IoT port") {
		t.Fatalf("error not shown on page: %s", rec.Body.String())
	}
	if mgr.Status() != wifi.StatusAccessPoint || nv.Commits() != 0 {
		t.Fatalf("rejected form must not persist or leave the portal")
	}
}

func buildDNSQuery(t *testing.T, name string, typ dnsmessage.Type) []byte {
	t.Helper()
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 0xbeef, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		t.Fatalf("start questions: %v", err)
	}
	if err := b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  typ,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		t.Fatalf("question: %v", err)
	}
	q, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return q
}

func TestAnswerResolvesEverythingToAccessPoint(t *testing.T) {
	testlog.Start(t)

	reply, err := Answer(buildDNSQuery(t, "connectivitycheck.gstatic.com.", dnsmessage.TypeA), apAddr, DefaultDNSTTL)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if msg.Header.ID != 0xbeef || !msg.Header.Response || msg.Header.RCode != dnsmessage.RCodeSuccess {
		t.Fatalf("unexpected header %+v", msg.Header)
	}
	if len(msg.Answers) != 1 {
		t.Fatalf("expected one answer, got %d", len(msg.Answers))
	}
	a, ok := msg.Answers[0].Body.(*dnsmessage.AResource)
	if !ok || netip.AddrFrom4(a.A) != apAddr || msg.Answers[0].Header.TTL != DefaultDNSTTL {
		t.Fatalf("unexpected answer %+v", msg.Answers[0])
	}

	reply, err = Answer(buildDNSQuery(t, "example.com.", dnsmessage.TypeAAAA), apAddr, DefaultDNSTTL)
	if err != nil {
		t.Fatalf("answer AAAA: %v", err)
	}
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(msg.Answers) != 0 || msg.Header.RCode != dnsmessage.RCodeSuccess {
		t.Fatalf("expected empty NOERROR for AAAA, got %+v", msg)
	}

	if _, err := Answer([]byte{1, 2, 3}, apAddr, DefaultDNSTTL); err == nil {
		t.Fatalf("expected malformed query to fail")
	}
}

func TestDNSResponderOverUDP(t *testing.T) {
	testlog.Start(t)

	d := NewDNSResponder(4)
	if err := d.Start("127.0.0.1:0", apAddr); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	conn, err := net.Dial("udp4", d.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(buildDNSQuery(t, "node.local.", dnsmessage.TypeA)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for d.ServePending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("query never served")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(buf[:n]); err != nil || len(msg.Answers) != 1 {
		t.Fatalf("unexpected reply %+v err=%v", msg, err)
	}
}
