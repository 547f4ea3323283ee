package portal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgenode/internal/observability"
	"github.com/danmuck/edgenode/internal/store"
	"github.com/danmuck/edgenode/internal/wifi"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrClosing = errors.New("portal: closing")

type Config struct {
	// Node labels request metrics.
	Node     string
	HTTPAddr string
	// DNSAddr empty disables the captive DNS responder.
	DNSAddr       string
	SubmitTimeout time.Duration
	QueueSize     int
}

func DefaultConfig() Config {
	return Config{
		Node:          "edgenode",
		HTTPAddr:      ":80",
		DNSAddr:       ":53",
		SubmitTimeout: 10 * time.Second,
		QueueSize:     4,
	}
}

// Server implements wifi.PortalServer.
type Server struct {
	cfg         Config
	engine      *gin.Engine
	dns         *DNSResponder
	page        atomic.Pointer[string]
	submissions chan wifi.Submission

	mu      sync.Mutex
	httpSrv *http.Server
	ln      net.Listener
	done    chan struct{}
}

var _ wifi.PortalServer = (*Server)(nil)

func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Node == "" {
		cfg.Node = def.Node
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = def.HTTPAddr
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:         cfg,
		dns:         NewDNSResponder(0),
		submissions: make(chan wifi.Submission, cfg.QueueSize),
	}
	empty := ""
	s.page.Store(&empty)

	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestid.New(requestid.WithCustomHeaderStrKey("X-Request-ID")),
		observability.RequestLogger(log.Logger),
		observability.RequestMetricsMiddleware(cfg.Node),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/", s.handlePage)
	r.POST("/", s.handleSubmit)
	r.NoRoute(s.handlePage)
	s.engine = r
	return s
}

// Handler exposes the gin engine, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves the portal. addr is the address handed out by captive DNS.
func (s *Server) Start(addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil
	}

	if s.cfg.DNSAddr != "" {
		if err := s.dns.Start(s.cfg.DNSAddr, addr); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = s.dns.Stop()
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("portal: http server stopped")
		}
	}()

	s.httpSrv, s.ln, s.done = srv, ln, done
	log.Info().Str("http", ln.Addr().String()).Msg("portal: serving")
	return nil
}

// Stop shuts the servers down and fails any submission still queued.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.httpSrv, s.done
	s.httpSrv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = srv.Shutdown(ctx)
		cancel()
		if err != nil {
			_ = srv.Close()
		}
		<-done
	}
	if derr := s.dns.Stop(); err == nil {
		err = derr
	}

	for {
		select {
		case sub := <-s.submissions:
			if sub.Respond != nil {
				sub.Respond(wifi.SubmissionResult{Err: ErrClosing, Page: s.currentPage()})
			}
		default:
			return err
		}
	}
}

// HTTPAddr is the bound page server address, or "" when stopped.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) DNSAddr() netip.AddrPort {
	return s.dns.LocalAddr()
}

func (s *Server) SetPage(html string) {
	s.page.Store(&html)
}

func (s *Server) currentPage() string {
	return *s.page.Load()
}

// Service answers queued DNS queries and passes at most one submission to
// handle. It runs on the node loop and holds no lock while handle runs, so
// handle may stop this server.
func (s *Server) Service(_ context.Context, handle func(wifi.Submission) wifi.SubmissionResult) int {
	n := s.dns.ServePending()
	select {
	case sub := <-s.submissions:
		res := handle(sub)
		if sub.Respond != nil {
			sub.Respond(res)
		}
		n++
	default:
	}
	return n
}

func (s *Server) handlePage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(s.currentPage()))
}

func (s *Server) handleSubmit(c *gin.Context) {
	fields := store.Update{}
	for _, f := range store.Fields() {
		if v, ok := c.GetPostForm(string(f)); ok {
			fields[f] = v
		}
	}

	done := make(chan wifi.SubmissionResult, 1)
	sub := wifi.Submission{
		Fields: fields,
		Respond: func(res wifi.SubmissionResult) {
			select {
			case done <- res:
			default:
			}
		},
	}

	select {
	case s.submissions <- sub:
	default:
		c.Data(http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(s.currentPage()))
		return
	}

	timer := time.NewTimer(s.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		status := http.StatusOK
		if res.Err != nil {
			status = http.StatusUnprocessableEntity
		}
		page := res.Page
		if page == "" {
			page = s.currentPage()
		}
		c.Data(status, "text/html; charset=utf-8", []byte(page))
	case <-timer.C:
		c.Data(http.StatusGatewayTimeout, "text/html; charset=utf-8", []byte(s.currentPage()))
	case <-c.Request.Context().Done():
	}
}
