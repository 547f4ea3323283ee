package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/edgenode/internal/logging"
	"github.com/danmuck/edgenode/internal/store"
	"github.com/danmuck/edgenode/internal/transport"
)

var ErrInvalid = errors.New("config: invalid")

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// NodeConfig is the runtime configuration of one node process. Values come
// from defaults, then the TOML file, then EDGENODE_* environment variables.
type NodeConfig struct {
	Name      string `env:"EDGENODE_NAME"`
	Store     StoreConfig
	WiFi      WiFiConfig
	Portal    PortalConfig
	Messaging MessagingConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type StoreConfig struct {
	Backend string `env:"EDGENODE_STORE_BACKEND"`
	Path    string `env:"EDGENODE_STORE_PATH"`
	Offset  int64  `env:"EDGENODE_STORE_OFFSET"`
	Policy  string `env:"EDGENODE_STORE_POLICY"`
}

type WiFiConfig struct {
	MaxAttempts       int           `env:"EDGENODE_WIFI_MAX_ATTEMPTS"`
	PollInterval      time.Duration `env:"EDGENODE_WIFI_POLL_INTERVAL"`
	PortalPassword    string        `env:"EDGENODE_WIFI_PORTAL_PASSWORD"`
	AccessPointAddr   string        `env:"EDGENODE_WIFI_AP_ADDR"`
	ReconnectInterval time.Duration `env:"EDGENODE_WIFI_RECONNECT_INTERVAL"`
	IdleRetryInterval time.Duration `env:"EDGENODE_WIFI_IDLE_RETRY_INTERVAL"`

	// Networks and AcceptAny only matter to the host radio.
	Networks  map[string]string `env:"EDGENODE_WIFI_NETWORKS"`
	AcceptAny bool              `env:"EDGENODE_WIFI_ACCEPT_ANY"`
}

type PortalConfig struct {
	HTTPAddr      string        `env:"EDGENODE_PORTAL_HTTP_ADDR"`
	DNSAddr       string        `env:"EDGENODE_PORTAL_DNS_ADDR"`
	SubmitTimeout time.Duration `env:"EDGENODE_PORTAL_SUBMIT_TIMEOUT"`
}

// MessagingConfig ports of 0 follow the record's IoT port. An empty TCPHost
// leaves the TCP bridge off.
type MessagingConfig struct {
	UDPPort       int           `env:"EDGENODE_UDP_PORT"`
	UDPHost       string        `env:"EDGENODE_UDP_HOST"`
	TCPHost       string        `env:"EDGENODE_TCP_HOST"`
	TCPPort       int           `env:"EDGENODE_TCP_PORT"`
	TCPBufferSize int           `env:"EDGENODE_TCP_BUFFER_SIZE"`
	TCPFraming    string        `env:"EDGENODE_TCP_FRAMING"`
	ReplyToSource bool          `env:"EDGENODE_REPLY_TO_SOURCE"`
	Builtins      bool          `env:"EDGENODE_BUILTINS"`
	TickInterval  time.Duration `env:"EDGENODE_TICK_INTERVAL"`
}

type LogConfig struct {
	Level  string `env:"EDGENODE_LOG_LEVEL"`
	Serial string `env:"EDGENODE_LOG_SERIAL"`
	Baud   int    `env:"EDGENODE_LOG_BAUD"`
}

// MetricsConfig Addr empty keeps /metrics on the portal only.
type MetricsConfig struct {
	Addr string `env:"EDGENODE_METRICS_ADDR"`
}

func Default() NodeConfig {
	return NodeConfig{
		Name: "edgenode",
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    "edgenode.nv",
			Policy:  store.PolicyReject.String(),
		},
		WiFi: WiFiConfig{
			MaxAttempts:       50,
			PollInterval:      500 * time.Millisecond,
			PortalPassword:    "iotconfig",
			AccessPointAddr:   "192.168.4.1",
			IdleRetryInterval: 30 * time.Second,
			Networks:          map[string]string{},
		},
		Portal: PortalConfig{
			HTTPAddr:      ":80",
			DNSAddr:       ":53",
			SubmitTimeout: 10 * time.Second,
		},
		Messaging: MessagingConfig{
			TCPBufferSize: 4096,
			TCPFraming:    transport.FramingNone.String(),
			Builtins:      true,
			TickInterval:  10 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
			Baud:  logging.DefaultBaud,
		},
	}
}

type fileConfig struct {
	Name      string        `toml:"name"`
	Store     fileStore     `toml:"store"`
	WiFi      fileWiFi      `toml:"wifi"`
	Portal    filePortal    `toml:"portal"`
	Messaging fileMessaging `toml:"messaging"`
	Log       fileLog       `toml:"log"`
	Metrics   fileMetrics   `toml:"metrics"`
}

type fileStore struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Offset  int64  `toml:"offset"`
	Policy  string `toml:"policy"`
}

type fileWiFi struct {
	MaxAttempts       int               `toml:"max_attempts"`
	PollInterval      string            `toml:"poll_interval"`
	PortalPassword    string            `toml:"portal_password"`
	AccessPointAddr   string            `toml:"access_point_addr"`
	ReconnectInterval string            `toml:"reconnect_interval"`
	IdleRetryInterval string            `toml:"idle_retry_interval"`
	Networks          map[string]string `toml:"networks"`
	AcceptAny         bool              `toml:"accept_any"`
}

type filePortal struct {
	HTTPAddr      string `toml:"http_addr"`
	DNSAddr       string `toml:"dns_addr"`
	SubmitTimeout string `toml:"submit_timeout"`
}

type fileMessaging struct {
	UDPPort       int    `toml:"udp_port"`
	UDPHost       string `toml:"udp_host"`
	TCPHost       string `toml:"tcp_host"`
	TCPPort       int    `toml:"tcp_port"`
	TCPBufferSize int    `toml:"tcp_buffer_size"`
	TCPFraming    string `toml:"tcp_framing"`
	ReplyToSource bool   `toml:"reply_to_source"`
	Builtins      bool   `toml:"builtins"`
	TickInterval  string `toml:"tick_interval"`
}

type fileLog struct {
	Level  string `toml:"level"`
	Serial string `toml:"serial"`
	Baud   int    `toml:"baud"`
}

type fileMetrics struct {
	Addr string `toml:"addr"`
}

// Load resolves the configuration. An empty path skips the file.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return NodeConfig{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *NodeConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}

	if meta.IsDefined("store", "backend") {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(raw.Store.Backend))
	}
	if meta.IsDefined("store", "path") {
		cfg.Store.Path = strings.TrimSpace(raw.Store.Path)
	}
	if meta.IsDefined("store", "offset") {
		cfg.Store.Offset = raw.Store.Offset
	}
	if meta.IsDefined("store", "policy") {
		cfg.Store.Policy = strings.TrimSpace(raw.Store.Policy)
	}

	if meta.IsDefined("wifi", "max_attempts") {
		cfg.WiFi.MaxAttempts = raw.WiFi.MaxAttempts
	}
	if err := durationField(meta, raw.WiFi.PollInterval, &cfg.WiFi.PollInterval, "wifi", "poll_interval"); err != nil {
		return err
	}
	if meta.IsDefined("wifi", "portal_password") {
		cfg.WiFi.PortalPassword = raw.WiFi.PortalPassword
	}
	if meta.IsDefined("wifi", "access_point_addr") {
		cfg.WiFi.AccessPointAddr = strings.TrimSpace(raw.WiFi.AccessPointAddr)
	}
	if err := durationField(meta, raw.WiFi.ReconnectInterval, &cfg.WiFi.ReconnectInterval, "wifi", "reconnect_interval"); err != nil {
		return err
	}
	if err := durationField(meta, raw.WiFi.IdleRetryInterval, &cfg.WiFi.IdleRetryInterval, "wifi", "idle_retry_interval"); err != nil {
		return err
	}
	if meta.IsDefined("wifi", "networks") {
		cfg.WiFi.Networks = raw.WiFi.Networks
	}
	if meta.IsDefined("wifi", "accept_any") {
		cfg.WiFi.AcceptAny = raw.WiFi.AcceptAny
	}

	if meta.IsDefined("portal", "http_addr") {
		cfg.Portal.HTTPAddr = strings.TrimSpace(raw.Portal.HTTPAddr)
	}
	if meta.IsDefined("portal", "dns_addr") {
		cfg.Portal.DNSAddr = strings.TrimSpace(raw.Portal.DNSAddr)
	}
	if err := durationField(meta, raw.Portal.SubmitTimeout, &cfg.Portal.SubmitTimeout, "portal", "submit_timeout"); err != nil {
		return err
	}

	if meta.IsDefined("messaging", "udp_port") {
		cfg.Messaging.UDPPort = raw.Messaging.UDPPort
	}
	if meta.IsDefined("messaging", "udp_host") {
		cfg.Messaging.UDPHost = strings.TrimSpace(raw.Messaging.UDPHost)
	}
	if meta.IsDefined("messaging", "tcp_host") {
		cfg.Messaging.TCPHost = strings.TrimSpace(raw.Messaging.TCPHost)
	}
	if meta.IsDefined("messaging", "tcp_port") {
		cfg.Messaging.TCPPort = raw.Messaging.TCPPort
	}
	if meta.IsDefined("messaging", "tcp_buffer_size") {
		cfg.Messaging.TCPBufferSize = raw.Messaging.TCPBufferSize
	}
	if meta.IsDefined("messaging", "tcp_framing") {
		cfg.Messaging.TCPFraming = strings.TrimSpace(raw.Messaging.TCPFraming)
	}
	if meta.IsDefined("messaging", "reply_to_source") {
		cfg.Messaging.ReplyToSource = raw.Messaging.ReplyToSource
	}
	if meta.IsDefined("messaging", "builtins") {
		cfg.Messaging.Builtins = raw.Messaging.Builtins
	}
	if err := durationField(meta, raw.Messaging.TickInterval, &cfg.Messaging.TickInterval, "messaging", "tick_interval"); err != nil {
		return err
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "serial") {
		cfg.Log.Serial = strings.TrimSpace(raw.Log.Serial)
	}
	if meta.IsDefined("log", "baud") {
		cfg.Log.Baud = raw.Log.Baud
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	return nil
}

func durationField(meta toml.MetaData, raw string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

func (c NodeConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path required for %s backend", ErrInvalid, c.Store.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, c.Store.Backend)
	}
	if c.Store.Offset < 0 {
		return fmt.Errorf("%w: store.offset must not be negative", ErrInvalid)
	}
	if _, err := store.ParsePolicy(c.Store.Policy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if c.WiFi.MaxAttempts <= 0 {
		return fmt.Errorf("%w: wifi.max_attempts must be positive", ErrInvalid)
	}
	if c.WiFi.PollInterval <= 0 {
		return fmt.Errorf("%w: wifi.poll_interval must be positive", ErrInvalid)
	}
	if len(c.WiFi.PortalPassword) < 8 {
		return fmt.Errorf("%w: wifi.portal_password needs at least 8 bytes", ErrInvalid)
	}
	if addr, err := netip.ParseAddr(c.WiFi.AccessPointAddr); err != nil || !addr.Is4() {
		return fmt.Errorf("%w: wifi.access_point_addr %q is not IPv4", ErrInvalid, c.WiFi.AccessPointAddr)
	}
	if c.WiFi.ReconnectInterval < 0 || c.WiFi.IdleRetryInterval < 0 {
		return fmt.Errorf("%w: wifi intervals must not be negative", ErrInvalid)
	}

	if strings.TrimSpace(c.Portal.HTTPAddr) == "" {
		return fmt.Errorf("%w: portal.http_addr is required", ErrInvalid)
	}
	if c.Portal.SubmitTimeout <= 0 {
		return fmt.Errorf("%w: portal.submit_timeout must be positive", ErrInvalid)
	}

	if !validPort(c.Messaging.UDPPort) || !validPort(c.Messaging.TCPPort) {
		return fmt.Errorf("%w: messaging ports must be within 0..65535", ErrInvalid)
	}
	if c.Messaging.TCPBufferSize <= 0 {
		return fmt.Errorf("%w: messaging.tcp_buffer_size must be positive", ErrInvalid)
	}
	if _, err := transport.ParseFraming(c.Messaging.TCPFraming); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Messaging.TickInterval <= 0 {
		return fmt.Errorf("%w: messaging.tick_interval must be positive", ErrInvalid)
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalid, c.Log.Level)
	}
	if c.Log.Baud <= 0 {
		return fmt.Errorf("%w: log.baud must be positive", ErrInvalid)
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
