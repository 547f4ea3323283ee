package config

import (
	"net/netip"

	"github.com/danmuck/edgenode/internal/logging"
	"github.com/danmuck/edgenode/internal/node"
	"github.com/danmuck/edgenode/internal/portal"
	"github.com/danmuck/edgenode/internal/store"
	"github.com/danmuck/edgenode/internal/transport"
	"github.com/danmuck/edgenode/internal/wifi"
)

// The conversions below assume a validated NodeConfig.

func (c NodeConfig) StoreOptions() store.Options {
	policy, _ := store.ParsePolicy(c.Store.Policy)
	return store.Options{Offset: c.Store.Offset, Policy: policy}
}

// ManagerConfig leaves Portal and Render for the caller to wire.
func (c NodeConfig) ManagerConfig() wifi.ManagerConfig {
	cfg := wifi.DefaultManagerConfig()
	cfg.MaxAttempts = c.WiFi.MaxAttempts
	cfg.PollInterval = c.WiFi.PollInterval
	cfg.PortalPassword = c.WiFi.PortalPassword
	if addr, err := netip.ParseAddr(c.WiFi.AccessPointAddr); err == nil {
		cfg.AccessPointAddr = addr
	}
	cfg.ReconnectInterval = c.WiFi.ReconnectInterval
	return cfg
}

func (c NodeConfig) PortalConfig() portal.Config {
	cfg := portal.DefaultConfig()
	cfg.Node = c.Name
	cfg.HTTPAddr = c.Portal.HTTPAddr
	cfg.DNSAddr = c.Portal.DNSAddr
	cfg.SubmitTimeout = c.Portal.SubmitTimeout
	return cfg
}

func (c NodeConfig) TCPConfig() transport.TCPConfig {
	cfg := transport.DefaultTCPConfig()
	cfg.BufferSize = c.Messaging.TCPBufferSize
	cfg.Framing, _ = transport.ParseFraming(c.Messaging.TCPFraming)
	return cfg
}

func (c NodeConfig) NodeRuntime() node.Config {
	return node.Config{
		Name:              c.Name,
		TickInterval:      c.Messaging.TickInterval,
		IdleRetryInterval: c.WiFi.IdleRetryInterval,
		UDPPort:           uint16(c.Messaging.UDPPort),
		UDPHost:           c.Messaging.UDPHost,
		TCPHost:           c.Messaging.TCPHost,
		TCPPort:           uint16(c.Messaging.TCPPort),
		ReplyToSource:     c.Messaging.ReplyToSource,
		Builtins:          c.Messaging.Builtins,
	}
}

// LogOverride feeds the [log] section to logging.ConfigureRuntime.
func (c NodeConfig) LogOverride() func(*logging.Config) {
	return func(lc *logging.Config) {
		lc.App = c.Name
		if level, ok := logging.ParseLevel(c.Log.Level); ok {
			lc.Level = level
		}
		lc.SerialPort = c.Log.Serial
		lc.SerialBaud = c.Log.Baud
	}
}
