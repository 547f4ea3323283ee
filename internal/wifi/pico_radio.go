//go:build rp2350

package wifi

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"
)

const picoMTU = cyw43439.MTU

type PicoConfig struct {
	Hostname string
	// RequestedAddr is asked for during DHCP; optional.
	RequestedAddr netip.Addr
	UDPPorts      int
	TCPPorts      int
}

// PicoRadio drives the CYW43439 on a Raspberry Pi Pico 2 W. The driver
// has no soft-AP support, so StartAccessPoint always fails.
type PicoRadio struct {
	cfg    PicoConfig
	dev    *cyw43439.Device
	logger *slog.Logger

	initialized bool
	joined      bool
	stack       *stacks.PortStack
	dhcpClient  *stacks.DHCPClient
	addr        netip.Addr
}

func NewPicoRadio(cfg PicoConfig) *PicoRadio {
	if cfg.UDPPorts <= 0 {
		cfg.UDPPorts = 2
	}
	if cfg.TCPPorts <= 0 {
		cfg.TCPPorts = 1
	}
	return &PicoRadio{
		cfg:    cfg,
		dev:    cyw43439.NewPicoWDevice(),
		logger: slog.New(slog.NewTextHandler(log.Logger, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

// Join associates synchronously, then starts DHCP. Connected turns true once
// a lease is bound.
func (r *PicoRadio) Join(ssid, passphrase string) error {
	if !r.initialized {
		wcfg := cyw43439.DefaultWifiConfig()
		wcfg.Logger = r.logger
		start := time.Now()
		if err := r.dev.Init(wcfg); err != nil {
			return fmt.Errorf("cyw43439 init: %w", err)
		}
		r.initialized = true
		log.Info().Dur("duration", time.Since(start)).Msg("wifi: cyw43439 ready")
	}

	r.joined = false
	r.addr = netip.Addr{}
	if err := r.dev.JoinWPA2(ssid, passphrase); err != nil {
		return fmt.Errorf("join %q: %w", ssid, err)
	}
	r.joined = true

	if r.stack == nil {
		mac, _ := r.dev.HardwareAddr6()
		r.stack = stacks.NewPortStack(stacks.PortStackConfig{
			MAC:             mac,
			MaxOpenPortsUDP: r.cfg.UDPPorts + 1,
			MaxOpenPortsTCP: r.cfg.TCPPorts,
			MTU:             picoMTU,
			Logger:          r.logger,
		})
		r.dev.RecvEthHandle(r.stack.RecvEth)
		go r.pump()
		r.dhcpClient = stacks.NewDHCPClient(r.stack, dhcp.DefaultClientPort)
		log.Info().Str("mac", net.HardwareAddr(mac[:]).String()).Msg("wifi: stack up")
	}

	return r.dhcpClient.BeginRequest(stacks.DHCPRequestConfig{
		RequestedAddr: r.cfg.RequestedAddr,
		Xid:           uint32(time.Now().Nanosecond()),
		Hostname:      r.cfg.Hostname,
	})
}

func (r *PicoRadio) Connected() bool {
	if !r.joined || r.dhcpClient == nil {
		return false
	}
	if r.addr.IsValid() {
		return true
	}
	if r.dhcpClient.State() != dhcp.StateBound {
		return false
	}
	r.addr = r.dhcpClient.Offer()
	r.stack.SetAddr(r.addr)
	return true
}

func (r *PicoRadio) LocalAddr() netip.Addr {
	return r.addr
}

// Disconnect only forgets the lease; the chip stays associated until the
// next Join replaces it.
func (r *PicoRadio) Disconnect() error {
	r.joined = false
	r.addr = netip.Addr{}
	return nil
}

func (r *PicoRadio) StartAccessPoint(string, string, netip.Addr) error {
	return ErrAccessPointUnsupported
}

func (r *PicoRadio) StopAccessPoint() error {
	return nil
}

// pump moves frames between the chip and the stack until the process ends.
func (r *PicoRadio) pump() {
	var frame [picoMTU]byte
	for {
		idle := true
		got, err := r.dev.PollOne()
		if err != nil {
			log.Warn().Err(err).Msg("wifi: nic poll")
		}
		if got {
			idle = false
		}

		n, err := r.stack.HandleEth(frame[:])
		if err != nil {
			log.Warn().Err(err).Msg("wifi: stack handle")
			n = 0
		}
		if n > 0 {
			idle = false
			for try := 0; try < 3; try++ {
				if err = r.dev.SendEth(frame[:n]); err == nil {
					break
				}
			}
			if err != nil {
				log.Warn().Err(err).Msg("wifi: dropped outgoing frame")
			}
		}
		if idle {
			time.Sleep(50 * time.Millisecond)
		}
	}
}
