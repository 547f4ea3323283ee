//go:build !rp2350

package wifi

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

var ErrWeakPassphrase = errors.New("wifi: access point passphrase shorter than 8 bytes")

// HostRadio stands in for a Wi-Fi chip on a development machine. The host
// is assumed to already be online; association succeeds when the saved
// credentials match an entry in Networks, or always with AcceptAny.
type HostRadio struct {
	mu sync.Mutex

	Networks  map[string]string
	AcceptAny bool
	// JoinPolls delays success by this many Connected polls.
	JoinPolls int

	joined  bool
	polls   int
	apUp    bool
	apName  string
	apAddr  netip.Addr
	address netip.Addr
}

func NewHostRadio(networks map[string]string, acceptAny bool) *HostRadio {
	if networks == nil {
		networks = map[string]string{}
	}
	return &HostRadio{Networks: networks, AcceptAny: acceptAny}
}

func (r *HostRadio) Join(ssid, passphrase string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = 0
	r.joined = false
	if ssid == "" {
		return nil
	}
	if r.AcceptAny {
		r.joined = true
		return nil
	}
	want, ok := r.Networks[ssid]
	r.joined = ok && want == passphrase
	return nil
}

func (r *HostRadio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return false
	}
	r.polls++
	return r.polls > r.JoinPolls
}

// LocalAddr reports the first non-loopback IPv4 address of the host.
func (r *HostRadio) LocalAddr() netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.address.IsValid() {
		return r.address
	}
	r.address = netip.MustParseAddr("127.0.0.1")
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return r.address
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLoopback() {
			r.address = ip
			break
		}
	}
	return r.address
}

func (r *HostRadio) Disconnect() error {
	r.mu.Lock()
	r.joined = false
	r.polls = 0
	r.mu.Unlock()
	return nil
}

func (r *HostRadio) StartAccessPoint(name, passphrase string, addr netip.Addr) error {
	if len(passphrase) < 8 {
		return ErrWeakPassphrase
	}
	if !addr.Is4() {
		return fmt.Errorf("wifi: access point address %s is not IPv4", addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apUp, r.apName, r.apAddr = true, name, addr
	return nil
}

func (r *HostRadio) StopAccessPoint() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apUp, r.apName = false, ""
	return nil
}

// AccessPoint reports the simulated AP state.
func (r *HostRadio) AccessPoint() (name string, addr netip.Addr, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apName, r.apAddr, r.apUp
}
