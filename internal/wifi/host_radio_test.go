//go:build !rp2350

package wifi

import (
	"errors"
	"testing"

	"github.com/danmuck/edgenode/internal/testutil/testlog"
)

func TestHostRadioChecksCredentials(t *testing.T) {
	testlog.Start(t)

	r := NewHostRadio(map[string]string{"Home": "pw"}, false)
	_ = r.Join("Home", "wrong")
	if r.Connected() {
		t.Fatalf("wrong passphrase must not associate")
	}
	_ = r.Join("", "")
	if r.Connected() {
		t.Fatalf("empty SSID must not associate")
	}

	r.JoinPolls = 2
	_ = r.Join("Home", "pw")
	if r.Connected() || r.Connected() {
		t.Fatalf("expected association to take two polls")
	}
	if !r.Connected() {
		t.Fatalf("expected association on third poll")
	}
	if !r.LocalAddr().Is4() {
		t.Fatalf("expected IPv4 local address, got %s", r.LocalAddr())
	}

	_ = r.Disconnect()
	if r.Connected() {
		t.Fatalf("expected disconnect to drop association")
	}
}

func TestHostRadioAcceptAnyAndAccessPoint(t *testing.T) {
	testlog.Start(t)

	r := NewHostRadio(nil, true)
	_ = r.Join("Anything", "")
	if !r.Connected() {
		t.Fatalf("AcceptAny should associate with any SSID")
	}

	if err := r.StartAccessPoint("ap-device-1", "short", DefaultAccessPointAddr); !errors.Is(err, ErrWeakPassphrase) {
		t.Fatalf("expected ErrWeakPassphrase, got %v", err)
	}
	if err := r.StartAccessPoint("ap-device-1", DefaultPortalPassword, DefaultAccessPointAddr); err != nil {
		t.Fatalf("start AP: %v", err)
	}
	if name, addr, up := r.AccessPoint(); !up || name != "ap-device-1" || addr != DefaultAccessPointAddr {
		t.Fatalf("unexpected AP state %q %s %v", name, addr, up)
	}
	_ = r.StopAccessPoint()
	if _, _, up := r.AccessPoint(); up {
		t.Fatalf("expected AP down")
	}
}
