package wifi

import (
	"errors"
	"net/netip"
)

var ErrAccessPointUnsupported = errors.New("wifi: radio cannot host an access point")

// Radio is the hardware seam. Join starts association and returns quickly;
// Connected is polled until it reports true or the manager gives up.
type Radio interface {
	Join(ssid, passphrase string) error
	Connected() bool
	LocalAddr() netip.Addr
	Disconnect() error
	StartAccessPoint(name, passphrase string, addr netip.Addr) error
	StopAccessPoint() error
}
