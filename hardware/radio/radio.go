// Package radio is the narrow boundary to the native wireless stack.
// The connection manager drives it strictly from its own tick; every call
// must return within a bounded time. Association is started by Connect and
// then observed by polling Connected/AP, the stack gives no completion
// callback.
package radio

import "fmt"

type AP struct {
	SSID    string
	BSSID   [6]byte
	RSSI    int // dBm
	Channel int
}

func (a AP) BSSIDString() string {
	b := a.BSSID
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

type Radio interface {
	// Scan returns visible networks, all SSIDs. Bounded call.
	Scan() ([]AP, error)

	// Connect kicks association. target=nil lets the stack pick an AP.
	// Returns quickly; success shows up later via Connected.
	Connect(ssid, password string, target *AP) error

	Disconnect() error

	Connected() bool

	// AP reports current association info, ok=false when not associated.
	AP() (AP, bool)
}
