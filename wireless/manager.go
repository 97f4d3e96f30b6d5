// Package wireless owns the radio connection lifecycle: scan, associate,
// watch signal quality, migrate to a better AP, and arm the reconnect
// watchdog. All work happens inside Tick, one bounded step per call; the
// scheduler never blocks on this package.
package wireless

import (
	"sort"
	"time"

	"github.com/tubnet/tubnet/hardware/radio"
	"github.com/tubnet/tubnet/helpers"
	"github.com/tubnet/tubnet/log2"
)

type State uint32

const (
	StateInit State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "?"
}

type Status struct {
	State             State
	RSSI              int
	Channel           int
	BSSID             string
	Uptime            time.Duration
	RetryCount        int
	WatchdogArmed     bool
	WatchdogRemaining time.Duration
}

type Manager struct { //nolint:maligned
	cfg     Config
	tun     tuning
	log     *log2.Log
	radio   radio.Radio
	restart func(reason string)

	state      State
	retryCount int
	backoff    helpers.Backoff

	// Connecting
	target        *radio.AP
	connectStart  time.Time
	connectIssued bool
	scanCache     []radio.AP

	// Connected
	current     radio.AP
	associated  bool
	connectedAt time.Time

	// low signal tracking
	lowSince   time.Time
	lastWarn   time.Time
	lastSample time.Time

	// Disconnected
	disconnectAt time.Time

	// watchdog
	disconnectedSince time.Time
	watchdogFired     bool

	// AP quality migration
	lastAPScan     time.Time
	betterBSSID    [6]byte
	betterSince    time.Time
	migrationAsked bool

	clock wallClock

	now func() time.Time // test hook
}

func New(cfg Config, r radio.Radio, log *log2.Log, restart func(reason string)) *Manager {
	m := &Manager{
		cfg:     cfg,
		tun:     cfg.tune(),
		log:     log,
		radio:   r,
		restart: restart,
		state:   StateInit,
		now:     time.Now,
	}
	m.backoff = helpers.Backoff{Min: m.tun.retryMin, Max: m.tun.retryMax, K: 2}
	if restart == nil {
		m.restart = func(reason string) {}
	}
	m.clock.init(m.now())
	m.log.Infof("wireless: manager initialized ssid=%s rssi_threshold=%d watchdog=%s",
		cfg.SSID, m.tun.rssiThreshold, m.tun.watchdog)
	return m
}

// Tick advances the state machine by at most one transition worth of
// work. claim may be nil when the caller does not arbitrate the radio.
func (m *Manager) Tick(claim *radio.Claim) {
	now := m.now()

	// Watchdog is tracked independently of the state machine and always
	// evaluated first, so no bug below can suppress it.
	if m.state != StateConnected {
		if m.disconnectedSince.IsZero() {
			m.disconnectedSince = now
			m.log.Infof("%s wireless: disconnected, watchdog armed (%s)", m.clock.hhmmss(now), m.tun.watchdog)
		} else if !m.watchdogFired && now.Sub(m.disconnectedSince) > m.tun.watchdog {
			m.watchdogFired = true
			m.log.Errorf("%s wireless: watchdog: no connection for %s, requesting reset (retries=%d)",
				m.clock.hhmmss(now), now.Sub(m.disconnectedSince), m.retryCount)
			m.restart("watchdog")
		}
	}

	switch m.state {
	case StateInit:
		m.retryCount++
		m.scanCache = nil
		m.target = nil
		m.setState(StateScanning)
		m.log.Infof("%s wireless: starting network scan (attempt #%d)", m.clock.hhmmss(now), m.retryCount)

	case StateScanning:
		m.scan(now)

	case StateConnecting:
		m.connecting(now)

	case StateConnected:
		m.monitor(now, claim)

	case StateDisconnected:
		if now.Sub(m.disconnectAt) > m.backoff.Next() {
			m.log.Infof("%s wireless: waited %s, retrying", m.clock.hhmmss(now), m.backoff.Next())
			m.setState(StateInit)
		}
	}
}

func (m *Manager) setState(s State) { m.state = s }

func (m *Manager) State() State { return m.state }

// Available is true iff associated with usable signal.
func (m *Manager) Available() bool {
	return m.state == StateConnected && m.current.RSSI > m.tun.rssiThreshold
}

// WillBeUnavailable predicts an imminent forced disconnect so the
// publisher can stop starting new work.
func (m *Manager) WillBeUnavailable() bool {
	if !m.lowSince.IsZero() && m.now().Sub(m.lowSince) > m.tun.lowRSSIWindow {
		return true
	}
	return m.state != StateConnected
}

func (m *Manager) Status() Status {
	now := m.now()
	s := Status{
		State:      m.state,
		RetryCount: m.retryCount,
	}
	if m.associated {
		s.RSSI = m.current.RSSI
		s.Channel = m.current.Channel
		s.BSSID = m.current.BSSIDString()
	}
	if !m.connectedAt.IsZero() {
		s.Uptime = now.Sub(m.connectedAt)
	}
	if !m.disconnectedSince.IsZero() {
		s.WatchdogArmed = true
		if remain := m.tun.watchdog - now.Sub(m.disconnectedSince); remain > 0 {
			s.WatchdogRemaining = remain
		}
	}
	return s
}

// DropScanCache frees ephemeral scan memory under pressure.
func (m *Manager) DropScanCache() {
	m.scanCache = nil
	m.betterBSSID = [6]byte{}
	m.betterSince = time.Time{}
}

func (m *Manager) scan(now time.Time) {
	aps, err := m.radio.Scan()
	if err != nil {
		// best effort: let the stack pick an AP on its own
		m.log.Errorf("%s wireless: scan err=%v, trying direct connect", m.clock.hhmmss(now), err)
		m.target = nil
		m.beginConnect(now)
		return
	}

	matching := aps[:0]
	for _, ap := range aps {
		if ap.SSID == m.cfg.SSID {
			matching = append(matching, ap)
		}
	}
	if len(matching) == 0 {
		m.log.Infof("%s wireless: no networks found, retrying", m.clock.hhmmss(now))
		m.setState(StateInit)
		return
	}

	sort.SliceStable(matching, func(i, j int) bool { return matching[i].RSSI > matching[j].RSSI })
	m.scanCache = matching
	m.log.Infof("%s wireless: found %d access points:", m.clock.hhmmss(now), len(matching))
	for i, ap := range matching {
		if i >= 3 {
			break
		}
		m.log.Infof("  ch%2d rssi:%3d %s", ap.Channel, ap.RSSI, ap.BSSIDString())
	}
	top := matching[0]
	m.target = &top
	m.beginConnect(now)
}

func (m *Manager) beginConnect(now time.Time) {
	m.setState(StateConnecting)
	m.connectStart = now
	m.connectIssued = false
}

func (m *Manager) connecting(now time.Time) {
	if m.radio.Connected() {
		ap, ok := m.radio.AP()
		if !ok {
			// stack says connected but has no association info, wait a tick
			return
		}
		m.current = ap
		m.associated = true
		m.connectedAt = now
		m.lowSince = time.Time{}
		m.lastWarn = time.Time{}
		m.lastSample = time.Time{}
		m.disconnectedSince = time.Time{}
		m.watchdogFired = false
		m.scanCache = nil
		m.setState(StateConnected)
		m.log.Infof("%s wireless: connected to %s rssi:%d ch:%d",
			m.clock.hhmmss(now), ap.BSSIDString(), ap.RSSI, ap.Channel)
		return
	}

	if !m.connectIssued {
		m.connectIssued = true
		if err := m.radio.Connect(m.cfg.SSID, m.cfg.Password, m.target); err != nil {
			m.log.Errorf("%s wireless: connect err=%v", m.clock.hhmmss(now), err)
			// fall through to the timeout, same as a silent failure
		}
	}

	if now.Sub(m.connectStart) > m.tun.connectTimeout {
		m.log.Infof("%s wireless: connection timeout", m.clock.hhmmss(now))
		m.toDisconnected(now)
	}
}

func (m *Manager) toDisconnected(now time.Time) {
	m.setState(StateDisconnected)
	m.disconnectAt = now
	m.connectedAt = time.Time{}
	m.associated = false
	m.current = radio.AP{}
	m.lowSince = time.Time{}
	m.lastWarn = time.Time{}
	m.backoff.Failure()
}
