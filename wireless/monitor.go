package wireless

import (
	"time"

	"github.com/tubnet/tubnet/hardware/radio"
)

const warnThrottle = 5 * time.Second

// monitor runs the Connected state: link liveness, RSSI sampling under
// the radio claim, sustained-low-signal rescue and AP quality migration.
func (m *Manager) monitor(now time.Time, claim *radio.Claim) {
	m.disconnectedSince = time.Time{}
	m.watchdogFired = false

	if !m.radio.Connected() {
		m.log.Infof("%s wireless: connection lost", m.clock.hhmmss(now))
		m.toDisconnected(now)
		return
	}

	// Only reset retry accounting while the link is actually usable.
	if m.current.RSSI > m.tun.rssiThreshold {
		m.backoff.Reset()
		m.retryCount = 0
	}

	// RSSI sampling wants the radio to itself this cycle. Between
	// samples the claim stays free so the publisher gets its turn.
	if !m.lastSample.IsZero() && now.Sub(m.lastSample) < m.tun.rssiSample {
		return
	}
	if claim != nil && *claim != radio.ClaimFree {
		return
	}
	if claim != nil {
		*claim = radio.ClaimMeasure
	}
	m.lastSample = now

	ap, ok := m.radio.AP()
	if !ok {
		return
	}
	m.current = ap

	if ap.RSSI < m.tun.rssiThreshold {
		if m.lowSince.IsZero() {
			m.log.Infof("%s wireless: rssi below threshold: %d", m.clock.hhmmss(now), ap.RSSI)
			m.lowSince = now
			m.lastWarn = now
		} else if now.Sub(m.lastWarn) > warnThrottle {
			m.log.Infof("%s wireless: rssi still low: %d", m.clock.hhmmss(now), ap.RSSI)
			m.lastWarn = now
		}
		if now.Sub(m.lowSince) > m.tun.lowRSSIWindow {
			m.log.Infof("%s wireless: rssi low for %s, disconnecting to rescan", m.clock.hhmmss(now), now.Sub(m.lowSince))
			_ = m.radio.Disconnect()
			m.toDisconnected(now)
			return
		}
	} else {
		m.lowSince = time.Time{}
	}

	m.checkAPQuality(now)
}

// checkAPQuality periodically looks for a clearly better same-SSID AP.
// A candidate must beat the current association by the RSSI margin and
// stay the best option for the whole stability window before we commit.
// Committing means a device restart: the native stack cannot re-associate
// while connected, and the boot path always picks the strongest AP.
func (m *Manager) checkAPQuality(now time.Time) {
	if m.migrationAsked {
		return
	}
	if !m.lastAPScan.IsZero() && now.Sub(m.lastAPScan) < m.tun.apScanInterval {
		return
	}
	m.lastAPScan = now

	aps, err := m.radio.Scan()
	if err != nil {
		// transient, next interval will retry
		m.log.Debugf("wireless: ap quality scan err=%v", err)
		return
	}

	var best *radio.AP
	for i := range aps {
		ap := &aps[i]
		if ap.SSID != m.cfg.SSID {
			continue
		}
		if best == nil || ap.RSSI > best.RSSI {
			best = ap
		}
	}
	if best == nil || best.BSSID == m.current.BSSID || best.RSSI < m.current.RSSI+m.tun.apRSSIMargin {
		// no better option, candidate tracking starts over
		m.betterBSSID = [6]byte{}
		m.betterSince = time.Time{}
		return
	}

	if m.betterBSSID != best.BSSID {
		m.betterBSSID = best.BSSID
		m.betterSince = now
		m.log.Infof("%s wireless: better ap candidate %s rssi:%d (current %d), watching",
			m.clock.hhmmss(now), best.BSSIDString(), best.RSSI, m.current.RSSI)
		return
	}

	if now.Sub(m.betterSince) >= m.tun.apStability {
		m.migrationAsked = true
		m.log.Infof("%s wireless: ap %s stayed better for %s, requesting reset to migrate",
			m.clock.hhmmss(now), best.BSSIDString(), now.Sub(m.betterSince))
		m.restart("ap-migrate")
	}
}
