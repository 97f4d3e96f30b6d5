package radio

import "sync"

// Mock is a scripted Radio for tests. Default behavior: scans return
// ScanResult, Connect against a visible SSID succeeds on the strongest
// matching AP after ConnectAfter more Connected() polls.
type Mock struct {
	mu sync.Mutex

	ScanResult []AP
	ScanErr    error
	ConnectErr error
	// ConnectAfter is how many Connected() polls association takes.
	ConnectAfter int

	ScanCalls    int
	ConnectCalls int
	LastTarget   *AP

	connected bool
	pending   int
	current   AP
	hasAP     bool
}

var _ Radio = (*Mock)(nil)

func (m *Mock) Scan() ([]AP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScanCalls++
	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	out := make([]AP, len(m.ScanResult))
	copy(out, m.ScanResult)
	return out, nil
}

func (m *Mock) Connect(ssid, password string, target *AP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	if target != nil {
		t := *target
		m.LastTarget = &t
	} else {
		m.LastTarget = nil
	}
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	var best *AP
	for i := range m.ScanResult {
		ap := &m.ScanResult[i]
		if ap.SSID != ssid {
			continue
		}
		if target != nil && ap.BSSID != target.BSSID {
			continue
		}
		if best == nil || ap.RSSI > best.RSSI {
			best = ap
		}
	}
	if best == nil {
		// association will never complete
		return nil
	}
	m.current = *best
	m.hasAP = true
	m.pending = m.ConnectAfter
	if m.pending == 0 {
		m.connected = true
	}
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.hasAP = false
	m.pending = 0
	return nil
}

func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected && m.hasAP {
		if m.pending > 0 {
			m.pending--
		}
		if m.pending == 0 {
			m.connected = true
		}
	}
	return m.connected
}

func (m *Mock) AP() (AP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || !m.hasAP {
		return AP{}, false
	}
	return m.current, true
}

// SetRSSI adjusts the reported signal of the current association.
func (m *Mock) SetRSSI(rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.RSSI = rssi
}

// Drop simulates losing the link out from under the manager.
func (m *Mock) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.hasAP = false
}
