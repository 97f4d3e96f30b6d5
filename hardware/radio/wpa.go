package radio

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/tubnet/tubnet/log2"
)

const wpaCmdTimeout = 3 * time.Second

// WPACtl drives wpa_supplicant through the wpa_cli binary. Every call
// is one short subprocess with a hard timeout, which keeps the Radio
// contract of bounded calls without holding a control socket open.
type WPACtl struct {
	log   *log2.Log
	iface string
	netID string
}

var _ Radio = (*WPACtl)(nil)

func NewWPACtl(iface string, log *log2.Log) *WPACtl {
	return &WPACtl{log: log, iface: iface, netID: "-1"}
}

func (w *WPACtl) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), wpaCmdTimeout)
	defer cancel()
	full := append([]string{"-i", w.iface}, args...)
	out, err := exec.CommandContext(ctx, "wpa_cli", full...).Output()
	if err != nil {
		return "", errors.Annotatef(err, "wpa_cli %s", strings.Join(args, " "))
	}
	s := strings.TrimSpace(string(out))
	if s == "FAIL" {
		return "", errors.Errorf("wpa_cli %s: FAIL", strings.Join(args, " "))
	}
	return s, nil
}

func (w *WPACtl) Scan() ([]AP, error) {
	// "FAIL-BUSY" (a scan already running) comes back as plain output,
	// not an error; the results below are still the freshest available
	if _, err := w.run("scan"); err != nil {
		w.log.Debugf("radio: scan trigger err=%v", err)
	}
	out, err := w.run("scan_results")
	if err != nil {
		return nil, errors.Annotate(err, "scan_results")
	}

	var aps []AP
	for i, line := range strings.Split(out, "\n") {
		if i == 0 { // header
			continue
		}
		// bssid \t frequency \t signal level \t flags \t ssid
		f := strings.Split(line, "\t")
		if len(f) < 5 {
			continue
		}
		bssid, err := ParseBSSID(f[0])
		if err != nil {
			continue
		}
		freq, _ := strconv.Atoi(f[1])
		rssi, _ := strconv.Atoi(f[2])
		aps = append(aps, AP{
			SSID:    f[4],
			BSSID:   bssid,
			RSSI:    rssi,
			Channel: freqToChannel(freq),
		})
	}
	return aps, nil
}

func (w *WPACtl) Connect(ssid, password string, target *AP) error {
	if w.netID == "-1" {
		id, err := w.run("add_network")
		if err != nil {
			return errors.Annotate(err, "add_network")
		}
		w.netID = id
		steps := [][]string{
			{"set_network", w.netID, "ssid", fmt.Sprintf("%q", ssid)},
			{"set_network", w.netID, "psk", fmt.Sprintf("%q", password)},
		}
		for _, s := range steps {
			if _, err := w.run(s...); err != nil {
				return err
			}
		}
	}
	if target != nil {
		if _, err := w.run("set_network", w.netID, "bssid", target.BSSIDString()); err != nil {
			return err
		}
	} else {
		_, _ = w.run("set_network", w.netID, "bssid", "any")
	}
	if _, err := w.run("select_network", w.netID); err != nil {
		return errors.Annotate(err, "select_network")
	}
	return nil
}

func (w *WPACtl) Disconnect() error {
	_, err := w.run("disconnect")
	return err
}

func (w *WPACtl) Connected() bool {
	out, err := w.run("status")
	if err != nil {
		return false
	}
	return statusField(out, "wpa_state") == "COMPLETED"
}

func (w *WPACtl) AP() (AP, bool) {
	st, err := w.run("status")
	if err != nil || statusField(st, "wpa_state") != "COMPLETED" {
		return AP{}, false
	}
	bssid, err := ParseBSSID(statusField(st, "bssid"))
	if err != nil {
		return AP{}, false
	}
	ap := AP{SSID: statusField(st, "ssid"), BSSID: bssid}
	if freq, err := strconv.Atoi(statusField(st, "freq")); err == nil {
		ap.Channel = freqToChannel(freq)
	}
	// signal_poll is cheaper than a scan and reflects the live link
	if sp, err := w.run("signal_poll"); err == nil {
		if rssi, err := strconv.Atoi(statusField(sp, "RSSI")); err == nil {
			ap.RSSI = rssi
		}
	}
	return ap, true
}

func statusField(out, key string) string {
	for _, line := range strings.Split(out, "\n") {
		if kv := strings.SplitN(strings.TrimSpace(line), "=", 2); len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}
	return ""
}

// ParseBSSID parses "aa:bb:cc:dd:ee:ff".
func ParseBSSID(s string) ([6]byte, error) {
	var b [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return b, errors.Errorf("bad bssid %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return b, errors.Annotatef(err, "bad bssid %q", s)
		}
		b[i] = byte(v)
	}
	return b, nil
}

func freqToChannel(freq int) int {
	switch {
	case freq == 2484:
		return 14
	case freq >= 2412 && freq < 2484:
		return (freq - 2407) / 5
	case freq >= 5000 && freq < 5925:
		return (freq - 5000) / 5
	}
	return 0
}
