package wireless

import (
	"time"

	"github.com/tubnet/tubnet/helpers"
)

type Config struct { //nolint:maligned
	SSID     string `hcl:"ssid"`
	Password string `hcl:"password"`

	// dBm, signal below this counts as unusable
	RSSIThreshold int `hcl:"rssi_threshold"`

	ConnectTimeoutSec    int `hcl:"connect_timeout_sec"`
	LowRSSIWindowSec     int `hcl:"low_rssi_window_sec"`
	RSSISampleIntervalMs int `hcl:"rssi_sample_interval_ms"`
	RetryMinSec          int `hcl:"retry_min_sec"`
	RetryMaxSec          int `hcl:"retry_max_sec"`
	WatchdogSec          int `hcl:"watchdog_sec"`

	APScanIntervalSec int `hcl:"ap_scan_interval_sec"`
	APRSSIMargin      int `hcl:"ap_rssi_margin"`
	APStabilitySec    int `hcl:"ap_stability_sec"`
}

// resolved durations with defaults applied
type tuning struct {
	rssiThreshold  int
	connectTimeout time.Duration
	lowRSSIWindow  time.Duration
	rssiSample     time.Duration
	watchdog       time.Duration
	apScanInterval time.Duration
	apRSSIMargin   int
	apStability    time.Duration
	retryMin       time.Duration
	retryMax       time.Duration
}

func (c *Config) tune() tuning {
	t := tuning{
		rssiThreshold:  c.RSSIThreshold,
		connectTimeout: helpers.IntSecondDefault(c.ConnectTimeoutSec, 10*time.Second),
		lowRSSIWindow:  helpers.IntSecondDefault(c.LowRSSIWindowSec, 30*time.Second),
		rssiSample:     helpers.IntMillisecondDefault(c.RSSISampleIntervalMs, 1*time.Second),
		watchdog:       helpers.IntSecondDefault(c.WatchdogSec, 1*time.Hour),
		apScanInterval: helpers.IntSecondDefault(c.APScanIntervalSec, 2*time.Minute),
		apRSSIMargin:   c.APRSSIMargin,
		apStability:    helpers.IntSecondDefault(c.APStabilitySec, 1*time.Minute),
		retryMin:       helpers.IntSecondDefault(c.RetryMinSec, 2*time.Second),
		retryMax:       helpers.IntSecondDefault(c.RetryMaxSec, 5*time.Minute),
	}
	if t.rssiThreshold == 0 {
		t.rssiThreshold = -75
	}
	if t.apRSSIMargin == 0 {
		t.apRSSIMargin = 8
	}
	return t
}
