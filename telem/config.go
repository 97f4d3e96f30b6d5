package telem

import (
	"time"

	"github.com/tubnet/tubnet/helpers"
)

type Config struct { //nolint:maligned
	Broker   string `hcl:"broker"`
	Username string `hcl:"username"`
	Password string `hcl:"password"`
	// Namespace prefixes every feed topic, default is the device name.
	Namespace string `hcl:"namespace"`

	QueueSize     int `hcl:"queue_size"`
	RatePerMinute int `hcl:"rate_per_minute"`

	KeepaliveSec      int `hcl:"keepalive_sec"`
	ConnectTimeoutSec int `hcl:"connect_timeout_sec"`
	ReconnectSec      int `hcl:"reconnect_sec"`

	// SpillPath is the persistent queue directory for critical messages
	// surviving a restart. Empty disables the spill.
	SpillPath string `hcl:"spill_path"`

	MqttLogDebug bool `hcl:"mqtt_log_debug"`
}

type tuning struct {
	username       string
	namespace      string
	queueSize      int
	ratePerMinute  int
	keepalive      time.Duration
	connectTimeout time.Duration
	reconnect      time.Duration
}

func (c *Config) tune() tuning {
	t := tuning{
		username:       c.Username,
		namespace:      c.Namespace,
		queueSize:      c.QueueSize,
		ratePerMinute:  c.RatePerMinute,
		keepalive:      helpers.IntSecondDefault(c.KeepaliveSec, 30*time.Second),
		connectTimeout: helpers.IntSecondDefault(c.ConnectTimeoutSec, 10*time.Second),
		reconnect:      helpers.IntSecondDefault(c.ReconnectSec, 10*time.Second),
	}
	if t.namespace == "" {
		t.namespace = "hottub"
	}
	if t.queueSize <= 0 {
		t.queueSize = 20
	}
	if t.ratePerMinute <= 0 {
		t.ratePerMinute = 20
	}
	return t
}
