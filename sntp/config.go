package sntp

import (
	"time"

	"github.com/tubnet/tubnet/helpers"
)

const defaultServer = "pool.ntp.org"

type Config struct {
	Server            string `hcl:"server"`
	SyncTimeoutSec    int    `hcl:"sync_timeout_sec"`
	RetryMinSec       int    `hcl:"retry_min_sec"`
	RetryMaxSec       int    `hcl:"retry_max_sec"`
	ResyncIntervalSec int    `hcl:"resync_interval_sec"`
}

type tuning struct {
	server         string
	syncTimeout    time.Duration
	retryMin       time.Duration
	retryMax       time.Duration
	resyncInterval time.Duration
}

func (c *Config) tune() tuning {
	t := tuning{
		server:         c.Server,
		syncTimeout:    helpers.IntSecondDefault(c.SyncTimeoutSec, 5*time.Second),
		retryMin:       helpers.IntSecondDefault(c.RetryMinSec, 30*time.Second),
		retryMax:       helpers.IntSecondDefault(c.RetryMaxSec, 5*time.Minute),
		resyncInterval: helpers.IntSecondDefault(c.ResyncIntervalSec, 1*time.Hour),
	}
	if t.server == "" {
		t.server = defaultServer
	}
	return t
}
