package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubnet/tubnet/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(*testing.T, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", map[string]string{"tubnet.hcl": ""},
			func(t *testing.T, c *Config) {
				assert.Equal(t, "hottub", c.DeviceName)
			}, ""},
		{"full", map[string]string{"tubnet.hcl": `
device_name = "spa"
wireless {
  ssid = "backyard"
  rssi_threshold = -70
  watchdog_sec = 600
}
sntp { server = "10.0.0.1" }
telem {
  broker = "tcp://broker.local:1883"
  rate_per_minute = 10
}
executive {
  tick_interval_ms = 100
  memory_critical = 5000
}
`},
			func(t *testing.T, c *Config) {
				assert.Equal(t, "spa", c.DeviceName)
				assert.Equal(t, "backyard", c.Wireless.SSID)
				assert.Equal(t, -70, c.Wireless.RSSIThreshold)
				assert.Equal(t, 600, c.Wireless.WatchdogSec)
				assert.Equal(t, "10.0.0.1", c.Sntp.Server)
				assert.Equal(t, "tcp://broker.local:1883", c.Telem.Broker)
				assert.Equal(t, 10, c.Telem.RatePerMinute)
				assert.Equal(t, 100, c.Executive.TickIntervalMs)
				assert.Equal(t, 5000, c.Executive.MemoryCritical)
			}, ""},
		{"include", map[string]string{
			"tubnet.hcl": `
include "site.hcl" {}
include "secrets.hcl" { optional = true }
wireless { ssid = "base" }
`,
			"site.hcl": `wireless { ssid = "site" } device_name = "site-tub"`,
		},
			func(t *testing.T, c *Config) {
				// later source wins
				assert.Equal(t, "site", c.Wireless.SSID)
				assert.Equal(t, "site-tub", c.DeviceName)
			}, ""},
		{"include-required-missing", map[string]string{
			"tubnet.hcl": `include "nope.hcl" {}`,
		}, nil, "not found"},
		{"include-loop", map[string]string{
			"tubnet.hcl": `include "loop.hcl" {}`,
			"loop.hcl":   `include "tubnet.hcl" {}`,
		}, nil, "include loop"},
		{"garbage", map[string]string{"tubnet.hcl": `wireless { ssid = `}, nil, "unmarshal"},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := ReadConfig(log, NewMockFullReader(c.sources), "tubnet.hcl")
			if c.expectErr == "" {
				require.NoError(t, err)
				c.check(t, cfg)
			} else {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), c.expectErr),
					"expected err containing %q, got %v", c.expectErr, err)
			}
		})
	}
}

func TestGlobalInitJournalRoundTrip(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	_, g := NewContext(log)
	cfg := &Config{}
	cfg.Executive.PersistRoot = t.TempDir()
	require.NoError(t, g.Init(cfg))
	require.NotNil(t, g.Journal)

	require.NoError(t, g.Journal.Store(JournalRecord{Reason: "watchdog", TimestampUS: 42, WirelessRetries: 7}))
	rec, err := g.Journal.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "watchdog", rec.Reason)
	assert.Equal(t, uint64(42), rec.TimestampUS)
	assert.Equal(t, 7, rec.WirelessRetries)
}
