// Package sntp keeps wall-clock time synchronized over UDP without ever
// blocking the tick loop: a sync attempt is spread over many ticks as
// send-then-poll, with its own timeout and retry backoff.
package sntp

import (
	"time"

	"github.com/tubnet/tubnet/helpers"
	"github.com/tubnet/tubnet/log2"
)

type State uint32

const (
	StateUnsynced State = iota
	StateSyncing
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "unsynced"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	}
	return "?"
}

// Quality tags for the health line: "manual" until the first successful
// sync, "ntp" after.
const (
	QualityManual = "manual"
	QualityNTP    = "ntp"
)

type Status struct {
	State        State
	Server       string
	Quality      string
	SyncCount    int
	FailureCount int
	RetryCount   int
	// LastSync is the age of the last successful sync, 0 if never.
	LastSync time.Duration
}

type Client struct {
	tun     tuning
	log     *log2.Log
	backoff helpers.Backoff

	state State

	// Syncing
	conn      Conn
	syncStart time.Time
	sendAt    time.Time
	replyBuf  [packetSize]byte

	lastAttempt time.Time
	lastSyncOK  time.Time

	// Synced wall clock base
	syncedUS   uint64
	capturedAt time.Time

	quality      string
	syncCount    int
	failureCount int
	retryCount   int
	syncEvent    bool

	dial func(server string) (Conn, error) // test hook
	now  func() time.Time                  // test hook
}

func New(cfg Config, log *log2.Log) *Client {
	c := &Client{
		tun:     cfg.tune(),
		log:     log,
		state:   StateUnsynced,
		quality: QualityManual,
		dial:    DialUDP,
		now:     time.Now,
	}
	c.backoff = helpers.Backoff{Min: c.tun.retryMin, Max: c.tun.retryMax, K: 2}
	c.log.Infof("sntp: client initialized server=%s resync=%s", c.tun.server, c.tun.resyncInterval)
	return c
}

// Tick advances the sync state machine by one poll worth of work.
// Callers gate it on network availability.
func (c *Client) Tick() {
	now := c.now()

	switch c.state {
	case StateUnsynced:
		if c.shouldAttempt(now) {
			c.beginSync(now)
		}

	case StateSyncing:
		c.poll(now)

	case StateSynced:
		if now.Sub(c.lastSyncOK) > c.tun.resyncInterval {
			c.log.Infof("sntp: periodic resync due")
			// resync behaves like a fresh boot, no retry storm carryover
			c.state = StateUnsynced
			c.backoff = helpers.Backoff{Min: c.tun.retryMin, Max: c.tun.retryMax, K: 2}
			c.retryCount = 0
			c.lastAttempt = time.Time{}
		}
	}
}

func (c *Client) shouldAttempt(now time.Time) bool {
	if c.lastAttempt.IsZero() {
		return true
	}
	return now.Sub(c.lastAttempt) >= c.backoff.Next()
}

func (c *Client) beginSync(now time.Time) {
	c.retryCount++
	c.lastAttempt = now
	c.log.Infof("sntp: starting sync attempt #%d server=%s", c.retryCount, c.tun.server)

	conn, err := c.dial(c.tun.server)
	if err != nil {
		c.log.Errorf("sntp: dial err=%v", err)
		c.fail()
		return
	}
	c.conn = conn
	if err := conn.Send(buildRequest(c.replyBuf[:])); err != nil {
		c.log.Errorf("sntp: send err=%v", err)
		c.fail()
		return
	}
	c.state = StateSyncing
	c.syncStart = now
	c.sendAt = now
}

func (c *Client) poll(now time.Time) {
	n, err := c.conn.Recv(c.replyBuf[:])
	if err != nil {
		c.log.Errorf("sntp: recv err=%v", err)
		c.fail()
		return
	}
	if n == 0 {
		if now.Sub(c.syncStart) > c.tun.syncTimeout {
			c.log.Infof("sntp: sync timeout after %s", c.tun.syncTimeout)
			c.fail()
		}
		return
	}

	us, err := decodeReply(c.replyBuf[:n])
	if err != nil {
		c.log.Errorf("sntp: %v", err)
		c.fail()
		return
	}

	// estimated one-way delay: half the round trip
	us += uint64(now.Sub(c.sendAt).Microseconds() / 2)
	c.success(us, now)
}

func (c *Client) success(us uint64, now time.Time) {
	c.closeConn()
	c.state = StateSynced
	c.syncedUS = us
	c.capturedAt = now
	c.lastSyncOK = now
	c.quality = QualityNTP
	c.syncCount++
	c.failureCount = 0
	c.retryCount = 0
	c.backoff.Reset()
	c.syncEvent = true
	c.log.Infof("sntp: sync #%d ok, timestamp=%dus", c.syncCount, us)
}

func (c *Client) fail() {
	c.closeConn()
	c.state = StateUnsynced
	c.failureCount++
	c.backoff.Failure()
	c.log.Infof("sntp: sync failed (#%d), next attempt in %s", c.failureCount, c.backoff.Next())
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// TakeSyncEvent reports a completed sync exactly once, for the scheduler
// to propagate the fresh clock base in the same cycle.
func (c *Client) TakeSyncEvent() bool {
	if c.syncEvent {
		c.syncEvent = false
		return true
	}
	return false
}

func (c *Client) Synced() bool { return c.state == StateSynced }

func (c *Client) State() State { return c.state }

func (c *Client) Quality() string { return c.quality }

// CurrentTimestampUS is best effort: synced base plus elapsed, or the
// local clock before the first sync.
func (c *Client) CurrentTimestampUS() uint64 {
	now := c.now()
	if c.syncedUS == 0 {
		return uint64(now.UnixNano() / 1000)
	}
	return c.syncedUS + uint64(now.Sub(c.capturedAt).Microseconds())
}

func (c *Client) Status() Status {
	s := Status{
		State:        c.state,
		Server:       c.tun.server,
		Quality:      c.quality,
		SyncCount:    c.syncCount,
		FailureCount: c.failureCount,
		RetryCount:   c.retryCount,
	}
	if !c.lastSyncOK.IsZero() {
		s.LastSync = c.now().Sub(c.lastSyncOK)
	}
	return s
}
