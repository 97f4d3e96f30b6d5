// Package executive is the cooperative scheduler. One goroutine, one
// fixed-interval tick, and inside each tick a strict order: wireless
// first, then time sync, then telemetry, with the radio handed to at
// most one of them per cycle. Components never block and never talk to
// each other directly; everything they share flows through here.
package executive

import (
	"context"
	"runtime"
	"time"

	"github.com/tubnet/tubnet/hardware/radio"
	"github.com/tubnet/tubnet/helpers"
	"github.com/tubnet/tubnet/log2"
	"github.com/tubnet/tubnet/sntp"
	"github.com/tubnet/tubnet/state"
	"github.com/tubnet/tubnet/telem"
	"github.com/tubnet/tubnet/uartjson"
	"github.com/tubnet/tubnet/wireless"
)

// RestartRequest is the fail-safe escape hatch. Components never reset
// the device themselves; they ask, the executive journals, the host
// process decides.
type RestartRequest struct {
	Reason string
	At     time.Time
}

// SensorSource feeds the periodic telemetry publish. Reading ok=false
// means nothing fresh to report this round.
type SensorSource interface {
	Reading() (uartjson.Reading, bool)
}

type tuning struct {
	tick            time.Duration
	healthInterval  time.Duration
	publishInterval time.Duration
	memWarning      int
	memCritical     int
	memPublishMin   int
}

type Executive struct {
	g   *state.Global
	log *log2.Log
	tun tuning

	Wireless *wireless.Manager
	Sntp     *sntp.Client
	Telem    *telem.Publisher
	sensors  SensorSource

	restartCh   chan RestartRequest
	lastHealth  time.Time
	lastPublish time.Time
	memWarned   bool

	now     func() time.Time // test hook
	memFree func() int       // test hook
}

func New(ctx context.Context, r radio.Radio, wire telem.Wire, sensors SensorSource) (*Executive, error) {
	g := state.GetGlobal(ctx)
	cfg := g.Config
	e := &Executive{
		g:         g,
		log:       g.Log,
		sensors:   sensors,
		restartCh: make(chan RestartRequest, 4),
		now:       time.Now,
		memFree:   heapHeadroom,
	}
	e.tun = tuning{
		tick:            helpers.IntMillisecondDefault(cfg.Executive.TickIntervalMs, 50*time.Millisecond),
		healthInterval:  helpers.IntSecondDefault(cfg.Executive.HealthIntervalSec, 60*time.Second),
		publishInterval: helpers.IntSecondDefault(cfg.Executive.PublishIntervalSec, 60*time.Second),
		memWarning:      cfg.Executive.MemoryWarning,
		memCritical:     cfg.Executive.MemoryCritical,
		memPublishMin:   cfg.Executive.MemoryPublishMin,
	}
	if e.tun.memWarning == 0 {
		e.tun.memWarning = 15000
	}
	if e.tun.memCritical == 0 {
		e.tun.memCritical = 10000
	}
	if e.tun.memPublishMin == 0 {
		e.tun.memPublishMin = 15000
	}

	e.Wireless = wireless.New(cfg.Wireless, r, g.Log, e.requestRestart)
	e.Sntp = sntp.New(cfg.Sntp, g.Log)
	tcfg := cfg.Telem
	if tcfg.Namespace == "" && cfg.DeviceName != "" {
		tcfg.Namespace = cfg.DeviceName
	}
	p, err := telem.New(tcfg, wire, g.Log)
	if err != nil {
		return nil, err
	}
	e.Telem = p
	e.log.Infof("executive: tick=%s health=%s publish=%s mem warn/crit/pub=%d/%d/%d",
		e.tun.tick, e.tun.healthInterval, e.tun.publishInterval,
		e.tun.memWarning, e.tun.memCritical, e.tun.memPublishMin)
	return e, nil
}

// Tick runs one scheduling cycle. The claim starts free each cycle; the
// first component that needs the radio to itself takes it, the rest
// wait for the next cycle.
func (e *Executive) Tick() {
	now := e.now()
	claim := radio.ClaimFree

	e.Wireless.Tick(&claim)

	if e.Wireless.Available() {
		e.Sntp.Tick()
		if e.Sntp.TakeSyncEvent() {
			us := e.Sntp.CurrentTimestampUS()
			e.Wireless.SetTimeOffsetUS(us)
			e.log.Infof("%s executive: clock set from sntp", e.Wireless.Timestamp())
		}

		// publisher gets the airtime only when nothing else took it
		// this cycle and the link is not about to be torn down
		if claim == radio.ClaimFree && !e.Wireless.WillBeUnavailable() {
			e.Telem.Tick()
		}
	}

	e.healthCheck(now)
	e.publishTelemetry(now)
}

// Run drives Tick until the process stops or a component requests a
// restart. It returns nil on a clean stop; the caller owns what a
// non-nil RestartRequest means (journal is already written).
func (e *Executive) Run(ctx context.Context) *RestartRequest {
	stopCh := e.g.Alive.StopChan()
	ticker := time.NewTicker(e.tun.tick)
	defer ticker.Stop()
	e.log.Infof("executive: loop started")
	for {
		select {
		case <-ctx.Done():
			e.Telem.Close()
			return nil
		case <-stopCh:
			e.Telem.Close()
			return nil
		case req := <-e.restartCh:
			e.prepareRestart(&req)
			return &req
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Executive) requestRestart(reason string) {
	select {
	case e.restartCh <- RestartRequest{Reason: reason, At: e.now()}:
	default:
		// a restart is already pending, first reason wins
	}
}

// prepareRestart persists what the next boot wants to know, then parks
// unsent critical messages on disk.
func (e *Executive) prepareRestart(req *RestartRequest) {
	e.log.Errorf("%s executive: restart requested reason=%s", e.Wireless.Timestamp(), req.Reason)
	e.Telem.DrainCritical()
	e.Telem.Close()
	if e.g.Journal != nil {
		rec := state.JournalRecord{
			Reason:          req.Reason,
			TimestampUS:     e.Wireless.TimestampUS(),
			WirelessRetries: e.Wireless.Status().RetryCount,
			MessagesSent:    e.Telem.Status().Sent,
		}
		if err := e.g.Journal.Store(rec); err != nil {
			e.log.Errorf("executive: journal store err=%v", err)
		}
	}
}

// healthCheck logs one status line per interval and enforces the memory
// self-throttling policy: below warning just say so, below critical
// start dropping ephemeral buffers and low-priority queue entries.
func (e *Executive) healthCheck(now time.Time) {
	if !e.lastHealth.IsZero() && now.Sub(e.lastHealth) < e.tun.healthInterval {
		return
	}
	e.lastHealth = now

	ws := e.Wireless.Status()
	ss := e.Sntp.Status()
	ts := e.Telem.Status()
	free := e.memFree()

	bssid := ws.BSSID
	if bssid == "" {
		bssid = "none"
	}
	e.log.Infof("%s health: wifi %s rssi:%d ch:%d bssid:%s | sntp:%s | mem:%d | telem:%s q:%d sent:%d",
		e.Wireless.Timestamp(), ws.State, ws.RSSI, ws.Channel, bssid,
		ss.Quality, free, ts.State, ts.QueueDepth, ts.Sent)

	switch {
	case free < e.tun.memCritical:
		dropped := e.Telem.Shed(telem.PriorityCritical)
		e.Wireless.DropScanCache()
		runtime.GC()
		e.log.Errorf("%s health: memory critical free=%d dropped=%d", e.Wireless.Timestamp(), free, dropped)
	case free < e.tun.memWarning:
		if !e.memWarned {
			e.memWarned = true
			e.log.Infof("%s health: memory low free=%d", e.Wireless.Timestamp(), free)
		}
	default:
		e.memWarned = false
	}
}

// publishTelemetry queues the periodic metric set: link quality plus
// whatever the sensor board last reported. Skipped entirely when memory
// is too tight to serialize more messages.
func (e *Executive) publishTelemetry(now time.Time) {
	if !e.Telem.Connected() {
		return
	}
	if !e.lastPublish.IsZero() && now.Sub(e.lastPublish) < e.tun.publishInterval {
		return
	}
	// a skipped round still consumes the interval
	e.lastPublish = now
	if e.memFree() < e.tun.memPublishMin {
		e.log.Infof("%s executive: memory too low, skipping publish round", e.Wireless.Timestamp())
		return
	}

	ws := e.Wireless.Status()
	e.Telem.PublishMetric("rssi", ws.RSSI, telem.PriorityLow)
	if e.sensors == nil {
		return
	}
	if r, ok := e.sensors.Reading(); ok {
		e.Telem.PublishMetric("temp-f", r.TempF, telem.PriorityNormal)
		e.Telem.PublishMetric("temp-c", r.TempC, telem.PriorityNormal)
		if r.HasPH {
			e.Telem.PublishMetric("ph", r.PH, telem.PriorityNormal)
		}
	}
}

// heapHeadroom approximates "free memory" the health policy keys on:
// bytes left before the next GC cycle would trigger anyway.
func heapHeadroom() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := int64(ms.NextGC) - int64(ms.HeapAlloc)
	if free < 0 {
		return 0
	}
	return int(free)
}
