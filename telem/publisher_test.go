package telem

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubnet/tubnet/log2"
)

type pubRecord struct{ topic, payload string }

type stubWire struct {
	onConnect func()
	onLost    func(error)

	connectErr error
	publishErr error
	pingErr    error
	// autoConnect completes the handshake synchronously inside Connect
	autoConnect bool

	connects    int
	disconnects int
	pings       int
	published   []pubRecord
}

func (w *stubWire) SetHandlers(onConnect func(), onLost func(error)) {
	w.onConnect = onConnect
	w.onLost = onLost
}

func (w *stubWire) Connect() error {
	w.connects++
	if w.connectErr != nil {
		return w.connectErr
	}
	if w.autoConnect {
		w.onConnect()
	}
	return nil
}

func (w *stubWire) Disconnect() { w.disconnects++ }

func (w *stubWire) Publish(topic, payload string) error {
	if w.publishErr != nil {
		return w.publishErr
	}
	w.published = append(w.published, pubRecord{topic, payload})
	return nil
}

func (w *stubWire) Ping() error {
	w.pings++
	return w.pingErr
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time      { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t = f.t.Add(d) }

func testPublisher(t testing.TB, cfg Config, wire *stubWire) (*Publisher, *fakeClock) {
	if cfg.Username == "" {
		cfg.Username = "tubuser"
	}
	p, err := New(cfg, wire, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	clk := &fakeClock{t: time.Unix(7000, 0)}
	p.now = clk.now
	return p, clk
}

func connectPublisher(t testing.TB, cfg Config) (*Publisher, *stubWire, *fakeClock) {
	wire := &stubWire{autoConnect: true}
	p, clk := testPublisher(t, cfg, wire)
	p.Tick() // disconnected -> connecting, handshake completes inline
	p.Tick() // connecting -> connected
	require.Equal(t, StateConnected, p.State())
	return p, wire, clk
}

func TestConnectTimeoutAndRetry(t *testing.T) {
	t.Parallel()

	wire := &stubWire{} // handshake never completes
	p, clk := testPublisher(t, Config{}, wire)

	p.Tick()
	assert.Equal(t, StateConnecting, p.State())
	assert.Equal(t, 1, wire.connects)

	clk.add(11 * time.Second)
	p.Tick()
	assert.Equal(t, StateDisconnected, p.State())
	assert.Equal(t, 1, wire.disconnects)

	// next attempt waits out the reconnect interval
	p.Tick()
	assert.Equal(t, StateDisconnected, p.State())
	clk.add(11 * time.Second)
	p.Tick()
	assert.Equal(t, StateConnecting, p.State())
	assert.Equal(t, 2, wire.connects)
}

func TestPublishMetricTopicShape(t *testing.T) {
	t.Parallel()

	p, wire, _ := connectPublisher(t, Config{})

	p.PublishMetric("Temp F", 98.6, PriorityNormal)
	p.Tick() // pick message
	require.Equal(t, StatePublishing, p.State())
	p.Tick() // deliver
	require.Equal(t, StateConnected, p.State())

	require.Len(t, wire.published, 1)
	assert.Equal(t, "tubuser/feeds/hottub-temp_f", wire.published[0].topic)
	assert.Equal(t, "98.6", wire.published[0].payload)
	assert.Equal(t, uint32(1), p.Status().Sent)
}

func TestPublishStatusIsJSON(t *testing.T) {
	t.Parallel()

	p, wire, _ := connectPublisher(t, Config{})

	require.NoError(t, p.PublishStatus(map[string]interface{}{"rssi": -67, "ph": 7.2}, PriorityCritical))
	p.Tick()
	p.Tick()

	require.Len(t, wire.published, 1)
	assert.Equal(t, "tubuser/feeds/hottub.status", wire.published[0].topic)
	var decoded map[string]float64
	require.NoError(t, json.Unmarshal([]byte(wire.published[0].payload), &decoded))
	assert.Equal(t, -67.0, decoded["rssi"])
}

func TestRateLimitHoldsQueue(t *testing.T) {
	t.Parallel()

	p, wire, clk := connectPublisher(t, Config{QueueSize: 30, RatePerMinute: 20})

	for i := 0; i < 25; i++ {
		p.PublishMetric("rssi", -60-i, PriorityNormal)
	}
	for i := 0; i < 60; i++ {
		p.Tick()
		clk.add(10 * time.Millisecond)
	}
	// bucket starts with one minute's worth: exactly 20 go out
	assert.Len(t, wire.published, 20)
	assert.Equal(t, 5, p.Status().QueueDepth)
	assert.True(t, p.Status().RateLimited > 0)
}

func TestCriticalRequeuedOnFailure(t *testing.T) {
	t.Parallel()

	p, wire, _ := connectPublisher(t, Config{})
	wire.publishErr = errors.Errorf("broker hiccup")

	require.NoError(t, p.PublishStatus(map[string]int{"x": 1}, PriorityCritical))
	p.PublishMetric("ph", 7.0, PriorityNormal)

	p.Tick() // pick critical
	p.Tick() // fail -> requeued at front
	st := p.Status()
	assert.Equal(t, uint32(1), st.PublishFailures)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 1, st.QueueByPriority[PriorityCritical])

	p.Tick() // pick critical again
	p.Tick() // fail again, normal stays behind it
	assert.Equal(t, uint32(2), p.Status().PublishFailures)
	assert.Equal(t, 2, p.Status().QueueDepth)

	// a normal message is not worth the retry amplification
	wire.publishErr = nil
	p.Tick()
	p.Tick() // critical delivered
	wire.publishErr = errors.Errorf("broker hiccup")
	p.Tick()
	p.Tick() // normal dropped on failure
	assert.Equal(t, 0, p.Status().QueueDepth)
	assert.Len(t, wire.published, 1)
}

func TestConnectionLostReconnects(t *testing.T) {
	t.Parallel()

	p, wire, clk := connectPublisher(t, Config{})

	wire.onLost(errors.Errorf("gone"))
	p.Tick()
	assert.Equal(t, StateDisconnected, p.State())

	clk.add(11 * time.Second)
	p.Tick() // reconnect, handshake completes inline
	p.Tick()
	assert.Equal(t, StateConnected, p.State())
}

func TestKeepalivePing(t *testing.T) {
	t.Parallel()

	p, wire, clk := connectPublisher(t, Config{})

	clk.add(31 * time.Second)
	p.Tick()
	assert.Equal(t, 1, wire.pings)
	assert.Equal(t, StateConnected, p.State())

	wire.pingErr = errors.Errorf("no pong")
	clk.add(31 * time.Second)
	p.Tick()
	assert.Equal(t, StateDisconnected, p.State())
}

func TestShedAndOverload(t *testing.T) {
	t.Parallel()

	p, _, _ := connectPublisher(t, Config{QueueSize: 20})
	for i := 0; i < 17; i++ {
		p.PublishMetric("temp", i, PriorityNormal)
	}
	require.NoError(t, p.PublishStatus(map[string]int{"x": 1}, PriorityCritical))
	assert.True(t, p.Overloaded())

	assert.Equal(t, 17, p.Shed(PriorityCritical))
	assert.Equal(t, 1, p.Status().QueueDepth)
	assert.False(t, p.Overloaded())
}

func TestSpillRoundTrip(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spill")
	cfg := Config{Username: "tubuser", SpillPath: dir}

	wire := &stubWire{autoConnect: true}
	p, _ := testPublisher(t, cfg, wire)
	require.NoError(t, p.PublishStatus(map[string]int{"seq": 1}, PriorityCritical))
	require.NoError(t, p.PublishStatus(map[string]int{"seq": 2}, PriorityCritical))
	p.PublishMetric("ph", 7.0, PriorityNormal)

	assert.Equal(t, 2, p.DrainCritical(), "only critical messages are spilled")
	p.Close()

	p2, _ := testPublisher(t, cfg, &stubWire{})
	defer p2.Close()
	st := p2.Status()
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 2, st.QueueByPriority[PriorityCritical])
}
