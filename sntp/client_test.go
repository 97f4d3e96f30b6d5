package sntp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubnet/tubnet/log2"
)

type fakeConn struct {
	sent    [][]byte
	reply   []byte
	sendErr error
	recvErr error
	// replyAfter is how many Recv polls pass before the reply appears
	replyAfter int
	closed     bool
}

func (f *fakeConn) Send(p []byte) error {
	b := make([]byte, len(p))
	copy(b, p)
	f.sent = append(f.sent, b)
	return f.sendErr
}

func (f *fakeConn) Recv(p []byte) (int, error) {
	if f.recvErr != nil {
		return 0, f.recvErr
	}
	if f.reply == nil {
		return 0, nil
	}
	if f.replyAfter > 0 {
		f.replyAfter--
		return 0, nil
	}
	return copy(p, f.reply), nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time      { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t = f.t.Add(d) }

func testClient(t testing.TB, cfg Config, conn *fakeConn) (*Client, *fakeClock) {
	clk := &fakeClock{t: time.Unix(5000, 0)}
	c := New(cfg, log2.NewTest(t, log2.LDebug))
	c.now = clk.now
	c.dial = func(server string) (Conn, error) { return conn, nil }
	return c, clk
}

func validReply(secs1900 uint32, frac uint32) []byte {
	b := make([]byte, packetSize)
	binary.BigEndian.PutUint32(b[40:44], secs1900)
	binary.BigEndian.PutUint32(b[44:48], frac)
	return b
}

func TestDecodeReply(t *testing.T) {
	t.Parallel()

	// 2208988800 + 1752752692 since 1900, fraction 0x80000000 = 0.5s
	b := validReply(2208988800+1752752692, 0x80000000)
	us, err := decodeReply(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1752752692)*1e6+499999, us)

	_, err = decodeReply(b[:47])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short reply")

	_, err = decodeReply(make([]byte, packetSize))
	require.Error(t, err, "zero transmit timestamp is not a valid answer")
}

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	var buf [packetSize]byte
	buf[7] = 0xFF // stale garbage must be cleared
	p := buildRequest(buf[:])
	require.Len(t, p, packetSize)
	assert.Equal(t, byte(0x23), p[0])
	for i := 1; i < packetSize; i++ {
		assert.Zero(t, p[i])
	}
}

func TestFirstAttemptImmediate(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{reply: validReply(2208988800+1700000000, 0), replyAfter: 2}
	c, clk := testClient(t, Config{}, conn)

	assert.Equal(t, StateUnsynced, c.State())
	assert.Equal(t, QualityManual, c.Quality())

	c.Tick() // dial + send, no delay before the first attempt
	assert.Equal(t, StateSyncing, c.State())
	require.Len(t, conn.sent, 1)
	assert.Equal(t, byte(0x23), conn.sent[0][0])

	c.Tick() // poll, nothing yet
	clk.add(50 * time.Millisecond)
	c.Tick() // poll, nothing yet
	clk.add(50 * time.Millisecond)
	c.Tick() // reply arrives
	assert.Equal(t, StateSynced, c.State())
	assert.True(t, c.Synced())
	assert.Equal(t, QualityNTP, c.Quality())
	assert.True(t, conn.closed)

	// one-shot event
	assert.True(t, c.TakeSyncEvent())
	assert.False(t, c.TakeSyncEvent())

	// decoded base adjusted by half the 100ms round trip
	want := uint64(1700000000)*1e6 + 50000
	assert.Equal(t, want, c.CurrentTimestampUS())
	clk.add(2 * time.Second)
	assert.Equal(t, want+2e6, c.CurrentTimestampUS())
}

func TestTimeoutBackoffSequence(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{} // never answers
	c, clk := testClient(t, Config{}, conn)

	var delays []time.Duration
	for fail := 0; fail < 6; fail++ {
		// wait out the retry delay, then attempt
		for c.State() != StateSyncing {
			c.Tick()
			clk.add(time.Second)
		}
		// wait out the 5s sync timeout
		for c.State() == StateSyncing {
			c.Tick()
			clk.add(time.Second)
		}
		delays = append(delays, c.backoff.Next())
	}
	assert.Equal(t, []time.Duration{
		30 * time.Second, 60 * time.Second, 120 * time.Second,
		240 * time.Second, 300 * time.Second, 300 * time.Second,
	}, delays)
	assert.Equal(t, 6, c.Status().FailureCount)
	assert.Equal(t, QualityManual, c.Quality())
}

func TestShortReplyIsFailure(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{reply: make([]byte, 20)}
	c, clk := testClient(t, Config{}, conn)

	c.Tick() // send
	clk.add(10 * time.Millisecond)
	c.Tick() // short reply -> failed attempt
	assert.Equal(t, StateUnsynced, c.State())
	assert.Equal(t, 1, c.Status().FailureCount)
	assert.True(t, conn.closed)
}

func TestPeriodicResync(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{reply: validReply(2208988800+1700000000, 0)}
	c, clk := testClient(t, Config{ResyncIntervalSec: 60}, conn)

	c.Tick() // send
	clk.add(10 * time.Millisecond)
	c.Tick() // reply
	require.Equal(t, StateSynced, c.State())
	require.True(t, c.TakeSyncEvent())

	clk.add(61 * time.Second)
	c.Tick()
	assert.Equal(t, StateUnsynced, c.State())

	// resync attempts immediately, like a fresh boot
	c.Tick()
	assert.Equal(t, StateSyncing, c.State())
	clk.add(10 * time.Millisecond)
	c.Tick()
	assert.Equal(t, StateSynced, c.State())
	assert.Equal(t, 2, c.Status().SyncCount)
	assert.True(t, c.TakeSyncEvent())
}

func TestCurrentTimestampFallback(t *testing.T) {
	t.Parallel()

	c, clk := testClient(t, Config{}, &fakeConn{})
	// never synced: local clock, still usable for logs
	assert.Equal(t, uint64(clk.t.UnixNano()/1000), c.CurrentTimestampUS())
	assert.Zero(t, c.Status().LastSync)
}
