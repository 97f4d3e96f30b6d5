package uartjson

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/tubnet/tubnet/log2"
)

const defaultSensorTimeout = 30 * time.Second

// Reading is the latest sensor snapshot.
type Reading struct {
	TempC   float64
	TempF   float64
	PH      float64
	HasPH   bool
	RTDMode string
	Age     time.Duration
}

type HandlerStatus struct {
	Online      bool
	Received    uint32
	Sent        uint32
	ParseErrors uint32
}

// Handler consumes status lines from the sensor board and keeps the
// latest reading for the scheduler to poll. Run blocks, so it gets its
// own goroutine; malformed lines are counted and skipped, never fatal.
type Handler struct {
	log *log2.Log
	w   io.Writer

	mu         sync.Mutex
	tempC      *float64
	tempF      *float64
	ph         *float64
	rtdMode    string
	lastUpdate time.Time

	received    uint32
	sent        uint32
	parseErrors uint32
	cmdSeq      uint32

	sensorTimeout time.Duration

	now func() time.Time // test hook
}

func NewHandler(w io.Writer, log *log2.Log) *Handler {
	return &Handler{
		log:           log,
		w:             w,
		sensorTimeout: defaultSensorTimeout,
		now:           time.Now,
	}
}

// Run reads lines until r is exhausted or fails. Call in a goroutine.
func (h *Handler) Run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := Decode([]byte(line))
		if err != nil {
			h.mu.Lock()
			h.parseErrors++
			h.mu.Unlock()
			h.log.Debugf("uartjson: bad line %q err=%v", line, err)
			continue
		}
		if st, ok := msg.(*Status); ok {
			h.update(st)
		}
	}
	if err := scanner.Err(); err != nil {
		h.log.Errorf("uartjson: read err=%v", err)
	}
}

func (h *Handler) update(st *Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received++
	h.tempC = st.Sensors.TempC
	h.tempF = st.Sensors.TempF
	h.ph = st.Sensors.PH
	h.rtdMode = st.Sensors.RTDMode
	h.lastUpdate = h.now()
}

// RequestStatus asks the sensor board for a fresh report.
func (h *Handler) RequestStatus() error {
	h.mu.Lock()
	h.cmdSeq++
	h.sent++
	id := fmt.Sprintf("cmd_%d", h.cmdSeq)
	h.mu.Unlock()

	b, err := Encode(Command{Type: TypeCommand, ID: id, Cmd: "GET_STATUS"})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = h.w.Write(b)
	return errors.Annotate(err, "uartjson send")
}

// Reading returns the latest snapshot; ok is false when the sensor has
// been silent past the timeout or never reported.
func (h *Handler) Reading() (Reading, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastUpdate.IsZero() || h.tempC == nil {
		return Reading{}, false
	}
	age := h.now().Sub(h.lastUpdate)
	if age > h.sensorTimeout {
		return Reading{}, false
	}
	r := Reading{RTDMode: h.rtdMode, Age: age}
	r.TempC = *h.tempC
	if h.tempF != nil {
		r.TempF = *h.tempF
	}
	if h.ph != nil {
		r.PH = *h.ph
		r.HasPH = true
	}
	return r, true
}

func (h *Handler) Status() HandlerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	online := !h.lastUpdate.IsZero() && h.now().Sub(h.lastUpdate) <= h.sensorTimeout
	return HandlerStatus{
		Online:      online,
		Received:    h.received,
		Sent:        h.sent,
		ParseErrors: h.parseErrors,
	}
}
