package uartjson

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubnet/tubnet/log2"
)

func TestDecodeStatus(t *testing.T) {
	t.Parallel()

	line := `{"type":"status","timestamp":123.45,"sensors":{"temp_c":37.123,"temp_f":98.821,"rtd_mode":"MONITOR","ph":7.21}}`
	msg, err := Decode([]byte(line))
	require.NoError(t, err)
	st, ok := msg.(*Status)
	require.True(t, ok)
	assert.Equal(t, 123.45, st.Timestamp)
	require.NotNil(t, st.Sensors.TempC)
	assert.Equal(t, 37.123, *st.Sensors.TempC)
	require.NotNil(t, st.Sensors.PH)
	assert.Equal(t, 7.21, *st.Sensors.PH)
	assert.Equal(t, "MONITOR", st.Sensors.RTDMode)
}

func TestDecodeStatusNullReadings(t *testing.T) {
	t.Parallel()

	// sensor board sends null while the probe warms up
	line := `{"type":"status","timestamp":1.0,"sensors":{"temp_c":null,"temp_f":null,"rtd_mode":"FAULT"}}`
	msg, err := Decode([]byte(line))
	require.NoError(t, err)
	st := msg.(*Status)
	assert.Nil(t, st.Sensors.TempC)
	assert.Equal(t, "FAULT", st.Sensors.RTDMode)
}

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	line := `{"type":"command","id":"cmd_7","cmd":"GET_STATUS","params":{"verbose":true}}`
	msg, err := Decode([]byte(line))
	require.NoError(t, err)
	c, ok := msg.(*Command)
	require.True(t, ok)
	assert.Equal(t, "cmd_7", c.ID)
	assert.Equal(t, "GET_STATUS", c.Cmd)
	assert.Equal(t, true, c.Params["verbose"])
}

func TestDecodeRejectsJunk(t *testing.T) {
	t.Parallel()

	cases := []string{
		`not json at all`,
		`{"type":"telemetry"}`,
		`{"no":"type"}`,
	}
	for _, line := range cases {
		_, err := Decode([]byte(line))
		assert.Error(t, err, "line: %s", line)
	}
}

func TestHandlerRunSkipsMalformed(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`{"type":"status","timestamp":1,"sensors":{"temp_c":36.5,"temp_f":97.7,"rtd_mode":"MONITOR"}}`,
		``,
		`garbage{{{`,
		`{"type":"status","timestamp":2,"sensors":{"temp_c":37.0,"temp_f":98.6,"rtd_mode":"MONITOR","ph":7.1}}`,
	}, "\n") + "\n"

	h := NewHandler(&bytes.Buffer{}, log2.NewTest(t, log2.LDebug))
	h.Run(strings.NewReader(input))

	r, ok := h.Reading()
	require.True(t, ok)
	assert.Equal(t, 37.0, r.TempC)
	assert.Equal(t, 98.6, r.TempF)
	assert.True(t, r.HasPH)
	assert.Equal(t, 7.1, r.PH)

	st := h.Status()
	assert.True(t, st.Online)
	assert.Equal(t, uint32(2), st.Received)
	assert.Equal(t, uint32(1), st.ParseErrors)
}

func TestHandlerStaleReading(t *testing.T) {
	t.Parallel()

	h := NewHandler(&bytes.Buffer{}, log2.NewTest(t, log2.LDebug))
	_, ok := h.Reading()
	assert.False(t, ok, "never reported")

	h.Run(strings.NewReader(`{"type":"status","timestamp":1,"sensors":{"temp_c":36.5,"temp_f":97.7,"rtd_mode":"MONITOR"}}` + "\n"))
	_, ok = h.Reading()
	require.True(t, ok)

	// silence past the timeout makes the reading unusable
	h.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	_, ok = h.Reading()
	assert.False(t, ok)
	assert.False(t, h.Status().Online)
}

func TestHandlerRequestStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewHandler(&buf, log2.NewTest(t, log2.LDebug))
	require.NoError(t, h.RequestStatus())
	require.NoError(t, h.RequestStatus())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var c Command
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &c))
	assert.Equal(t, TypeCommand, c.Type)
	assert.Equal(t, "cmd_1", c.ID)
	assert.Equal(t, "GET_STATUS", c.Cmd)
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &c))
	assert.Equal(t, "cmd_2", c.ID)
}
