package log2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		level  Level
		fun    func(l *Log)
		expect string
	}{
		{"error", LError, func(l *Log) { l.Errorf("problem code=%d", 7) }, "error: problem code=7\n"},
		{"info", LInfo, func(l *Log) { l.Infof("regular state=%s", "ok") }, "regular state=ok\n"},
		{"debug", LDebug, func(l *Log) { l.Debugf("low level var=%d", 42) }, "debug: low level var=42\n"},
		{"info-hides-debug", LInfo, func(l *Log) { l.Debugf("invisible") }, ""},
		{"error-hides-info", LError, func(l *Log) { l.Infof("invisible") }, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name+"/logger=nil", func(t *testing.T) {
			c.fun(nil) // must not panic
		})
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, c.level)
			l.SetFlags(0)
			c.fun(l)
			assert.Equal(t, c.expect, buf.String())
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError)
	l.SetFlags(0)
	l.Debugf("dropped")
	l.SetLevel(LAll)
	l.Debugf("shown")
	assert.Equal(t, "debug: shown\n", buf.String())
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LInfo)
	l.SetFlags(0)
	l.SetPrefix("wireless: ")
	l.Infof("scan start")
	assert.Equal(t, "wireless: scan start\n", buf.String())
}
