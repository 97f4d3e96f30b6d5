package state

import (
	"context"
	"fmt"

	alive "github.com/temoto/alive/v2"
	"github.com/tubnet/tubnet/log2"
)

type Global struct {
	Alive   *alive.Alive
	Config  *Config
	Log     *log2.Log
	Journal *Journal

	BuildVersion string
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

// If Init fails, consider Global is in broken state.
func (g *Global) Init(cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	if cfg.Executive.PersistRoot != "" {
		g.Journal = NewJournal(cfg.Executive.PersistRoot, g.Log)
		if prev, err := g.Journal.Load(); err != nil {
			g.Log.Errorf("journal load err=%v", err)
		} else if prev != nil {
			g.Log.Infof("previous shutdown reason=%s at=%d wifi_retries=%d sent=%d",
				prev.Reason, prev.TimestampUS, prev.WirelessRetries, prev.MessagesSent)
		}
	}
	return nil
}
