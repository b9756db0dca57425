// Package monitor runs the periodic background checks of a live session.
// All monitors of a session share one errgroup so they start and stop as a
// unit.
package monitor

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"dualbot.ai/internal/session"
)

type Monitor struct {
	Name   string
	Period time.Duration
	Tick   func(ctx context.Context)
}

type Group struct {
	st       *session.State
	logger   *log.Logger
	monitors []Monitor
}

func NewGroup(st *session.State, logger *log.Logger, ms ...Monitor) *Group {
	return &Group{st: st, logger: logger, monitors: ms}
}

func (g *Group) Names() []string {
	out := make([]string, len(g.monitors))
	for i, m := range g.monitors {
		out[i] = m.Name
	}
	return out
}

// Run ticks every monitor on its own ticker until ctx is done. It returns
// after every monitor goroutine has exited.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, m := range g.monitors {
		g.st.MonitorStarted()
		eg.Go(func() error {
			defer g.st.MonitorStopped()
			t := time.NewTicker(m.Period)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					m.Tick(ctx)
				}
			}
		})
	}
	g.logger.Printf("%s: %d monitors running", g.st.Name(), len(g.monitors))
	err := eg.Wait()
	g.logger.Printf("%s: monitors stopped", g.st.Name())
	return err
}
