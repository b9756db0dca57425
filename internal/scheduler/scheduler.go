// Package scheduler runs the per-persona activity loop: wait until the
// persona is free, sleep at night, otherwise pick a behavior, run it and cool
// down before the next pick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"dualbot.ai/internal/behavior"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/decision"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSelecting
	PhaseRunning
	PhaseCoolingDown
	PhaseNightHandling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSelecting:
		return "selecting"
	case PhaseRunning:
		return "running"
	case PhaseCoolingDown:
		return "cooling_down"
	case PhaseNightHandling:
		return "night_handling"
	default:
		return "unknown"
	}
}

// Decider chooses the next behavior. *decision.Bounded satisfies it.
type Decider interface {
	NextBehavior(ctx context.Context, in decision.BehaviorInput) (string, error)
}

// Result describes one finished behavior.
type Result struct {
	Behavior string
	Took     time.Duration
	Err      error
}

type Env struct {
	Runner  *behavior.Runner
	Conn    game.Conn
	State   *session.State
	Profile session.Profile
	Config  config.Config
	Rand    *randx.Source
	Decider Decider
	Logger  *log.Logger
	// OnResult, when set, observes every finished behavior.
	OnResult func(Result)
	// FreePoll is how often a busy persona is re-checked.
	FreePoll time.Duration
}

type Scheduler struct {
	env   Env
	phase atomic.Int32
}

func New(env Env) *Scheduler {
	if env.FreePoll <= 0 {
		env.FreePoll = 250 * time.Millisecond
	}
	if env.Decider == nil {
		env.Decider = decision.NewDefault(env.Rand, Weights(env.Config, env.Profile), nil)
	}
	return &Scheduler{env: env}
}

// Weights is the selection table for a persona. Chest only appears when both
// the profile and the configuration enable it.
func Weights(cfg config.Config, p session.Profile) []randx.Weight {
	w := cfg.Scheduler.Weights
	table := []randx.Weight{
		{Name: decision.Explore, Weight: w.Explore},
		{Name: decision.Build, Weight: w.Build},
		{Name: decision.Idle, Weight: w.Idle},
	}
	if p.Chest && cfg.Chest.Enabled {
		table = append(table, randx.Weight{Name: decision.Chest, Weight: w.Chest})
	}
	return table
}

func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Scheduler) setPhase(p Phase) { s.phase.Store(int32(p)) }

// Run loops until ctx is done. Behavior errors are logged and followed by
// the error backoff; they never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	e := s.env
	c := e.Config
	name := e.State.Name()
	defer s.setPhase(PhaseIdle)
	for {
		s.setPhase(PhaseIdle)
		if ctx.Err() != nil {
			return nil
		}
		if e.State.Processing() {
			if wait(ctx, e.FreePoll) != nil {
				return nil
			}
			continue
		}

		if e.State.SleepAllowed() && behavior.IsNight(e.Conn.TimeOfDay(), c.Sleep.NightStart, c.Sleep.NightEnd) {
			s.setPhase(PhaseNightHandling)
			err := e.Runner.Sleep(ctx)
			if s.settle(ctx, "sleep", 0, err) != nil {
				return nil
			}
			continue
		}

		s.setPhase(PhaseSelecting)
		pick, err := s.choose(ctx)
		if err != nil {
			e.Logger.Printf("%s: select: %v", name, err)
			if wait(ctx, c.Scheduler.ErrorBackoff) != nil {
				return nil
			}
			continue
		}

		s.setPhase(PhaseRunning)
		start := time.Now()
		err = s.run(ctx, pick)
		if s.settle(ctx, pick, time.Since(start), err) != nil {
			return nil
		}
	}
}

// settle records the outcome and waits out the cool-down. It returns
// non-nil when ctx ended.
func (s *Scheduler) settle(ctx context.Context, pick string, took time.Duration, err error) error {
	e := s.env
	c := e.Config.Scheduler
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, behavior.ErrBusy) {
		return wait(ctx, e.FreePoll)
	}
	if e.OnResult != nil {
		e.OnResult(Result{Behavior: pick, Took: took, Err: err})
	}
	s.setPhase(PhaseCoolingDown)
	if err != nil {
		e.Logger.Printf("%s: %s failed: %v (retry in %s)", e.State.Name(), pick, err, c.ErrorBackoff)
		return wait(ctx, c.ErrorBackoff)
	}
	e.State.Completed()
	return wait(ctx, e.Rand.Delay(c.ThinkMin, c.ThinkMax))
}

func (s *Scheduler) options() []string {
	var out []string
	for _, w := range Weights(s.env.Config, s.env.Profile) {
		if w.Weight > 0 {
			out = append(out, w.Name)
		}
	}
	return out
}

func (s *Scheduler) choose(ctx context.Context) (string, error) {
	e := s.env
	pos, _ := e.Conn.Position()
	return e.Decider.NextBehavior(ctx, decision.BehaviorInput{
		Persona:       e.State.Name(),
		Position:      pos,
		TimeOfDay:     e.Conn.TimeOfDay(),
		ActivityCount: e.State.Snapshot().ActivityCount,
		Options:       s.options(),
	})
}

func (s *Scheduler) run(ctx context.Context, pick string) error {
	r := s.env.Runner
	switch pick {
	case decision.Explore:
		return r.Explore(ctx)
	case decision.Build:
		return r.Build(ctx)
	case decision.Idle:
		return r.Idle(ctx)
	case decision.Chest:
		return r.Chest(ctx)
	default:
		return fmt.Errorf("scheduler: unknown behavior %q", pick)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
