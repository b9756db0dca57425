package monitor

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/time/rate"

	"dualbot.ai/internal/behavior"
	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
)

// Deps are what the standard monitors act on.
type Deps struct {
	Runner  *behavior.Runner
	Conn    game.Conn
	State   *session.State
	Profile session.Profile
	Config  config.Config
	Catalog *catalogs.Catalog
	Rand    *randx.Source
	Logger  *log.Logger
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Standard returns the monitors that apply to the persona profile.
func Standard(d Deps) []Monitor {
	ms := []Monitor{AntiIdle(d), KeepAlive(d), NightWatch(d)}
	if d.Profile.EnforceMode != "" {
		ms = append(ms, ModeEnforcer(d))
	}
	if d.Profile.Combat {
		ms = append(ms, CombatScan(d))
	}
	return ms
}

func quiet(err error) bool {
	return err == nil || errors.Is(err, behavior.ErrBusy) || errors.Is(err, context.Canceled)
}

// AntiIdle performs a micro-action once the persona has been idle longer
// than a freshly drawn threshold. Between those it occasionally glances
// around.
func AntiIdle(d Deps) Monitor {
	c := d.Config.Monitors
	return Monitor{Name: "anti-idle", Period: c.AntiIdlePeriod, Tick: func(ctx context.Context) {
		if d.State.Processing() {
			return
		}
		if d.State.IdleFor() > d.Rand.Delay(c.AntiIdleMin, c.AntiIdleMax) {
			m := d.Runner.RandomMicro()
			err := d.Runner.MicroAction(ctx, m)
			if errors.Is(err, behavior.ErrBusy) {
				return
			}
			if !quiet(err) {
				d.Logger.Printf("%s: anti-idle %s: %v", d.State.Name(), m, err)
			}
			d.State.Touch()
			return
		}
		if d.Rand.Chance(c.LookChance) {
			_ = d.Runner.MicroAction(ctx, behavior.MicroLook)
		}
	}}
}

// KeepAlive jumps when the connection has been quiet for a while and no
// routine holds the persona.
func KeepAlive(d Deps) Monitor {
	c := d.Config.Monitors
	return Monitor{Name: "keep-alive", Period: c.KeepAlivePeriod, Tick: func(ctx context.Context) {
		if d.State.Processing() {
			return
		}
		if d.now().Sub(d.Conn.LastTraffic()) < c.KeepAliveQuiet {
			return
		}
		if err := behavior.Pulse(ctx, d.Conn, game.ControlJump, 100*time.Millisecond); !quiet(err) {
			d.Logger.Printf("%s: keep-alive: %v", d.State.Name(), err)
		}
	}}
}

// ModeEnforcer asks for the profile's game mode, at most once per rate
// limit window. A refused command is logged and retried next window.
func ModeEnforcer(d Deps) Monitor {
	c := d.Config.Monitors
	lim := rate.NewLimiter(rate.Every(c.ModeRateLimit), 1)
	want := d.Profile.EnforceMode
	return Monitor{Name: "mode", Period: c.ModePeriod, Tick: func(ctx context.Context) {
		if want == "" || d.Conn.GameMode() == want {
			return
		}
		if !lim.AllowN(d.now(), 1) {
			return
		}
		d.Logger.Printf("%s: game mode %s, requesting %s", d.State.Name(), d.Conn.GameMode(), want)
		if err := d.Conn.Chat("/gamemode " + string(want)); err != nil {
			d.Logger.Printf("%s: mode change refused: %v", d.State.Name(), err)
			return
		}
		d.State.AddModeSwitch()
	}}
}

// CombatScan engages the nearest hostile within detection range when idle.
func CombatScan(d Deps) Monitor {
	c := d.Config
	return Monitor{Name: "combat", Period: c.Monitors.CombatPeriod, Tick: func(ctx context.Context) {
		if d.State.Processing() {
			return
		}
		target, ok := behavior.NearestHostile(d.Conn, d.Catalog, c.Combat.DetectRadius)
		if !ok {
			return
		}
		if err := d.Runner.Engage(ctx, target); !quiet(err) {
			d.Logger.Printf("%s: combat with %s: %v", d.State.Name(), target.ID, err)
		}
	}}
}

// NightWatch sends an idle persona to bed at night.
func NightWatch(d Deps) Monitor {
	c := d.Config
	return Monitor{Name: "night", Period: c.Monitors.NightPeriod, Tick: func(ctx context.Context) {
		if d.State.Processing() || !d.State.SleepAllowed() {
			return
		}
		if !behavior.IsNight(d.Conn.TimeOfDay(), c.Sleep.NightStart, c.Sleep.NightEnd) {
			return
		}
		if err := d.Runner.Sleep(ctx); !quiet(err) {
			d.Logger.Printf("%s: night: %v", d.State.Name(), err)
		}
	}}
}
