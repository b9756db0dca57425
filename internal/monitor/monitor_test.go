package monitor

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dualbot.ai/internal/behavior"
	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/game/gametest"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newDeps(t *testing.T, profile session.Profile) (Deps, *gametest.Conn, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(10_000, 0)}
	cfg := config.Defaults()
	cfg.Nav.PollInterval = 2 * time.Millisecond
	cfg.Combat.SwingDelay = time.Millisecond
	cfg.Combat.Timeout = 300 * time.Millisecond
	cfg.Sleep.MaxDuration = 10 * time.Millisecond
	cfg.Sleep.WakeDelay = time.Millisecond
	conn := gametest.NewConn("bot")
	conn.SetPosition(game.V(0, 64, 0))
	conn.SetTraffic(clk.now())
	st := session.NewState("Fighter", clk.now)
	logger := log.New(io.Discard, "", 0)
	rnd := randx.New(9)
	cat := catalogs.Default()
	runner := behavior.New(behavior.Env{Conn: conn, Catalog: cat, Config: cfg, Rand: rnd, State: st, Profile: profile, Logger: logger})
	return Deps{
		Runner:  runner,
		Conn:    conn,
		State:   st,
		Profile: profile,
		Config:  cfg,
		Catalog: cat,
		Rand:    rnd,
		Logger:  logger,
		Now:     clk.now,
	}, conn, clk
}

func TestGroupRunsAndStopsAsUnit(t *testing.T) {
	st := session.NewState("Builder", nil)
	var ticks atomic.Int32
	tick := func(context.Context) { ticks.Add(1) }
	g := NewGroup(st, log.New(io.Discard, "", 0),
		Monitor{Name: "a", Period: time.Millisecond, Tick: tick},
		Monitor{Name: "b", Period: 2 * time.Millisecond, Tick: tick},
		Monitor{Name: "c", Period: 3 * time.Millisecond, Tick: tick},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	if !gametest.Eventually(time.Second, func() bool { return st.Monitors() == 3 && ticks.Load() > 3 }) {
		t.Fatalf("monitors=%d ticks=%d", st.Monitors(), ticks.Load())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if st.Monitors() != 0 {
		t.Fatalf("monitors left running: %d", st.Monitors())
	}
	after := ticks.Load()
	time.Sleep(10 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("ticks after stop")
	}
}

func TestStandardPerProfile(t *testing.T) {
	d, _, _ := newDeps(t, session.Profile{EnforceMode: game.ModeCreative})
	names := map[string]bool{}
	for _, m := range Standard(d) {
		names[m.Name] = true
	}
	if !names["mode"] || names["combat"] || !names["anti-idle"] || !names["keep-alive"] || !names["night"] {
		t.Fatalf("builder monitors: %v", names)
	}
	d.Profile = session.Profile{Combat: true}
	names = map[string]bool{}
	for _, m := range Standard(d) {
		names[m.Name] = true
	}
	if names["mode"] || !names["combat"] {
		t.Fatalf("fighter monitors: %v", names)
	}
}

func TestAntiIdleActsOnlyWhenIdleLongEnough(t *testing.T) {
	d, conn, clk := newDeps(t, session.Profile{})
	d.Config.Monitors.LookChance = 0
	m := AntiIdle(d)
	m.Tick(context.Background())
	if len(conn.Calls()) != 0 {
		t.Fatalf("acted before threshold: %v", conn.CallOps())
	}

	clk.advance(46 * time.Second)
	m.Tick(context.Background())
	if len(conn.Calls()) == 0 {
		t.Fatalf("no micro-action after 46s idle")
	}
	if d.State.IdleFor() != 0 {
		t.Fatalf("lastActivity not stamped")
	}
	if d.State.Processing() {
		t.Fatalf("lease leaked")
	}
}

func TestAntiIdleNeverPreempts(t *testing.T) {
	d, conn, clk := newDeps(t, session.Profile{})
	l, _ := d.State.TryAcquire(session.Exploring)
	defer l.Release()
	clk.advance(time.Hour)
	AntiIdle(d).Tick(context.Background())
	if len(conn.Calls()) != 0 || d.State.Activity() != session.Exploring {
		t.Fatalf("anti-idle interfered: %v", conn.CallOps())
	}
}

func TestKeepAlive(t *testing.T) {
	d, conn, clk := newDeps(t, session.Profile{})
	m := KeepAlive(d)
	m.Tick(context.Background())
	if conn.Count("control") != 0 {
		t.Fatalf("pulsed with recent traffic")
	}
	clk.advance(11 * time.Second)
	m.Tick(context.Background())
	if !conn.HasCall("control", "jump=true") || !conn.HasCall("control", "jump=false") {
		t.Fatalf("no jump pulse: %v", conn.Calls())
	}

	for _, a := range []session.Activity{session.Sleeping, session.Building, session.Combat} {
		l, ok := d.State.TryAcquire(a)
		if !ok {
			t.Fatalf("acquire %s", a)
		}
		before := conn.Count("control")
		m.Tick(context.Background())
		l.Release()
		if conn.Count("control") != before {
			t.Fatalf("pulsed while %s", a)
		}
	}
}

func TestModeEnforcerRateLimited(t *testing.T) {
	d, conn, clk := newDeps(t, session.Profile{EnforceMode: game.ModeCreative})
	m := ModeEnforcer(d)
	m.Tick(context.Background())
	m.Tick(context.Background())
	if n := conn.Count("chat"); n != 1 || !conn.HasCall("chat", "/gamemode creative") {
		t.Fatalf("chat calls = %d: %v", n, conn.Calls())
	}
	clk.advance(10 * time.Second)
	m.Tick(context.Background())
	if conn.Count("chat") != 1 {
		t.Fatalf("not rate limited")
	}
	clk.advance(21 * time.Second)
	m.Tick(context.Background())
	if conn.Count("chat") != 2 {
		t.Fatalf("no retry after window")
	}

	conn.SetMode(game.ModeCreative)
	clk.advance(time.Minute)
	m.Tick(context.Background())
	if conn.Count("chat") != 2 {
		t.Fatalf("requested a mode already held")
	}
	if d.State.Snapshot().ModeSwitches != 2 {
		t.Fatalf("mode switches = %d", d.State.Snapshot().ModeSwitches)
	}
}

func TestCombatScanEngagesNearestHostile(t *testing.T) {
	d, conn, _ := newDeps(t, session.Profile{Combat: true})
	conn.Give("diamond_sword", 1)
	conn.PutEntity(game.Entity{ID: "z1", Name: "zombie", Pos: game.V(2, 64, 0), Alive: true})
	var inCombat bool
	conn.OnAttack = func(c *gametest.Conn, id string) {
		inCombat = d.State.InCombat()
		c.RemoveEntity(id)
	}
	CombatScan(d).Tick(context.Background())

	if !inCombat {
		t.Fatalf("inCombat not set during attack")
	}
	ops := conn.CallOps()
	equip, attack := -1, -1
	for i, op := range ops {
		if op == "equip" && equip < 0 {
			equip = i
		}
		if op == "attack" && attack < 0 {
			attack = i
		}
	}
	if equip < 0 || attack < 0 || equip > attack {
		t.Fatalf("ops: %v", ops)
	}
	if d.State.Processing() {
		t.Fatalf("lease leaked after combat")
	}
}

func TestCombatScanIgnoresFarAndBusy(t *testing.T) {
	d, conn, _ := newDeps(t, session.Profile{Combat: true})
	conn.Give("diamond_sword", 1)
	conn.PutEntity(game.Entity{ID: "far", Name: "zombie", Pos: game.V(30, 64, 0), Alive: true})
	CombatScan(d).Tick(context.Background())
	if conn.Count("attack") != 0 {
		t.Fatalf("engaged target outside detection radius")
	}
	conn.PutEntity(game.Entity{ID: "near", Name: "zombie", Pos: game.V(1, 64, 0), Alive: true})
	l, _ := d.State.TryAcquire(session.Building)
	defer l.Release()
	CombatScan(d).Tick(context.Background())
	if len(conn.Calls()) != 0 {
		t.Fatalf("combat preempted a routine: %v", conn.CallOps())
	}
}

func TestNightWatchTriggersSleep(t *testing.T) {
	d, conn, _ := newDeps(t, session.Profile{})
	conn.SetBlock(game.V(2, 64, 0), "red_bed")
	m := NightWatch(d)

	conn.SetTimeOfDay(0.25)
	m.Tick(context.Background())
	if conn.Count("sleep") != 0 {
		t.Fatalf("slept during the day")
	}

	conn.SetTimeOfDay(0.75)
	m.Tick(context.Background())
	if conn.Count("sleep") != 1 {
		t.Fatalf("night check did not sleep: %v", conn.CallOps())
	}
	if conn.Count("place") != 0 || conn.Count("attack") != 0 || len(conn.GoalHistory()) != 0 {
		t.Fatalf("night check ran another routine: %v", conn.CallOps())
	}
	if d.State.Processing() {
		t.Fatalf("lease leaked after sleep")
	}
}

func TestNightWatchRespectsBackoff(t *testing.T) {
	d, conn, clk := newDeps(t, session.Profile{})
	conn.SetTimeOfDay(0.75)
	d.State.DeferSleep(time.Minute)
	NightWatch(d).Tick(context.Background())
	if len(conn.Calls()) != 0 {
		t.Fatalf("slept during backoff")
	}
	clk.advance(time.Minute)
	conn.SetBlock(game.V(1, 64, 1), "red_bed")
	NightWatch(d).Tick(context.Background())
	if conn.Count("sleep") != 1 {
		t.Fatalf("no sleep after backoff")
	}
}
