// Package behavior implements the routines that act in the world: explore,
// build, idle, chest, combat engage, sleep and small micro-actions.
//
// Every routine takes its own lease on the persona state and releases it on
// every exit path. A routine that sets a navigation goal clears it on exit.
// Routines return ErrBusy without acting when the persona is already leased.
package behavior

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/nav"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
)

var (
	ErrBusy        = errors.New("behavior: persona busy")
	ErrNoWeapon    = errors.New("behavior: no weapon obtainable")
	ErrNoBed       = errors.New("behavior: no bed obtainable")
	ErrNoBlock     = errors.New("behavior: no placeable block")
	ErrNoPosition  = errors.New("behavior: position unknown")
	ErrPlaceFailed = errors.New("behavior: placement not confirmed")
)

type Env struct {
	Conn    game.Conn
	Nav     *nav.Adapter
	Catalog *catalogs.Catalog
	Config  config.Config
	Rand    *randx.Source
	State   *session.State
	Profile session.Profile
	Logger  *log.Logger
}

// Runner executes routines for one live session.
type Runner struct {
	conn    game.Conn
	nav     *nav.Adapter
	cat     *catalogs.Catalog
	cfg     config.Config
	rnd     *randx.Source
	st      *session.State
	profile session.Profile
	logger  *log.Logger
}

func New(env Env) *Runner {
	r := &Runner{
		conn:    env.Conn,
		nav:     env.Nav,
		cat:     env.Catalog,
		cfg:     env.Config,
		rnd:     env.Rand,
		st:      env.State,
		profile: env.Profile,
		logger:  env.Logger,
	}
	if r.nav == nil {
		r.nav = nav.New(r.conn, r.cfg.Nav.PollInterval)
	}
	if r.cat == nil {
		r.cat = catalogs.Default()
	}
	if r.rnd == nil {
		r.rnd = randx.NewTime()
	}
	if r.logger == nil {
		r.logger = log.New(log.Writer(), "[behavior] ", log.LstdFlags|log.Lmicroseconds)
	}
	return r
}

func (r *Runner) State() *session.State { return r.st }

func (r *Runner) acquire(a session.Activity) (session.Lease, error) {
	l, ok := r.st.TryAcquire(a)
	if !ok {
		return l, ErrBusy
	}
	return l, nil
}

func (r *Runner) logf(format string, args ...any) {
	r.logger.Printf(r.st.Name()+": "+format, args...)
}

// IsNight reports whether tod (fraction of the day cycle) lies in the
// window [start, end). A window with start > end wraps past midnight.
func IsNight(tod, start, end float64) bool {
	if start <= end {
		return tod >= start && tod < end
	}
	return tod >= start || tod < end
}

func (r *Runner) night() bool {
	return IsNight(r.conn.TimeOfDay(), r.cfg.Sleep.NightStart, r.cfg.Sleep.NightEnd)
}

// NearestHostile returns the closest living hostile within radius of the agent.
func NearestHostile(conn game.Conn, cat *catalogs.Catalog, radius float64) (game.Entity, bool) {
	pos, ok := conn.Position()
	if !ok {
		return game.Entity{}, false
	}
	var best game.Entity
	bestD := radius
	found := false
	for _, e := range conn.Entities() {
		if !e.Alive || !(e.Hostile || cat.IsHostile(e.Name)) {
			continue
		}
		if d := pos.Distance(e.Pos); d <= bestD {
			best, bestD, found = e, d, true
		}
	}
	return best, found
}

func (r *Runner) hostileNearby() bool {
	if !r.profile.Combat {
		return false
	}
	_, ok := NearestHostile(r.conn, r.cat, r.cfg.Combat.DetectRadius)
	return ok
}

func (r *Runner) count(item string) int {
	n := 0
	for _, s := range r.conn.Inventory() {
		if strings.EqualFold(s.Name, item) {
			n += s.Count
		}
	}
	return n
}

// obtain returns the first candidate already in inventory, or grants the
// first candidate when the agent is in creative mode.
func (r *Runner) obtain(candidates []string, grant int) (string, bool) {
	for _, c := range candidates {
		if r.count(c) > 0 {
			return c, true
		}
	}
	if len(candidates) == 0 || r.conn.GameMode() != game.ModeCreative {
		return "", false
	}
	if err := r.conn.GrantItem(candidates[0], grant); err != nil {
		r.logf("grant %s: %v", candidates[0], err)
		return "", false
	}
	return candidates[0], true
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
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

// Pulse holds a control for d and releases it, even when ctx ends early.
func Pulse(ctx context.Context, conn game.Conn, c game.Control, d time.Duration) error {
	if err := conn.SetControl(c, true); err != nil {
		return err
	}
	err := pause(ctx, d)
	if rerr := conn.SetControl(c, false); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// candidateOffsets are horizontal neighbour cells tried for placement.
var candidateOffsets = []game.Vec3{
	{X: 1}, {X: -1}, {Z: 1}, {Z: -1},
	{X: 1, Z: 1}, {X: -1, Z: -1}, {X: 1, Z: -1}, {X: -1, Z: 1},
	{X: 2}, {Z: 2}, {X: -2}, {Z: -2},
}

// placementCells returns cells around origin whose own cell is air and whose
// floor is solid, in shuffled order.
func (r *Runner) placementCells(origin game.Vec3) []game.Vec3 {
	base := origin.Floored()
	offs := append([]game.Vec3(nil), candidateOffsets...)
	r.rnd.Shuffle(len(offs), func(i, j int) { offs[i], offs[j] = offs[j], offs[i] })
	var out []game.Vec3
	for _, o := range offs {
		target := base.Add(o)
		cell, ok := r.conn.BlockAt(target)
		if !ok || !cell.IsAir() {
			continue
		}
		floor, ok := r.conn.BlockAt(target.Offset(0, -1, 0))
		if !ok || !r.cat.IsSolid(floor.Name) {
			continue
		}
		out = append(out, target)
	}
	return out
}
