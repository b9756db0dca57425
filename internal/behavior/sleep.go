package behavior

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/session"
)

// Sleep walks to a bed near home, placing one if needed, and sleeps until
// woken. Calling it while already sleeping is a no-op. On failure further
// attempts are deferred by the sleep retry backoff.
func (r *Runner) Sleep(ctx context.Context) error {
	if r.st.Sleeping() {
		return nil
	}
	l, ok := r.st.TryAcquire(session.GoingHome)
	if !ok {
		if r.st.Sleeping() {
			return nil
		}
		return ErrBusy
	}
	defer l.Release()

	err := r.sleep(ctx, l)
	if err != nil && ctx.Err() == nil {
		if errors.Is(err, game.ErrNotNight) {
			r.logf("sleep: server says it is not night yet (retry in %s)", r.cfg.Sleep.RetryBackoff)
		} else {
			r.logf("sleep: %v (retry in %s)", err, r.cfg.Sleep.RetryBackoff)
		}
		r.st.DeferSleep(r.cfg.Sleep.RetryBackoff)
	}
	return err
}

func (r *Runner) sleep(ctx context.Context, l session.Lease) error {
	c := r.cfg.Sleep
	if err := r.nav.Stop(); err != nil {
		r.logf("sleep: clear goal: %v", err)
	}
	defer r.nav.Stop()

	pos, ok := r.conn.Position()
	if !ok {
		return ErrNoPosition
	}
	anchor, ok := r.st.Home()
	if !ok {
		anchor = pos
	}

	placed := false
	bed, found := r.nearestBed(anchor, pos)
	if !found {
		var err error
		if bed, err = r.placeBed(ctx, anchor); err != nil {
			return err
		}
		placed = true
	}

	if cur, ok := r.conn.Position(); ok && cur.Distance(bed.Pos) > c.Reach {
		if err := r.nav.GoTo(ctx, game.BlockGoal(bed.Pos), r.cfg.Nav.Timeout); err != nil {
			return fmt.Errorf("reach bed %s: %w", bed.Pos, err)
		}
	}

	r.st.DrainWake()
	if err := r.conn.Sleep(bed.Pos); err != nil {
		return fmt.Errorf("sleep in %s: %w", bed.Pos, err)
	}
	l.Transition(session.Sleeping)
	r.logf("sleep: in bed at %s", bed.Pos)

	wait := time.NewTimer(c.MaxDuration)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.st.WakeC():
	case <-wait.C:
		r.logf("sleep: no wake after %s", c.MaxDuration)
	}
	if err := pause(ctx, c.WakeDelay); err != nil {
		return err
	}
	if placed && c.RemovePlacedBed {
		if err := r.conn.Dig(bed.Pos); err != nil {
			r.logf("sleep: remove bed %s: %v", bed.Pos, err)
		}
	}
	return nil
}

func (r *Runner) nearestBed(anchor, pos game.Vec3) (game.Block, bool) {
	beds := r.conn.FindBlocks(r.cat.IsBed, anchor, r.cfg.Sleep.SearchRadius, 8)
	if len(beds) == 0 {
		return game.Block{}, false
	}
	best := beds[0]
	for _, b := range beds[1:] {
		if pos.Distance(b.Pos) < pos.Distance(best.Pos) {
			best = b
		}
	}
	return best, true
}

// placeBed puts a bed next to solid ground near anchor and returns the
// block found there by re-scanning.
func (r *Runner) placeBed(ctx context.Context, anchor game.Vec3) (game.Block, error) {
	item, ok := r.obtain(r.cat.Beds(), 1)
	if !ok {
		return game.Block{}, ErrNoBed
	}
	if pos, ok := r.conn.Position(); ok && pos.Distance(anchor) > r.cfg.Sleep.Reach {
		if err := r.nav.GoTo(ctx, game.NearGoal(anchor, 2), r.cfg.Nav.Timeout); err != nil {
			return game.Block{}, fmt.Errorf("reach home %s: %w", anchor, err)
		}
	}
	if err := r.conn.Equip(item); err != nil {
		return game.Block{}, fmt.Errorf("equip %s: %w", item, err)
	}
	for _, cell := range r.placementCells(anchor) {
		if err := r.conn.PlaceBlock(cell.Offset(0, -1, 0), game.Up); err != nil {
			r.logf("sleep: place bed at %s: %v", cell, err)
			continue
		}
		if beds := r.conn.FindBlocks(r.cat.IsBed, cell, 2, 1); len(beds) > 0 {
			r.logf("sleep: placed %s at %s", item, beds[0].Pos)
			return beds[0], nil
		}
	}
	return game.Block{}, fmt.Errorf("%w: no spot near %s", ErrNoBed, anchor)
}
