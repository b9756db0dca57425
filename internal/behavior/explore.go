package behavior

import (
	"context"
	"errors"
	"math"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/nav"
	"dualbot.ai/internal/session"
)

// Explore wanders between random stops in an annulus around the explore
// anchor. It stops early at nightfall or when a hostile shows up for a
// combat persona; both end the routine without error.
func (r *Runner) Explore(ctx context.Context) error {
	l, err := r.acquire(session.Exploring)
	if err != nil {
		return err
	}
	defer l.Release()
	defer r.nav.Stop()

	anchor, ok := r.st.ExploreCenter()
	if !ok {
		if anchor, ok = r.conn.Position(); !ok {
			return ErrNoPosition
		}
	}
	c := r.cfg.Explore
	stops := r.rnd.Int(c.MinStops, c.MaxStops)
	for i := 0; i < stops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.night() {
			r.logf("explore: nightfall, stopping after %d/%d stops", i, stops)
			return nil
		}
		if r.hostileNearby() {
			r.logf("explore: hostile nearby, stopping after %d/%d stops", i, stops)
			return nil
		}

		dx, dz := r.rnd.Annulus(c.MinRadius, c.MaxRadius)
		stop := anchor.Offset(math.Round(dx), 0, math.Round(dz))
		err := r.nav.GoTo(ctx, game.NearGoal(stop, r.cfg.Nav.Radius), r.cfg.Nav.Timeout)
		switch {
		case errors.Is(err, nav.ErrTimeout):
			r.logf("explore: stop %s not reached in %s", stop, r.cfg.Nav.Timeout)
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.logf("explore: %v", err)
		}

		if r.rnd.Chance(c.LookChance) {
			if err := r.lookAround(); err != nil {
				r.logf("explore: look: %v", err)
			}
		}
		if err := pause(ctx, r.rnd.Delay(c.PauseMin, c.PauseMax)); err != nil {
			return err
		}
	}
	return nil
}
