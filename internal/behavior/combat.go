package behavior

import (
	"context"
	"fmt"
	"time"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/session"
)

// Engage fights target until it dies or escapes, the combat timeout passes
// or an action fails. The best weapon is equipped before the first swing.
func (r *Runner) Engage(ctx context.Context, target game.Entity) error {
	l, err := r.acquire(session.Combat)
	if err != nil {
		return err
	}
	defer l.Release()
	defer r.nav.Stop()
	r.st.SetTarget(target.ID)

	weapon, ok := r.obtain(r.cat.Weapons(), 1)
	if !ok {
		r.logf("combat: %v", ErrNoWeapon)
		return ErrNoWeapon
	}
	if err := r.conn.Equip(weapon); err != nil {
		return fmt.Errorf("combat: equip %s: %w", weapon, err)
	}
	r.logf("combat: engaging %s (%s) with %s", target.Name, target.ID, weapon)

	c := r.cfg.Combat
	deadline := time.Now().Add(c.Timeout)
	swings := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.Valid() {
			// Death ended the fight under us.
			return nil
		}
		if time.Now().After(deadline) {
			r.logf("combat: gave up on %s after %s", target.ID, c.Timeout)
			return nil
		}
		e, ok := r.conn.Entity(target.ID)
		if !ok || !e.Alive {
			if swings > 0 {
				r.st.AddKill()
				r.logf("combat: %s down after %d swings", target.ID, swings)
			}
			return nil
		}
		pos, ok := r.conn.Position()
		if !ok {
			return ErrNoPosition
		}
		d := pos.Distance(e.Pos)
		if d > c.MaxRange {
			r.logf("combat: %s escaped (%.1f away)", target.ID, d)
			return nil
		}
		if err := r.conn.LookAt(e.Pos); err != nil {
			return fmt.Errorf("combat: look: %w", err)
		}
		if d > c.MeleeRange {
			if err := r.nav.Follow(game.NearGoal(e.Pos, c.MeleeRange-0.5)); err != nil {
				return fmt.Errorf("combat: chase: %w", err)
			}
		} else {
			if err := r.nav.Stop(); err != nil {
				return fmt.Errorf("combat: stop: %w", err)
			}
			if err := r.conn.Attack(target.ID); err != nil {
				return fmt.Errorf("combat: attack %s: %w", target.ID, err)
			}
			swings++
		}
		if err := pause(ctx, c.SwingDelay); err != nil {
			return err
		}
	}
}
