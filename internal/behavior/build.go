package behavior

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/session"
)

// Build performs a few place-then-break flourishes next to the agent.
func (r *Runner) Build(ctx context.Context) error {
	l, err := r.acquire(session.Building)
	if err != nil {
		return err
	}
	defer l.Release()

	c := r.cfg.Build
	n := r.rnd.Int(c.MinIterations, c.MaxIterations)
	placed := 0
	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.flourish(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logf("build: iteration %d/%d: %v", i+1, n, err)
			lastErr = err
			if errors.Is(err, ErrNoBlock) {
				return err
			}
		} else {
			placed++
		}
		if err := pause(ctx, c.Pause); err != nil {
			return err
		}
	}
	if placed == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (r *Runner) flourish(ctx context.Context) error {
	block, ok := r.obtain(r.cat.Placeable(), r.cfg.Build.GrantCount)
	if !ok {
		return ErrNoBlock
	}
	if err := r.conn.Equip(block); err != nil {
		return fmt.Errorf("equip %s: %w", block, err)
	}
	pos, ok := r.conn.Position()
	if !ok {
		return ErrNoPosition
	}
	cells := r.placementCells(pos)
	if len(cells) == 0 {
		return fmt.Errorf("no free cell around %s", pos)
	}
	target := cells[0]
	_ = r.conn.LookAt(target)
	if err := r.conn.PlaceBlock(target.Offset(0, -1, 0), game.Up); err != nil {
		return fmt.Errorf("place %s at %s: %w", block, target, err)
	}
	got, _ := r.conn.BlockAt(target)
	if !strings.EqualFold(got.Name, block) {
		return fmt.Errorf("%w: %s at %s reads %q", ErrPlaceFailed, block, target, got.Name)
	}
	if !r.cat.Diggable(block) {
		return nil
	}
	if err := pause(ctx, r.cfg.Build.Pause); err != nil {
		return err
	}
	if err := r.conn.Dig(target); err != nil {
		return fmt.Errorf("dig %s: %w", target, err)
	}
	return nil
}
