package behavior

import (
	"context"
	"fmt"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/session"
)

// Chest visits the nearest container, moves the configured stacks and
// closes it. Without a container in range it idles instead.
func (r *Runner) Chest(ctx context.Context) error {
	l, err := r.acquire(session.Chest)
	if err != nil {
		return err
	}
	defer l.Release()

	pos, ok := r.conn.Position()
	if !ok {
		return ErrNoPosition
	}
	c := r.cfg.Chest
	found := r.conn.FindBlocks(r.cat.IsContainer, pos, c.SearchRadius, 1)
	if len(found) == 0 {
		r.logf("chest: no container within %.0f, idling", c.SearchRadius)
		l.Transition(session.Idling)
		return r.idleLooks(ctx)
	}
	box := found[0]
	if pos.Distance(box.Pos) > c.Reach {
		defer r.nav.Stop()
		if err := r.nav.GoTo(ctx, game.BlockGoal(box.Pos), r.cfg.Nav.Timeout); err != nil {
			return fmt.Errorf("chest: reach %s: %w", box.Pos, err)
		}
	}
	_ = r.conn.LookAt(box.Pos)
	ct, err := r.conn.OpenContainer(box.Pos)
	if err != nil {
		return fmt.Errorf("chest: open %s: %w", box.Pos, err)
	}
	defer func() {
		if err := ct.Close(); err != nil {
			r.logf("chest: close: %v", err)
		}
	}()

	for _, s := range c.Deposit {
		n := min(r.count(s.Item), s.Count)
		if n <= 0 {
			continue
		}
		if err := ct.Deposit(s.Item, n); err != nil {
			r.logf("chest: deposit %d %s: %v", n, s.Item, err)
		}
	}
	for _, s := range c.Withdraw {
		if err := ct.Withdraw(s.Item, s.Count); err != nil {
			r.logf("chest: withdraw %d %s: %v", s.Count, s.Item, err)
		}
	}
	return pause(ctx, r.rnd.Delay(r.cfg.Idle.PauseMin, r.cfg.Idle.PauseMax))
}
