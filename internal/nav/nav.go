// Package nav turns goal submission into an awaitable move. Arrival is
// observed by polling the agent position; the goal is always cleared when
// GoTo returns.
package nav

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dualbot.ai/internal/game"
)

var ErrTimeout = errors.New("nav: timed out before arrival")

type Adapter struct {
	conn game.Conn
	poll time.Duration
}

func New(conn game.Conn, poll time.Duration) *Adapter {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Adapter{conn: conn, poll: poll}
}

// GoTo submits goal and waits until the agent is within the goal radius,
// timeout elapses or ctx is done.
func (a *Adapter) GoTo(ctx context.Context, goal *game.Goal, timeout time.Duration) error {
	if goal == nil {
		return a.Stop()
	}
	nv := a.conn.Navigator()
	if err := nv.SetGoal(goal); err != nil {
		return fmt.Errorf("nav: set goal %s: %w", goal.Pos, err)
	}
	defer nv.SetGoal(nil)

	if a.arrived(goal) {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(a.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-tick.C:
			if a.arrived(goal) {
				return nil
			}
		}
	}
}

// Follow sets a goal without waiting; the caller must Stop.
func (a *Adapter) Follow(goal *game.Goal) error {
	return a.conn.Navigator().SetGoal(goal)
}

// Stop clears any goal.
func (a *Adapter) Stop() error {
	return a.conn.Navigator().SetGoal(nil)
}

func (a *Adapter) arrived(goal *game.Goal) bool {
	pos, ok := a.conn.Position()
	return ok && goal.Reached(pos)
}
