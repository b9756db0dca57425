package behavior

import (
	"context"
	"math"
	"time"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
)

// Idle stalls with a few look-arounds.
func (r *Runner) Idle(ctx context.Context) error {
	l, err := r.acquire(session.Idling)
	if err != nil {
		return err
	}
	defer l.Release()
	return r.idleLooks(ctx)
}

func (r *Runner) idleLooks(ctx context.Context) error {
	c := r.cfg.Idle
	n := r.rnd.Int(c.MinLooks, c.MaxLooks)
	for i := 0; i < n; i++ {
		if err := r.lookAround(); err != nil {
			r.logf("idle: look: %v", err)
		}
		if err := pause(ctx, r.rnd.Delay(c.PauseMin, c.PauseMax)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) lookAround() error {
	yaw := r.rnd.Float(-math.Pi, math.Pi)
	pitch := r.rnd.Float(-math.Pi/6, math.Pi/6)
	return r.conn.Look(yaw, pitch)
}

type Micro int

const (
	MicroJump Micro = iota
	MicroSneak
	MicroLook
	MicroSwing
	MicroReequip
)

var micros = []Micro{MicroJump, MicroSneak, MicroLook, MicroSwing, MicroReequip}

func (m Micro) String() string {
	switch m {
	case MicroJump:
		return "jump"
	case MicroSneak:
		return "sneak"
	case MicroLook:
		return "look"
	case MicroSwing:
		return "swing"
	case MicroReequip:
		return "reequip"
	default:
		return "unknown"
	}
}

// RandomMicro picks one micro-action uniformly.
func (r *Runner) RandomMicro() Micro {
	m, _ := randx.Choice(r.rnd, micros)
	return m
}

// MicroAction performs one short human-like gesture under a Fidgeting lease.
func (r *Runner) MicroAction(ctx context.Context, m Micro) error {
	l, err := r.acquire(session.Fidgeting)
	if err != nil {
		return err
	}
	defer l.Release()

	switch m {
	case MicroJump:
		return Pulse(ctx, r.conn, game.ControlJump, r.rnd.Delay(100*time.Millisecond, 300*time.Millisecond))
	case MicroSneak:
		return Pulse(ctx, r.conn, game.ControlSneak, r.rnd.Delay(500*time.Millisecond, 1500*time.Millisecond))
	case MicroSwing:
		return r.conn.SwingArm()
	case MicroReequip:
		if held := r.conn.HeldItem(); held != "" {
			return r.conn.Equip(held)
		}
		return r.lookAround()
	default:
		if err := r.lookAround(); err != nil {
			return err
		}
		if err := pause(ctx, r.rnd.Delay(200*time.Millisecond, 600*time.Millisecond)); err != nil {
			return err
		}
		return r.lookAround()
	}
}
