// Package decision lets an external provider choose the next behavior and
// answer chat. Every call is bounded by a timeout and falls back to the
// built-in weighted choice or reply templates.
package decision

//go:generate go tool mockgen -destination=./decisionmock/provider.go -package=decisionmock . Provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/randx"
)

// Behavior names understood by the scheduler.
const (
	Explore = "explore"
	Build   = "build"
	Idle    = "idle"
	Chest   = "chest"
)

var ErrNoChoice = errors.New("decision: no behavior available")

type BehaviorInput struct {
	Persona       string
	Position      game.Vec3
	TimeOfDay     float64
	ActivityCount int
	// Options lists the behaviors the caller accepts.
	Options []string
}

type ChatInput struct {
	Persona string
	Sender  string
	Message string
}

type Provider interface {
	NextBehavior(ctx context.Context, in BehaviorInput) (string, error)
	ChatReply(ctx context.Context, in ChatInput) (string, error)
}

// Default is the built-in provider: weighted random selection and templated
// replies.
type Default struct {
	rnd       *randx.Source
	weights   []randx.Weight
	templates []string
}

func NewDefault(rnd *randx.Source, weights []randx.Weight, templates []string) *Default {
	return &Default{rnd: rnd, weights: weights, templates: templates}
}

func (d *Default) NextBehavior(_ context.Context, in BehaviorInput) (string, error) {
	table := d.weights
	if len(in.Options) > 0 {
		table = make([]randx.Weight, 0, len(d.weights))
		for _, w := range d.weights {
			if slices.Contains(in.Options, w.Name) {
				table = append(table, w)
			}
		}
	}
	name, ok := d.rnd.Weighted(table)
	if !ok {
		return "", ErrNoChoice
	}
	return name, nil
}

func (d *Default) ChatReply(_ context.Context, in ChatInput) (string, error) {
	tpl, ok := randx.Choice(d.rnd, d.templates)
	if !ok {
		return "", fmt.Errorf("decision: no reply templates")
	}
	return strings.ReplaceAll(tpl, "{user}", in.Sender), nil
}

// Bounded wraps an optional Provider with a timeout and a Default fallback.
type Bounded struct {
	p        Provider
	fallback *Default
	timeout  time.Duration
	logger   *log.Logger
}

// NewBounded returns a Bounded. p may be nil, in which case every call goes
// straight to fallback.
func NewBounded(p Provider, fallback *Default, timeout time.Duration, logger *log.Logger) *Bounded {
	if logger == nil {
		logger = log.New(log.Writer(), "[decision] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Bounded{p: p, fallback: fallback, timeout: timeout, logger: logger}
}

type result struct {
	s   string
	err error
}

// call runs f under the timeout. A provider that ignores cancellation is
// abandoned; its late answer is dropped.
func (b *Bounded) call(ctx context.Context, f func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ch := make(chan result, 1)
	go func() {
		s, err := f(cctx)
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-cctx.Done():
		return "", cctx.Err()
	}
}

func (b *Bounded) NextBehavior(ctx context.Context, in BehaviorInput) (string, error) {
	if b.p != nil {
		name, err := b.call(ctx, func(c context.Context) (string, error) { return b.p.NextBehavior(c, in) })
		switch {
		case err != nil:
			b.logger.Printf("provider next behavior for %s: %v (falling back)", in.Persona, err)
		case len(in.Options) > 0 && !slices.Contains(in.Options, name):
			b.logger.Printf("provider chose unknown behavior %q for %s (falling back)", name, in.Persona)
		default:
			return name, nil
		}
	}
	return b.fallback.NextBehavior(ctx, in)
}

func (b *Bounded) ChatReply(ctx context.Context, in ChatInput) (string, error) {
	if b.p != nil {
		reply, err := b.call(ctx, func(c context.Context) (string, error) { return b.p.ChatReply(c, in) })
		if err == nil && strings.TrimSpace(reply) != "" {
			return reply, nil
		}
		if err != nil {
			b.logger.Printf("provider chat reply to %s: %v (falling back)", in.Sender, err)
		}
	}
	return b.fallback.ChatReply(ctx, in)
}
