// Package gametest provides an in-memory game connection for driving the bot
// in tests without a server. The navigator teleports to each goal unless
// Stuck is set.
package gametest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dualbot.ai/internal/game"
)

// Call is one recorded command.
type Call struct {
	Op  string
	Arg string
}

type Conn struct {
	mu sync.Mutex

	user      string
	events    chan game.Event
	closed    bool
	pos       game.Vec3
	hasPos    bool
	tod       float64
	mode      game.GameMode
	inventory map[string]int
	held      string
	entities  map[string]game.Entity
	blocks    map[[3]int]string
	traffic   time.Time
	calls     []Call
	goals     []*game.Goal
	goal      *game.Goal

	// Stuck makes the navigator accept goals without moving.
	Stuck bool
	// RejectSleep makes Sleep fail like a server refusing ("not night").
	RejectSleep bool
	// FailEquip makes Equip fail.
	FailEquip bool
	// OnAttack runs after every attack, under no lock.
	OnAttack func(c *Conn, id string)
	// SleepEvents emits EventSleep after a successful Sleep.
	SleepEvents bool

	nav *Navigator
}

func NewConn(user string) *Conn {
	c := &Conn{
		user:      user,
		events:    make(chan game.Event, 64),
		mode:      game.ModeSurvival,
		inventory: map[string]int{},
		entities:  map[string]game.Entity{},
		blocks:    map[[3]int]string{},
		traffic:   time.Now(),
	}
	c.nav = &Navigator{c: c}
	return c
}

// Emit delivers an event to the bot; terminal events close the stream.
func (c *Conn) Emit(ev game.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
	if ev.Terminal() {
		c.closed = true
		close(c.events)
	}
}

func (c *Conn) Spawn(pos game.Vec3) {
	c.SetPosition(pos)
	c.Emit(game.Event{Kind: game.EventSpawn, Pos: pos})
}

func (c *Conn) SetPosition(p game.Vec3) {
	c.mu.Lock()
	c.pos, c.hasPos = p, true
	c.mu.Unlock()
}

func (c *Conn) SetTimeOfDay(t float64) {
	c.mu.Lock()
	c.tod = t
	c.mu.Unlock()
}

func (c *Conn) SetMode(m game.GameMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Conn) SetTraffic(t time.Time) {
	c.mu.Lock()
	c.traffic = t
	c.mu.Unlock()
}

func (c *Conn) Give(item string, n int) {
	c.mu.Lock()
	c.inventory[item] += n
	c.mu.Unlock()
}

func (c *Conn) SetBlock(p game.Vec3, name string) {
	c.mu.Lock()
	c.blocks[p.Ints()] = name
	c.mu.Unlock()
}

// Floor fills a square of solid blocks at height y.
func (c *Conn) Floor(center game.Vec3, radius int, y float64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cx, cz := int(center.X), int(center.Z)
	for x := cx - radius; x <= cx+radius; x++ {
		for z := cz - radius; z <= cz+radius; z++ {
			c.blocks[[3]int{x, int(y), z}] = name
		}
	}
}

func (c *Conn) PutEntity(e game.Entity) {
	c.mu.Lock()
	c.entities[e.ID] = e
	c.mu.Unlock()
}

func (c *Conn) RemoveEntity(id string) {
	c.mu.Lock()
	delete(c.entities, id)
	c.mu.Unlock()
}

func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallOps returns the recorded operation names in order.
func (c *Conn) CallOps() []string {
	calls := c.Calls()
	out := make([]string, len(calls))
	for i, cl := range calls {
		out[i] = cl.Op
	}
	return out
}

func (c *Conn) Count(op string) int {
	n := 0
	for _, cl := range c.Calls() {
		if cl.Op == op {
			n++
		}
	}
	return n
}

// Goal is the navigator's current goal (nil when cleared).
func (c *Conn) Goal() *game.Goal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goal
}

func (c *Conn) GoalHistory() []*game.Goal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*game.Goal(nil), c.goals...)
}

func (c *Conn) record(op, arg string) {
	c.calls = append(c.calls, Call{Op: op, Arg: arg})
}

func (c *Conn) Events() <-chan game.Event { return c.events }
func (c *Conn) Username() string          { return c.user }

func (c *Conn) Chat(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("chat", msg)
	return nil
}

func (c *Conn) SetControl(ctl game.Control, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("control", fmt.Sprintf("%s=%t", ctl, on))
	return nil
}

func (c *Conn) Look(yaw, pitch float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("look", fmt.Sprintf("%.2f,%.2f", yaw, pitch))
	return nil
}

func (c *Conn) LookAt(p game.Vec3) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("lookat", p.String())
	return nil
}

func (c *Conn) SwingArm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("swing", "")
	return nil
}

func (c *Conn) Equip(item string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("equip", item)
	if c.FailEquip {
		return fmt.Errorf("equip %s: %w", item, game.ErrRejected)
	}
	if c.inventory[item] <= 0 {
		return fmt.Errorf("equip %s: not in inventory", item)
	}
	c.held = item
	return nil
}

func (c *Conn) Attack(id string) error {
	c.mu.Lock()
	c.record("attack", id)
	_, ok := c.entities[id]
	hook := c.OnAttack
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("attack %s: no such entity", id)
	}
	if hook != nil {
		hook(c, id)
	}
	return nil
}

func (c *Conn) Dig(p game.Vec3) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("dig", p.String())
	delete(c.blocks, p.Ints())
	return nil
}

func (c *Conn) PlaceBlock(ref, face game.Vec3) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := ref.Add(face)
	c.record("place", target.String())
	if c.held == "" || c.inventory[c.held] <= 0 {
		return fmt.Errorf("place: nothing held")
	}
	if _, taken := c.blocks[target.Ints()]; taken {
		return fmt.Errorf("place: cell occupied")
	}
	c.blocks[target.Ints()] = c.held
	if c.mode != game.ModeCreative {
		c.inventory[c.held]--
	}
	return nil
}

func (c *Conn) OpenContainer(p game.Vec3) (game.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("open", p.String())
	if _, ok := c.blocks[p.Ints()]; !ok {
		return nil, fmt.Errorf("open: no block at %s", p)
	}
	return &container{c: c}, nil
}

func (c *Conn) Sleep(bed game.Vec3) error {
	c.mu.Lock()
	c.record("sleep", bed.String())
	reject := c.RejectSleep
	emit := c.SleepEvents
	c.mu.Unlock()
	if reject {
		return fmt.Errorf("sleep: %w: %w", game.ErrRejected, game.ErrNotNight)
	}
	if emit {
		c.Emit(game.Event{Kind: game.EventSleep})
	}
	return nil
}

func (c *Conn) GrantItem(item string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("grant", fmt.Sprintf("%s x%d", item, count))
	if c.mode != game.ModeCreative {
		return fmt.Errorf("grant %s: %w: not in creative mode", item, game.ErrRejected)
	}
	c.inventory[item] += count
	return nil
}

func (c *Conn) Quit(reason string) error {
	c.mu.Lock()
	c.record("quit", reason)
	c.mu.Unlock()
	c.Emit(game.Event{Kind: game.EventEnd, Reason: reason})
	return nil
}

func (c *Conn) Navigator() game.Navigator { return c.nav }

func (c *Conn) Position() (game.Vec3, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos, c.hasPos
}

func (c *Conn) TimeOfDay() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tod
}

func (c *Conn) GameMode() game.GameMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Conn) Inventory() []game.ItemStack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]game.ItemStack, 0, len(c.inventory))
	for name, n := range c.inventory {
		if n > 0 {
			out = append(out, game.ItemStack{Name: name, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Conn) HeldItem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

func (c *Conn) Entities() []game.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]game.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Conn) Entity(id string) (game.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[id]
	return e, ok
}

func (c *Conn) BlockAt(p game.Vec3) (game.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := p.Floored()
	return game.Block{Name: c.blocks[f.Ints()], Pos: f}, true
}

func (c *Conn) FindBlocks(match func(string) bool, center game.Vec3, radius float64, max int) []game.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []game.Block
	for k, name := range c.blocks {
		p := game.FromInts(k)
		if match(name) && p.Distance(center) <= radius {
			out = append(out, game.Block{Name: name, Pos: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos.Distance(center) < out[j].Pos.Distance(center) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func (c *Conn) LastTraffic() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traffic
}

type container struct{ c *Conn }

func (ct *container) Deposit(item string, n int) error {
	ct.c.mu.Lock()
	defer ct.c.mu.Unlock()
	ct.c.record("deposit", fmt.Sprintf("%s x%d", item, n))
	if ct.c.inventory[item] < n {
		return fmt.Errorf("deposit %s: have %d", item, ct.c.inventory[item])
	}
	ct.c.inventory[item] -= n
	return nil
}

func (ct *container) Withdraw(item string, n int) error {
	ct.c.mu.Lock()
	defer ct.c.mu.Unlock()
	ct.c.record("withdraw", fmt.Sprintf("%s x%d", item, n))
	ct.c.inventory[item] += n
	return nil
}

func (ct *container) Close() error {
	ct.c.mu.Lock()
	defer ct.c.mu.Unlock()
	ct.c.record("close", "")
	return nil
}

type Navigator struct{ c *Conn }

func (n *Navigator) SetGoal(g *game.Goal) error {
	c := n.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goal = g
	if g == nil {
		c.record("goal", "clear")
		return nil
	}
	c.goals = append(c.goals, g)
	c.record("goal", g.Pos.String())
	if !c.Stuck {
		c.pos, c.hasPos = g.Pos, true
	}
	return nil
}

// Dialer hands out scripted connections per persona.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	dials []string

	// Fail makes Dial fail for persona names listed here.
	Fail map[string]bool
	// Gate, when set, blocks each Dial until a value is received.
	Gate chan struct{}
	// OnDial runs after a successful dial.
	OnDial func(c *Conn)
}

func (d *Dialer) Dial(ctx context.Context, p game.Persona) (game.Conn, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.dials = append(d.dials, p.Name)
	if d.Fail[p.Name] {
		d.mu.Unlock()
		return nil, fmt.Errorf("dial %s: connection refused", p.Name)
	}
	c := NewConn(p.Username)
	d.conns = append(d.conns, c)
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return c, nil
}

func (d *Dialer) SetFail(name string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail == nil {
		d.Fail = map[string]bool{}
	}
	d.Fail[name] = fail
}

// Dials returns persona names in dial order.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// HasPrefix reports whether any recorded call op/arg matches.
func (c *Conn) HasCall(op, argPrefix string) bool {
	for _, cl := range c.Calls() {
		if cl.Op == op && strings.HasPrefix(cl.Arg, argPrefix) {
			return true
		}
	}
	return false
}
