package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/protocol"
)

// Conn is one websocket session. A single read goroutine applies OBS
// messages to a cached world view, delivers events and routes ACKs to the
// waiting command.
type Conn struct {
	ws     *websocket.Conn
	cat    *catalogs.Catalog
	logger *log.Logger
	user   string

	ackTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.RWMutex
	agentID   string
	tick      uint64
	pos       game.Vec3
	hasPos    bool
	tod       float64
	mode      game.GameMode
	inventory []game.ItemStack
	held      string
	entities  map[string]game.Entity
	blocks    map[[3]int]string
	window    voxelWindow
	palette   []string
	traffic   time.Time
	pending   map[string]chan protocol.AckMsg
	moveTask  string

	events    chan game.Event
	done      chan struct{}
	quitting  atomic.Bool
	quitMu    sync.Mutex
	quitWhy   string
	closeOnce sync.Once

	nav *navigator
}

type voxelWindow struct {
	center [3]int
	radius int
	valid  bool
}

func (w voxelWindow) contains(p [3]int) bool {
	if !w.valid {
		return false
	}
	for i := range 3 {
		if d := p[i] - w.center[i]; d < -w.radius || d > w.radius {
			return false
		}
	}
	return true
}

func newConn(ws *websocket.Conn, user string, w protocol.WelcomeMsg, cat *catalogs.Catalog, logger *log.Logger) *Conn {
	if w.Username != "" {
		user = w.Username
	}
	c := &Conn{
		ws:         ws,
		cat:        cat,
		logger:     logger,
		user:       user,
		ackTimeout: 5 * time.Second,
		agentID:    w.AgentID,
		mode:       game.ModeSurvival,
		entities:   map[string]game.Entity{},
		blocks:     map[[3]int]string{},
		traffic:    time.Now(),
		pending:    map[string]chan protocol.AckMsg{},
		events:     make(chan game.Event, 64),
		done:       make(chan struct{}),
	}
	c.nav = &navigator{c: c}
	return c
}

func (c *Conn) Events() <-chan game.Event { return c.events }
func (c *Conn) Username() string          { return c.user }
func (c *Conn) Navigator() game.Navigator { return c.nav }

func (c *Conn) readLoop() {
	defer func() {
		c.shutdown()
		close(c.events)
	}()
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.events <- c.endEvent(err)
			return
		}
		c.mu.Lock()
		c.traffic = time.Now()
		c.mu.Unlock()
		if c.handle(msg) {
			return
		}
	}
}

// endEvent classifies the error that stopped the read loop.
func (c *Conn) endEvent(err error) game.Event {
	if c.quitting.Load() {
		return game.Event{Kind: game.EventEnd, Reason: c.quitReason()}
	}
	var ce *websocket.CloseError
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && errors.As(err, &ce) {
		reason := ce.Text
		if reason == "" {
			reason = fmt.Sprintf("closed (%d)", ce.Code)
		}
		return game.Event{Kind: game.EventEnd, Reason: reason}
	}
	return game.Event{Kind: game.EventError, Err: err, Fatal: true, Reason: err.Error()}
}

// handle processes one server message and reports whether the session
// ended.
func (c *Conn) handle(msg []byte) bool {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return false
	}
	switch base.Type {
	case protocol.TypeCatalog:
		var cm protocol.CatalogMsg
		if err := json.Unmarshal(msg, &cm); err != nil {
			return false
		}
		if strings.EqualFold(cm.Name, "block_palette") {
			var names []string
			if err := json.Unmarshal(cm.Data, &names); err == nil {
				c.mu.Lock()
				c.palette = names
				c.mu.Unlock()
			}
		}
	case protocol.TypeAck:
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			return false
		}
		c.mu.Lock()
		ch := c.pending[ack.AckFor]
		delete(c.pending, ack.AckFor)
		c.mu.Unlock()
		if ch != nil {
			ch <- ack
		}
	case protocol.TypeObs:
		var o protocol.ObsMsg
		if err := json.Unmarshal(msg, &o); err != nil {
			c.logger.Printf("%s: bad OBS: %v", c.user, err)
			return false
		}
		c.applyObs(o)
		for _, ev := range o.Events {
			if c.deliver(ev) {
				return true
			}
		}
	}
	return false
}

func (c *Conn) applyObs(o protocol.ObsMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick = o.Tick
	if o.AgentID != "" {
		c.agentID = o.AgentID
	}
	c.pos = vec(o.Self.Pos)
	c.hasPos = true
	c.tod = o.World.TimeOfDay
	if o.Self.GameMode != "" {
		c.mode = game.GameMode(o.Self.GameMode)
	}
	c.inventory = c.inventory[:0]
	for _, it := range o.Inventory {
		if it.Count > 0 {
			c.inventory = append(c.inventory, game.ItemStack{Name: it.Item, Count: it.Count})
		}
	}
	c.held = strings.ToLower(o.Equipment.MainHand)
	if c.held == "none" {
		c.held = ""
	}
	c.entities = make(map[string]game.Entity, len(o.Entities))
	for _, e := range o.Entities {
		c.entities[e.ID] = c.entity(e)
	}
	c.applyVoxels(o.Voxels)
}

func (c *Conn) entity(e protocol.EntityObs) game.Entity {
	name := strings.ToLower(e.Name)
	out := game.Entity{
		ID:       e.ID,
		Name:     name,
		Kind:     strings.ToLower(e.Type),
		Pos:      vec(e.Pos),
		Health:   e.HP,
		Alive:    true,
		Username: e.Username,
		Hostile:  c.cat.IsHostile(name),
	}
	for _, tag := range e.Tags {
		switch strings.ToUpper(tag) {
		case "HOSTILE":
			out.Hostile = true
		case "DEAD":
			out.Alive = false
		}
	}
	return out
}

func (c *Conn) applyVoxels(v protocol.VoxelsObs) {
	switch v.Encoding {
	case protocol.VoxelsFull:
		w := voxelWindow{center: v.Center, radius: v.Radius, valid: true}
		for p := range c.blocks {
			if w.contains(p) {
				delete(c.blocks, p)
			}
		}
		c.window = w
	case protocol.VoxelsDelta:
	default:
		return
	}
	for _, op := range v.Ops {
		p := [3]int{v.Center[0] + op.D[0], v.Center[1] + op.D[1], v.Center[2] + op.D[2]}
		name := c.blockName(op.B)
		if name == "" || name == "air" {
			delete(c.blocks, p)
			continue
		}
		c.blocks[p] = name
	}
}

// blockName resolves a palette id; without a server palette it falls back
// to the local catalog palette.
func (c *Conn) blockName(id uint16) string {
	if id == 0 {
		return ""
	}
	if int(id) < len(c.palette) {
		return strings.ToLower(c.palette[id])
	}
	if len(c.palette) == 0 {
		name, _ := c.cat.ItemName(id)
		return name
	}
	return ""
}

// deliver translates a protocol event and reports whether it was terminal.
func (c *Conn) deliver(ev protocol.Event) bool {
	var out game.Event
	switch ev.Kind() {
	case protocol.EventSpawn:
		out = game.Event{Kind: game.EventSpawn}
		if p, ok := ev.Pos("pos"); ok {
			out.Pos = vec(p)
		} else if p, ok := c.Position(); ok {
			out.Pos = p
		}
	case protocol.EventDeath:
		out = game.Event{Kind: game.EventDeath}
	case protocol.EventChat:
		out = game.Event{Kind: game.EventChat, User: ev.Text("from"), Message: ev.Text("text")}
	case protocol.EventSleep:
		out = game.Event{Kind: game.EventSleep}
	case protocol.EventWake:
		out = game.Event{Kind: game.EventWake}
	case protocol.EventKicked:
		out = game.Event{Kind: game.EventKicked, Reason: ev.Text("reason")}
	case protocol.EventError:
		code := ev.Text("code")
		if !protocol.IsKnownCode(code) {
			c.logger.Printf("%s: unknown error code %q", c.user, code)
		}
		out = game.Event{
			Kind:   game.EventError,
			Err:    fmt.Errorf("%s: %s", code, ev.Text("message")),
			Fatal:  protocol.Fatal(code) || ev.Bool("fatal"),
			Reason: ev.Text("message"),
		}
	default:
		return false
	}
	c.events <- out
	return out.Terminal()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) quitReason() string {
	c.quitMu.Lock()
	defer c.quitMu.Unlock()
	return c.quitWhy
}

func (c *Conn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) act(instants []protocol.InstantReq, tasks []protocol.TaskReq, cancel []string) error {
	c.mu.RLock()
	msg := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            c.tick,
		AgentID:         c.agentID,
		Instants:        instants,
		Tasks:           tasks,
		Cancel:          cancel,
	}
	c.mu.RUnlock()
	return c.writeJSON(msg)
}

// await registers an ACK waiter for id, runs send and waits for the answer.
func (c *Conn) await(action, id string, send func() error) error {
	ch := make(chan protocol.AckMsg, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()
	if err := send(); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	t := time.NewTimer(c.ackTimeout)
	defer t.Stop()
	select {
	case ack := <-ch:
		if !ack.Accepted {
			return &RejectedError{Action: action, Code: ack.Code, Message: ack.Message}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", action, game.ErrNotConnected)
	case <-t.C:
		return fmt.Errorf("%s: no ack after %s", action, c.ackTimeout)
	}
}

func (c *Conn) instant(req protocol.InstantReq) error {
	req.ID = uuid.NewString()
	return c.await(strings.ToLower(req.Type), req.ID, func() error {
		return c.act([]protocol.InstantReq{req}, nil, nil)
	})
}

func (c *Conn) Chat(msg string) error {
	return c.instant(protocol.InstantReq{Type: protocol.InstantSay, Text: msg})
}

func (c *Conn) SetControl(ctl game.Control, on bool) error {
	return c.instant(protocol.InstantReq{Type: protocol.InstantControl, Control: string(ctl), On: on})
}

func (c *Conn) Look(yaw, pitch float64) error {
	return c.instant(protocol.InstantReq{Type: protocol.InstantLook, Yaw: yaw, Pitch: pitch})
}

func (c *Conn) LookAt(p game.Vec3) error {
	at := [3]float64{p.X, p.Y, p.Z}
	return c.instant(protocol.InstantReq{Type: protocol.InstantLookAt, LookAt: &at})
}

func (c *Conn) SwingArm() error {
	return c.instant(protocol.InstantReq{Type: protocol.InstantSwing})
}

func (c *Conn) Equip(item string) error {
	if err := c.instant(protocol.InstantReq{Type: protocol.InstantEquip, ItemID: item}); err != nil {
		return err
	}
	c.mu.Lock()
	c.held = strings.ToLower(item)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Attack(id string) error {
	return c.instant(protocol.InstantReq{Type: protocol.InstantAttack, TargetID: id})
}

func (c *Conn) Dig(p game.Vec3) error {
	cell := p.Ints()
	if err := c.instant(protocol.InstantReq{Type: protocol.InstantMine, BlockPos: &cell}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.blocks, cell)
	c.mu.Unlock()
	return nil
}

func (c *Conn) PlaceBlock(ref, face game.Vec3) error {
	cell, f := ref.Ints(), face.Ints()
	if err := c.instant(protocol.InstantReq{Type: protocol.InstantPlace, BlockPos: &cell, Face: &f}); err != nil {
		return err
	}
	c.mu.Lock()
	if c.held != "" {
		c.blocks[ref.Add(face).Ints()] = c.held
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) OpenContainer(p game.Vec3) (game.Container, error) {
	cell := p.Ints()
	if err := c.instant(protocol.InstantReq{Type: protocol.InstantOpen, BlockPos: &cell}); err != nil {
		return nil, err
	}
	return &container{c: c, pos: cell}, nil
}

func (c *Conn) Sleep(bed game.Vec3) error {
	cell := bed.Ints()
	return c.instant(protocol.InstantReq{Type: protocol.InstantSleep, BlockPos: &cell})
}

func (c *Conn) GrantItem(item string, count int) error {
	return c.instant(protocol.InstantReq{Type: protocol.InstantGrant, ItemID: item, Count: count})
}

// Quit announces the disconnect, starts the close handshake and drops the
// socket if the server does not finish it in time. The end event carries
// reason.
func (c *Conn) Quit(reason string) error {
	if !c.quitting.CompareAndSwap(false, true) {
		return nil
	}
	c.quitMu.Lock()
	c.quitWhy = reason
	c.quitMu.Unlock()

	err := c.writeJSON(protocol.ByeMsg{Type: protocol.TypeBye, ProtocolVersion: protocol.Version, Reason: reason})
	if errors.Is(err, errClosed) {
		return nil
	}
	c.writeMu.Lock()
	cerr := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	time.AfterFunc(closeGrace, c.shutdown)
	return errors.Join(err, cerr)
}

func (c *Conn) Position() (game.Vec3, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos, c.hasPos
}

func (c *Conn) TimeOfDay() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tod
}

func (c *Conn) GameMode() game.GameMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Conn) Inventory() []game.ItemStack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]game.ItemStack(nil), c.inventory...)
}

func (c *Conn) HeldItem() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.held
}

func (c *Conn) Entities() []game.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]game.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Conn) Entity(id string) (game.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[id]
	return e, ok
}

// BlockAt reports air for cells inside the last full voxel window that hold
// no block, and unknown outside it.
func (c *Conn) BlockAt(p game.Vec3) (game.Block, bool) {
	cell := p.Ints()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.blocks[cell]; ok {
		return game.Block{Name: name, Pos: game.FromInts(cell)}, true
	}
	if c.window.contains(cell) {
		return game.Block{Pos: game.FromInts(cell)}, true
	}
	return game.Block{}, false
}

func (c *Conn) FindBlocks(match func(string) bool, center game.Vec3, radius float64, max int) []game.Block {
	c.mu.RLock()
	var out []game.Block
	for cell, name := range c.blocks {
		pos := game.FromInts(cell)
		if pos.Distance(center) <= radius && match(name) {
			out = append(out, game.Block{Name: name, Pos: pos})
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Pos.Distance(center), out[j].Pos.Distance(center)
		if di != dj {
			return di < dj
		}
		return less(out[i].Pos.Ints(), out[j].Pos.Ints())
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func less(a, b [3]int) bool {
	for i := range 3 {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (c *Conn) LastTraffic() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.traffic
}

func vec(p [3]float64) game.Vec3 { return game.V(p[0], p[1], p[2]) }

type container struct {
	c   *Conn
	pos [3]int
}

func (ct *container) Deposit(item string, count int) error {
	return ct.c.instant(protocol.InstantReq{Type: protocol.InstantDeposit, BlockPos: &ct.pos, ItemID: item, Count: count})
}

func (ct *container) Withdraw(item string, count int) error {
	return ct.c.instant(protocol.InstantReq{Type: protocol.InstantWithdraw, BlockPos: &ct.pos, ItemID: item, Count: count})
}

func (ct *container) Close() error {
	return ct.c.instant(protocol.InstantReq{Type: protocol.InstantClose, BlockPos: &ct.pos})
}

// navigator turns goals into MOVE_TO tasks. Setting a goal replaces the
// running task; a nil goal cancels it.
type navigator struct{ c *Conn }

func (n *navigator) SetGoal(g *game.Goal) error {
	c := n.c
	c.mu.Lock()
	prev := c.moveTask
	c.moveTask = ""
	c.mu.Unlock()

	if g == nil {
		if prev == "" {
			return nil
		}
		return c.act(nil, nil, []string{prev})
	}
	tol := g.Radius
	if tol <= 0 {
		tol = 1
	}
	task := protocol.TaskReq{
		ID:        uuid.NewString(),
		Type:      protocol.TaskMoveTo,
		Target:    [3]float64{g.Pos.X, g.Pos.Y, g.Pos.Z},
		Tolerance: tol,
	}
	var cancel []string
	if prev != "" {
		cancel = []string{prev}
	}
	err := c.await("move_to", task.ID, func() error {
		return c.act(nil, []protocol.TaskReq{task}, cancel)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.moveTask = task.ID
	c.mu.Unlock()
	return nil
}
