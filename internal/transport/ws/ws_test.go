package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/protocol"
)

// world is a scripted voxel world server.
type world struct {
	t   *testing.T
	srv *httptest.Server

	welcomeVersion string
	noAck          bool
	reject         map[string]string

	mu     sync.Mutex
	hellos []protocol.HelloMsg
	acts   []protocol.ActMsg
	byes   []string
	peer   chan *peer
}

type peer struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (p *peer) send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.WriteJSON(v)
}

func newWorld(t *testing.T) *world {
	w := &world{
		t:              t,
		welcomeVersion: protocol.Version,
		reject:         map[string]string{},
		peer:           make(chan *peer, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		w.serve(&peer{c: c})
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *world) serve(p *peer) {
	_, msg, err := p.c.ReadMessage()
	if err != nil {
		return
	}
	if err := protocol.Validate(msg); err != nil {
		w.t.Errorf("hello schema: %v", err)
		return
	}
	var hello protocol.HelloMsg
	_ = json.Unmarshal(msg, &hello)
	w.mu.Lock()
	w.hellos = append(w.hellos, hello)
	w.mu.Unlock()

	_ = p.send(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: w.welcomeVersion,
		AgentID:         "A1",
		Username:        hello.AgentName,
		WorldParams:     protocol.WorldParams{TickRateHz: 5, ObsRadius: 4},
	})
	_ = p.send(protocol.CatalogMsg{
		Type:            protocol.TypeCatalog,
		ProtocolVersion: protocol.Version,
		Name:            "block_palette",
		Part:            1,
		TotalParts:      1,
		Data:            json.RawMessage(`["AIR","STONE","DIRT","RED_BED","CHEST"]`),
	})
	_ = p.send(initialObs())
	w.peer <- p

	for {
		_, msg, err := p.c.ReadMessage()
		if err != nil {
			return
		}
		base, _ := protocol.DecodeBase(msg)
		switch base.Type {
		case protocol.TypeBye:
			var bye protocol.ByeMsg
			_ = json.Unmarshal(msg, &bye)
			w.mu.Lock()
			w.byes = append(w.byes, bye.Reason)
			w.mu.Unlock()
		case protocol.TypeAct:
			if err := protocol.Validate(msg); err != nil {
				w.t.Errorf("act schema: %v\n%s", err, msg)
			}
			var act protocol.ActMsg
			_ = json.Unmarshal(msg, &act)
			w.mu.Lock()
			w.acts = append(w.acts, act)
			w.mu.Unlock()
			if w.noAck {
				continue
			}
			for _, in := range act.Instants {
				code := w.reject[in.Type]
				_ = p.send(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: in.ID, Accepted: code == "", Code: code})
			}
			for _, task := range act.Tasks {
				_ = p.send(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: task.ID, Accepted: true})
			}
		}
	}
}

func initialObs() protocol.ObsMsg {
	return protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Tick:            10,
		AgentID:         "A1",
		World:           protocol.WorldObs{TimeOfDay: 0.25},
		Self:            protocol.SelfObs{Pos: [3]float64{0, 64, 0}, GameMode: "creative"},
		Inventory:       []protocol.ItemStack{{Item: "dirt", Count: 12}, {Item: "torch", Count: 0}},
		Equipment:       protocol.EquipmentObs{MainHand: "NONE"},
		Voxels: protocol.VoxelsObs{
			Center:   [3]int{0, 64, 0},
			Radius:   4,
			Encoding: protocol.VoxelsFull,
			Ops: []protocol.VoxelDeltaOp{
				{D: [3]int{0, -1, 0}, B: 1},
				{D: [3]int{1, -1, 1}, B: 1},
				{D: [3]int{3, 0, 0}, B: 3},
			},
		},
		Entities: []protocol.EntityObs{
			{ID: "E1", Type: "MOB", Name: "Zombie", Pos: [3]float64{6, 64, 0}, HP: 20},
			{ID: "E2", Type: "MOB", Name: "Cow", Pos: [3]float64{2, 64, 2}, HP: 0, Tags: []string{"DEAD"}},
		},
		Events: []protocol.Event{{"type": protocol.EventSpawn}},
	}
}

func (w *world) url() string { return "ws" + strings.TrimPrefix(w.srv.URL, "http") }

func (w *world) dial(t *testing.T) (*Conn, *peer) {
	t.Helper()
	d := &Dialer{URL: w.url(), Catalog: catalogs.Default(), Logger: log.New(io.Discard, "", 0), AckTimeout: time.Second}
	gc, err := d.Dial(context.Background(), game.Persona{Name: "Builder", Username: "CraftMan", Auth: "offline"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := gc.(*Conn)
	t.Cleanup(func() { _ = c.Quit("test done") })
	select {
	case p := <-w.peer:
		return c, p
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the client")
	}
	return nil, nil
}

func (w *world) actsSnapshot() []protocol.ActMsg {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.ActMsg(nil), w.acts...)
}

func next(t *testing.T, c *Conn) (game.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
	return game.Event{}, false
}

func drain(t *testing.T, c *Conn) []game.Event {
	t.Helper()
	var out []game.Event
	for {
		ev, ok := next(t, c)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestDialHandshakeAndObservation(t *testing.T) {
	w := newWorld(t)
	c, _ := w.dial(t)

	ev, _ := next(t, c)
	if ev.Kind != game.EventSpawn || ev.Pos != game.V(0, 64, 0) {
		t.Fatalf("first event: %+v", ev)
	}
	if c.Username() != "CraftMan" {
		t.Fatalf("username: %q", c.Username())
	}
	w.mu.Lock()
	hello := w.hellos[0]
	w.mu.Unlock()
	if hello.AgentName != "CraftMan" || hello.Auth == nil || hello.Auth.Mode != "offline" || !hello.Capabilities.AckRequired {
		t.Fatalf("hello: %+v", hello)
	}

	if pos, ok := c.Position(); !ok || pos != game.V(0, 64, 0) {
		t.Fatalf("position: %v %v", pos, ok)
	}
	if c.TimeOfDay() != 0.25 || c.GameMode() != game.ModeCreative || c.HeldItem() != "" {
		t.Fatalf("self: tod=%v mode=%v held=%q", c.TimeOfDay(), c.GameMode(), c.HeldItem())
	}
	if inv := c.Inventory(); len(inv) != 1 || inv[0] != (game.ItemStack{Name: "dirt", Count: 12}) {
		t.Fatalf("inventory: %+v", inv)
	}
	if b, ok := c.BlockAt(game.V(0.4, 63.2, 0.9)); !ok || b.Name != "stone" {
		t.Fatalf("floor: %+v %v", b, ok)
	}
	if b, ok := c.BlockAt(game.V(0, 64, 0)); !ok || !b.IsAir() {
		t.Fatalf("air in window: %+v %v", b, ok)
	}
	if _, ok := c.BlockAt(game.V(50, 64, 0)); ok {
		t.Fatalf("block outside window known")
	}
	cat := catalogs.Default()
	beds := c.FindBlocks(cat.IsBed, game.V(0, 64, 0), 8, 4)
	if len(beds) != 1 || beds[0].Pos != game.V(3, 64, 0) {
		t.Fatalf("beds: %+v", beds)
	}
	stones := c.FindBlocks(func(n string) bool { return n == "stone" }, game.V(0, 64, 0), 8, 0)
	if len(stones) != 2 || stones[0].Pos != game.V(0, 63, 0) {
		t.Fatalf("stones nearest first: %+v", stones)
	}

	z, ok := c.Entity("E1")
	if !ok || !z.Hostile || !z.Alive || z.Name != "zombie" {
		t.Fatalf("zombie: %+v", z)
	}
	cow, _ := c.Entity("E2")
	if cow.Alive || cow.Hostile {
		t.Fatalf("cow: %+v", cow)
	}
	if n := len(c.Entities()); n != 2 {
		t.Fatalf("entities: %d", n)
	}
}

func TestCommandsAreAckedAndCached(t *testing.T) {
	w := newWorld(t)
	w.reject[protocol.InstantGrant] = protocol.ErrNoPermission
	w.reject[protocol.InstantSleep] = protocol.ErrNotNight
	c, _ := w.dial(t)
	if ev, _ := next(t, c); ev.Kind != game.EventSpawn {
		t.Fatalf("first event: %+v", ev)
	}

	if err := c.Equip("dirt"); err != nil {
		t.Fatalf("equip: %v", err)
	}
	if c.HeldItem() != "dirt" {
		t.Fatalf("held: %q", c.HeldItem())
	}
	if err := c.PlaceBlock(game.V(1, 63, 1), game.Up); err != nil {
		t.Fatalf("place: %v", err)
	}
	if b, _ := c.BlockAt(game.V(1, 64, 1)); b.Name != "dirt" {
		t.Fatalf("placed block not cached: %+v", b)
	}
	if err := c.Dig(game.V(0, 63, 0)); err != nil {
		t.Fatalf("dig: %v", err)
	}
	if b, ok := c.BlockAt(game.V(0, 63, 0)); !ok || !b.IsAir() {
		t.Fatalf("dug block still cached: %+v", b)
	}
	if err := c.Chat("hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if err := c.LookAt(game.V(2.5, 64, 2.5)); err != nil {
		t.Fatalf("look at: %v", err)
	}
	ct, err := c.OpenContainer(game.V(3, 64, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ct.Deposit("dirt", 4); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := ct.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err = c.GrantItem("red_bed", 1)
	if !errors.Is(err, game.ErrRejected) {
		t.Fatalf("grant: %v", err)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Code != protocol.ErrNoPermission {
		t.Fatalf("rejection detail: %v", err)
	}
	if errors.Is(err, game.ErrNotNight) {
		t.Fatalf("grant refusal reads as not night: %v", err)
	}
	if err := c.Sleep(game.V(3, 64, 0)); !errors.Is(err, game.ErrRejected) || !errors.Is(err, game.ErrNotNight) {
		t.Fatalf("sleep refusal: %v", err)
	}

	var types []string
	for _, a := range w.actsSnapshot() {
		if a.AgentID != "A1" || a.Tick != 10 {
			t.Fatalf("act header: %+v", a)
		}
		for _, in := range a.Instants {
			types = append(types, in.Type)
		}
	}
	want := "EQUIP PLACE MINE SAY LOOK_AT OPEN DEPOSIT CLOSE GRANT SLEEP"
	if got := strings.Join(types, " "); got != want {
		t.Fatalf("instants: %s", got)
	}
}

func TestNavigatorIssuesMoveTasks(t *testing.T) {
	w := newWorld(t)
	c, _ := w.dial(t)
	nav := c.Navigator()

	if err := nav.SetGoal(game.NearGoal(game.V(5, 64, 5), 2)); err != nil {
		t.Fatalf("goal: %v", err)
	}
	if err := nav.SetGoal(game.BlockGoal(game.V(3, 64, 0))); err != nil {
		t.Fatalf("block goal: %v", err)
	}
	if err := nav.SetGoal(nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := nav.SetGoal(nil); err != nil {
		t.Fatalf("second clear: %v", err)
	}

	var acts []protocol.ActMsg
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if acts = w.actsSnapshot(); len(acts) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(acts) != 3 {
		t.Fatalf("acts: %+v", acts)
	}
	first, second, clear := acts[0], acts[1], acts[2]
	if len(first.Tasks) != 1 || first.Tasks[0].Type != protocol.TaskMoveTo || first.Tasks[0].Tolerance != 2 {
		t.Fatalf("first: %+v", first)
	}
	if len(second.Cancel) != 1 || second.Cancel[0] != first.Tasks[0].ID || second.Tasks[0].Tolerance != 1.5 {
		t.Fatalf("second: %+v", second)
	}
	if len(clear.Tasks) != 0 || len(clear.Cancel) != 1 || clear.Cancel[0] != second.Tasks[0].ID {
		t.Fatalf("clear: %+v", clear)
	}
}

func TestQuitEndsWithReason(t *testing.T) {
	w := newWorld(t)
	c, _ := w.dial(t)

	if err := c.Quit(game.ReasonSwitch); err != nil {
		t.Fatalf("quit: %v", err)
	}
	evs := drain(t, c)
	last := evs[len(evs)-1]
	if last.Kind != game.EventEnd || last.Reason != game.ReasonSwitch {
		t.Fatalf("last event: %+v", last)
	}
	w.mu.Lock()
	byes := append([]string(nil), w.byes...)
	w.mu.Unlock()
	if len(byes) != 1 || byes[0] != game.ReasonSwitch {
		t.Fatalf("byes: %v", byes)
	}
	if err := c.Chat("late"); err == nil {
		t.Fatalf("command after quit succeeded")
	}
}

func TestServerKickIsTerminal(t *testing.T) {
	w := newWorld(t)
	c, p := w.dial(t)
	obs := initialObs()
	obs.Tick = 11
	obs.Events = []protocol.Event{
		{"type": protocol.EventChat, "from": "Steve", "text": "bye"},
		{"type": protocol.EventKicked, "reason": "idle too long"},
		{"type": protocol.EventDeath},
	}
	if err := p.send(obs); err != nil {
		t.Fatalf("send: %v", err)
	}
	evs := drain(t, c)
	if len(evs) != 3 {
		t.Fatalf("events: %+v", evs)
	}
	if evs[1].Kind != game.EventChat || evs[1].User != "Steve" {
		t.Fatalf("chat: %+v", evs[1])
	}
	if evs[2].Kind != game.EventKicked || evs[2].Reason != "idle too long" {
		t.Fatalf("kick: %+v", evs[2])
	}
}

func TestServerDropIsFatal(t *testing.T) {
	w := newWorld(t)
	c, p := w.dial(t)
	_ = p.c.UnderlyingConn().Close()

	evs := drain(t, c)
	last := evs[len(evs)-1]
	if !last.Terminal() || last.Kind != game.EventError || !last.Fatal {
		t.Fatalf("last event: %+v", last)
	}
	if err := c.SwingArm(); err == nil {
		t.Fatalf("command on dropped connection succeeded")
	}
}

func TestServerCloseFrames(t *testing.T) {
	cases := []struct {
		code   int
		text   string
		kind   game.EventKind
		reason string
	}{
		{websocket.CloseNormalClosure, "maintenance", game.EventEnd, "maintenance"},
		{websocket.CloseGoingAway, "", game.EventEnd, "closed (1001)"},
		{websocket.CloseInternalServerErr, "boom", game.EventError, ""},
	}
	for _, tc := range cases {
		w := newWorld(t)
		c, p := w.dial(t)
		p.mu.Lock()
		err := p.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(tc.code, tc.text), time.Now().Add(time.Second))
		p.mu.Unlock()
		if err != nil {
			t.Fatalf("close %d: %v", tc.code, err)
		}
		evs := drain(t, c)
		last := evs[len(evs)-1]
		if last.Kind != tc.kind || !last.Terminal() {
			t.Fatalf("close %d: last event %+v", tc.code, last)
		}
		if tc.kind == game.EventEnd && last.Reason != tc.reason {
			t.Fatalf("close %d: reason %q", tc.code, last.Reason)
		}
		if tc.kind == game.EventError && !last.Fatal {
			t.Fatalf("close %d: not fatal: %+v", tc.code, last)
		}
	}
}

func TestFatalErrorEvent(t *testing.T) {
	w := newWorld(t)
	c, p := w.dial(t)
	obs := initialObs()
	obs.Events = []protocol.Event{
		{"type": protocol.EventError, "code": protocol.ErrRateLimit, "message": "slow down"},
		{"type": protocol.EventError, "code": protocol.ErrProtoBadRequest, "message": "bad act"},
	}
	_ = p.send(obs)
	evs := drain(t, c)
	if len(evs) != 3 || evs[1].Fatal || !evs[2].Fatal {
		t.Fatalf("events: %+v", evs)
	}
}

func TestDeltaVoxels(t *testing.T) {
	w := newWorld(t)
	c, p := w.dial(t)
	obs := initialObs()
	obs.Tick = 12
	obs.Events = []protocol.Event{{"type": protocol.EventWake}}
	obs.Voxels = protocol.VoxelsObs{
		Center:   [3]int{0, 64, 0},
		Encoding: protocol.VoxelsDelta,
		Ops: []protocol.VoxelDeltaOp{
			{D: [3]int{1, 0, 0}, B: 4},
			{D: [3]int{0, -1, 0}, B: 0},
		},
	}
	_ = p.send(obs)
	next(t, c) // spawn
	if ev, _ := next(t, c); ev.Kind != game.EventWake {
		t.Fatalf("wake: %+v", ev)
	}
	if b, _ := c.BlockAt(game.V(1, 64, 0)); b.Name != "chest" {
		t.Fatalf("chest: %+v", b)
	}
	if b, ok := c.BlockAt(game.V(0, 63, 0)); !ok || !b.IsAir() {
		t.Fatalf("cleared cell: %+v", b)
	}
	if b, _ := c.BlockAt(game.V(3, 64, 0)); b.Name != "red_bed" {
		t.Fatalf("delta dropped other blocks: %+v", b)
	}
}

func TestAckTimeout(t *testing.T) {
	w := newWorld(t)
	w.noAck = true
	c, _ := w.dial(t)
	c.ackTimeout = 30 * time.Millisecond
	err := c.Chat("anyone?")
	if err == nil || !strings.Contains(err.Error(), "no ack") {
		t.Fatalf("expected ack timeout, got %v", err)
	}
}

func TestDialRejectsUnsupportedVersion(t *testing.T) {
	w := newWorld(t)
	w.welcomeVersion = "0.1"
	d := &Dialer{URL: w.url(), Logger: log.New(io.Discard, "", 0)}
	if _, err := d.Dial(context.Background(), game.Persona{Name: "Builder", Username: "CraftMan"}); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestDialUnreachable(t *testing.T) {
	d := &Dialer{URL: "ws://127.0.0.1:1/v1/ws", HandshakeTimeout: 200 * time.Millisecond, Logger: log.New(io.Discard, "", 0)}
	if _, err := d.Dial(context.Background(), game.Persona{Name: "Builder", Username: "CraftMan"}); err == nil {
		t.Fatalf("expected dial error")
	}
}
