package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"dualbot.ai/internal/behavior"
	"dualbot.ai/internal/decision"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/monitor"
	"dualbot.ai/internal/nav"
	"dualbot.ai/internal/scheduler"
	"dualbot.ai/internal/session"
)

// quitWait bounds how long teardown waits for the event stream to close
// after asking the server to end the session.
const quitWait = 5 * time.Second

// live is one connected session and the goroutines bound to it.
type live struct {
	id      string
	persona session.Persona
	conn    game.Conn
	st      *session.State

	ctx    context.Context
	cancel context.CancelFunc

	// runtime tracks monitors, scheduler and chat replies.
	runtime sync.WaitGroup
	pumped  chan struct{}

	mu       sync.Mutex
	started  bool
	selfQuit bool
	ended    bool

	endOnce  sync.Once
	downOnce sync.Once
	down     chan struct{}
}

func newLive(id string, p session.Persona, conn game.Conn, st *session.State) *live {
	ctx, cancel := context.WithCancel(context.Background())
	return &live{
		id:      id,
		persona: p,
		conn:    conn,
		st:      st,
		ctx:     ctx,
		cancel:  cancel,
		pumped:  make(chan struct{}),
		down:    make(chan struct{}),
	}
}

// teardown ends l: it stops the runtime, waits for it, asks the server to
// close the connection with reason and waits for the event stream to
// drain. Concurrent callers all return once the first teardown finished.
func (m *Manager) teardown(l *live, reason string) {
	l.downOnce.Do(func() {
		defer close(l.down)
		l.mu.Lock()
		l.selfQuit = true
		ended := l.ended
		l.mu.Unlock()

		l.cancel()
		l.runtime.Wait()
		l.st.Reset()

		if !ended {
			if err := l.conn.Quit(reason); err != nil {
				m.logger.Printf("%s: quit: %v", l.persona.Name, err)
			}
		}
		select {
		case <-l.pumped:
		case <-time.After(quitWait):
			m.logger.Printf("%s: event stream still open %s after quit", l.persona.Name, quitWait)
		}

		m.persist(l.st)
		m.mu.Lock()
		if m.live == l {
			m.live = nil
		}
		m.mu.Unlock()
		if m.reg.ActiveName() == l.persona.Name {
			m.reg.ClearActive()
		}
		m.logger.Printf("%s: session %s closed (%s)", l.persona.Name, l.id, reason)
	})
	<-l.down
}

// pump delivers the connection's events until the stream closes. A stream
// that closes without a terminal event counts as an end.
func (m *Manager) pump(l *live) {
	defer close(l.pumped)
	for ev := range l.conn.Events() {
		m.handle(l, ev)
	}
	m.terminal(l, game.Event{Kind: game.EventEnd, Reason: "event stream closed"})
}

func (m *Manager) handle(l *live, ev game.Event) {
	name := l.persona.Name
	switch ev.Kind {
	case game.EventSpawn:
		m.onSpawn(l, ev)
	case game.EventEnd, game.EventKicked:
		m.terminal(l, ev)
	case game.EventError:
		if ev.Fatal {
			m.terminal(l, ev)
			return
		}
		m.logger.Printf("%s: connection error: %v", name, ev.Err)
	case game.EventDeath:
		l.st.RecordDeath()
		m.logger.Printf("%s: died (deaths=%d)", name, l.st.Snapshot().Deaths)
		m.record("death", name, nil)
		m.persist(l.st)
	case game.EventChat:
		m.onChat(l, ev)
	case game.EventSleep:
		m.logger.Printf("%s: asleep", name)
	case game.EventWake:
		m.logger.Printf("%s: woke up", name)
		l.st.Wake()
	}
}

func (m *Manager) onSpawn(l *live, ev game.Event) {
	pos := ev.Pos
	if p, ok := l.conn.Position(); ok && pos == (game.Vec3{}) {
		pos = p
	}
	m.logger.Printf("%s: spawned at %s", l.persona.Name, pos)
	if l.st.EnsureAnchors(pos) {
		m.persist(l.st)
	}
	m.setPhase(PhaseOnline)
	m.record("spawn", l.persona.Name, map[string]any{"pos": pos.Ints(), "session": l.id})

	l.mu.Lock()
	if l.started || l.selfQuit || l.ended {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.runtime.Add(1)
	l.mu.Unlock()
	go func() {
		defer l.runtime.Done()
		if wait(l.ctx, m.cfg.Switch.StartDelay) != nil {
			return
		}
		m.runRuntime(l)
	}()
}

// runRuntime runs the monitors and the scheduler of l until its context
// ends.
func (m *Manager) runRuntime(l *live) {
	p := l.persona
	bl := m.child("[behavior] ")
	runner := behavior.New(behavior.Env{
		Conn:    l.conn,
		Nav:     nav.New(l.conn, m.cfg.Nav.PollInterval),
		Catalog: m.cat,
		Config:  m.cfg,
		Rand:    m.rnd,
		State:   l.st,
		Profile: p.Profile,
		Logger:  bl,
	})
	group := monitor.NewGroup(l.st, m.child("[monitor] "), monitor.Standard(monitor.Deps{
		Runner:  runner,
		Conn:    l.conn,
		State:   l.st,
		Profile: p.Profile,
		Config:  m.cfg,
		Catalog: m.cat,
		Rand:    m.rnd,
		Logger:  m.child("[monitor] "),
	})...)
	decider := decision.NewBounded(m.provider,
		decision.NewDefault(m.rnd, scheduler.Weights(m.cfg, p.Profile), nil),
		m.cfg.Scheduler.DecisionTimeout, m.child("[decision] "))
	sched := scheduler.New(scheduler.Env{
		Runner:   runner,
		Conn:     l.conn,
		State:    l.st,
		Profile:  p.Profile,
		Config:   m.cfg,
		Rand:     m.rnd,
		Decider:  decider,
		Logger:   m.child("[scheduler] "),
		OnResult: func(r scheduler.Result) { m.onResult(l, r) },
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = group.Run(l.ctx)
	}()
	go func() {
		defer wg.Done()
		_ = sched.Run(l.ctx)
	}()
	m.logger.Printf("%s: runtime started (%s)", p.Name, strings.Join(group.Names(), ", "))
	wg.Wait()
}

func (m *Manager) onResult(l *live, r scheduler.Result) {
	attrs := map[string]any{"behavior": r.Behavior, "took_ms": r.Took.Milliseconds()}
	if r.Err != nil {
		attrs["error"] = r.Err.Error()
	}
	m.record("behavior", l.persona.Name, attrs)
	m.persist(l.st)
}

func (m *Manager) onChat(l *live, ev game.Event) {
	l.st.Touch()
	m.logger.Printf("%s: <%s> %s", l.persona.Name, ev.User, ev.Message)
	me := l.conn.Username()
	if !m.cfg.Chat.Reply || ev.User == "" || strings.EqualFold(ev.User, me) {
		return
	}
	if !strings.Contains(strings.ToLower(ev.Message), strings.ToLower(me)) {
		return
	}
	l.mu.Lock()
	if l.selfQuit || l.ended {
		l.mu.Unlock()
		return
	}
	l.runtime.Add(1)
	l.mu.Unlock()
	go func() {
		defer l.runtime.Done()
		reply, err := m.chat.ChatReply(l.ctx, decision.ChatInput{Persona: l.persona.Name, Sender: ev.User, Message: ev.Message})
		if err != nil || l.ctx.Err() != nil {
			return
		}
		if err := l.conn.Chat(reply); err != nil {
			m.logger.Printf("%s: chat reply: %v", l.persona.Name, err)
		}
	}()
}

// terminal handles the first terminal event of l. Unless the session was
// ended locally or a switch is already underway, it schedules exactly one
// switch to the next persona after the reconnect delay.
func (m *Manager) terminal(l *live, ev game.Event) {
	l.endOnce.Do(func() {
		l.mu.Lock()
		l.ended = true
		self := l.selfQuit
		l.mu.Unlock()
		l.cancel()

		name := l.persona.Name
		reason := ev.Reason
		if ev.Err != nil && reason == "" {
			reason = ev.Err.Error()
		}
		m.record(ev.Kind.String(), name, map[string]any{"reason": reason, "session": l.id})
		if self || reason == game.ReasonSwitch || reason == game.ReasonShutdown {
			return
		}
		m.logger.Printf("%s: %s (%s)", name, ev.Kind, reason)
		if m.Switching() {
			return
		}
		m.goAfter(m.cfg.Switch.ReconnectDelay, func() {
			m.mu.Lock()
			current := m.live == l
			m.mu.Unlock()
			if !current {
				return
			}
			m.SwitchToNext(m.ctx)
		})
	})
}
