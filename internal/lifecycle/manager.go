// Package lifecycle owns the single live game session. It activates one
// persona at a time, swaps personas on a jittered timer or after a
// disconnect, retries failed dials with exponential backoff and wires game
// events into the persona state.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/decision"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
)

type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseConnecting Phase = "connecting"
	PhaseOnline     Phase = "online"
	PhaseSwitching  Phase = "switching"
	PhaseBackoff    Phase = "backoff"
	PhaseStopped    Phase = "stopped"
)

// Store persists persona state; statestore.Store satisfies it.
type Store interface {
	Save(snap session.Snapshot)
}

// Recorder receives journal entries; journal.Writer satisfies it.
type Recorder interface {
	Record(kind, persona string, attrs map[string]any)
}

type Env struct {
	Registry *session.Registry
	Dialer   game.Dialer
	Config   config.Config
	Catalog  *catalogs.Catalog
	Rand     *randx.Source
	// Decision answers behavior choices and chat; nil uses the built-in
	// defaults.
	Decision decision.Provider
	Store    Store
	Journal  Recorder
	Logger   *log.Logger
}

type Status struct {
	Persona   string    `json:"persona"`
	Phase     Phase     `json:"phase"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Activity  string    `json:"activity"`
	Switches  int       `json:"switches"`
	Started   time.Time `json:"started"`
}

// Personas converts the configured identities into registry personas,
// filling connection parameters from the server section.
func Personas(cfg config.Config) []session.Persona {
	out := make([]session.Persona, 0, len(cfg.Personas))
	for _, p := range cfg.Personas {
		out = append(out, session.Persona{
			Persona: game.Persona{
				Name:     p.Name,
				Username: p.Username,
				Host:     cfg.Server.Host,
				Port:     cfg.Server.Port,
				Version:  cfg.Server.Version,
				Auth:     cfg.Server.Auth,
				Token:    p.Token,
			},
			Profile: session.Profile{
				EnforceMode: game.GameMode(p.EnforceMode),
				Combat:      p.Combat,
				Chest:       p.Chest,
			},
		})
	}
	return out
}

type Manager struct {
	reg      *session.Registry
	dialer   game.Dialer
	cfg      config.Config
	cat      *catalogs.Catalog
	rnd      *randx.Source
	provider decision.Provider
	chat     *decision.Bounded
	store    Store
	journal  Recorder
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	switching bool
	retrying  bool
	stopped   bool
	live      *live
	phase     Phase
	since     time.Time
	switches  int
	started   time.Time
	retry     *backoff.ExponentialBackOff
}

func New(env Env) *Manager {
	m := &Manager{
		reg:     env.Registry,
		dialer:  env.Dialer,
		cfg:     env.Config,
		cat:     env.Catalog,
		rnd:     env.Rand,
		store:   env.Store,
		journal: env.Journal,
		logger:  env.Logger,
		phase:   PhaseStarting,
		started: time.Now(),
	}
	if m.cat == nil {
		m.cat = catalogs.Default()
	}
	if m.rnd == nil {
		m.rnd = randx.NewTime()
	}
	if m.logger == nil {
		m.logger = log.New(log.Writer(), "[lifecycle] ", log.LstdFlags|log.Lmicroseconds)
	}
	m.provider = env.Decision
	m.chat = decision.NewBounded(env.Decision, decision.NewDefault(m.rnd, nil, m.cfg.Chat.Templates), m.cfg.Chat.Timeout, m.child("[decision] "))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.since = m.started

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.Switch.BackoffInitial
	b.MaxInterval = m.cfg.Switch.BackoffMax
	b.Reset()
	m.retry = b

	if home, ok := m.cfg.HomePos(); ok {
		for _, p := range m.reg.Personas() {
			m.reg.State(p.Name).SetHome(game.V(home[0], home[1], home[2]))
		}
	}
	return m
}

func (m *Manager) child(prefix string) *log.Logger {
	return log.New(m.logger.Writer(), prefix, m.logger.Flags())
}

func (m *Manager) record(kind, persona string, attrs map[string]any) {
	if m.journal != nil {
		m.journal.Record(kind, persona, attrs)
	}
}

func (m *Manager) persist(st *session.State) {
	if m.store != nil {
		m.store.Save(st.Snapshot())
	}
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// Switching reports whether a switch or a dial retry is in progress.
func (m *Manager) Switching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switching || m.retrying
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Phase:    m.phase,
		Since:    m.since,
		Switches: m.switches,
		Started:  m.started,
		Activity: session.Idle.String(),
	}
	l := m.live
	m.mu.Unlock()
	if l != nil {
		s.Persona = l.persona.Name
		s.SessionID = l.id
		s.Activity = l.st.Activity().String()
	}
	return s
}

// goAfter runs f after d unless the manager stops first. It reports false
// when the manager is already stopped.
func (m *Manager) goAfter(d time.Duration, f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-m.ctx.Done():
		case <-t.C:
			f()
		}
	}()
	return true
}

// StartCycle activates the first persona and arms the recurring switch
// timer. The timer re-draws its interval every round and skips rounds
// that find a switch in progress.
func (m *Manager) StartCycle(ctx context.Context) {
	personas := m.reg.Personas()
	m.SwitchTo(ctx, personas[0].Name)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		c := m.cfg.Switch
		for {
			d := m.rnd.Delay(c.MinInterval, c.MaxInterval)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-m.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if m.Switching() {
				m.logger.Printf("scheduled switch skipped: switch in progress")
				continue
			}
			m.logger.Printf("scheduled switch after %s", d.Round(time.Second))
			m.SwitchToNext(m.ctx)
		}
	}()
}

// SwitchToNext switches to the persona after the active one.
func (m *Manager) SwitchToNext(ctx context.Context) bool {
	return m.SwitchTo(ctx, m.reg.Next(m.reg.ActiveName()).Name)
}

// SwitchTo replaces the live session with one for persona name. A request
// made while another switch or a dial retry is pending is dropped and
// reports false.
func (m *Manager) SwitchTo(ctx context.Context, name string) bool {
	return m.begin(ctx, name, false)
}

// begin runs one switch. retry marks the backoff retry scheduled by a
// failed dial; only it may proceed while the retry is pending, and only if
// no session went live in the meantime.
func (m *Manager) begin(ctx context.Context, name string, retry bool) bool {
	p, ok := m.reg.Persona(name)
	if !ok {
		m.logger.Printf("switch to unknown persona %q ignored", name)
		return false
	}

	m.mu.Lock()
	if retry {
		m.retrying = false
	}
	if m.switching || m.retrying || m.stopped || (retry && m.live != nil) {
		m.mu.Unlock()
		m.logger.Printf("switch to %s dropped: switch in progress or stopped", name)
		return false
	}
	m.switching = true
	m.phase = PhaseSwitching
	old := m.live
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	retryTo, delay, failed := m.switchTo(ctx, p, old)

	m.mu.Lock()
	m.switching = false
	m.retrying = failed
	if failed {
		m.phase = PhaseBackoff
	}
	m.mu.Unlock()

	if failed {
		m.logger.Printf("retrying with %s in %s", retryTo, delay.Round(time.Millisecond))
		m.goAfter(delay, func() { m.begin(m.ctx, retryTo, true) })
	}
	return true
}

// switchTo does the work of a switch while the switching flag is held. On a
// failed dial it returns the persona and delay to retry with.
func (m *Manager) switchTo(ctx context.Context, p session.Persona, old *live) (string, time.Duration, bool) {
	from := ""
	if old != nil {
		from = old.persona.Name
		m.logger.Printf("switching %s -> %s", from, p.Name)
		m.teardown(old, game.ReasonSwitch)
		if err := wait(ctx, m.cfg.Switch.SettleDelay); err != nil {
			return "", 0, false
		}
	} else {
		m.logger.Printf("activating %s", p.Name)
	}

	m.setPhase(PhaseConnecting)
	conn, err := m.dialer.Dial(ctx, p.Persona)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, false
		}
		next := p.Name
		if m.cfg.Switch.RetryPolicy != config.RetrySame {
			next = m.reg.Next(p.Name).Name
		}
		m.mu.Lock()
		delay := m.retry.NextBackOff()
		m.mu.Unlock()
		m.logger.Printf("connect %s: %v", p.Name, err)
		m.record("dial_error", p.Name, map[string]any{"error": err.Error(), "retry": next})
		return next, delay, true
	}

	l := newLive(uuid.NewString(), p, conn, m.reg.State(p.Name))
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Quit(game.ReasonShutdown)
		return "", 0, false
	}
	m.retry.Reset()
	m.live = l
	m.switches++
	m.since = time.Now()
	m.wg.Add(1)
	m.mu.Unlock()
	m.reg.SetActive(p.Name)

	m.logger.Printf("%s connected as %s (session %s)", p.Name, conn.Username(), l.id)
	m.record("switch", p.Name, map[string]any{"from": from, "session": l.id})
	go func() {
		defer m.wg.Done()
		m.pump(l)
	}()
	return "", 0, false
}

// Shutdown stops the switch timer, ends the live session and waits for
// every goroutine the manager started. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	l := m.live
	m.mu.Unlock()
	m.cancel()

	if l != nil {
		m.teardown(l, game.ReasonShutdown)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.mu.Lock()
	// A switch racing with shutdown may have installed a new session.
	l = m.live
	m.mu.Unlock()
	if l != nil {
		m.teardown(l, game.ReasonShutdown)
	}
	m.setPhase(PhaseStopped)
	m.logger.Printf("lifecycle stopped")
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
