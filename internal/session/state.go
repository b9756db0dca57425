// Package session keeps per-persona behavior state that survives reconnects
// and the registry that says which persona is active.
//
// Routines gain exclusive use of the agent through TryAcquire, which hands out
// a Lease stamped with a generation number. Release only clears the activity
// when the lease is still current, so a late release from an aborted routine
// can never clear work another routine has since acquired.
package session

import (
	"sync"
	"time"

	"dualbot.ai/internal/game"
)

type Activity int

const (
	Idle Activity = iota
	Exploring
	Building
	Idling
	Chest
	Fidgeting
	Sleeping
	Combat
	GoingHome
)

func (a Activity) String() string {
	switch a {
	case Idle:
		return "idle"
	case Exploring:
		return "exploring"
	case Building:
		return "building"
	case Idling:
		return "idling"
	case Chest:
		return "chest"
	case Fidgeting:
		return "fidgeting"
	case Sleeping:
		return "sleeping"
	case Combat:
		return "combat"
	case GoingHome:
		return "going_home"
	default:
		return "unknown"
	}
}

// State is the BehaviorState of one persona.
type State struct {
	mu sync.Mutex

	name     string
	now      func() time.Time
	activity Activity
	gen      uint64

	lastActivity  time.Time
	activityCount int
	deaths        int
	kills         int
	modeSwitches  int

	exploreCenter *game.Vec3
	home          *game.Vec3
	currentTarget string
	sleepRetryAt  time.Time
	monitors      int

	wake chan struct{}
}

func NewState(name string, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{name: name, now: now, lastActivity: now(), wake: make(chan struct{}, 1)}
}

func (s *State) Name() string { return s.name }

// TryAcquire claims the agent for activity a. The first caller wins; later
// callers get ok=false until the lease is released.
func (s *State) TryAcquire(a Activity) (Lease, bool) {
	if a == Idle {
		return Lease{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity != Idle {
		return Lease{}, false
	}
	s.gen++
	s.activity = a
	return Lease{st: s, gen: s.gen}, true
}

func (s *State) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Processing reports whether any routine holds the agent.
func (s *State) Processing() bool { return s.Activity() != Idle }

// Sleeping covers both heading to a bed and lying in it.
func (s *State) Sleeping() bool {
	a := s.Activity()
	return a == Sleeping || a == GoingHome
}

func (s *State) InCombat() bool { return s.Activity() == Combat }

// Reset drops any held lease. Outstanding leases become stale.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.activity = Idle
	s.currentTarget = ""
}

// Touch stamps the last activity time.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Completed records a finished behavior.
func (s *State) Completed() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.activityCount++
	s.mu.Unlock()
}

// IdleFor is the time elapsed since the last activity stamp.
func (s *State) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}

func (s *State) ExploreCenter() (game.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exploreCenter == nil {
		return game.Vec3{}, false
	}
	return *s.exploreCenter, true
}

func (s *State) Home() (game.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.home == nil {
		return game.Vec3{}, false
	}
	return *s.home, true
}

// SetHome pins the home location regardless of spawn position.
func (s *State) SetHome(p game.Vec3) {
	s.mu.Lock()
	s.home = &p
	s.mu.Unlock()
}

// EnsureAnchors derives unset explore and home anchors from a spawn
// position. It reports whether anything changed.
func (s *State) EnsureAnchors(spawn game.Vec3) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	if s.exploreCenter == nil {
		p := spawn
		s.exploreCenter = &p
		changed = true
	}
	if s.home == nil {
		p := spawn
		s.home = &p
		changed = true
	}
	return changed
}

// RecordDeath clears the explore anchor and any combat in progress.
func (s *State) RecordDeath() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deaths++
	s.exploreCenter = nil
	s.currentTarget = ""
	if s.activity == Combat {
		s.gen++
		s.activity = Idle
	}
}

func (s *State) AddKill() {
	s.mu.Lock()
	s.kills++
	s.mu.Unlock()
}

func (s *State) AddModeSwitch() {
	s.mu.Lock()
	s.modeSwitches++
	s.mu.Unlock()
}

func (s *State) SetTarget(id string) {
	s.mu.Lock()
	s.currentTarget = id
	s.mu.Unlock()
}

// SleepAllowed reports whether the sleep backoff has elapsed.
func (s *State) SleepAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.sleepRetryAt)
}

// DeferSleep blocks sleep attempts for d.
func (s *State) DeferSleep(d time.Duration) {
	s.mu.Lock()
	s.sleepRetryAt = s.now().Add(d)
	s.mu.Unlock()
}

func (s *State) MonitorStarted() {
	s.mu.Lock()
	s.monitors++
	s.mu.Unlock()
}

func (s *State) MonitorStopped() {
	s.mu.Lock()
	if s.monitors > 0 {
		s.monitors--
	}
	s.mu.Unlock()
}

func (s *State) Monitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitors
}

// Wake signals a sleeping routine that the agent woke up.
func (s *State) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WakeC delivers Wake signals.
func (s *State) WakeC() <-chan struct{} { return s.wake }

// DrainWake discards a stale wake signal.
func (s *State) DrainWake() {
	select {
	case <-s.wake:
	default:
	}
}

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	Name          string
	Activity      Activity
	LastActivity  time.Time
	ActivityCount int
	Deaths        int
	Kills         int
	ModeSwitches  int
	ExploreCenter *game.Vec3
	Home          *game.Vec3
	CurrentTarget string
	SleepRetryAt  time.Time
	Monitors      int
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:          s.name,
		Activity:      s.activity,
		LastActivity:  s.lastActivity,
		ActivityCount: s.activityCount,
		Deaths:        s.deaths,
		Kills:         s.kills,
		ModeSwitches:  s.modeSwitches,
		ExploreCenter: clone(s.exploreCenter),
		Home:          clone(s.home),
		CurrentTarget: s.currentTarget,
		SleepRetryAt:  s.sleepRetryAt,
		Monitors:      s.monitors,
	}
}

// Restore seeds the persistent fields from a stored snapshot.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityCount = snap.ActivityCount
	s.deaths = snap.Deaths
	s.kills = snap.Kills
	s.modeSwitches = snap.ModeSwitches
	s.exploreCenter = clone(snap.ExploreCenter)
	s.home = clone(snap.Home)
}

func clone(p *game.Vec3) *game.Vec3 {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Lease is proof of exclusive use of the agent. The zero Lease is invalid.
type Lease struct {
	st  *State
	gen uint64
}

// Valid reports whether the lease still holds the agent.
func (l Lease) Valid() bool {
	if l.st == nil {
		return false
	}
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return l.st.gen == l.gen && l.st.activity != Idle
}

// Release returns the agent to Idle. Releasing a stale lease is a no-op.
func (l Lease) Release() {
	if l.st == nil {
		return
	}
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if l.st.gen == l.gen {
		l.st.activity = Idle
		l.st.currentTarget = ""
	}
}

// Transition moves a held lease to another activity, e.g. GoingHome to
// Sleeping. It fails on a stale lease or a transition to Idle.
func (l Lease) Transition(a Activity) bool {
	if l.st == nil || a == Idle {
		return false
	}
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if l.st.gen != l.gen || l.st.activity == Idle {
		return false
	}
	l.st.activity = a
	return true
}
