package session

import (
	"fmt"
	"sync"
	"time"

	"dualbot.ai/internal/game"
)

// Profile selects which persona-specific duties apply. Personas differ only
// in this data.
type Profile struct {
	EnforceMode game.GameMode
	Combat      bool
	Chest       bool
}

type Persona struct {
	game.Persona
	Profile Profile
}

// Registry owns one State per persona and tracks which persona is active.
type Registry struct {
	mu       sync.Mutex
	personas []Persona
	states   map[string]*State
	active   string
}

func NewRegistry(personas []Persona, now func() time.Time) (*Registry, error) {
	if len(personas) == 0 {
		return nil, fmt.Errorf("session: no personas")
	}
	r := &Registry{states: make(map[string]*State, len(personas))}
	for _, p := range personas {
		if _, dup := r.states[p.Name]; dup {
			return nil, fmt.Errorf("session: duplicate persona %q", p.Name)
		}
		r.personas = append(r.personas, p)
		r.states[p.Name] = NewState(p.Name, now)
	}
	return r, nil
}

func (r *Registry) Personas() []Persona {
	return append([]Persona(nil), r.personas...)
}

func (r *Registry) Persona(name string) (Persona, bool) {
	for _, p := range r.personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}

func (r *Registry) State(name string) *State { return r.states[name] }

func (r *Registry) SetActive(name string) {
	r.mu.Lock()
	r.active = name
	r.mu.Unlock()
}

func (r *Registry) ClearActive() { r.SetActive("") }

func (r *Registry) ActiveName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Active returns the active persona and its state.
func (r *Registry) Active() (Persona, *State, bool) {
	name := r.ActiveName()
	if name == "" {
		return Persona{}, nil, false
	}
	p, ok := r.Persona(name)
	if !ok {
		return Persona{}, nil, false
	}
	return p, r.states[name], true
}

// Next returns the persona after name in configuration order, wrapping
// around. An unknown or empty name yields the first persona.
func (r *Registry) Next(name string) Persona {
	for i, p := range r.personas {
		if p.Name == name {
			return r.personas[(i+1)%len(r.personas)]
		}
	}
	return r.personas[0]
}
