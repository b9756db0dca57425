// Package game defines the capabilities the bot consumes from the game
// connection and movement solver. Concrete implementations live in
// internal/transport; tests use in-memory fakes.
package game

import (
	"context"
	"errors"
	"time"
)

// Disconnect reasons written by the bot itself. An end event carrying one of
// these was initiated locally.
const (
	ReasonSwitch   = "persona switch"
	ReasonShutdown = "shutdown"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrRejected     = errors.New("action rejected")
	// ErrNotNight accompanies ErrRejected when the server refuses sleep
	// outside the night window.
	ErrNotNight     = errors.New("not night")
)

type EventKind int

const (
	EventSpawn EventKind = iota + 1
	EventEnd
	EventKicked
	EventError
	EventDeath
	EventChat
	EventSleep
	EventWake
)

func (k EventKind) String() string {
	switch k {
	case EventSpawn:
		return "spawn"
	case EventEnd:
		return "end"
	case EventKicked:
		return "kicked"
	case EventError:
		return "error"
	case EventDeath:
		return "death"
	case EventChat:
		return "chat"
	case EventSleep:
		return "sleep"
	case EventWake:
		return "wake"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Reason  string
	Err     error
	Fatal   bool
	User    string
	Message string
	Pos     Vec3
}

// Terminal reports whether the event ends the connection.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventEnd, EventKicked:
		return true
	case EventError:
		return e.Fatal
	}
	return false
}

// Persona carries the connection parameters of one agent identity.
type Persona struct {
	Name     string
	Username string
	Host     string
	Port     int
	Version  string
	Auth     string
	Token    string
}

type Dialer interface {
	Dial(ctx context.Context, p Persona) (Conn, error)
}

// Conn is one live connection to the game server.
type Conn interface {
	// Events is closed after the terminal event has been delivered.
	Events() <-chan Event

	Username() string

	Chat(msg string) error
	SetControl(c Control, on bool) error
	Look(yaw, pitch float64) error
	LookAt(pos Vec3) error
	SwingArm() error
	Equip(item string) error
	Attack(entityID string) error
	Dig(pos Vec3) error
	PlaceBlock(ref Vec3, face Vec3) error
	OpenContainer(pos Vec3) (Container, error)
	Sleep(bed Vec3) error
	// GrantItem injects an item into the hotbar; privileged mode only.
	GrantItem(item string, count int) error
	Quit(reason string) error
	Navigator() Navigator

	Position() (Vec3, bool)
	// TimeOfDay is the fraction of the day cycle in [0,1).
	TimeOfDay() float64
	GameMode() GameMode
	Inventory() []ItemStack
	HeldItem() string
	Entities() []Entity
	Entity(id string) (Entity, bool)
	BlockAt(pos Vec3) (Block, bool)
	FindBlocks(match func(name string) bool, center Vec3, radius float64, max int) []Block
	LastTraffic() time.Time
}

type Container interface {
	Deposit(item string, count int) error
	Withdraw(item string, count int) error
	Close() error
}

// Navigator resolves spatial goals into movement. A nil goal stops movement.
type Navigator interface {
	SetGoal(g *Goal) error
}
