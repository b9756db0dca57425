package game

import (
	"fmt"
	"math"
)

// Vec3 is a world position. Block coordinates are whole numbers.
type Vec3 struct{ X, Y, Z float64 }

func V(x, y, z float64) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Offset(dx, dy, dz float64) Vec3 {
	return Vec3{v.X + dx, v.Y + dy, v.Z + dz}
}

func (v Vec3) Distance(o Vec3) float64 {
	d := v.Sub(o)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}

// HorizontalDistance ignores the Y axis.
func (v Vec3) HorizontalDistance(o Vec3) float64 {
	dx, dz := v.X-o.X, v.Z-o.Z
	return math.Sqrt(dx*dx + dz*dz)
}

// Floored returns the block cell containing v.
func (v Vec3) Floored() Vec3 {
	return Vec3{math.Floor(v.X), math.Floor(v.Y), math.Floor(v.Z)}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.1f,%.1f,%.1f)", v.X, v.Y, v.Z)
}

// Ints returns the floored coordinates as a wire triple.
func (v Vec3) Ints() [3]int {
	f := v.Floored()
	return [3]int{int(f.X), int(f.Y), int(f.Z)}
}

func FromInts(p [3]int) Vec3 { return Vec3{float64(p[0]), float64(p[1]), float64(p[2])} }

// Up is the face vector used when placing on top of a reference block.
var Up = Vec3{0, 1, 0}

type Block struct {
	Name string
	Pos  Vec3
}

func (b Block) IsAir() bool { return b.Name == "" || b.Name == "AIR" || b.Name == "air" }

type ItemStack struct {
	Name  string
	Count int
}

type Entity struct {
	ID       string
	Name     string
	Kind     string
	Pos      Vec3
	Health   float64
	Hostile  bool
	Alive    bool
	Username string
}

type GameMode string

const (
	ModeSurvival  GameMode = "survival"
	ModeCreative  GameMode = "creative"
	ModeAdventure GameMode = "adventure"
	ModeSpectator GameMode = "spectator"
)

// Control is a movement input the agent can hold down.
type Control string

const (
	ControlJump    Control = "jump"
	ControlSneak   Control = "sneak"
	ControlForward Control = "forward"
)

type GoalKind int

const (
	GoalNear GoalKind = iota + 1
	GoalBlock
)

// Goal is a movement target handed to a Navigator.
type Goal struct {
	Kind   GoalKind
	Pos    Vec3
	Radius float64
}

func NearGoal(pos Vec3, radius float64) *Goal { return &Goal{Kind: GoalNear, Pos: pos, Radius: radius} }

// BlockGoal asks to stand adjacent to the block at pos.
func BlockGoal(pos Vec3) *Goal { return &Goal{Kind: GoalBlock, Pos: pos, Radius: 1.5} }

func (g Goal) Reached(pos Vec3) bool {
	r := g.Radius
	if r <= 0 {
		r = 1
	}
	return pos.Distance(g.Pos) <= r
}
