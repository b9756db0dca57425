package protocol

type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`

	World     WorldObs     `json:"world"`
	Self      SelfObs      `json:"self"`
	Inventory []ItemStack  `json:"inventory"`
	Equipment EquipmentObs `json:"equipment"`

	Voxels   VoxelsObs   `json:"voxels"`
	Entities []EntityObs `json:"entities"`
	Events   []Event     `json:"events"`
	Tasks    []TaskObs   `json:"tasks"`
}

type WorldObs struct {
	TimeOfDay float64 `json:"time_of_day"` // 0..1
	Weather   string  `json:"weather,omitempty"`
}

type SelfObs struct {
	Pos      [3]float64 `json:"pos"`
	Yaw      float64    `json:"yaw"`
	Pitch    float64    `json:"pitch"`
	HP       int        `json:"hp"`
	GameMode string     `json:"game_mode"`
	Sleeping bool       `json:"sleeping,omitempty"`
}

type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type EquipmentObs struct {
	MainHand string `json:"main_hand"`
}

// Voxel encodings. FULL replaces every cell within radius of center; DELTA
// patches individual cells.
const (
	VoxelsFull  = "FULL"
	VoxelsDelta = "DELTA"
)

type VoxelsObs struct {
	Center   [3]int         `json:"center"`
	Radius   int            `json:"radius"`
	Encoding string         `json:"encoding"`
	Ops      []VoxelDeltaOp `json:"ops,omitempty"`
}

type VoxelDeltaOp struct {
	D [3]int `json:"d"` // delta from center (dx,dy,dz)
	B uint16 `json:"b"` // block palette id, 0 is air
}

type EntityObs struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"` // "PLAYER", "MOB", "ITEM"
	Name     string     `json:"name"`
	Username string     `json:"username,omitempty"`
	Pos      [3]float64 `json:"pos"`
	HP       float64    `json:"hp"`
	Tags     []string   `json:"tags,omitempty"` // "HOSTILE", "DEAD"
}

// Event is one server notification carried in an OBS. The "type" key
// selects the shape.
type Event map[string]any

// Event types.
const (
	EventSpawn  = "SPAWN"
	EventDeath  = "DEATH"
	EventChat   = "CHAT"
	EventSleep  = "SLEEP"
	EventWake   = "WAKE"
	EventKicked = "KICKED"
	EventError  = "ERROR"
)

func (e Event) Kind() string { return e.str("type") }

func (e Event) str(key string) string {
	s, _ := e[key].(string)
	return s
}

// Text returns a string field of the event, or "".
func (e Event) Text(key string) string { return e.str(key) }

func (e Event) Bool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// Pos decodes a [x,y,z] number array field.
func (e Event) Pos(key string) ([3]float64, bool) {
	raw, ok := e[key].([]any)
	if !ok || len(raw) != 3 {
		return [3]float64{}, false
	}
	var out [3]float64
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return [3]float64{}, false
		}
		out[i] = f
	}
	return out, true
}

type TaskObs struct {
	TaskID   string  `json:"task_id"`
	Kind     string  `json:"kind"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status,omitempty"` // "RUNNING", "DONE", "FAILED"
}

// ACT (client -> server)
type ActMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	AgentID         string       `json:"agent_id"`
	Instants        []InstantReq `json:"instants,omitempty"`
	Tasks           []TaskReq    `json:"tasks,omitempty"`
	Cancel          []string     `json:"cancel,omitempty"`
}

// Instant types.
const (
	InstantSay      = "SAY"
	InstantControl  = "CONTROL"
	InstantLook     = "LOOK"
	InstantLookAt   = "LOOK_AT"
	InstantSwing    = "SWING"
	InstantEquip    = "EQUIP"
	InstantAttack   = "ATTACK"
	InstantMine     = "MINE"
	InstantPlace    = "PLACE"
	InstantOpen     = "OPEN"
	InstantDeposit  = "DEPOSIT"
	InstantWithdraw = "WITHDRAW"
	InstantClose    = "CLOSE"
	InstantSleep    = "SLEEP"
	InstantGrant    = "GRANT"
)

type InstantReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Control string `json:"control,omitempty"`
	On      bool   `json:"on,omitempty"`

	Yaw    float64     `json:"yaw,omitempty"`
	Pitch  float64     `json:"pitch,omitempty"`
	LookAt *[3]float64 `json:"look_at,omitempty"`

	ItemID   string `json:"item_id,omitempty"`
	Count    int    `json:"count,omitempty"`
	TargetID string `json:"target_id,omitempty"`

	BlockPos *[3]int `json:"block_pos,omitempty"`
	Face     *[3]int `json:"face,omitempty"`
}

// Task types.
const TaskMoveTo = "MOVE_TO"

type TaskReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Target    [3]float64 `json:"target"`
	Tolerance float64    `json:"tolerance,omitempty"`
}
