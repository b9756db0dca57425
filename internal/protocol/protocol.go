// Package protocol defines the JSON messages exchanged with the voxel world
// server over a websocket: HELLO/WELCOME/CATALOG during the handshake, then
// OBS (server to client), ACT (client to server) and ACK.
package protocol

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeCatalog = "CATALOG"
	TypeObs     = "OBS"
	TypeAct     = "ACT"
	TypeAck     = "ACK"
	TypeBye     = "BYE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

var supportedVersions = map[string]struct{}{"0.9": {}, Version: {}}

func IsSupportedVersion(v string) bool {
	_, ok := supportedVersions[v]
	return ok
}

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

// Schema returns the compiled JSON schema for a message type, e.g. "act".
func Schema(name string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}
	raw, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("protocol: unknown schema %q", name)
	}
	s, err := jsonschema.CompileString("https://dualbot.ai/schemas/"+name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("protocol: compile %s: %w", name, err)
	}
	schemaCache[name] = s
	return s, nil
}

// Validate checks a raw message against the schema of its type.
func Validate(raw []byte) error {
	base, err := DecodeBase(raw)
	if err != nil {
		return err
	}
	var name string
	switch base.Type {
	case TypeHello:
		name = "hello"
	case TypeAct:
		name = "act"
	case TypeObs:
		name = "obs"
	default:
		return fmt.Errorf("protocol: no schema for %q", base.Type)
	}
	s, err := Schema(name)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
