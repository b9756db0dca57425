package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

//go:embed default.json
var defaultJSON []byte

// Catalog is the static game data the routines consult. Names compare
// case-insensitively so palette ids like "STONE" resolve as "stone".
type Catalog struct {
	Digest string

	items      []string
	index      map[string]uint16
	beds       []string
	bedSet     map[string]bool
	hostile    map[string]bool
	weapons    []string
	placeable  []string
	diggable   map[string]bool
	nonSolid   map[string]bool
	containers map[string]bool
}

type file struct {
	Items       []string `json:"items"`
	Beds        []string `json:"beds"`
	HostileMobs []string `json:"hostile_mobs"`
	Weapons     []string `json:"weapons"`
	Placeable   []string `json:"placeable"`
	Diggable    []string `json:"diggable"`
	NonSolid    []string `json:"non_solid"`
	Containers  []string `json:"containers"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse(defaultJSON, nil)
	if err != nil {
		panic(fmt.Sprintf("catalogs: embedded default: %v", err))
	}
	return c
}

// Load reads a catalog file. Sections it omits keep their built-in values.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := parse(raw, Default())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func parse(raw []byte, base *Catalog) (*Catalog, error) {
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if base != nil {
		fill(&f.Items, base.items)
		fill(&f.Beds, base.beds)
		fill(&f.HostileMobs, keys(base.hostile))
		fill(&f.Weapons, base.weapons)
		fill(&f.Placeable, base.placeable)
		fill(&f.Diggable, keys(base.diggable))
		fill(&f.NonSolid, keys(base.nonSolid))
		fill(&f.Containers, keys(base.containers))
	}
	if len(f.Items) == 0 {
		return nil, fmt.Errorf("catalog: no items")
	}
	if len(f.Beds) == 0 {
		return nil, fmt.Errorf("catalog: no beds")
	}

	c := &Catalog{
		beds:       lower(f.Beds),
		weapons:    lower(f.Weapons),
		placeable:  lower(f.Placeable),
		bedSet:     set(f.Beds),
		hostile:    set(f.HostileMobs),
		diggable:   set(f.Diggable),
		nonSolid:   set(f.NonSolid),
		containers: set(f.Containers),
	}

	ids := lower(f.Items)
	sort.Strings(ids)
	ids = dedupe(ids)
	c.items = ids
	c.index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		c.index[id] = uint16(i)
	}
	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])
	return c, nil
}

func norm(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimPrefix(name, "minecraft:")
}

func (c *Catalog) ItemID(name string) (uint16, bool) {
	id, ok := c.index[norm(name)]
	return id, ok
}

// ItemName is the inverse of ItemID.
func (c *Catalog) ItemName(id uint16) (string, bool) {
	if int(id) >= len(c.items) {
		return "", false
	}
	return c.items[id], true
}

func (c *Catalog) IsBed(name string) bool       { return c.bedSet[norm(name)] }
func (c *Catalog) IsHostile(name string) bool   { return c.hostile[norm(name)] }
func (c *Catalog) IsContainer(name string) bool { return c.containers[norm(name)] }
func (c *Catalog) Diggable(name string) bool    { return c.diggable[norm(name)] }

// IsSolid reports whether a block can carry another block or a bed.
func (c *Catalog) IsSolid(name string) bool {
	n := norm(name)
	if n == "" || c.nonSolid[n] || c.bedSet[n] {
		return false
	}
	return true
}

// Weapons lists weapon items best first.
func (c *Catalog) Weapons() []string { return append([]string(nil), c.weapons...) }

// Placeable lists blocks the build routine may place, in preference order.
func (c *Catalog) Placeable() []string { return append([]string(nil), c.placeable...) }

func (c *Catalog) Beds() []string { return append([]string(nil), c.beds...) }

func fill(dst *[]string, base []string) {
	if len(*dst) == 0 {
		*dst = base
	}
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := norm(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func set(in []string) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, s := range lower(in) {
		m[s] = true
	}
	return m
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
