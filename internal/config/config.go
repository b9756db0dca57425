// Package config loads the YAML configuration, applies environment
// overrides and validates the result against an embedded JSON schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const (
	RetryAlternate = "alternate"
	RetrySame      = "same"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Personas  []Persona `yaml:"personas"`
	Home      []float64 `yaml:"home"`
	Switch    Switch    `yaml:"switch"`
	Explore   Explore   `yaml:"explore"`
	Build     Build     `yaml:"build"`
	Idle      Idle      `yaml:"idle"`
	Chest     Chest     `yaml:"chest"`
	Combat    Combat    `yaml:"combat"`
	Nav       Nav       `yaml:"nav"`
	Sleep     Sleep     `yaml:"sleep"`
	Scheduler Scheduler `yaml:"scheduler"`
	Monitors  Monitors  `yaml:"monitors"`
	Chat      Chat      `yaml:"chat"`
	State     State     `yaml:"state"`
	Journal   Journal   `yaml:"journal"`
	Health    Health    `yaml:"health"`
	Catalog   string    `yaml:"catalog"`
}

type Server struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	Version string `yaml:"version"`
	Auth    string `yaml:"auth"`
}

type Persona struct {
	Name        string `yaml:"name"`
	Username    string `yaml:"username"`
	Token       string `yaml:"token"`
	EnforceMode string `yaml:"enforce_mode"`
	Combat      bool   `yaml:"combat"`
	Chest       bool   `yaml:"chest"`
}

type Switch struct {
	MinInterval    time.Duration `yaml:"min_interval"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	StartDelay     time.Duration `yaml:"start_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	RetryPolicy    string        `yaml:"retry_policy"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type Explore struct {
	MinStops   int           `yaml:"min_stops"`
	MaxStops   int           `yaml:"max_stops"`
	MinRadius  float64       `yaml:"min_radius"`
	MaxRadius  float64       `yaml:"max_radius"`
	LookChance float64       `yaml:"look_chance"`
	PauseMin   time.Duration `yaml:"pause_min"`
	PauseMax   time.Duration `yaml:"pause_max"`
}

type Build struct {
	MinIterations int           `yaml:"min_iterations"`
	MaxIterations int           `yaml:"max_iterations"`
	GrantCount    int           `yaml:"grant_count"`
	Pause         time.Duration `yaml:"pause"`
}

type Idle struct {
	MinLooks int           `yaml:"min_looks"`
	MaxLooks int           `yaml:"max_looks"`
	PauseMin time.Duration `yaml:"pause_min"`
	PauseMax time.Duration `yaml:"pause_max"`
}

type Stack struct {
	Item  string `yaml:"item"`
	Count int    `yaml:"count"`
}

type Chest struct {
	Enabled      bool    `yaml:"enabled"`
	SearchRadius float64 `yaml:"search_radius"`
	Reach        float64 `yaml:"reach"`
	Deposit      []Stack `yaml:"deposit"`
	Withdraw     []Stack `yaml:"withdraw"`
}

type Combat struct {
	DetectRadius float64       `yaml:"detect_radius"`
	MeleeRange   float64       `yaml:"melee_range"`
	MaxRange     float64       `yaml:"max_range"`
	Timeout      time.Duration `yaml:"timeout"`
	SwingDelay   time.Duration `yaml:"swing_delay"`
}

type Nav struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Radius       float64       `yaml:"radius"`
}

type Sleep struct {
	SearchRadius    float64       `yaml:"search_radius"`
	Reach           float64       `yaml:"reach"`
	NightStart      float64       `yaml:"night_start"`
	NightEnd        float64       `yaml:"night_end"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	WakeDelay       time.Duration `yaml:"wake_delay"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RemovePlacedBed bool          `yaml:"remove_placed_bed"`
}

type Weights struct {
	Explore float64 `yaml:"explore"`
	Build   float64 `yaml:"build"`
	Idle    float64 `yaml:"idle"`
	Chest   float64 `yaml:"chest"`
}

type Scheduler struct {
	Weights         Weights       `yaml:"weights"`
	ThinkMin        time.Duration `yaml:"think_min"`
	ThinkMax        time.Duration `yaml:"think_max"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
}

type Monitors struct {
	AntiIdlePeriod  time.Duration `yaml:"anti_idle_period"`
	AntiIdleMin     time.Duration `yaml:"anti_idle_min"`
	AntiIdleMax     time.Duration `yaml:"anti_idle_max"`
	LookChance      float64       `yaml:"look_chance"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`
	KeepAliveQuiet  time.Duration `yaml:"keep_alive_quiet"`
	ModePeriod      time.Duration `yaml:"mode_period"`
	ModeRateLimit   time.Duration `yaml:"mode_rate_limit"`
	CombatPeriod    time.Duration `yaml:"combat_period"`
	NightPeriod     time.Duration `yaml:"night_period"`
}

type Chat struct {
	Reply     bool          `yaml:"reply"`
	Templates []string      `yaml:"templates"`
	Timeout   time.Duration `yaml:"timeout"`
}

type State struct {
	Path string `yaml:"path"`
}

type Journal struct {
	Dir string `yaml:"dir"`
}

type Health struct {
	Addr string `yaml:"addr"`
}

func Defaults() Config {
	return Config{
		Server: Server{Host: "localhost", Port: 8080, Path: "/v1/ws", Version: "1.0", Auth: "offline"},
		Personas: []Persona{
			{Name: "Builder", Username: "Builder", EnforceMode: "creative"},
			{Name: "Fighter", Username: "Fighter", Combat: true},
		},
		Switch: Switch{
			MinInterval:    3 * time.Minute,
			MaxInterval:    6 * time.Minute,
			SettleDelay:    2 * time.Second,
			StartDelay:     3 * time.Second,
			ReconnectDelay: 5 * time.Second,
			RetryPolicy:    RetryAlternate,
			BackoffInitial: 5 * time.Second,
			BackoffMax:     2 * time.Minute,
		},
		Explore: Explore{MinStops: 2, MaxStops: 5, MinRadius: 5, MaxRadius: 20, LookChance: 0.5, PauseMin: time.Second, PauseMax: 3 * time.Second},
		Build:   Build{MinIterations: 1, MaxIterations: 3, GrantCount: 16, Pause: 500 * time.Millisecond},
		Idle:    Idle{MinLooks: 2, MaxLooks: 5, PauseMin: 500 * time.Millisecond, PauseMax: 2 * time.Second},
		Chest:   Chest{SearchRadius: 16, Reach: 4},
		Combat: Combat{
			DetectRadius: 16,
			MeleeRange:   3,
			MaxRange:     24,
			Timeout:      30 * time.Second,
			SwingDelay:   600 * time.Millisecond,
		},
		Nav: Nav{Timeout: 20 * time.Second, PollInterval: 250 * time.Millisecond, Radius: 1.5},
		Sleep: Sleep{
			SearchRadius: 32,
			Reach:        3,
			NightStart:   0.52,
			NightEnd:     0.98,
			MaxDuration:  2 * time.Minute,
			WakeDelay:    2 * time.Second,
			RetryBackoff: time.Minute,
		},
		Scheduler: Scheduler{
			Weights:         Weights{Explore: 0.5, Build: 0.25, Idle: 0.15, Chest: 0.1},
			ThinkMin:        2 * time.Second,
			ThinkMax:        6 * time.Second,
			ErrorBackoff:    10 * time.Second,
			DecisionTimeout: 2 * time.Second,
		},
		Monitors: Monitors{
			AntiIdlePeriod:  8 * time.Second,
			AntiIdleMin:     15 * time.Second,
			AntiIdleMax:     45 * time.Second,
			LookChance:      0.1,
			KeepAlivePeriod: 15 * time.Second,
			KeepAliveQuiet:  10 * time.Second,
			ModePeriod:      10 * time.Second,
			ModeRateLimit:   30 * time.Second,
			CombatPeriod:    2 * time.Second,
			NightPeriod:     5 * time.Second,
		},
		Chat: Chat{
			Templates: []string{"hey {user}", "hi {user}!", "o/", "busy right now, {user}"},
			Timeout:   3 * time.Second,
		},
		Health: Health{Addr: ":8081"},
	}
}

// Load reads path over Defaults, validates it against the schema, then
// applies environment overrides and semantic checks. An empty path yields
// the defaults with overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := validateSchema(raw); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("https://dualbot.ai/schemas/config.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateSchema checks the raw YAML document. YAML is decoded generically
// and round-tripped through JSON so the validator sees JSON value types.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not JSON-representable: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return s.Validate(v)
}

// ApplyEnv overrides connection parameters from the environment:
// DUALBOT_HOST, DUALBOT_PORT, DUALBOT_VERSION, DUALBOT_AUTH and
// <PERSONA>_USERNAME / <PERSONA>_TOKEN per persona.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DUALBOT_HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("DUALBOT_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v, ok := lookup("DUALBOT_VERSION"); ok && v != "" {
		c.Server.Version = v
	}
	if v, ok := lookup("DUALBOT_AUTH"); ok && v != "" {
		c.Server.Auth = v
	}
	for i := range c.Personas {
		key := envKey(c.Personas[i].Name)
		if v, ok := lookup(key + "_USERNAME"); ok && v != "" {
			c.Personas[i].Username = v
		}
		if v, ok := lookup(key + "_TOKEN"); ok && v != "" {
			c.Personas[i].Token = v
		}
	}
}

func envKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// HomePos returns the configured fixed home, if any.
func (c Config) HomePos() ([3]float64, bool) {
	if len(c.Home) != 3 {
		return [3]float64{}, false
	}
	return [3]float64{c.Home[0], c.Home[1], c.Home[2]}, true
}

// Validate performs the checks the schema cannot express.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(c.Personas) != 2 {
		add("personas: need exactly 2, have %d", len(c.Personas))
	} else if strings.EqualFold(c.Personas[0].Name, c.Personas[1].Name) {
		add("personas: duplicate name %q", c.Personas[0].Name)
	}
	for i, p := range c.Personas {
		if p.Name == "" {
			add("personas[%d]: empty name", i)
		}
		if p.Username == "" {
			add("personas[%d]: empty username", i)
		}
	}
	if c.Server.Host == "" || c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: bad address %s:%d", c.Server.Host, c.Server.Port)
	}
	if len(c.Home) != 0 && len(c.Home) != 3 {
		add("home: need 3 coordinates, have %d", len(c.Home))
	}

	s := c.Switch
	if s.MinInterval <= 0 || s.MaxInterval < s.MinInterval {
		add("switch: interval [%s,%s] invalid", s.MinInterval, s.MaxInterval)
	}
	if s.RetryPolicy != RetryAlternate && s.RetryPolicy != RetrySame {
		add("switch.retry_policy: %q not one of alternate|same", s.RetryPolicy)
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		add("switch: backoff [%s,%s] invalid", s.BackoffInitial, s.BackoffMax)
	}

	if c.Explore.MinStops < 1 || c.Explore.MaxStops < c.Explore.MinStops {
		add("explore: stops [%d,%d] invalid", c.Explore.MinStops, c.Explore.MaxStops)
	}
	if c.Explore.MinRadius < 0 || c.Explore.MaxRadius < c.Explore.MinRadius {
		add("explore: radius [%g,%g] invalid", c.Explore.MinRadius, c.Explore.MaxRadius)
	}
	if c.Build.MinIterations < 1 || c.Build.MaxIterations < c.Build.MinIterations {
		add("build: iterations [%d,%d] invalid", c.Build.MinIterations, c.Build.MaxIterations)
	}
	if c.Idle.MinLooks < 1 || c.Idle.MaxLooks < c.Idle.MinLooks {
		add("idle: looks [%d,%d] invalid", c.Idle.MinLooks, c.Idle.MaxLooks)
	}
	if c.Combat.MeleeRange <= 0 || c.Combat.MaxRange < c.Combat.MeleeRange {
		add("combat: ranges melee=%g max=%g invalid", c.Combat.MeleeRange, c.Combat.MaxRange)
	}
	if c.Combat.Timeout <= 0 || c.Nav.Timeout <= 0 || c.Nav.PollInterval <= 0 {
		add("combat.timeout, nav.timeout and nav.poll_interval must be positive")
	}
	if c.Sleep.NightStart < 0 || c.Sleep.NightStart > 1 || c.Sleep.NightEnd < 0 || c.Sleep.NightEnd > 1 {
		add("sleep: night window [%g,%g] outside [0,1]", c.Sleep.NightStart, c.Sleep.NightEnd)
	}

	w := c.Scheduler.Weights
	if w.Explore < 0 || w.Build < 0 || w.Idle < 0 || w.Chest < 0 {
		add("scheduler.weights: negative weight")
	} else if w.Explore+w.Build+w.Idle <= 0 {
		add("scheduler.weights: explore, build and idle sum to zero")
	}
	if c.Scheduler.ThinkMax < c.Scheduler.ThinkMin {
		add("scheduler: think [%s,%s] invalid", c.Scheduler.ThinkMin, c.Scheduler.ThinkMax)
	}

	m := c.Monitors
	periods := []struct {
		name string
		d    time.Duration
	}{
		{"anti_idle_period", m.AntiIdlePeriod},
		{"keep_alive_period", m.KeepAlivePeriod},
		{"mode_period", m.ModePeriod},
		{"combat_period", m.CombatPeriod},
		{"night_period", m.NightPeriod},
	}
	for _, p := range periods {
		if p.d <= 0 {
			add("monitors.%s must be positive", p.name)
		}
	}
	if m.AntiIdleMax < m.AntiIdleMin {
		add("monitors: anti-idle threshold [%s,%s] invalid", m.AntiIdleMin, m.AntiIdleMax)
	}
	return errors.Join(errs...)
}
