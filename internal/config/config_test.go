package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dualbot.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	p := writeYAML(t, `
server:
  host: mc.example.net
  port: 25565
switch:
  min_interval: 1m
  max_interval: 2m
  retry_policy: same
sleep:
  remove_placed_bed: true
  night_start: 0.5
home: [1, 64, -2]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "mc.example.net" || cfg.Server.Port != 25565 {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Switch.MinInterval != time.Minute || cfg.Switch.MaxInterval != 2*time.Minute {
		t.Fatalf("switch interval: %+v", cfg.Switch)
	}
	if cfg.Switch.SettleDelay != Defaults().Switch.SettleDelay {
		t.Fatalf("unset field lost its default: %s", cfg.Switch.SettleDelay)
	}
	if cfg.Switch.RetryPolicy != RetrySame || !cfg.Sleep.RemovePlacedBed {
		t.Fatalf("policies not applied: %+v %+v", cfg.Switch, cfg.Sleep)
	}
	if cfg.Sleep.NightEnd != 0.98 {
		t.Fatalf("night_end default: %g", cfg.Sleep.NightEnd)
	}
	home, ok := cfg.HomePos()
	if !ok || home != [3]float64{1, 64, -2} {
		t.Fatalf("home: %v %v", home, ok)
	}
	if len(cfg.Personas) != 2 || cfg.Personas[0].Name != "Builder" {
		t.Fatalf("personas: %+v", cfg.Personas)
	}
}

func TestLoadSchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "bogus: 1\n",
		"bad duration":     "switch:\n  min_interval: soon\n",
		"bad policy":       "switch:\n  retry_policy: random\n",
		"one persona":      "personas:\n  - name: Solo\n",
		"night fraction":   "sleep:\n  night_start: 1.5\n",
		"numeric duration": "nav:\n  timeout: 30\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeYAML(t, body)); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestValidateSemantic(t *testing.T) {
	cfg := Defaults()
	cfg.Personas[1].Name = "builder"
	cfg.Switch.MaxInterval = time.Second
	cfg.Scheduler.Weights = Weights{Chest: 1}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"duplicate name", "switch: interval", "sum to zero"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("missing %q in %q", want, msg)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DUALBOT_HOST":     "play.example.org",
		"DUALBOT_PORT":     "25570",
		"DUALBOT_VERSION":  "1.20.4",
		"DUALBOT_AUTH":     "microsoft",
		"BUILDER_USERNAME": "CraftMan",
		"FIGHTER_USERNAME": "HeroBrine",
		"FIGHTER_TOKEN":    "secret",
	}
	cfg := Defaults()
	cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if cfg.Server.Host != "play.example.org" || cfg.Server.Port != 25570 || cfg.Server.Version != "1.20.4" || cfg.Server.Auth != "microsoft" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Personas[0].Username != "CraftMan" || cfg.Personas[1].Username != "HeroBrine" || cfg.Personas[1].Token != "secret" {
		t.Fatalf("personas: %+v", cfg.Personas)
	}
}

func TestApplyEnvIgnoresBadPort(t *testing.T) {
	cfg := Defaults()
	cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "DUALBOT_PORT" {
			return "not-a-port", true
		}
		return "", false
	})
	if cfg.Server.Port != Defaults().Server.Port {
		t.Fatalf("port changed: %d", cfg.Server.Port)
	}
}

func TestEnvKey(t *testing.T) {
	if got := envKey("Hero Brine-2"); got != "HERO_BRINE_2" {
		t.Fatalf("envKey: %q", got)
	}
}
