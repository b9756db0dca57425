package health

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dualbot.ai/internal/lifecycle"
)

type fixed lifecycle.Status

func (f fixed) Status() lifecycle.Status { return lifecycle.Status(f) }

func newServer(st lifecycle.Status, now time.Time) *httptest.Server {
	s := New(fixed(st), log.New(io.Discard, "", 0))
	s.now = func() time.Time { return now }
	srv := httptest.NewServer(s.Handler())
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthz(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := newServer(lifecycle.Status{Persona: "Fighter", Phase: lifecycle.PhaseOnline}, now)
	defer srv.Close()

	code, body := get(t, srv.URL+"/healthz")
	if code != http.StatusOK {
		t.Fatalf("code: %d", code)
	}
	var h map[string]any
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatalf("json: %v", err)
	}
	if h["status"] != "healthy" || h["service"] != "dualbot" || h["persona"] != "Fighter" || h["phase"] != "online" {
		t.Fatalf("healthz: %v", h)
	}
	if h["timestamp"] != "2026-05-01T12:00:00Z" {
		t.Fatalf("timestamp: %v", h["timestamp"])
	}
}

func TestStatusHumanized(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := newServer(lifecycle.Status{
		Persona:   "Builder",
		Phase:     lifecycle.PhaseOnline,
		SessionID: "s-1",
		Activity:  "exploring",
		Switches:  1234,
		Started:   now.Add(-3 * time.Hour),
		Since:     now.Add(-5 * time.Minute),
	}, now)
	defer srv.Close()

	_, body := get(t, srv.URL+"/status")
	var st map[string]any
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st["uptime"] != "3 hours" || st["online_for"] != "5 minutes" || st["switch_count"] != "1,234" {
		t.Fatalf("humanized: %v", st)
	}
	if st["activity"] != "exploring" || st["session_id"] != "s-1" {
		t.Fatalf("status fields: %v", st)
	}
}

func TestMetricsAndIndex(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := newServer(lifecycle.Status{Phase: lifecycle.PhaseBackoff, Switches: 3, Started: now.Add(-time.Minute)}, now)
	defer srv.Close()

	_, metrics := get(t, srv.URL+"/metrics")
	for _, want := range []string{`dualbot_online{persona=""} 0`, "dualbot_switches_total 3", "dualbot_uptime_seconds 60"} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("metrics missing %q:\n%s", want, metrics)
		}
	}
	code, index := get(t, srv.URL+"/")
	if code != http.StatusOK || !strings.Contains(index, "/healthz") || !strings.Contains(index, "/status") {
		t.Fatalf("index: %d %s", code, index)
	}
	if code, _ := get(t, srv.URL+"/nope"); code != http.StatusNotFound {
		t.Fatalf("unknown path: %d", code)
	}
}
