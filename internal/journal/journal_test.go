package journal

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func newWriter(t *testing.T, now *time.Time) *Writer {
	t.Helper()
	w := New(filepath.Join(t.TempDir(), "journal"), log.New(io.Discard, "", 0))
	w.now = func() time.Time { return *now }
	return w
}

func files(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	sort.Strings(matches)
	return matches
}

func TestRecordRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	w := newWriter(t, &now)
	w.Record("switch", "Builder", map[string]any{"from": "Fighter"})
	w.Record("death", "Builder", nil)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fs := files(t, w.baseDir)
	if len(fs) != 1 || filepath.Base(fs[0]) != "activity-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files: %v", fs)
	}
	entries, err := ReadFile(fs[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].Kind != "switch" || entries[0].Persona != "Builder" || entries[0].Attrs["from"] != "Fighter" {
		t.Fatalf("first: %+v", entries[0])
	}
	if !entries[1].Time.Equal(now) || entries[1].Attrs != nil {
		t.Fatalf("second: %+v", entries[1])
	}
}

func TestHourlyRotation(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w := newWriter(t, &now)
	w.Record("spawn", "Builder", nil)
	now = now.Add(2 * time.Minute)
	w.Record("spawn", "Fighter", nil)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	fs := files(t, w.baseDir)
	if len(fs) != 2 {
		t.Fatalf("files: %v", fs)
	}
	for i, want := range []string{"Builder", "Fighter"} {
		entries, err := ReadFile(fs[i])
		if err != nil || len(entries) != 1 || entries[0].Persona != want {
			t.Fatalf("%s: %+v %v", fs[i], entries, err)
		}
	}
}

func TestAppendAcrossRestarts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := newWriter(t, &now)
	w.Record("behavior", "Builder", map[string]any{"behavior": "explore"})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2 := New(w.baseDir, log.New(io.Discard, "", 0))
	w2.now = w.now
	w2.Record("behavior", "Builder", map[string]any{"behavior": "build"})
	if err := w2.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fs := files(t, w.baseDir)
	entries, err := ReadFile(fs[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || entries[1].Attrs["behavior"] != "build" {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestUnwritableDirIsLogged(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := New(filepath.Join(blocker, "journal"), log.New(io.Discard, "", 0))
	w.Record("switch", "Builder", nil)
	if err := w.Write(Entry{Kind: "x"}); err == nil {
		t.Fatalf("expected error writing under a file")
	}
	var nilW *Writer
	nilW.Record("switch", "Builder", nil)
}
