// Package statestore persists the durable part of each persona's behavior
// state in SQLite so anchors and counters survive process restarts.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dualbot.ai/internal/game"
	"dualbot.ai/internal/session"
)

// Store writes snapshots on a background goroutine. Save never blocks the
// caller; snapshots are dropped when the writer falls behind.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	ch   chan session.Snapshot
	wg   sync.WaitGroup
	once sync.Once

	// mu orders Save against Close so nothing sends on a closed queue.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func Open(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("statestore: empty db path")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[statestore] ", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: schema: %w", err)
	}

	s := &Store{db: db, logger: logger, ch: make(chan session.Snapshot, 1024)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS personas (
			name TEXT PRIMARY KEY,
			activity_count INTEGER NOT NULL,
			deaths INTEGER NOT NULL,
			kills INTEGER NOT NULL,
			mode_switches INTEGER NOT NULL,
			explore_center TEXT,
			home TEXT,
			last_activity TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Save queues snap for writing. It is a no-op on a nil or closed store.
func (s *Store) Save(snap session.Snapshot) {
	if s == nil || snap.Name == "" {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
	default:
		s.dropped.Add(1)
	}
}

// Dropped is the number of snapshots discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Close flushes queued snapshots and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

const upsertPersona = `INSERT OR REPLACE INTO personas
	(name,activity_count,deaths,kills,mode_switches,explore_center,home,last_activity,updated_at)
	VALUES(?,?,?,?,?,?,?,?,?)`

// loop writes every snapshot that is queued at the time of a wake-up in one
// transaction, keeping only the newest snapshot per persona.
func (s *Store) loop() {
	ctx := context.Background()
	for snap := range s.ch {
		batch := map[string]session.Snapshot{snap.Name: snap}
	drain:
		for {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch[next.Name] = next
			default:
				break drain
			}
		}
		if err := s.write(ctx, batch); err != nil {
			s.logger.Printf("write %d snapshots: %v", len(batch), err)
		}
	}
}

func (s *Store) write(ctx context.Context, batch map[string]session.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, upsertPersona)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, snap := range batch {
		if _, err := stmt.ExecContext(ctx,
			snap.Name,
			snap.ActivityCount,
			snap.Deaths,
			snap.Kills,
			snap.ModeSwitches,
			encodeVec(snap.ExploreCenter),
			encodeVec(snap.Home),
			snap.LastActivity.UTC().Format(time.RFC3339Nano),
			now,
		); err != nil {
			return fmt.Errorf("persona %s: %w", snap.Name, err)
		}
	}
	return tx.Commit()
}

// LoadAll returns the stored snapshot of every persona, keyed by name.
func (s *Store) LoadAll(ctx context.Context) (map[string]session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name,activity_count,deaths,kills,mode_switches,explore_center,home,last_activity FROM personas`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]session.Snapshot{}
	for rows.Next() {
		snap, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out[snap.Name] = snap
	}
	return out, rows.Err()
}

// Load returns the stored snapshot of one persona.
func (s *Store) Load(ctx context.Context, name string) (session.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name,activity_count,deaths,kills,mode_switches,explore_center,home,last_activity FROM personas WHERE name=?`, name)
	snap, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, err
	}
	return snap, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (session.Snapshot, error) {
	var (
		snap         session.Snapshot
		center, home sql.NullString
		lastActivity string
	)
	if err := r.Scan(&snap.Name, &snap.ActivityCount, &snap.Deaths, &snap.Kills, &snap.ModeSwitches, &center, &home, &lastActivity); err != nil {
		return snap, err
	}
	var err error
	if snap.ExploreCenter, err = decodeVec(center); err != nil {
		return snap, fmt.Errorf("persona %s: explore_center: %w", snap.Name, err)
	}
	if snap.Home, err = decodeVec(home); err != nil {
		return snap, fmt.Errorf("persona %s: home: %w", snap.Name, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, lastActivity); err == nil {
		snap.LastActivity = t
	}
	return snap, nil
}

func encodeVec(v *game.Vec3) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal([3]float64{v.X, v.Y, v.Z})
	return sql.NullString{String: string(b), Valid: true}
}

func decodeVec(ns sql.NullString) (*game.Vec3, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var p [3]float64
	if err := json.Unmarshal([]byte(ns.String), &p); err != nil {
		return nil, err
	}
	v := game.V(p[0], p[1], p[2])
	return &v, nil
}

// Seed restores every registry persona that has a stored snapshot and
// reports how many were restored.
func (s *Store) Seed(ctx context.Context, reg *session.Registry) (int, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("statestore: load: %w", err)
	}
	n := 0
	for _, p := range reg.Personas() {
		if snap, ok := all[p.Name]; ok {
			reg.State(p.Name).Restore(snap)
			n++
		}
	}
	return n, nil
}
