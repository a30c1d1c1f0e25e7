// Package history keeps a local log of terminated calls.
package history

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/roomcall/internal/call"
)

// Store wraps a SQLite database holding the call log.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Entry is one row of the call log.
type Entry struct {
	CallID     string    `json:"call_id"`
	Room       string    `json:"room"`
	Direction  string    `json:"direction"`
	CallType   string    `json:"call_type"`
	Party      string    `json:"hangup_party"`
	Reason     string    `json:"hangup_reason"`
	DidConnect bool      `json:"did_connect"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Open opens or creates the call log database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id     TEXT PRIMARY KEY,
			room        TEXT NOT NULL,
			direction   TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			party       TEXT NOT NULL,
			reason      TEXT NOT NULL,
			did_connect INTEGER NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Record logs a terminated call. Implements call.Recorder.
func (s *Store) Record(c *call.Call) {
	s.insert(Entry{
		CallID:     c.ID(),
		Room:       c.RoomID(),
		Direction:  c.Direction().String(),
		CallType:   c.Type().String(),
		Party:      c.HangupParty().String(),
		Reason:     c.HangupReason(),
		DidConnect: c.DidConnect(),
		StartedAt:  c.CreatedAt(),
		EndedAt:    time.Now(),
	})
}

// RecordSynthetic logs a hangup observed for a call this session never
// held: the entry starts life already ended.
func (s *Store) RecordSynthetic(roomID, callID, reason string, ts time.Time) {
	s.insert(Entry{
		CallID:    callID,
		Room:      roomID,
		Direction: call.DirectionUnset.String(),
		CallType:  call.TypeUnset.String(),
		Party:     call.PartyRemote.String(),
		Reason:    reason,
		StartedAt: ts,
		EndedAt:   ts,
	})
}

func (s *Store) insert(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO calls
			(call_id, room, direction, call_type, party, reason, did_connect, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.CallID, e.Room, e.Direction, e.CallType, e.Party, e.Reason,
		boolToInt(e.DidConnect), e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli())
	if err != nil {
		log.Printf("HISTORY: record call %s: %v", e.CallID, err)
	}
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT call_id, room, direction, call_type, party, reason, did_connect, started_at, ended_at
		FROM calls ORDER BY ended_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var didConnect int
		var started, ended int64
		if err := rows.Scan(&e.CallID, &e.Room, &e.Direction, &e.CallType,
			&e.Party, &e.Reason, &didConnect, &started, &ended); err != nil {
			return nil, err
		}
		e.DidConnect = didConnect != 0
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
