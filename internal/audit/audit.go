// Package audit keeps a local log of attested connections: which hosts were
// reached, when, and the evidence the engine produced. The log is advisory
// and append-only; it plays no part in routing or verification.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aspect-build/tongdao/attestation"
)

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// Entry is one recorded attested connection.
type Entry struct {
	ID        int64
	Host      string
	Port      int
	TEEType   string
	Trusted   bool
	Evidence  string // evidence record as JSON
	CreatedAt time.Time
}

// NewStore opens or creates the audit database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS attested_connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		tee_type TEXT NOT NULL,
		trusted INTEGER NOT NULL,
		evidence TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`)
	return err
}

// Record appends one attested connection with its evidence.
func (s *Store) Record(host string, port int, ev *attestation.Evidence) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO attested_connections (host, port, tee_type, trusted, evidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		host, port, ev.TEEType, ev.Trusted, string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, host, port, tee_type, trusted, evidence, created_at
		 FROM attested_connections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			trusted int
			created string
		)
		if err := rows.Scan(&e.ID, &e.Host, &e.Port, &e.TEEType, &trusted, &e.Evidence, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Trusted = trusted != 0
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
