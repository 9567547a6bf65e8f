// Package history keeps a SQLite record of finished calls.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sweeney/telephony-policy/internal/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one finished call.
type Record struct {
	ID         int64     `json:"id"`
	CallID     int       `json:"call_id"`
	Path       string    `json:"path"`
	Name       string    `json:"name,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	Direction  string    `json:"direction"`
	FinalState string    `json:"final_state"`
	Conference bool      `json:"conference,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Duration is how long the call was tracked.
func (r Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store is the call history database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the history database at path with WAL mode enabled
// and runs any pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging history: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("subsystem", "history")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	s.logger.Info("history opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Debug("migration applied", "version", version)
	}
	return nil
}

// CallEnded records c as finished at ended.
func (s *Store) CallEnded(ctx context.Context, c *call.Call, ended time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, path, name, peer, direction, final_state, conference, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Path, c.Name, c.Peer, c.Direction.String(), c.State.String(),
		c.IsConferenceRoot(), c.Started.UTC(), ended.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording call #%d: %w", c.ID, err)
	}
	return nil
}

// Recent returns up to limit records, most recently ended first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, path, name, peer, direction, final_state, conference, started_at, ended_at
		 FROM calls ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CallID, &r.Path, &r.Name, &r.Peer, &r.Direction,
			&r.FinalState, &r.Conference, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
