// Package sqlite provides a SQLite-backed level store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cory-johannsen/playnet/internal/level"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store persists level documents in SQLite as JSON text.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the SQLite database at path and applies embedded migrations.
//
// Precondition: path must be non-empty; ":memory:" opens a private database.
// Postcondition: Returns a ready Store or a non-nil error.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A memory database lives only as long as its one connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the document stored under id.
//
// Postcondition: Returns level.ErrNotFound when no row exists.
func (s *Store) Load(ctx context.Context, id string) (*level.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM levels WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("level %q: %w", id, level.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query level %s: %w", id, err)
	}
	var doc level.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode level %s: %w", id, err)
	}
	return &doc, nil
}

// Save validates doc and upserts it.
func (s *Store) Save(ctx context.Context, doc *level.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode level %s: %w", doc.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO levels (id, name, document, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   document = excluded.document,
		   revision = levels.revision + 1,
		   updated_at = excluded.updated_at`,
		doc.ID, doc.Name, string(raw), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save level %s: %w", doc.ID, err)
	}
	return nil
}

// Revision returns how many times id has been saved.
func (s *Store) Revision(ctx context.Context, id string) (int, error) {
	var rev int
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM levels WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("level %q: %w", id, level.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query level %s: %w", id, err)
	}
	return rev, nil
}

// IDs lists stored level ids in order.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM levels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list levels: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// applyMigrations executes each embedded migration at most once.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied int
		if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(upSection(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// upSection returns the statements between "-- +migrate Up" and an optional
// "-- +migrate Down" marker, or the whole file when no markers are present.
func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	if i := strings.Index(content, up); i >= 0 {
		content = content[i+len(up):]
	}
	if i := strings.Index(content, down); i >= 0 {
		content = content[:i]
	}
	return content
}
