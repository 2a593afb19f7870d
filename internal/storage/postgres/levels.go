package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/playnet/internal/level"
)

// LevelRepository persists level documents as JSONB rows.
type LevelRepository struct {
	db *pgxpool.Pool
}

// NewLevelRepository creates a LevelRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the level
// schema migrated.
func NewLevelRepository(db *pgxpool.Pool) *LevelRepository {
	return &LevelRepository{db: db}
}

// Load returns the document stored under id.
//
// Postcondition: Returns level.ErrNotFound when no row exists.
func (r *LevelRepository) Load(ctx context.Context, id string) (*level.Document, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT document FROM levels WHERE id = $1`, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("level %q: %w", id, level.ErrNotFound)
		}
		return nil, fmt.Errorf("querying level %s: %w", id, err)
	}

	var doc level.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding level %s: %w", id, err)
	}
	return &doc, nil
}

// Save validates doc and upserts it, bumping the stored revision.
//
// Precondition: doc must be non-nil.
// Postcondition: The row for doc.ID holds doc, or an error is returned.
func (r *LevelRepository) Save(ctx context.Context, doc *level.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding level %s: %w", doc.ID, err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO levels (id, name, document)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name,
		     document = EXCLUDED.document,
		     revision = levels.revision + 1,
		     updated_at = NOW()`,
		doc.ID, doc.Name, raw,
	)
	if err != nil {
		return fmt.Errorf("saving level %s: %w", doc.ID, err)
	}
	return nil
}

// Revision returns how many times id has been saved.
func (r *LevelRepository) Revision(ctx context.Context, id string) (int, error) {
	var rev int
	err := r.db.QueryRow(ctx, `SELECT revision FROM levels WHERE id = $1`, id).Scan(&rev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("level %q: %w", id, level.ErrNotFound)
		}
		return 0, fmt.Errorf("querying level %s: %w", id, err)
	}
	return rev, nil
}

// IDs lists stored level ids in order.
func (r *LevelRepository) IDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM levels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing levels: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing levels: %w", err)
	}
	return ids, nil
}
