// Package patternlib stores the base patterns units are created with: a
// small SQLite library of pattern sources, seeded with built-ins and
// optionally grown by importing community pattern pages.
package patternlib

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/livedeck/dbopen"
	"github.com/hazyhaar/livedeck/idgen"
)

// Schema is the patternlib DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS patterns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    source TEXT NOT NULL,
    origin_url TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_patterns_name ON patterns(name);
`

// Pattern is one stored pattern source.
type Pattern struct {
	ID        string
	Name      string
	Source    string
	OriginURL string
	CreatedAt time.Time
}

// Store is the patternlib database handle.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Open opens (or creates) the patternlib SQLite database at path, applies
// the pragmas and schema, and seeds the built-in patterns.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, newID: idgen.Prefixed("pat_", idgen.Default)}
	if err := s.seed(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already-open database (testing).
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, newID: idgen.Prefixed("pat_", idgen.Default)}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Put inserts a pattern, or replaces the source of an existing pattern with
// the same name. Returns the pattern ID.
func (s *Store) Put(ctx context.Context, p *Pattern) (string, error) {
	if p.Name == "" {
		return "", fmt.Errorf("patternlib: pattern name is required")
	}
	if p.Source == "" {
		return "", fmt.Errorf("patternlib: pattern source is required")
	}
	if p.ID == "" {
		p.ID = s.newID()
	}

	var id string
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patterns (id, name, source, origin_url) VALUES (?,?,?,?)
			ON CONFLICT(name) DO UPDATE SET source = excluded.source, origin_url = excluded.origin_url`,
			p.ID, p.Name, p.Source, p.OriginURL)
		if err != nil {
			return err
		}
		// On conflict the original row keeps its id.
		return tx.QueryRowContext(ctx, `SELECT id FROM patterns WHERE name = ?`, p.Name).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("patternlib: put %s: %w", p.Name, err)
	}
	return id, nil
}

// Get retrieves a pattern by ID. Returns nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Pattern, error) {
	return s.one(ctx, `SELECT id, name, source, origin_url, created_at FROM patterns WHERE id = ?`, id)
}

// GetByName retrieves a pattern by name. Returns nil when absent.
func (s *Store) GetByName(ctx context.Context, name string) (*Pattern, error) {
	return s.one(ctx, `SELECT id, name, source, origin_url, created_at FROM patterns WHERE name = ?`, name)
}

// Random returns a uniformly random pattern, or nil if the library is empty.
func (s *Store) Random(ctx context.Context) (*Pattern, error) {
	return s.one(ctx, `SELECT id, name, source, origin_url, created_at FROM patterns ORDER BY RANDOM() LIMIT 1`)
}

// List returns patterns ordered by name. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]*Pattern, error) {
	q := `SELECT id, name, source, origin_url, created_at FROM patterns ORDER BY name`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("patternlib: list: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of stored patterns.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("patternlib: count: %w", err)
	}
	return n, nil
}

func (s *Store) one(ctx context.Context, q string, args ...any) (*Pattern, error) {
	row := s.DB.QueryRowContext(ctx, q, args...)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("patternlib: query: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(r rowScanner) (*Pattern, error) {
	var p Pattern
	var created int64
	if err := r.Scan(&p.ID, &p.Name, &p.Source, &p.OriginURL, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0)
	return &p, nil
}
