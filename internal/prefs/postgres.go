// Package prefs persists per-viewer timeline preferences.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sonet-app/timeline/internal/timeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS timeline_preferences (
    viewer_id           TEXT PRIMARY KEY,
    algorithm           TEXT NOT NULL DEFAULT '',
    max_items           INTEGER NOT NULL DEFAULT 0,
    max_age_hours       INTEGER NOT NULL DEFAULT 0,
    min_score_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
    weights             JSONB NOT NULL DEFAULT '{}',
    mix                 JSONB NOT NULL DEFAULT '{}',
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore implements timeline.PreferencesStore on postgres.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &PostgresStore{db: db, timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping reports connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type prefsRow struct {
	ViewerID          string    `db:"viewer_id"`
	Algorithm         string    `db:"algorithm"`
	MaxItems          int       `db:"max_items"`
	MaxAgeHours       int       `db:"max_age_hours"`
	MinScoreThreshold float64   `db:"min_score_threshold"`
	Weights           []byte    `db:"weights"`
	Mix               []byte    `db:"mix"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Get returns the stored preferences, or (nil, nil) when the viewer has
// none.
func (s *PostgresStore) Get(ctx context.Context, viewerID string) (*timeline.Preferences, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row prefsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT viewer_id, algorithm, max_items, max_age_hours,
		       min_score_threshold, weights, mix, updated_at
		FROM timeline_preferences
		WHERE viewer_id = $1`, viewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	p := &timeline.Preferences{
		Algorithm:         timeline.Algorithm(row.Algorithm),
		MaxItems:          row.MaxItems,
		MaxAgeHours:       row.MaxAgeHours,
		MinScoreThreshold: row.MinScoreThreshold,
		UpdatedAt:         row.UpdatedAt,
	}
	if len(row.Weights) > 0 {
		if err := json.Unmarshal(row.Weights, &p.Weights); err != nil {
			return nil, fmt.Errorf("unmarshal weights: %w", err)
		}
	}
	if len(row.Mix) > 0 {
		if err := json.Unmarshal(row.Mix, &p.Mix); err != nil {
			return nil, fmt.Errorf("unmarshal mix: %w", err)
		}
	}
	return p, nil
}

// Set upserts the viewer's preferences.
func (s *PostgresStore) Set(ctx context.Context, viewerID string, p timeline.Preferences) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	weights, err := json.Marshal(p.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	mix, err := json.Marshal(p.Mix)
	if err != nil {
		return fmt.Errorf("marshal mix: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timeline_preferences
		    (viewer_id, algorithm, max_items, max_age_hours,
		     min_score_threshold, weights, mix, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (viewer_id) DO UPDATE SET
		    algorithm           = EXCLUDED.algorithm,
		    max_items           = EXCLUDED.max_items,
		    max_age_hours       = EXCLUDED.max_age_hours,
		    min_score_threshold = EXCLUDED.min_score_threshold,
		    weights             = EXCLUDED.weights,
		    mix                 = EXCLUDED.mix,
		    updated_at          = EXCLUDED.updated_at`,
		viewerID, string(p.Algorithm), p.MaxItems, p.MaxAgeHours,
		p.MinScoreThreshold, weights, mix, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
