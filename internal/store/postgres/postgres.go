// Package postgres provides the PostgreSQL-backed RunStore.
//
// World, hero, choices and stats are stored as JSONB so the run schema can
// grow without migrations; the columns queried for listings (timestamps,
// phase) stay relational.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taleweaver-ai/taleweaver/internal/store"
)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT         PRIMARY KEY,
    world        JSONB        NOT NULL,
    hero         JSONB        NOT NULL,
    phase        TEXT         NOT NULL DEFAULT '',
    step         INT          NOT NULL DEFAULT 0,
    scene_name   TEXT         NOT NULL DEFAULT '',
    scene_text   TEXT         NOT NULL DEFAULT '',
    choices      JSONB        NOT NULL DEFAULT '[]',
    stats        JSONB        NOT NULL DEFAULT '{}',
    tokens_total INT          NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_updated_at
    ON runs (updated_at DESC);
`

// Store is the PostgreSQL RunStore. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.RunStore = (*Store)(nil)

// New connects to the database at dsn, verifies the connection and ensures
// the runs table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("run store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlRuns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping probes database connectivity. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements store.RunStore as an upsert keyed on run id.
func (s *Store) Save(ctx context.Context, run *store.Run) error {
	world, err := json.Marshal(run.World)
	if err != nil {
		return fmt.Errorf("run store: encode world: %w", err)
	}
	hero, err := json.Marshal(run.Hero)
	if err != nil {
		return fmt.Errorf("run store: encode hero: %w", err)
	}
	choices, err := json.Marshal(orEmptySlice(run.Choices))
	if err != nil {
		return fmt.Errorf("run store: encode choices: %w", err)
	}
	stats, err := json.Marshal(orEmptyMap(run.Stats))
	if err != nil {
		return fmt.Errorf("run store: encode stats: %w", err)
	}

	const q = `
		INSERT INTO runs
		    (id, world, hero, phase, step, scene_name, scene_text, choices, stats, tokens_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    world        = EXCLUDED.world,
		    hero         = EXCLUDED.hero,
		    phase        = EXCLUDED.phase,
		    step         = EXCLUDED.step,
		    scene_name   = EXCLUDED.scene_name,
		    scene_text   = EXCLUDED.scene_text,
		    choices      = EXCLUDED.choices,
		    stats        = EXCLUDED.stats,
		    tokens_total = EXCLUDED.tokens_total,
		    updated_at   = now()`

	_, err = s.pool.Exec(ctx, q,
		run.ID, world, hero, run.Phase, run.Step,
		run.SceneName, run.SceneText, choices, stats, run.TokensTotal,
	)
	if err != nil {
		return fmt.Errorf("run store: save: %w", err)
	}
	return nil
}

// Get implements store.RunStore.
func (s *Store) Get(ctx context.Context, id string) (*store.Run, error) {
	const q = `
		SELECT id, world, hero, phase, step, scene_name, scene_text,
		       choices, stats, tokens_total, created_at, updated_at
		FROM   runs
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("run store: get: %w", err)
	}
	run, err := pgx.CollectOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("run store: scan: %w", err)
	}
	return run, nil
}

// List implements store.RunStore, newest first.
func (s *Store) List(ctx context.Context) ([]*store.Run, error) {
	const q = `
		SELECT id, world, hero, phase, step, scene_name, scene_text,
		       choices, stats, tokens_total, created_at, updated_at
		FROM   runs
		ORDER  BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("run store: list: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("run store: scan rows: %w", err)
	}
	return runs, nil
}

// Delete implements store.RunStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("run store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanRun(row pgx.CollectableRow) (*store.Run, error) {
	var (
		run     store.Run
		world   []byte
		hero    []byte
		choices []byte
		stats   []byte
	)
	if err := row.Scan(
		&run.ID, &world, &hero, &run.Phase, &run.Step,
		&run.SceneName, &run.SceneText, &choices, &stats,
		&run.TokensTotal, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(world, &run.World); err != nil {
		return nil, fmt.Errorf("decode world: %w", err)
	}
	if err := json.Unmarshal(hero, &run.Hero); err != nil {
		return nil, fmt.Errorf("decode hero: %w", err)
	}
	if err := json.Unmarshal(choices, &run.Choices); err != nil {
		return nil, fmt.Errorf("decode choices: %w", err)
	}
	if err := json.Unmarshal(stats, &run.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &run, nil
}

func orEmptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]int) map[string]int {
	if v == nil {
		return map[string]int{}
	}
	return v
}
