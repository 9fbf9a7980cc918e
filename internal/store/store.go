// Package store persists run snapshots so a story can continue after a
// server restart or client reconnect.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taleweaver-ai/taleweaver/internal/scene"
)

// ErrNotFound is returned when the requested run does not exist.
var ErrNotFound = errors.New("store: run not found")

// Run is one saved playthrough. SceneText and Choices are the latest turn as
// shown to the player; Stats carries the mutable hero counters (hp, gold).
type Run struct {
	ID          string
	World       scene.World
	Hero        scene.Hero
	Phase       string
	Step        int
	SceneName   string
	SceneText   string
	Choices     []string
	Stats       map[string]int
	TokensTotal int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunStore is the persistence boundary for runs. Save is an upsert keyed on
// Run.ID; implementations set CreatedAt on first save and bump UpdatedAt on
// every save.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context) ([]*Run, error)
	Delete(ctx context.Context, id string) error
}
