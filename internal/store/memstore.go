package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory RunStore for development and tests. Snapshots are
// deep-copied on the way in and out, so callers can keep mutating their Run
// without racing the store.
type MemStore struct {
	mu   sync.RWMutex
	runs map[string]*Run

	// now is replaceable in tests.
	now func() time.Time
}

var _ RunStore = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs: make(map[string]*Run),
		now:  time.Now,
	}
}

// Save implements RunStore.
func (s *MemStore) Save(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneRun(run)
	cp.UpdatedAt = s.now()
	if existing, ok := s.runs[run.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.runs[run.ID] = cp
	return nil
}

// Get implements RunStore.
func (s *MemStore) Get(ctx context.Context, id string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

// List implements RunStore. Runs come back newest-first.
func (s *MemStore) List(ctx context.Context) ([]*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete implements RunStore.
func (s *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func cloneRun(run *Run) *Run {
	cp := *run
	cp.Choices = append([]string(nil), run.Choices...)
	if run.Stats != nil {
		cp.Stats = make(map[string]int, len(run.Stats))
		for k, v := range run.Stats {
			cp.Stats[k] = v
		}
	}
	return &cp
}
