package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taleweaver-ai/taleweaver/internal/api"
	"github.com/taleweaver-ai/taleweaver/internal/engine"
	"github.com/taleweaver-ai/taleweaver/internal/scene"
	"github.com/taleweaver-ai/taleweaver/internal/settings"
	"github.com/taleweaver-ai/taleweaver/internal/store"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// stubRuns is a scripted RunService. Unset functions fail the request.
type stubRuns struct {
	createFn   func(ctx context.Context, world scene.World, hero scene.Hero) (*store.Run, error)
	turnFn     func(ctx context.Context, runID, choice string) (*engine.TurnResult, error)
	describeFn func(ctx context.Context, runID, prompt string) (string, error)
	artFn      func(ctx context.Context, runID, kind string) ([]byte, error)
	getFn      func(ctx context.Context, runID string) (*store.Run, error)
	listFn     func(ctx context.Context) ([]*store.Run, error)
	saveFn     func(ctx context.Context, runID string) error
	deleteFn   func(ctx context.Context, runID string) error
}

func (s *stubRuns) Create(ctx context.Context, world scene.World, hero scene.Hero) (*store.Run, error) {
	return s.createFn(ctx, world, hero)
}

func (s *stubRuns) Turn(ctx context.Context, runID, choice string) (*engine.TurnResult, error) {
	return s.turnFn(ctx, runID, choice)
}

func (s *stubRuns) Describe(ctx context.Context, runID, prompt string) (string, error) {
	return s.describeFn(ctx, runID, prompt)
}

func (s *stubRuns) Art(ctx context.Context, runID, kind string) ([]byte, error) {
	return s.artFn(ctx, runID, kind)
}

func (s *stubRuns) Get(ctx context.Context, runID string) (*store.Run, error) {
	return s.getFn(ctx, runID)
}

func (s *stubRuns) List(ctx context.Context) ([]*store.Run, error) {
	return s.listFn(ctx)
}

func (s *stubRuns) Save(ctx context.Context, runID string) error {
	return s.saveFn(ctx, runID)
}

func (s *stubRuns) Delete(ctx context.Context, runID string) error {
	return s.deleteFn(ctx, runID)
}

var _ api.RunService = (*stubRuns)(nil)

func sampleRun() *store.Run {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &store.Run{
		ID:        "run-1",
		World:     scene.World{Setting: "FANTASY", Tone: "grim"},
		Hero:      scene.Hero{Name: "Alva", Class: "ranger", Agility: 7},
		Phase:     "RUNNING",
		Step:      4,
		SceneName: "The Hollow Gate",
		SceneText: "The gate groans open.",
		Choices:   []string{"Step through", "Turn back"},
		Stats:     map[string]int{"hp": 88, "gold": 12},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestServer(t *testing.T, runs api.RunService) http.Handler {
	t.Helper()
	st, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	return api.New(api.Config{Runs: runs, Settings: st}).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// ── runs ─────────────────────────────────────────────────────────────────────

func TestCreateRun(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		createFn: func(_ context.Context, world scene.World, hero scene.Hero) (*store.Run, error) {
			if world.Setting != "FANTASY" {
				t.Errorf("world.Setting = %q, want FANTASY", world.Setting)
			}
			if hero.Name != "Alva" {
				t.Errorf("hero.Name = %q, want Alva", hero.Name)
			}
			return sampleRun(), nil
		},
	}
	h := newTestServer(t, runs)

	body := map[string]any{
		"world": map[string]any{"setting": "FANTASY", "tone": "grim"},
		"hero":  map[string]any{"name": "Alva", "class": "ranger", "agility": 7},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/runs", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	got := decodeBody[map[string]any](t, rec)
	if got["id"] != "run-1" {
		t.Errorf("id = %v, want run-1", got["id"])
	}
	if got["phase"] != "RUNNING" {
		t.Errorf("phase = %v, want RUNNING", got["phase"])
	}
}

func TestCreateRun_Validation(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &stubRuns{})

	t.Run("missing setting", func(t *testing.T) {
		body := map[string]any{"world": map[string]any{}, "hero": map[string]any{"name": "Alva"}}
		rec := doJSON(t, h, http.MethodPost, "/api/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("missing hero name", func(t *testing.T) {
		body := map[string]any{"world": map[string]any{"setting": "FANTASY"}, "hero": map[string]any{}}
		rec := doJSON(t, h, http.MethodPost, "/api/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		body := map[string]any{"world": map[string]any{"setting": "FANTASY"}, "hero": map[string]any{"name": "Alva"}, "banana": true}
		rec := doJSON(t, h, http.MethodPost, "/api/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		getFn: func(_ context.Context, runID string) (*store.Run, error) {
			if runID != "run-1" {
				return nil, store.ErrNotFound
			}
			return sampleRun(), nil
		},
	}
	h := newTestServer(t, runs)

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/runs/run-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		got := decodeBody[map[string]any](t, rec)
		if got["sceneName"] != "The Hollow Gate" {
			t.Errorf("sceneName = %v, want The Hollow Gate", got["sceneName"])
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/runs/nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		listFn: func(context.Context) ([]*store.Run, error) {
			return []*store.Run{sampleRun()}, nil
		},
	}
	h := newTestServer(t, runs)

	rec := doJSON(t, h, http.MethodGet, "/api/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	got := decodeBody[[]map[string]any](t, rec)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0]["id"] != "run-1" {
		t.Errorf("id = %v, want run-1", got[0]["id"])
	}
}

func TestDeleteRun(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		deleteFn: func(_ context.Context, runID string) error {
			if runID != "run-1" {
				return store.ErrNotFound
			}
			return nil
		},
	}
	h := newTestServer(t, runs)

	t.Run("deleted", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/api/runs/run-1", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/api/runs/gone", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestTurn(t *testing.T) {
	t.Parallel()

	risk := 3
	runs := &stubRuns{
		turnFn: func(_ context.Context, runID, choice string) (*engine.TurnResult, error) {
			if runID != "run-1" {
				return nil, store.ErrNotFound
			}
			if choice != "Step through" {
				t.Errorf("choice = %q, want Step through", choice)
			}
			return &engine.TurnResult{
				SceneName:   "Beyond the Gate",
				SceneText:   "Torchlight flickers ahead.",
				Choices:     []string{"Follow the light", "Stay in the dark"},
				DeathRisk:   &risk,
				Mode:        scene.ModeStory,
				StatChanges: []scene.StatChange{{Key: "gold", Delta: 5}},
				TokensTotal: 431,
			}, nil
		},
	}
	h := newTestServer(t, runs)

	t.Run("ok", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/runs/run-1/turn", map[string]any{"choice": "Step through"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		got := decodeBody[map[string]any](t, rec)
		if got["sceneText"] != "Torchlight flickers ahead." {
			t.Errorf("sceneText = %v", got["sceneText"])
		}
		if got["deathRisk"] != float64(3) {
			t.Errorf("deathRisk = %v, want 3", got["deathRisk"])
		}
		if got["tokensTotal"] != float64(431) {
			t.Errorf("tokensTotal = %v, want 431", got["tokensTotal"])
		}
	})

	t.Run("empty choice", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/runs/run-1/turn", map[string]any{"choice": ""})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/runs/nope/turn", map[string]any{"choice": "go"})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestSaveRun(t *testing.T) {
	t.Parallel()

	var saved string
	runs := &stubRuns{
		saveFn: func(_ context.Context, runID string) error {
			saved = runID
			return nil
		},
	}
	h := newTestServer(t, runs)

	rec := doJSON(t, h, http.MethodPost, "/api/runs/run-1/save", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if saved != "run-1" {
		t.Errorf("saved = %q, want run-1", saved)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		describeFn: func(_ context.Context, runID, prompt string) (string, error) {
			if prompt != "a forgotten shrine" {
				t.Errorf("prompt = %q", prompt)
			}
			return "Moss swallows the shrine stones.", nil
		},
	}
	h := newTestServer(t, runs)

	t.Run("ok", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/runs/run-1/describe", map[string]any{"prompt": "a forgotten shrine"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		got := decodeBody[map[string]string](t, rec)
		if got["text"] != "Moss swallows the shrine stones." {
			t.Errorf("text = %q", got["text"])
		}
	})

	t.Run("empty prompt", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/runs/run-1/describe", map[string]any{"prompt": ""})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestArt(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		artFn: func(_ context.Context, runID, kind string) ([]byte, error) {
			return []byte("jpeg:" + kind), nil
		},
	}
	h := newTestServer(t, runs)

	t.Run("explicit kind", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/runs/run-1/art?kind=card", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type = %q, want image/jpeg", ct)
		}
		if rec.Body.String() != "jpeg:card" {
			t.Errorf("body = %q, want jpeg:card", rec.Body.String())
		}
	})

	t.Run("defaults to background", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/runs/run-1/art", nil)
		if rec.Body.String() != "jpeg:background" {
			t.Errorf("body = %q, want jpeg:background", rec.Body.String())
		}
	})
}

// ── settings ─────────────────────────────────────────────────────────────────

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &stubRuns{})

	t.Run("defaults", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/settings", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		got := decodeBody[map[string]any](t, rec)
		if got["modelTier"] != float64(settings.TierBase) {
			t.Errorf("modelTier = %v, want %d", got["modelTier"], settings.TierBase)
		}
		if got["autosave"] != true {
			t.Errorf("autosave = %v, want true", got["autosave"])
		}
	})

	t.Run("update", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPut, "/api/settings", map[string]any{"modelTier": settings.TierMax, "autosave": false})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		got := decodeBody[map[string]any](t, rec)
		if got["modelTier"] != float64(settings.TierMax) {
			t.Errorf("modelTier = %v, want %d", got["modelTier"], settings.TierMax)
		}
		if got["autosave"] != false {
			t.Errorf("autosave = %v, want false", got["autosave"])
		}
	})

	t.Run("empty update rejected", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPut, "/api/settings", map[string]any{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

// ── infrastructure routes ────────────────────────────────────────────────────

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &stubRuns{})

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCorrelationHeader(t *testing.T) {
	t.Parallel()

	runs := &stubRuns{
		listFn: func(context.Context) ([]*store.Run, error) { return nil, nil },
	}
	h := newTestServer(t, runs)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("X-Correlation-ID = %q, want the incoming trace ID", got)
	}
}
