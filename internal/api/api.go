// Package api exposes the story server over HTTP/JSON.
//
// Routes are registered on a standard [http.ServeMux] using method patterns.
// The handler chain is wrapped in the observe middleware so every request
// gets a trace span, an X-Correlation-ID header, and a latency sample.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taleweaver-ai/taleweaver/internal/engine"
	"github.com/taleweaver-ai/taleweaver/internal/health"
	"github.com/taleweaver-ai/taleweaver/internal/observe"
	"github.com/taleweaver-ai/taleweaver/internal/scene"
	"github.com/taleweaver-ai/taleweaver/internal/settings"
	"github.com/taleweaver-ai/taleweaver/internal/store"
)

// RunService is the run lifecycle surface the API serves. Implemented by
// the application's run manager.
type RunService interface {
	Create(ctx context.Context, world scene.World, hero scene.Hero) (*store.Run, error)
	Turn(ctx context.Context, runID, choice string) (*engine.TurnResult, error)
	Describe(ctx context.Context, runID, prompt string) (string, error)
	Art(ctx context.Context, runID, kind string) ([]byte, error)
	Get(ctx context.Context, runID string) (*store.Run, error)
	List(ctx context.Context) ([]*store.Run, error)
	Save(ctx context.Context, runID string) error
	Delete(ctx context.Context, runID string) error
}

// Server bundles the HTTP handlers for the story API.
type Server struct {
	runs     RunService
	settings *settings.Store
	health   *health.Handler
	metrics  *observe.Metrics
	log      *slog.Logger
}

// Config holds the Server dependencies. Health may be nil to skip the probe
// routes; Settings may be nil to disable the settings routes.
type Config struct {
	Runs     RunService
	Settings *settings.Store
	Health   *health.Handler
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// New creates a Server. Metrics defaults to the package-level instance.
func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		runs:     cfg.Runs,
		settings: cfg.Settings,
		health:   cfg.Health,
		metrics:  m,
		log:      log,
	}
}

// Handler returns the complete route tree wrapped in the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("POST /api/runs/{id}/turn", s.turn)
	mux.HandleFunc("POST /api/runs/{id}/save", s.saveRun)
	mux.HandleFunc("POST /api/runs/{id}/describe", s.describe)
	mux.HandleFunc("GET /api/runs/{id}/art", s.art)

	if s.settings != nil {
		mux.HandleFunc("GET /api/settings", s.getSettings)
		mux.HandleFunc("PUT /api/settings", s.putSettings)
	}

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// ── Wire types ───────────────────────────────────────────────────────────────

type worldJSON struct {
	Setting  string `json:"setting"`
	Era      string `json:"era,omitempty"`
	Location string `json:"location,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

type heroJSON struct {
	Name      string `json:"name"`
	Class     string `json:"class,omitempty"`
	Strength  int    `json:"strength,omitempty"`
	Agility   int    `json:"agility,omitempty"`
	Intellect int    `json:"intellect,omitempty"`
	Charisma  int    `json:"charisma,omitempty"`
}

type createRunRequest struct {
	World worldJSON `json:"world"`
	Hero  heroJSON  `json:"hero"`
}

type runJSON struct {
	ID          string         `json:"id"`
	World       worldJSON      `json:"world"`
	Hero        heroJSON       `json:"hero"`
	Phase       string         `json:"phase"`
	Step        int            `json:"step"`
	SceneName   string         `json:"sceneName,omitempty"`
	SceneText   string         `json:"sceneText,omitempty"`
	Choices     []string       `json:"choices,omitempty"`
	Stats       map[string]int `json:"stats,omitempty"`
	TokensTotal int            `json:"tokensTotal"`
	CreatedAt   string         `json:"createdAt"`
	UpdatedAt   string         `json:"updatedAt"`
}

type turnRequest struct {
	Choice string `json:"choice"`
}

type statChangeJSON struct {
	Key   string `json:"key"`
	Delta int    `json:"delta"`
}

type turnJSON struct {
	SceneName   string           `json:"sceneName,omitempty"`
	SceneText   string           `json:"sceneText"`
	Choices     []string         `json:"choices"`
	OutcomeText string           `json:"outcomeText,omitempty"`
	HeroMind    string           `json:"heroMind,omitempty"`
	Goal        string           `json:"goal,omitempty"`
	DayWeather  string           `json:"dayWeather,omitempty"`
	Terrain     string           `json:"terrain,omitempty"`
	DeathRisk   *int             `json:"deathRisk,omitempty"`
	ImagePrompt string           `json:"imagePrompt,omitempty"`
	Mode        string           `json:"mode"`
	Outcome     string           `json:"combatOutcome,omitempty"`
	StatChanges []statChangeJSON `json:"statChanges,omitempty"`
	TokensTotal int              `json:"tokensTotal"`
}

type describeRequest struct {
	Prompt string `json:"prompt"`
}

type describeResponse struct {
	Text string `json:"text"`
}

type settingsJSON struct {
	ModelTier *int  `json:"modelTier,omitempty"`
	Autosave  *bool `json:"autosave,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.World.Setting == "" {
		s.writeError(w, http.StatusBadRequest, "world.setting is required")
		return
	}
	if req.Hero.Name == "" {
		s.writeError(w, http.StatusBadRequest, "hero.name is required")
		return
	}

	run, err := s.runs.Create(r.Context(), toWorld(req.World), toHero(req.Hero))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toRunJSON(run))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunJSON(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRunJSON(run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Choice == "" {
		s.writeError(w, http.StatusBadRequest, "choice is required")
		return
	}

	res, err := s.runs.Turn(r.Context(), r.PathValue("id"), req.Choice)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTurnJSON(res))
}

func (s *Server) saveRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Save(r.Context(), r.PathValue("id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) describe(w http.ResponseWriter, r *http.Request) {
	var req describeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	text, err := s.runs.Describe(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, describeResponse{Text: text})
}

func (s *Server) art(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "background"
	}

	img, err := s.runs.Art(r.Context(), r.PathValue("id"), kind)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		s.log.Warn("write art response", "err", err)
	}
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	cur := s.settings.Current()
	s.writeJSON(w, http.StatusOK, settingsJSON{ModelTier: &cur.ModelTier, Autosave: &cur.Autosave})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsJSON
	if !s.decode(w, r, &req) {
		return
	}
	if req.ModelTier == nil && req.Autosave == nil {
		s.writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.ModelTier != nil {
		if err := s.settings.SetModelTier(*req.ModelTier); err != nil {
			s.serviceError(w, r, err)
			return
		}
	}
	if req.Autosave != nil {
		if err := s.settings.SetAutosave(*req.Autosave); err != nil {
			s.serviceError(w, r, err)
			return
		}
	}
	cur := s.settings.Current()
	s.writeJSON(w, http.StatusOK, settingsJSON{ModelTier: &cur.ModelTier, Autosave: &cur.Autosave})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// decode reads a JSON body into v. On failure it writes a 400 and returns
// false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// serviceError maps service-layer errors to HTTP status codes.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		observe.Logger(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func toWorld(w worldJSON) scene.World {
	return scene.World{Setting: w.Setting, Era: w.Era, Location: w.Location, Tone: w.Tone}
}

func toHero(h heroJSON) scene.Hero {
	return scene.Hero{
		Name:      h.Name,
		Class:     h.Class,
		Strength:  h.Strength,
		Agility:   h.Agility,
		Intellect: h.Intellect,
		Charisma:  h.Charisma,
	}
}

func toRunJSON(run *store.Run) runJSON {
	return runJSON{
		ID: run.ID,
		World: worldJSON{
			Setting:  run.World.Setting,
			Era:      run.World.Era,
			Location: run.World.Location,
			Tone:     run.World.Tone,
		},
		Hero: heroJSON{
			Name:      run.Hero.Name,
			Class:     run.Hero.Class,
			Strength:  run.Hero.Strength,
			Agility:   run.Hero.Agility,
			Intellect: run.Hero.Intellect,
			Charisma:  run.Hero.Charisma,
		},
		Phase:       run.Phase,
		Step:        run.Step,
		SceneName:   run.SceneName,
		SceneText:   run.SceneText,
		Choices:     run.Choices,
		Stats:       run.Stats,
		TokensTotal: run.TokensTotal,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   run.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toTurnJSON(res *engine.TurnResult) turnJSON {
	out := turnJSON{
		SceneName:   res.SceneName,
		SceneText:   res.SceneText,
		Choices:     res.Choices,
		OutcomeText: res.OutcomeText,
		HeroMind:    res.HeroMind,
		Goal:        res.Goal,
		DayWeather:  res.DayWeather,
		Terrain:     res.Terrain,
		DeathRisk:   res.DeathRisk,
		ImagePrompt: res.ImagePrompt,
		Mode:        string(res.Mode),
		Outcome:     string(res.Outcome),
		TokensTotal: res.TokensTotal,
	}
	for _, ch := range res.StatChanges {
		out.StatChanges = append(out.StatChanges, statChangeJSON{Key: ch.Key, Delta: ch.Delta})
	}
	return out
}
