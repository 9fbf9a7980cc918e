// Package engine drives a narrative run: it owns the conversation with the
// language model, enforces the scene protocol on the model's replies, and
// degrades to fallback scenes when the model or the network gives up.
//
// A single Engine instance is owned by one run. Turns within a run are
// serialized; concurrent NextTurn calls queue on an internal lock.
package engine

import (
	"context"
	"strings"

	"github.com/taleweaver-ai/taleweaver/internal/scene"
)

// Run phases. A run opens with a short prologue (steps 0..2) that sets up the
// world before switching to free play.
const (
	PhasePrologue = "PROLOGUE"
	PhaseRunning  = "RUNNING"
)

// ChoiceStart is the sentinel choice that begins or restarts a run.
const ChoiceStart = "START"

// TurnContext carries the run state the engine needs for one turn.
type TurnContext struct {
	World scene.World
	Hero  scene.Hero
	Phase string
	Step  int
}

// Restart reports whether this turn is the restart signal: prologue start
// with the START choice. The engine wipes all run state when it sees one.
func (tc TurnContext) Restart(playerChoice string) bool {
	return strings.EqualFold(tc.Phase, PhasePrologue) && tc.Step == 0 && playerChoice == ChoiceStart
}

// TurnResult is one resolved turn. Choices always holds exactly two
// non-blank entries. TokensTotal is the running token count for the whole
// run, not this turn alone.
type TurnResult struct {
	SceneName   string
	SceneText   string
	Choices     []string
	OutcomeText string
	HeroMind    string
	Goal        string
	DayWeather  string
	Terrain     string
	DeathRisk   *int
	ImagePrompt string
	Mode        scene.Mode
	Outcome     scene.CombatOutcome
	StatChanges []scene.StatChange
	TokensTotal int
}

// Engine produces story turns.
type Engine interface {
	// NextTurn advances the story given the current scene text and the
	// player's choice. It degrades to a fallback scene rather than failing
	// when the model misbehaves; an error means the turn could not run at
	// all (cancelled context, fatal auth failure).
	NextTurn(ctx context.Context, currentSceneText, playerChoice string, tc TurnContext) (*TurnResult, error)

	// Describe runs a one-shot free-text completion outside the run
	// transcript, used for setting descriptions and similar side content.
	Describe(ctx context.Context, prompt string) (string, error)
}
