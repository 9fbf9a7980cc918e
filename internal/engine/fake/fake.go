// Package fake provides a deterministic offline Engine for development and
// tests: same inputs, same story, no network.
package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/taleweaver-ai/taleweaver/internal/engine"
	"github.com/taleweaver-ai/taleweaver/internal/scene"
)

// Engine is seeded from the turn inputs, so replays of a run reproduce it.
type Engine struct{}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{}
}

// NextTurn implements engine.Engine.
func (e *Engine) NextTurn(ctx context.Context, currentSceneText, playerChoice string, tc engine.TurnContext) (*engine.TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(tc.World.Era))
	h.Write([]byte(tc.World.Location))
	h.Write([]byte(currentSceneText))
	h.Write([]byte(playerChoice))
	rnd := rand.New(rand.NewSource(int64(h.Sum64())))

	placeHint := "the air smells of campfire and wet earth"
	switch strings.ToUpper(tc.World.Setting) {
	case "CYBERPUNK":
		placeHint = "neon rain glitters on the wet asphalt"
	case "POSTAPOC":
		placeHint = "the wind drives dust past a creaking rusted sign"
	}

	toneHint := "the thrill of adventure hangs ahead"
	switch strings.ToUpper(tc.World.Tone) {
	case "DARK":
		toneHint = "the shadows thicken, and any decision may cost dearly"
	case "COMEDY":
		toneHint = "everything looks serious, but fate is clearly in a joking mood"
	}

	sceneText := fmt.Sprintf("(%s, %s) %s. %s. You take a step and notice a fork in the path.",
		tc.World.Era, tc.World.Location, placeHint, toneHint)

	hpDelta := rnd.Intn(4)
	if rnd.Intn(2) == 0 {
		hpDelta = -(rnd.Intn(5) + 1)
	}
	goldDelta := 0
	if rnd.Intn(100) < 35 {
		goldDelta = rnd.Intn(11) + 1
	}
	var changes []scene.StatChange
	if hpDelta != 0 {
		changes = append(changes, scene.StatChange{Key: "hp", Delta: hpDelta})
	}
	if goldDelta != 0 {
		changes = append(changes, scene.StatChange{Key: "gold", Delta: goldDelta})
	}

	outcome := "Luck holds and everything goes smoothly."
	if hpDelta < 0 {
		outcome = "You pay for the risk with your health."
	}

	risk := 10
	return &engine.TurnResult{
		SceneName:   "Scene",
		SceneText:   sceneText,
		Choices:     []string{"Take the risk and act", "Carefully fall back"},
		OutcomeText: outcome,
		HeroMind:    "Worth the risk, but caution would not hurt.",
		Goal:        "Find a safe way past the fork.",
		DayWeather:  "Day, clear",
		Terrain:     "Plains",
		DeathRisk:   &risk,
		Mode:        scene.ModeStory,
		StatChanges: changes,
	}, nil
}

// Describe implements engine.Engine.
func (e *Engine) Describe(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "A quiet coastal town on the edge of a storm, where magic and machinery fight for power.", nil
}
