// Package scene implements the wire protocol between the narrative engine and
// the language model: prompt construction, extraction of a scene object from
// free-form model output, repair of common formatting artifacts, and tolerant
// decoding of the scene fields.
package scene

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Mode distinguishes ordinary narration from combat turns.
type Mode string

const (
	ModeStory  Mode = "STORY"
	ModeCombat Mode = "COMBAT"
)

// CombatOutcome is set when a combat sequence resolves.
type CombatOutcome string

const (
	OutcomeVictory CombatOutcome = "VICTORY"
	OutcomeDeath   CombatOutcome = "DEATH"
	OutcomeEscape  CombatOutcome = "ESCAPE"
)

// StatChange is a delta applied to a named hero stat.
type StatChange struct {
	Key   string `json:"key"`
	Delta int    `json:"delta"`
}

// Scene is one decoded turn of the story protocol.
//
// All string fields are trimmed. DeathRisk is nil when the model omitted the
// value or produced something unparseable. CombatOutcome is empty outside
// combat resolution.
type Scene struct {
	Name        string
	Description string
	ChoiceLeft  string
	ChoiceRight string
	HeroMind    string
	Goal        string
	DayWeather  string
	Terrain     string
	DeathRisk   *int
	ImagePrompt string
	Mode        Mode
	Outcome     CombatOutcome
	StatChanges []StatChange
}

// wireScene mirrors the JSON schema the model is instructed to emit, after
// key normalization. DeadPrc stays raw because models return it as a number,
// a quoted number, a percent string or a 0..1 fraction.
type wireScene struct {
	SceneName     string          `json:"sceneName"`
	SceneDescr    string          `json:"sceneDescr"`
	VarLeft       string          `json:"varLeft"`
	VarRight      string          `json:"varRight"`
	HeroMind      string          `json:"heroMind"`
	Goal          string          `json:"goal"`
	DayWeather    string          `json:"dayWeather"`
	Terrain       string          `json:"terrain"`
	DeadPrc       json.RawMessage `json:"deadPrc"`
	ImagePrompt   string          `json:"imagePrompt"`
	Mode          string          `json:"mode"`
	CombatOutcome string          `json:"combatOutcome"`
	StatChanges   []StatChange    `json:"statChanges"`
}

var numberRe = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// ParseDeathRisk turns the raw deadPrc value into a clamped percentage.
// Fractions in [0, 1] are treated as probabilities and scaled to percent.
// Returns nil when no number can be found.
func ParseDeathRisk(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	match := numberRe.FindString(s)
	if match == "" {
		return nil
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", "."), 64)
	if err != nil {
		return nil
	}
	var pct int
	if n >= 0 && n <= 1 {
		pct = int(math.Round(n * 100))
	} else {
		pct = int(math.Round(n))
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return &pct
}

func parseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeCombat)) {
		return ModeCombat
	}
	return ModeStory
}

func parseOutcome(s string) CombatOutcome {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(OutcomeVictory):
		return OutcomeVictory
	case string(OutcomeDeath):
		return OutcomeDeath
	case string(OutcomeEscape):
		return OutcomeEscape
	default:
		return ""
	}
}

func fromWire(w wireScene) *Scene {
	return &Scene{
		Name:        strings.TrimSpace(w.SceneName),
		Description: strings.TrimSpace(w.SceneDescr),
		ChoiceLeft:  strings.TrimSpace(w.VarLeft),
		ChoiceRight: strings.TrimSpace(w.VarRight),
		HeroMind:    strings.TrimSpace(w.HeroMind),
		Goal:        strings.TrimSpace(w.Goal),
		DayWeather:  strings.TrimSpace(w.DayWeather),
		Terrain:     strings.TrimSpace(w.Terrain),
		DeathRisk:   ParseDeathRisk(w.DeadPrc),
		ImagePrompt: strings.TrimSpace(w.ImagePrompt),
		Mode:        parseMode(w.Mode),
		Outcome:     parseOutcome(w.CombatOutcome),
		StatChanges: w.StatChanges,
	}
}
