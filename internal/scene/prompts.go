package scene

import (
	"fmt"
	"regexp"
	"strings"
)

// World describes the narrative frame a run plays in.
type World struct {
	Setting  string
	Era      string
	Location string
	Tone     string
}

// Hero is the player character sheet the prompts reference.
type Hero struct {
	Name      string
	Class     string
	Strength  int
	Agility   int
	Intellect int
	Charisma  int
}

// Seed is the plot and goal fixed at the start of a run. It is generated once
// through a side conversation and then pinned into every system prompt so the
// model cannot drift away from its own setup.
type Seed struct {
	Plot string
	Goal string
}

// settingInfo backs the setting registry. Historical settings get extra
// era-accuracy rules and lose access to magic.
type settingInfo struct {
	description string
	historical  bool
}

var settings = map[string]settingInfo{
	"FANTASY":   {description: "medieval fantasy"},
	"CYBERPUNK": {description: "cyberpunk"},
	"POSTAPOC":  {description: "post-apocalypse"},
	"SMUTA":     {description: "the Time of Troubles in 17th-century Russia", historical: true},
	"PETR1":     {description: "Russia under Peter the Great (late 17th to early 18th century)", historical: true},
	"WAR1812":   {description: "the Patriotic War of 1812 in Russia", historical: true},
}

// SettingDescription resolves a setting key to its prose description.
// Unknown keys fall back to medieval fantasy.
func SettingDescription(key string) string {
	if info, ok := settings[normalizeSetting(key)]; ok {
		return info.description
	}
	return settings["FANTASY"].description
}

// IsHistorical reports whether the setting demands era accuracy.
func IsHistorical(key string) bool {
	return settings[normalizeSetting(key)].historical
}

func normalizeSetting(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

const historicalRules = `
*   **Historical accuracy:** no magic, no fantasy elements, no anachronisms.
*   **Period fidelity:** events, daily life, weapons, titles and geography must match the era.
*   **Period language:** use era-appropriate terms (ranks, estates, offices, military vocabulary), phrased so a school student can follow.
*   **Period events:** ground every scene in real events, figures and cause-and-effect of the chosen period.
*   **Teaching format:** work 1-2 short facts useful for studying the era into scene_descr.
`

// SystemPrompt builds the game-master instruction for a setting. The seed
// block is embedded when the seed carries content, pinning plot and goal.
func SystemPrompt(settingKey string, seed Seed) string {
	key := normalizeSetting(settingKey)
	gameType := SettingDescription(key)
	historical := IsHistorical(key)

	intro := "Your task is to be the Game Master of a text RPG."
	rules := ""
	if historical {
		intro = "Your task is to be the Master of an interactive historical story."
		rules = historicalRules
	}

	return strings.TrimSpace(fmt.Sprintf(`
%s You are in full control of the game: develop the plot, the scenes and the choices.

%s

### 1. Core rules

*   **Setting:** %q.
*   **Prologue:** the first scene describes the backstory, the world, the hero and the hero's goal.
*   **Length:** plan the story for at least 500 turns (scenes).
*   **Danger:** the player can die. At the start of every turn compute the **death risk** (dead_prc), the probability of dying in percent.
*   **Combat:** fights last at most 5 turns and must stay realistic.
*   **Living world:**
    *   **Time of day:** day turns to night every 3-5 turns.
    *   **Weather:** changes with time and terrain (mountains, sea, and so on).
*   **Smart NPCs:** enemies act sensibly (set ambushes, call for backup).
*   **Survival:** the hero must eat, drink and sleep or risk dying of exhaustion.
*   **Interaction:** expect exactly two possible answers from the player.
%s

### 2. Response format (JSON)

Your reply is **always** a single JSON object, with no length limit.
Every attribute must be filled in. No text outside the JSON.

*   scene_name (String): scene title.
*   scene_descr (String): detailed scene description implying exactly two possible continuations. Do not list the choices here.
*   var_left (String): text of the first choice.
*   var_right (String): text of the second choice.
*   hero_mind (String): the hero's thoughts on which option to lean toward, taking dead_prc into account.
*   goal (String): the hero's current goal. **Set in the prologue** and **unchanged** until achieved.
*   day_weather (String): time of day and weather (at most 3 words).
*   terrain (String): name of the terrain (for example "Forest", "City", "Mountains").
*   dead_prc (Integer): death probability in percent (0-100).
`, intro, seed.Block(), gameType, rules))
}

// Block renders the pinned plot-and-goal section, or "" for an empty seed.
func (s Seed) Block() string {
	plot := strings.TrimSpace(s.Plot)
	goal := strings.TrimSpace(s.Goal)
	if plot == "" && goal == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("### Plot and goal (fixed)\n")
	if plot != "" {
		b.WriteString("Plot: " + plot + "\n")
	}
	if goal != "" {
		b.WriteString("Goal: " + goal + "\n")
	}
	b.WriteString("Do not change the plot or the goal until the goal is achieved.")
	return b.String()
}

// SeedPrompt asks the model for a plot and goal in a fixed two-line format.
func SeedPrompt(settingKey string) string {
	return fmt.Sprintf(`Invent a plot and a clear goal for a text RPG.
Setting: %q.
Answer in two lines:
Plot: ...
Goal: ...`, SettingDescription(settingKey))
}

var (
	choicePrefixRe = regexp.MustCompile(`(?i)^\s*(LEFT|RIGHT)\s*:\s*`)
	// Models punctuate the label with a colon, a hyphen, or a typographic
	// dash, depending on their mood.
	labeledLineRe = func(label string) *regexp.Regexp {
		return regexp.MustCompile(`(?im)^\s*` + label + `\s*[:\-–—]\s*(.+?)\s*$`)
	}
	plotLineRe = labeledLineRe("Plot")
	goalLineRe = labeledLineRe("Goal")
)

// ParseSeed recovers a Seed from free-form seed-prompt output. Labeled lines
// are preferred; without them the first two non-blank lines serve, and as a
// last resort the first 300 characters become the plot.
func ParseSeed(raw string) Seed {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Seed{}
	}
	var seed Seed
	if m := plotLineRe.FindStringSubmatch(raw); m != nil {
		seed.Plot = strings.TrimSpace(m[1])
	}
	if m := goalLineRe.FindStringSubmatch(raw); m != nil {
		seed.Goal = strings.TrimSpace(m[1])
	}
	if seed.Plot == "" && seed.Goal == "" {
		var lines []string
		for _, ln := range strings.Split(raw, "\n") {
			if ln = strings.TrimSpace(ln); ln != "" {
				lines = append(lines, ln)
			}
		}
		if len(lines) > 0 {
			seed.Plot = lines[0]
		}
		if len(lines) > 1 {
			seed.Goal = lines[1]
		}
	}
	if seed.Plot == "" {
		plot := raw
		if len(plot) > 300 {
			plot = plot[:300]
		}
		seed.Plot = strings.TrimSpace(plot)
	}
	return seed
}

// UserPrompt converts a player choice into the message sent to the model.
// "LEFT:..." and "RIGHT:..." collapse to "1" and "2"; free text passes
// through with any direction prefix stripped; a blank choice means carry on.
func UserPrompt(choice string) string {
	trimmed := strings.TrimSpace(choice)
	switch {
	case hasFoldPrefix(trimmed, "LEFT"):
		return "1"
	case hasFoldPrefix(trimmed, "RIGHT"):
		return "2"
	}
	cleaned := strings.TrimSpace(choicePrefixRe.ReplaceAllString(trimmed, ""))
	if cleaned == "" {
		return "CONTINUE"
	}
	return cleaned
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// RepairPrompt asks the model to reformat a malformed reply as strict JSON.
// The offending output is embedded so the model can salvage its own content.
func RepairPrompt(raw string) string {
	return "Answer strictly with JSON in the format from the system message. " +
		"No line breaks inside values. Escape quotes and special characters. " +
		"Return exactly one JSON object. Your previous answer:\n" + raw
}

var spacesRe = regexp.MustCompile(`[ \t]+`)

// BackgroundPrompt builds an image prompt for a wide, characterless
// environment shot of the world.
func BackgroundPrompt(w World) string {
	out := fmt.Sprintf(`%s. %s, %s. %s.
Scene: atmospheric environment backdrop, wide shot, no characters, no text.
Style: digital illustration, cinematic, realistic, highly detailed.
Constraints: no captions, no watermarks, no logos.`,
		SettingDescription(w.Setting), w.Era, w.Location, tonePhrase(w.Tone))
	return strings.TrimSpace(spacesRe.ReplaceAllString(out, " "))
}

// CardPrompt builds an image prompt for a portrait-format scene card showing
// the hero in the current moment of the story.
func CardPrompt(w World, h Hero, sceneText, outcomeText string) string {
	out := fmt.Sprintf(`%s. %s, %s. %s.
Hero: %s, class: %s.
Frame: %s
Style: digital illustration, cinematic, realistic, highly detailed, 3:4 portrait.
Constraints: no text, no captions, no watermarks, no logos.`,
		SettingDescription(w.Setting), w.Era, w.Location, tonePhrase(w.Tone),
		h.Name, h.Class, cardStory(sceneText, outcomeText))
	return strings.TrimSpace(spacesRe.ReplaceAllString(out, " "))
}

func tonePhrase(tone string) string {
	switch strings.ToUpper(strings.TrimSpace(tone)) {
	case "DARK":
		return "grim atmosphere, dramatic light, deep shadows"
	case "COMEDY":
		return "light tone, warm light, gentle framing"
	default:
		return "adventurous tone, cinematic"
	}
}

// cardStory merges outcome and scene text into a single shot description,
// capped at roughly a sentence or two.
func cardStory(sceneText, outcomeText string) string {
	const max = 220

	merged := strings.TrimSpace(outcomeText)
	if merged != "" {
		merged += ". "
	}
	merged += strings.TrimSpace(sceneText)
	merged = strings.TrimSpace(spacesRe.ReplaceAllString(strings.ReplaceAll(merged, "\n", " "), " "))

	if len(merged) <= max {
		return merged
	}
	cut := merged[:max]
	last := -1
	for _, p := range []string{".", "!", "?"} {
		if i := strings.LastIndex(cut, p); i > last {
			last = i
		}
	}
	if last >= 90 {
		return strings.TrimSpace(cut[:last+1])
	}
	return strings.TrimSpace(cut) + "..."
}
