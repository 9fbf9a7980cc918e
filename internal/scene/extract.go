package scene

import (
	"regexp"
	"strings"
)

// ExtractObject returns the first balanced JSON object in text, or "" when
// none is found. Brace matching is string and escape aware so braces inside
// quoted values do not confuse the depth counter. Trailing text after the
// object (including further objects) is discarded.
func ExtractObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// Single-quoted values ahead of a closing brace or comma. Models occasionally
// emit these instead of double quotes.
var singleQuotedValueRe = regexp.MustCompile(`:\s*'([^']*)'(\s*[},])`)

// SanitizeArtifacts removes markdown bold markers and requotes single-quoted
// string values so the block becomes decodable JSON.
func SanitizeArtifacts(jsonText string) string {
	out := strings.ReplaceAll(jsonText, "**", "")
	return singleQuotedValueRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := singleQuotedValueRe.FindStringSubmatch(m)
		value := strings.ReplaceAll(sub[1], `"`, `\"`)
		return `: "` + value + `"` + sub[2]
	})
}

// EscapeNewlinesInStrings replaces literal newlines that occur inside JSON
// string values with the \n escape. Newlines between tokens are kept.
func EscapeNewlinesInStrings(jsonText string) string {
	var out strings.Builder
	out.Grow(len(jsonText) + 16)
	inString := false
	escaped := false
	for i := 0; i < len(jsonText); i++ {
		ch := jsonText[i]
		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			out.WriteByte(ch)
			escaped = true
		case '"':
			out.WriteByte(ch)
			inString = !inString
		case '\n', '\r':
			if inString {
				out.WriteString(`\n`)
			} else {
				out.WriteByte(ch)
			}
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

// keyAliases maps the snake_case keys (and observed misspellings, including
// one with a Cyrillic letter) onto the canonical camelCase schema keys.
var keyAliases = [][2]string{
	{`"scene_name"`, `"sceneName"`},
	{`"scene_descr"`, `"sceneDescr"`},
	{`"scene_desc"`, `"sceneDescr"`},
	{"\"scene_descр\"", `"sceneDescr"`},
	{`"var_left"`, `"varLeft"`},
	{`"var_right"`, `"varRight"`},
	{`"hero_mind"`, `"heroMind"`},
	{`"day_weather"`, `"dayWeather"`},
	{`"dead_prc"`, `"deadPrc"`},
	{`"image_prompt"`, `"imagePrompt"`},
	{`"combat_outcome"`, `"combatOutcome"`},
	{`"stat_changes"`, `"statChanges"`},
}

// NormalizeKeys rewrites known snake_case key spellings to the canonical
// schema keys.
func NormalizeKeys(jsonText string) string {
	out := jsonText
	for _, pair := range keyAliases {
		out = strings.ReplaceAll(out, pair[0], pair[1])
	}
	return out
}
