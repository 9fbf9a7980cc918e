package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoObject is returned when the model output contains no balanced JSON
// object at all.
var ErrNoObject = errors.New("scene: no JSON object in model output")

// Parse runs the full repair pipeline over raw model output and decodes the
// scene. The pipeline is: extract the first balanced object, strip formatting
// artifacts, escape literal newlines inside string values, normalize key
// spellings, decode.
func Parse(raw string) (*Scene, error) {
	block := ExtractObject(raw)
	if block == "" {
		return nil, ErrNoObject
	}
	normalized := NormalizeKeys(EscapeNewlinesInStrings(SanitizeArtifacts(block)))

	var w wireScene
	if err := json.Unmarshal([]byte(normalized), &w); err != nil {
		return nil, fmt.Errorf("scene: decode: %w", err)
	}
	return fromWire(w), nil
}

// ExtractField pulls a single string field out of raw model output, applying
// the same repair pipeline. Used as a fallback when individual fields survive
// a decode that the full struct did not, or when a field decoded blank.
// Returns "" when the field is absent or the block is undecodable.
func ExtractField(raw, key string) string {
	block := ExtractObject(raw)
	if block == "" {
		return ""
	}
	normalized := NormalizeKeys(EscapeNewlinesInStrings(SanitizeArtifacts(block)))

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &obj); err != nil {
		return ""
	}
	val, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(strings.Trim(string(val), `"`))
}
