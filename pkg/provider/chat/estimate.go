package chat

import "strings"

// EstimateTokens returns a deterministic token estimate for a single piece of
// text: ceil(len(trimmed)/4), with a floor of 1 for non-empty text. It is a
// deliberately crude approximation used for cost telemetry when the backend
// does not report usage.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := (len(trimmed) + estimateCharsPerToken - 1) / estimateCharsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessages sums [EstimateTokens] over the content of all messages.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
