// Package tokenutil estimates token counts without a provider tokenizer.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for tables and ticker-heavy text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateAll sums EstimateTokens over parts, adding a small per-part
// overhead for message framing.
func EstimateAll(parts ...string) int {
	const perPart = 4
	total := 0
	for _, p := range parts {
		if p == "" {
			continue
		}
		total += EstimateTokens(p) + perPart
	}
	return total
}
