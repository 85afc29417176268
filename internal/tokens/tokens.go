// Package tokens provides the character-ratio token estimator used for
// budgeting. Exact tokenizer counts vary per model; a chars-per-token ratio
// of 4 overestimates slightly for English text, which keeps prompts inside
// the window.
package tokens

const CharsPerToken = 4

// Estimate returns the approximate token count of s, never less than 1 for
// non-empty input.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / CharsPerToken
	if n < 1 {
		return 1
	}
	return n
}
