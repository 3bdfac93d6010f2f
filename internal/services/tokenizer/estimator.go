// Package tokenizer provides the token cost heuristic shared by every
// trimming decision in the gateway. It is an approximation (4 characters
// per token), not a real tokenizer.
package tokenizer

// CharsPerToken is the fixed heuristic ratio between characters and tokens.
const CharsPerToken = 4

// Estimate returns the approximate token count of text: ceil(len/4).
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
