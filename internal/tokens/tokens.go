// Package tokens estimates token counts without a model-specific tokenizer.
package tokens

import "unicode/utf8"

// Estimate approximates tokens as one per four runes, rounded up.
func Estimate(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
