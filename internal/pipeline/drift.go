package pipeline

import (
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Drift is the rune-level edit distance between original and rewritten
// text, relative to the longer of the two. 0 means identical, 1 means
// nothing in common.
func Drift(original, rewritten string) float64 {
	a, b := []rune(original), []rune(rewritten)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	opts := levenshtein.Options{
		InsCost: 1,
		DelCost: 1,
		SubCost: 1,
		Matches: levenshtein.IdenticalRunes,
	}
	return float64(levenshtein.DistanceForStrings(a, b, opts)) / float64(longest)
}
