package verify

import "strings"

// The speech challenge tolerates transcription noise: the worker's transcript
// may contain filler words around the expected ones, but the expected words
// must all appear, in order. Exact equality would fail honest workers on
// every "uh"; multiset matching would pass shuffled word salads.

// NormalizeWords lower-cases s and splits it on anything that is not a letter
// or an apostrophe, dropping empties. "Apple, then a-LIME!" becomes
// ["apple", "then", "a", "lime"].
func NormalizeWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	})
}

// IsSubsequence reports whether every element of expected appears in heard at
// strictly increasing positions.
func IsSubsequence(expected, heard []string) bool {
	i := 0
	for _, w := range heard {
		if i == len(expected) {
			break
		}
		if w == expected[i] {
			i++
		}
	}
	return i == len(expected)
}

// Matches runs the full pass/fail decision for a raw transcript. expected is
// assumed to be already normalized (the stored challenge words are).
func Matches(expected []string, transcript string) bool {
	if len(expected) == 0 {
		return false
	}
	return IsSubsequence(expected, NormalizeWords(transcript))
}
