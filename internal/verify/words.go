package verify

import "math/rand/v2"

// ChallengeWordPool is the fixed vocabulary the speech challenge draws from.
// Short, common fruit names: easy to say, easy for speech models to hear.
var ChallengeWordPool = []string{
	"apple", "lemon", "lime", "mango", "orange", "peach", "pineapple", "watermelon",
}

// DefaultNumWords is how many words an attempt must repeat.
const DefaultNumWords = 3

// DefaultNumTries bounds verification attempts before the call hangs up.
const DefaultNumTries = 3

// ChallengeWords samples n distinct words from the pool. n is clamped to the
// pool size.
func ChallengeWords(n int) []string {
	if n <= 0 {
		n = DefaultNumWords
	}
	if n > len(ChallengeWordPool) {
		n = len(ChallengeWordPool)
	}
	perm := rand.Perm(len(ChallengeWordPool))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ChallengeWordPool[perm[i]]
	}
	return out
}
