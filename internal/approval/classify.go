package approval

import (
	"strings"

	"github.com/coreclaw/coreclaw/internal/store"
)

// Classify maps a human edit to a change type via the word-set difference
// ratio. Both texts are tokenised by whitespace, lower-cased; the ratio is
// the count of words unique to either side over twice the larger word count.
//
// An empty edited body is a rejection regardless of the original.
func Classify(original, edited string) (store.ChangeType, float64) {
	if strings.TrimSpace(edited) == "" {
		return store.ChangeRejection, 1.0
	}

	origWords := wordSet(original)
	editWords := wordSet(edited)

	changed := 0
	for w := range editWords {
		if _, ok := origWords[w]; !ok {
			changed++
		}
	}
	for w := range origWords {
		if _, ok := editWords[w]; !ok {
			changed++
		}
	}

	total := len(origWords)
	if len(editWords) > total {
		total = len(editWords)
	}
	if total == 0 {
		return store.ChangeMinorEdit, 0
	}

	ratio := float64(changed) / float64(2*total)
	switch {
	case ratio > 0.5:
		return store.ChangeMajorRewrite, ratio
	case ratio > 0.2:
		return store.ChangeToneChange, ratio
	default:
		return store.ChangeMinorEdit, ratio
	}
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}
