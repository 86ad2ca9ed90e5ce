package contextsearch

import (
	"math"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

// Helpers shared by providers so every source scores matches the same way.

// MatchName compares an entity value with a candidate name. Folded equality
// is an exact match; whole-word containment either way is a partial match
// scored by length ratio.
func MatchName(value, candidate string) (core.MatchKind, float64, bool) {
	v, c := core.Fold(value), core.Fold(candidate)
	if v == "" || c == "" {
		return 0, 0, false
	}
	if v == c {
		return core.MatchExact, 1, true
	}
	short, long := v, c
	if len(short) > len(long) {
		short, long = long, short
	}
	if !containsWord(long, short) {
		return 0, 0, false
	}
	return core.MatchPartial, float64(len(short)) / float64(len(long)), true
}

func containsWord(s, sub string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], sub)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(sub)
		if (start == 0 || s[start-1] == ' ') && (end == len(s) || s[end] == ' ') {
			return true
		}
		i = start + 1
	}
}

// MatchDate scores how close candidate is to want. Dates within window
// match structurally with relevance falling linearly to zero at the edge.
func MatchDate(want, candidate time.Time, window time.Duration) (core.MatchKind, float64, bool) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	d := candidate.Sub(want)
	if d < 0 {
		d = -d
	}
	if d > window {
		return 0, 0, false
	}
	return core.MatchStructured, 1 - float64(d)/float64(window), true
}

// MatchAmount matches amounts equal to the cent
func MatchAmount(want, candidate float64) (core.MatchKind, float64, bool) {
	if math.Abs(want-candidate) < 0.005 {
		return core.MatchStructured, 1, true
	}
	return 0, 0, false
}

// Snippet collapses whitespace in s and cuts it to at most max runes
func Snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "..."
}
