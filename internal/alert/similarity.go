package alert

import (
	"strings"
	"time"
	"unicode"
)

// Strategy selects how duplicates are detected inside the dedupe window.
type Strategy string

const (
	// StrategyExact matches alerts with the same fingerprint.
	StrategyExact Strategy = "exact"
	// StrategyFuzzy averages per-field string similarity over the
	// fingerprint fields.
	StrategyFuzzy Strategy = "fuzzy"
	// StrategyContent compares the word sets of the content fields.
	StrategyContent Strategy = "content"
	// StrategyWindowed matches the same fingerprint inside the same fixed
	// window bucket rather than a sliding window.
	StrategyWindowed Strategy = "windowed"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExact, StrategyFuzzy, StrategyContent, StrategyWindowed:
		return true
	}
	return false
}

// DefaultContentFields are compared by the content strategy.
var DefaultContentFields = []string{"title", "description", "message"}

type matcher struct {
	strategy      Strategy
	threshold     float64
	window        time.Duration
	fields        []string
	dataFields    []string
	contentFields []string
}

func (m matcher) duplicate(candidate, existing *Alert) bool {
	switch m.strategy {
	case StrategyFuzzy:
		return m.fuzzy(candidate, existing) >= m.threshold
	case StrategyContent:
		return candidate.Type == existing.Type && m.content(candidate, existing) >= m.threshold
	case StrategyWindowed:
		return candidate.Fingerprint == existing.Fingerprint &&
			bucket(candidate.ReceivedAt, m.window) == bucket(existing.ReceivedAt, m.window)
	default:
		return candidate.Fingerprint == existing.Fingerprint
	}
}

func bucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	return t.UnixNano() / int64(window)
}

func (m matcher) fuzzy(a, b *Alert) float64 {
	var sum float64
	var n int
	compare := func(x, y string) {
		if x == "" && y == "" {
			return
		}
		sum += Similarity(x, y)
		n++
	}
	top, other := a.Fields(), b.Fields()
	for _, f := range m.fields {
		compare(stringField(top, f), stringField(other, f))
	}
	for _, f := range m.dataFields {
		compare(a.LookupString(f), b.LookupString(f))
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stringField(m map[string]interface{}, f string) string {
	if s, ok := m[f].(string); ok {
		return s
	}
	return ""
}

func (m matcher) content(a, b *Alert) float64 {
	var x, y []string
	for _, f := range m.contentFields {
		x = append(x, a.LookupString(f))
		y = append(y, b.LookupString(f))
	}
	return Jaccard(tokens(strings.Join(x, " ")), tokens(strings.Join(y, " ")))
}

// Similarity returns 1 - levenshtein(a,b)/max(len(a),len(b)), case-insensitive.
func Similarity(a, b string) float64 {
	ra, rb := []rune(strings.ToLower(a)), []rune(strings.ToLower(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	longest := max(len(ra), len(rb))
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = true
	}
	return out
}

// Jaccard is |a∩b| / |a∪b| over two word sets. Two empty sets score 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
