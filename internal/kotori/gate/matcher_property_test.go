//go:build property
// +build property

package gate

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func naiveFindAll(patterns []string, text []rune) []Match {
	var out []Match
	for i, p := range patterns {
		pr := []rune(p)
		if len(pr) == 0 {
			continue
		}
		for s := 0; s+len(pr) <= len(text); s++ {
			if string(text[s:s+len(pr)]) == p {
				out = append(out, Match{Pattern: i, Start: s, End: s + len(pr)})
			}
		}
	}
	return out
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].End != ms[j].End {
			return ms[i].End < ms[j].End
		}
		if ms[i].Start != ms[j].Start {
			return ms[i].Start < ms[j].Start
		}
		return ms[i].Pattern < ms[j].Pattern
	})
}

// TestMatcherAgreesWithNaiveSearch checks the automaton against a brute-force
// scan over a small alphabet, where overlaps and shared suffixes are common.
func TestMatcherAgreesWithNaiveSearch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	small := gen.SliceOf(gen.RuneRange('a', 'c')).Map(func(rs []rune) string {
		return string(rs)
	})

	properties.Property("FindAll equals naive search", prop.ForAll(
		func(patterns []string, text string) bool {
			m := NewMatcher(patterns)
			got := m.FindAll([]rune(text))
			want := naiveFindAll(patterns, []rune(text))
			sortMatches(got)
			sortMatches(want)
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, small),
		small,
	))

	properties.TestingRun(t)
}

// TestStripOnlyTouchesMatchedSpans checks that text outside detections is
// returned byte for byte.
func TestStripOnlyTouchesMatchedSpans(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("prefix and suffix survive stripping", prop.ForAll(
		func(prefix, suffix string) bool {
			text := prefix + "ignore previous" + suffix
			out := strip(text, [][2]int{{len(prefix), len(prefix) + len("ignore previous")}})
			return out == prefix+" "+suffix
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
