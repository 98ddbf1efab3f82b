package gate

import (
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Match is one occurrence of a pattern, in rune indices of the searched
// text. End is exclusive.
type Match struct {
	Pattern int
	Start   int
	End     int
}

// Matcher finds every occurrence of a fixed set of patterns in a single pass
// (Aho-Corasick). It is immutable after construction and safe for concurrent
// use.
type Matcher struct {
	nodes   []acNode
	lengths []int
}

type acNode struct {
	next map[rune]int32
	fail int32
	out  []int32
}

// NewMatcher builds the automaton. Empty patterns never match.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{
		nodes:   []acNode{{next: map[rune]int32{}}},
		lengths: make([]int, len(patterns)),
	}

	for i, p := range patterns {
		runes := []rune(p)
		m.lengths[i] = len(runes)
		if len(runes) == 0 {
			continue
		}
		cur := int32(0)
		for _, r := range runes {
			nxt, ok := m.nodes[cur].next[r]
			if !ok {
				m.nodes = append(m.nodes, acNode{next: map[rune]int32{}})
				nxt = int32(len(m.nodes) - 1)
				m.nodes[cur].next[r] = nxt
			}
			cur = nxt
		}
		m.nodes[cur].out = append(m.nodes[cur].out, int32(i))
	}

	// Breadth-first so that a node's fail target is finished before the node.
	queue := make([]int32, 0, len(m.nodes))
	for _, child := range m.nodes[0].next {
		m.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for r, child := range m.nodes[cur].next {
			f := m.nodes[cur].fail
			for {
				if nxt, ok := m.nodes[f].next[r]; ok && nxt != child {
					m.nodes[child].fail = nxt
					break
				}
				if f == 0 {
					m.nodes[child].fail = 0
					break
				}
				f = m.nodes[f].fail
			}
			fail := m.nodes[child].fail
			if len(m.nodes[fail].out) > 0 {
				out := make([]int32, 0, len(m.nodes[child].out)+len(m.nodes[fail].out))
				out = append(out, m.nodes[child].out...)
				out = append(out, m.nodes[fail].out...)
				m.nodes[child].out = out
			}
			queue = append(queue, child)
		}
	}
	return m
}

// FindAll returns every match, overlapping ones included, ordered by end
// position.
func (m *Matcher) FindAll(text []rune) []Match {
	var matches []Match
	state := int32(0)
	for i, r := range text {
		for {
			if nxt, ok := m.nodes[state].next[r]; ok {
				state = nxt
				break
			}
			if state == 0 {
				break
			}
			state = m.nodes[state].fail
		}
		for _, p := range m.nodes[state].out {
			matches = append(matches, Match{Pattern: int(p), Start: i + 1 - m.lengths[p], End: i + 1})
		}
	}
	return matches
}

// normalized is the matching form of a text together with, for each rune,
// the byte span of the source rune it came from.
type normalized struct {
	runes []rune
	start []int
	end   []int
}

// normalize applies NFKC, Unicode case folding and whitespace collapsing,
// and drops format characters such as zero-width spaces, so fullwidth or
// zero-width-split spellings of a phrase normalise to the plain phrase.
func normalize(s string) normalized {
	fold := cases.Fold()
	n := normalized{
		runes: make([]rune, 0, len(s)),
		start: make([]int, 0, len(s)),
		end:   make([]int, 0, len(s)),
	}
	emit := func(r rune, from, to int) {
		if unicode.IsSpace(r) {
			if len(n.runes) == 0 || n.runes[len(n.runes)-1] == ' ' {
				return
			}
			r = ' '
		}
		n.runes = append(n.runes, r)
		n.start = append(n.start, from)
		n.end = append(n.end, to)
	}

	for i, r := range s {
		width := len(string(r))
		if unicode.Is(unicode.Cf, r) {
			continue
		}
		if unicode.IsSpace(r) {
			emit(' ', i, i+width)
			continue
		}
		if r < unicode.MaxASCII {
			emit(unicode.ToLower(r), i, i+width)
			continue
		}
		for _, fr := range fold.String(norm.NFKC.String(string(r))) {
			emit(fr, i, i+width)
		}
	}
	return n
}

// normalizePattern brings a signature into the matching form.
func normalizePattern(p string) string {
	n := normalize(p)
	runes := n.runes
	for len(runes) > 0 && runes[len(runes)-1] == ' ' {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}
