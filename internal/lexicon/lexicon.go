package lexicon

import (
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
)

// Query describes the words RandomMatching may return.
type Query struct {
	MinLen int
	// Prefix restricts results to words starting with it.
	Prefix string
	// Required is a letter every result must contain, 0 for none.
	Required byte
	// Banned letters must not appear in a result.
	Banned []byte
	// Exclude is a set of words that must not be returned, usually the used words.
	Exclude map[string]struct{}
}

func (q Query) match(w string) bool {
	if len(w) < q.MinLen {
		return false
	}

	if q.Required != 0 && strings.IndexByte(w, q.Required) < 0 {
		return false
	}

	for _, c := range q.Banned {
		if strings.IndexByte(w, c) >= 0 {
			return false
		}
	}

	if _, ok := q.Exclude[w]; ok {
		return false
	}

	return true
}

type snapshot struct {
	words []string
	set   map[string]struct{}
}

func newSnapshot(words []string) *snapshot {
	words = Normalize(words)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}

	return &snapshot{words: words, set: set}
}

// bounds returns the range of words starting with prefix.
func (s *snapshot) bounds(prefix string) (int, int) {
	lo := sort.SearchStrings(s.words, prefix)
	n := sort.Search(len(s.words)-lo, func(i int) bool {
		return !strings.HasPrefix(s.words[lo+i], prefix)
	})

	return lo, lo + n
}

// Lexicon is a word set that can be swapped for a newer one while readers use it.
// Every call reads one immutable snapshot.
type Lexicon struct {
	cur atomic.Pointer[snapshot]
}

func New(words []string) *Lexicon {
	l := &Lexicon{}
	l.Replace(words)
	return l
}

// Replace swaps in a new word set and returns its size.
func (l *Lexicon) Replace(words []string) int {
	s := newSnapshot(words)
	l.cur.Store(s)
	return len(s.words)
}

func (l *Lexicon) Count() int {
	return len(l.cur.Load().words)
}

func (l *Lexicon) Contains(word string) bool {
	_, ok := l.cur.Load().set[word]
	return ok
}

// PrefixSearch returns up to limit words starting with prefix in lexical order.
func (l *Lexicon) PrefixSearch(prefix string, limit int) []string {
	s := l.cur.Load()
	lo, hi := s.bounds(prefix)
	if limit > 0 && hi-lo > limit {
		hi = lo + limit
	}

	return slices.Clone(s.words[lo:hi])
}

// RandomMatching picks a word matching q uniformly at random, using rnd as the only
// source of randomness. It reports false when nothing matches.
func (l *Lexicon) RandomMatching(rnd *rand.Rand, q Query) (string, bool) {
	s := l.cur.Load()
	lo, hi := s.bounds(q.Prefix)

	var (
		picked string
		seen   int
	)
	for _, w := range s.words[lo:hi] {
		if !q.match(w) {
			continue
		}

		seen++
		if rnd.IntN(seen) == 0 {
			picked = w
		}
	}

	return picked, seen > 0
}

// IsWord reports whether s is a non-empty string of lowercase ASCII letters.
func IsWord(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}

	return true
}

// Normalize lowercases words, drops anything that is not a plain ASCII word and
// returns the distinct words sorted.
func Normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if IsWord(w) {
			out = append(out, w)
		}
	}

	slices.Sort(out)
	return slices.Compact(out)
}
