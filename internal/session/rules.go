package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/victornm/wordchain/internal/lexicon"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz"
	vowels   = "aeiou"
)

// rule is the letter policy of a game: where the next word must start, what else it
// must satisfy and how that changes after every accepted word.
type rule interface {
	mode() Mode
	// start picks the starting word or letters of a new game and returns the lines
	// that announce them.
	start(s *Session) ([]string, error)
	// enterRound is called when mixed elimination switches to this rule between rounds.
	enterRound(s *Session) []string
	firstLetter(s *Session) byte
	// constraints are prompt fragments beyond the first letter.
	constraints() []string
	// check returns why word breaks the rule, or "" if it does not.
	check(word string) string
	accepted(s *Session, word string)
	narrow(q *lexicon.Query)
	state() RuleState
}

// RuleState is the serialized form of a rule.
type RuleState struct {
	Mode   Mode   `json:"mode"`
	Letter string `json:"letter,omitempty"`
	Banned string `json:"banned,omitempty"`
	Mixed  bool   `json:"mixed,omitempty"`
}

func newRule(m Mode, mixed bool) rule {
	switch m {
	case ModeChosenFirstLetter:
		return &chosenLetterRule{mixed: mixed}
	case ModeRandomFirstLetter:
		return &randomLetterRule{}
	case ModeBannedLetters:
		return &bannedLettersRule{}
	case ModeRequiredLetter:
		return &requiredLetterRule{}
	default:
		return &classicRule{m: m}
	}
}

func restoreRule(st RuleState) rule {
	r := newRule(st.Mode, st.Mixed)
	switch r := r.(type) {
	case *chosenLetterRule:
		r.letter = letterOf(st.Letter)
	case *randomLetterRule:
		r.letter = letterOf(st.Letter)
	case *requiredLetterRule:
		r.letter = letterOf(st.Letter)
	case *bannedLettersRule:
		r.banned = []byte(st.Banned)
	}
	return r
}

func letterOf(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

func lastLetter(word string) byte {
	if word == "" {
		return 0
	}
	return word[len(word)-1]
}

func upper(c byte) string {
	return strings.ToUpper(string(c))
}

func upperAll(cs []byte) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = upper(c)
	}
	return strings.Join(parts, ", ")
}

// classicRule chains on the last letter. Hard and chaos games use it too.
type classicRule struct {
	m Mode
}

func (r *classicRule) mode() Mode { return r.m }

func (r *classicRule) start(s *Session) ([]string, error) {
	_, err := s.pickStartingWord(lexicon.Query{MinLen: s.minLetters})
	return nil, err
}

func (*classicRule) enterRound(*Session) []string { return nil }

func (*classicRule) firstLetter(s *Session) byte { return lastLetter(s.currentWord) }

func (*classicRule) constraints() []string { return nil }

func (*classicRule) check(string) string { return "" }

func (*classicRule) accepted(*Session, string) {}

func (*classicRule) narrow(*lexicon.Query) {}

func (r *classicRule) state() RuleState { return RuleState{Mode: r.m} }

// chosenLetterRule fixes the first letter of every word.
type chosenLetterRule struct {
	letter byte
	// mixed games need a starting word so the next rounds have a last letter.
	mixed bool
}

func (*chosenLetterRule) mode() Mode { return ModeChosenFirstLetter }

func (r *chosenLetterRule) start(s *Session) ([]string, error) {
	if !r.mixed {
		r.letter = alphabet[s.rnd.IntN(len(alphabet))]
		return r.announce(), nil
	}

	for _, i := range s.rnd.Perm(len(alphabet)) {
		if _, err := s.pickStartingWord(lexicon.Query{Prefix: alphabet[i : i+1]}); err == nil {
			r.letter = alphabet[i]
			return r.announce(), nil
		}
	}

	return nil, fmt.Errorf("session: pick starting word: %w", ErrLexiconExhausted)
}

func (r *chosenLetterRule) enterRound(s *Session) []string {
	r.letter = lastLetter(s.currentWord)
	return r.announce()
}

func (r *chosenLetterRule) announce() []string {
	return []string{fmt.Sprintf("The chosen first letter is %s.", upper(r.letter))}
}

func (r *chosenLetterRule) firstLetter(*Session) byte { return r.letter }

func (*chosenLetterRule) constraints() []string { return nil }

func (*chosenLetterRule) check(string) string { return "" }

func (*chosenLetterRule) accepted(*Session, string) {}

func (*chosenLetterRule) narrow(*lexicon.Query) {}

func (r *chosenLetterRule) state() RuleState {
	return RuleState{Mode: ModeChosenFirstLetter, Letter: string(r.letter), Mixed: r.mixed}
}

// randomLetterRule re-rolls the next first letter from the letters of the last word.
type randomLetterRule struct {
	letter byte
}

func (*randomLetterRule) mode() Mode { return ModeRandomFirstLetter }

func (r *randomLetterRule) start(s *Session) ([]string, error) {
	w, err := s.pickStartingWord(lexicon.Query{MinLen: s.minLetters})
	if err != nil {
		return nil, err
	}

	r.accepted(s, w)
	return nil, nil
}

func (r *randomLetterRule) enterRound(s *Session) []string {
	r.accepted(s, s.currentWord)
	return nil
}

func (r *randomLetterRule) firstLetter(*Session) byte { return r.letter }

func (*randomLetterRule) constraints() []string { return nil }

func (*randomLetterRule) check(string) string { return "" }

func (r *randomLetterRule) accepted(s *Session, word string) {
	r.letter = word[s.rnd.IntN(len(word))]
}

func (*randomLetterRule) narrow(*lexicon.Query) {}

func (r *randomLetterRule) state() RuleState {
	return RuleState{Mode: ModeRandomFirstLetter, Letter: string(r.letter)}
}

// bannedLettersRule forbids 2 to 4 letters, at most one of them a vowel.
type bannedLettersRule struct {
	banned []byte
}

func (*bannedLettersRule) mode() Mode { return ModeBannedLetters }

func (r *bannedLettersRule) start(s *Session) ([]string, error) {
	r.roll(s)
	if _, err := s.pickStartingWord(lexicon.Query{MinLen: s.minLetters, Banned: r.banned}); err != nil {
		return nil, err
	}

	return r.announce(), nil
}

func (r *bannedLettersRule) enterRound(s *Session) []string {
	r.roll(s)
	return r.announce()
}

// roll never bans the letter the next word has to start with.
func (r *bannedLettersRule) roll(s *Session) {
	pool := []byte(alphabet)
	if c := lastLetter(s.currentWord); c != 0 {
		pool = slices.DeleteFunc(pool, func(p byte) bool { return p == c })
	}

	n := 2 + s.rnd.IntN(3)
	r.banned = make([]byte, 0, n)
	for range n {
		i := s.rnd.IntN(len(pool))
		c := pool[i]
		r.banned = append(r.banned, c)
		pool = slices.Delete(pool, i, i+1)

		if strings.IndexByte(vowels, c) >= 0 {
			pool = slices.DeleteFunc(pool, func(p byte) bool { return strings.IndexByte(vowels, p) >= 0 })
		}
	}

	slices.Sort(r.banned)
}

func (r *bannedLettersRule) announce() []string {
	return []string{"Banned letters: " + upperAll(r.banned)}
}

func (*bannedLettersRule) firstLetter(s *Session) byte { return lastLetter(s.currentWord) }

func (r *bannedLettersRule) constraints() []string {
	return []string{"exclude " + upperAll(r.banned)}
}

func (r *bannedLettersRule) check(word string) string {
	var used []byte
	for _, c := range r.banned {
		if strings.IndexByte(word, c) >= 0 {
			used = append(used, c)
		}
	}

	if len(used) == 0 {
		return ""
	}

	return fmt.Sprintf("%s contains banned %s %s.", capitalize(word), plural(len(used), "letter"), upperAll(used))
}

func (*bannedLettersRule) accepted(*Session, string) {}

func (r *bannedLettersRule) narrow(q *lexicon.Query) {
	q.Banned = r.banned
}

func (r *bannedLettersRule) state() RuleState {
	return RuleState{Mode: ModeBannedLetters, Banned: string(r.banned)}
}

// requiredLetterRule asks for a letter other than the first one somewhere in the word,
// re-rolled after every accepted word.
type requiredLetterRule struct {
	letter byte
}

func (*requiredLetterRule) mode() Mode { return ModeRequiredLetter }

func (r *requiredLetterRule) start(s *Session) ([]string, error) {
	if _, err := s.pickStartingWord(lexicon.Query{MinLen: s.minLetters}); err != nil {
		return nil, err
	}

	r.roll(s)
	return nil, nil
}

func (r *requiredLetterRule) enterRound(s *Session) []string {
	r.roll(s)
	return nil
}

func (r *requiredLetterRule) roll(s *Session) {
	pool := alphabet
	if last := lastLetter(s.currentWord); last != 0 {
		pool = strings.ReplaceAll(pool, string(last), "")
	}
	r.letter = pool[s.rnd.IntN(len(pool))]
}

func (*requiredLetterRule) firstLetter(s *Session) byte { return lastLetter(s.currentWord) }

func (r *requiredLetterRule) constraints() []string {
	return []string{"include " + upper(r.letter)}
}

func (r *requiredLetterRule) check(word string) string {
	if strings.IndexByte(word, r.letter) >= 0 {
		return ""
	}
	return fmt.Sprintf("%s does not include %s.", capitalize(word), upper(r.letter))
}

func (r *requiredLetterRule) accepted(s *Session, _ string) {
	r.roll(s)
}

func (r *requiredLetterRule) narrow(q *lexicon.Query) {
	q.Required = r.letter
}

func (r *requiredLetterRule) state() RuleState {
	return RuleState{Mode: ModeRequiredLetter, Letter: string(r.letter)}
}

func capitalize(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}
