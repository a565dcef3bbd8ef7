package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/victornm/wordchain/internal/domain"
)

// elimination holds the round state of score based games. Every player in the game gets
// one turn per round and the lowest scorers are removed when it ends.
type elimination struct {
	mixed     bool
	round     int
	turnsLeft int
	scores    map[int64]int
	// previous is the sub-mode of the current round in mixed games.
	previous Mode
}

func newElimination(mixed bool) *elimination {
	return &elimination{
		mixed:  mixed,
		round:  1,
		scores: make(map[int64]int),
	}
}

// nextRule picks the sub-mode of the next round, never the one just played.
func (e *elimination) nextRule(s *Session) rule {
	pool := slices.DeleteFunc(
		[]Mode{ModeClassic, ModeChosenFirstLetter, ModeBannedLetters, ModeRequiredLetter},
		func(m Mode) bool { return m == e.previous },
	)
	e.previous = pool[s.rnd.IntN(len(pool))]
	return newRule(e.previous, true)
}

// score credits p for word and returns a note for the acceptance message.
func (e *elimination) score(o *outbox, s *Session, p *Player, word string) string {
	e.scores[p.ID] += min(len(word), EliminationMaxTurnScore)

	o.publish(domain.EventScoreUpdated{Score: domain.Score{
		SessionID:  s.id,
		GroupID:    s.groupID,
		UserID:     p.ID,
		Name:       p.Name,
		Score:      e.scores[p.ID],
		UpdateTime: s.now(),
	}})

	if len(word) > EliminationMaxTurnScore {
		return fmt.Sprintf("\nThat is a long word! It will only count for %d points.", EliminationMaxTurnScore)
	}
	return ""
}

// startRound must be called with s.mu held.
func (s *Session) startRound(o *outbox, lines []string) {
	e := s.elim
	e.turnsLeft = len(s.inGame)

	var b strings.Builder
	fmt.Fprintf(&b, "Round %d is starting...", e.round)
	if e.mixed {
		fmt.Fprintf(&b, "\nMode: %s", capitalize(s.rule.mode().String()))
		for _, l := range lines {
			b.WriteString("\n" + l)
		}
	}
	b.WriteString("\n\nLeaderboard:\n" + renderLeaderboard(s.inGame, e.scores, nil))
	o.say(b.String())
}

// endRound removes every player tied for the lowest score. Must be called with s.mu held.
func (s *Session) endRound(o *outbox) {
	e := s.elim

	low := e.scores[s.inGame[0].ID]
	for _, p := range s.inGame[1:] {
		low = min(low, e.scores[p.ID])
	}

	var names []string
	for _, p := range s.inGame {
		if e.scores[p.ID] == low {
			names = append(names, p.Name)
		}
	}

	o.sayf("Round %d completed.\n\nLeaderboard:\n%s\n\n%s %s eliminated for having the lowest score of %d.",
		e.round, renderLeaderboard(s.inGame, e.scores, nil), strings.Join(names, ", "), isAre(len(names)), low)

	s.inGame = slices.DeleteFunc(slices.Clone(s.inGame), func(p *Player) bool { return e.scores[p.ID] == low })
	e.round++
}

// tickElimination must be called with s.mu held.
func (s *Session) tickElimination(o *outbox) (Outcome, error) {
	e := s.elim

	if !s.answered {
		s.timeLeft--
		if s.timeLeft > 0 {
			return OutcomeContinue, nil
		}

		s.accepting = false
		o.sayf("%s ran out of time!", s.inGame[0].Name)
	}

	s.rotate()
	e.turnsLeft--

	if e.turnsLeft <= 0 {
		s.endRound(o)
		if len(s.inGame) <= 1 {
			s.finish(o)
			return OutcomeEnded, nil
		}

		var lines []string
		if e.mixed {
			s.rule = e.nextRule(s)
			lines = s.rule.enterRound(s)
		}
		s.startRound(o, lines)
	}

	s.prompt(o)
	return OutcomeContinue, nil
}

// renderLeaderboard lists players by descending score, ties by ascending id. With more
// than ten players and a highlighted one, only the top and bottom five are shown, plus the
// highlighted player when they are in neither.
func renderLeaderboard(players []*Player, scores map[int64]int, highlight *Player) string {
	ps := slices.Clone(players)
	slices.SortFunc(ps, func(a, b *Player) int {
		if d := scores[b.ID] - scores[a.ID]; d != 0 {
			return d
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	var b strings.Builder
	line := func(i int) {
		p := ps[i]
		if highlight != nil && p.ID == highlight.ID {
			b.WriteString("> ")
		}
		fmt.Fprintf(&b, "%d. %s: %d\n", i+1, p.Name, scores[p.ID])
	}

	n := len(ps)
	if highlight == nil || n <= 10 {
		for i := range n {
			line(i)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	at := indexOf(ps, highlight.ID)
	for i := range 5 {
		line(i)
	}

	if at >= 5 && at < n-5 {
		if at != 5 {
			b.WriteString("...\n")
		}
		line(at)
		if at != n-6 {
			b.WriteString("...\n")
		}
	} else {
		b.WriteString("...\n")
	}

	for i := n - 5; i < n; i++ {
		line(i)
	}

	return strings.TrimRight(b.String(), "\n")
}
