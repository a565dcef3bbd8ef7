package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/lexicon"
)

// Answer is a message from a player that may be a word.
type Answer struct {
	UserID int64
	Text   string
	Ref    domain.MessageRef
}

// pickStartingWord chooses an unused word for q and marks it as the current word. When
// nothing matches it drops the length requirement before giving up.
func (s *Session) pickStartingWord(q lexicon.Query) (string, error) {
	q.Exclude = s.usedWords

	w, ok := s.lexicon.RandomMatching(s.rnd, q)
	if !ok && q.MinLen > 1 {
		q.MinLen = 1
		w, ok = s.lexicon.RandomMatching(s.rnd, q)
	}

	if !ok {
		return "", fmt.Errorf("session: pick starting word: %w", ErrLexiconExhausted)
	}

	s.currentWord = w
	s.usedWords[w] = struct{}{}
	return w, nil
}

// begin moves a joining game to running. Must be called with s.mu held.
func (s *Session) begin(o *outbox) error {
	s.state = StateRunning
	s.rnd.Shuffle(len(s.players), func(i, j int) {
		s.players[i], s.players[j] = s.players[j], s.players[i]
	})
	s.inGame = slices.Clone(s.players)
	s.startTime = s.now()

	if s.elim != nil && s.elim.mixed {
		s.rule = s.elim.nextRule(s)
	}

	lines, err := s.rule.start(s)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("Game is starting...\n")
	if s.currentWord != "" {
		fmt.Fprintf(&b, "\nThe first word is %s.\n", capitalize(s.currentWord))
	}
	if s.elim == nil || !s.elim.mixed {
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}
	if !s.chaos {
		b.WriteString("\nTurn order:\n")
		for _, p := range s.inGame {
			b.WriteString(p.Name + "\n")
		}
	}
	o.say(strings.TrimSpace(b.String()))

	o.publish(domain.EventGameStarted{
		SessionID:   s.id,
		GroupID:     s.groupID,
		Mode:        s.mode.Key(),
		PlayerCount: len(s.players),
	})

	if s.elim != nil {
		s.startRound(o, lines)
	}

	s.prompt(o)
	return nil
}

// requirements renders what the current player's word has to satisfy.
func (s *Session) requirements() string {
	parts := []string{"start with " + upper(s.rule.firstLetter(s))}
	parts = append(parts, s.rule.constraints()...)
	if s.elim == nil {
		parts = append(parts, fmt.Sprintf("include at least %d letters", s.minLetters))
	}

	if len(parts) == 1 {
		return parts[0]
	}

	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}

// prompt announces the turn of the first player in the queue and resets the turn. The turn
// opens for answers once the prompt has been delivered.
func (s *Session) prompt(o *outbox) {
	cur := s.inGame[0]

	var b strings.Builder
	fmt.Fprintf(&b, "Turn: %s", cur.Name)
	if !s.chaos && len(s.inGame) > 1 && (s.elim == nil || s.elim.turnsLeft > 1) {
		fmt.Fprintf(&b, " (Next: %s)", s.inGame[1].Name)
	}
	fmt.Fprintf(&b, "\nYour word must %s.\nYou have %ds to answer.\n\n", s.requirements(), s.timeLimit)

	if s.elim == nil {
		fmt.Fprintf(&b, "Players remaining: %d/%d\nTotal words: %d", len(s.inGame), len(s.players), s.turns)
	} else {
		b.WriteString("Leaderboard:\n" + renderLeaderboard(s.inGame, s.elim.scores, cur))
	}
	o.say(b.String())

	s.answered = false
	s.accepting = false
	s.timeLeft = s.timeLimit
	s.promptSeq++
	o.prompt = s.promptSeq
}

// openTurn starts accepting answers for the prompt seq, unless the game moved on. The
// virtual player outlives the command that prompted it and stops with the game.
func (s *Session) openTurn(seq uint64) {
	s.mu.Lock()
	if s.state != StateRunning || s.promptSeq != seq || s.answered {
		s.mu.Unlock()
		return
	}

	s.accepting = true
	virtual := s.inGame[0].Virtual
	ctx := s.runCtx
	s.mu.Unlock()

	if virtual {
		go s.playVirtual(ctx, seq)
	}
}

// playVirtual answers for the virtual player after a human-like delay. Without a valid
// word the turn is forfeited.
func (s *Session) playVirtual(ctx context.Context, seq uint64) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.virtualDelay()):
	}

	s.mu.Lock()
	if s.state != StateRunning || s.promptSeq != seq || s.answered || !s.accepting {
		s.mu.Unlock()
		return
	}

	cur := s.inGame[0]
	q := lexicon.Query{
		Prefix:  string(s.rule.firstLetter(s)),
		Exclude: s.usedWords,
	}
	if s.elim == nil {
		q.MinLen = s.minLetters
	}
	s.rule.narrow(&q)

	o := &outbox{}
	if w, ok := s.lexicon.RandomMatching(s.rnd, q); ok {
		o.say(capitalize(w))
		s.accept(o, cur, w)
	} else {
		o.sayf("%s has no valid word left and skips the turn.", cur.Name)
		s.timeLeft = 0
	}

	if err := s.release(ctx, o); err != nil {
		slog.ErrorContext(ctx, "session: virtual player answer failed", "group", s.groupID, "error", err)
	}
}

// SubmitAnswer checks a word from the current player. Anything else is ignored.
func (s *Session) SubmitAnswer(ctx context.Context, a Answer) error {
	word := strings.ToLower(strings.TrimSpace(a.Text))
	if !lexicon.IsWord(word) {
		return nil
	}

	s.mu.Lock()
	if s.state != StateRunning || len(s.inGame) == 0 || s.inGame[0].ID != a.UserID || s.answered || !s.accepting {
		s.mu.Unlock()
		return nil
	}

	o := &outbox{}
	if reason := s.validate(word); reason != "" {
		o.replyf(a.Ref, "%s", reason)
	} else {
		s.accept(o, s.inGame[0], word)
	}

	return s.release(ctx, o)
}

// validate returns why word cannot be accepted, checking in a fixed order.
func (s *Session) validate(word string) string {
	if c := s.rule.firstLetter(s); word[0] != c {
		return fmt.Sprintf("%s does not start with %s.", capitalize(word), upper(c))
	}

	if s.elim == nil && len(word) < s.minLetters {
		return fmt.Sprintf("%s has fewer than %d letters.", capitalize(word), s.minLetters)
	}

	if _, ok := s.usedWords[word]; ok {
		return fmt.Sprintf("%s has been used.", capitalize(word))
	}

	if !s.lexicon.Contains(word) {
		return fmt.Sprintf("%s is not in my list of words.", capitalize(word))
	}

	return s.rule.check(word)
}

// accept records a valid word from p. Must be called with s.mu held.
func (s *Session) accept(o *outbox, p *Player, word string) {
	s.usedWords[word] = struct{}{}
	s.turns++
	s.currentWord = word
	p.record(word)
	if len(word) > len(s.longestWord) {
		s.longestWord = word
		s.longestWordBy = p.Name
	}

	s.answered = true
	s.accepting = false
	s.rule.accepted(s, word)

	text := capitalize(word) + " is accepted."
	if s.elim != nil {
		text += s.elim.score(o, s, p, word)
	} else if lines := s.escalate(); len(lines) > 0 {
		text += "\n\n" + strings.Join(lines, "\n")
	}
	o.say(text)
}

// escalate tightens the limits every few turns and returns what changed.
func (s *Session) escalate() []string {
	if !s.escalates || s.turns%TurnsBetweenLimitsChange != 0 {
		return nil
	}

	var lines []string
	if s.timeLimit > MinTurnSeconds {
		s.timeLimit = max(s.timeLimit-TurnSecondsReduction, MinTurnSeconds)
		lines = append(lines, fmt.Sprintf("Time limit decreased to %ds.", s.timeLimit))
	}

	if s.minLetters < MaxWordLength {
		s.minLetters = min(s.minLetters+WordLengthIncrease, MaxWordLength)
		lines = append(lines, fmt.Sprintf("Minimum letters per word increased to %d.", s.minLetters))
	}

	return lines
}

// ForceSkip ends the current turn as if time ran out.
func (s *Session) ForceSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning && !s.answered {
		s.timeLeft = 0
	}
}

// tickRunning must be called with s.mu held.
func (s *Session) tickRunning(o *outbox) (Outcome, error) {
	if s.elim != nil {
		return s.tickElimination(o)
	}

	if s.answered {
		s.rotate()
		if s.chaos {
			s.toFront(s.rnd.IntN(len(s.inGame) - 1))
		}
	} else {
		s.timeLeft--
		if s.timeLeft > 0 {
			return OutcomeContinue, nil
		}

		s.accepting = false
		o.sayf("%s ran out of time! They have been eliminated.", s.inGame[0].Name)
		s.inGame = slices.Delete(slices.Clone(s.inGame), 0, 1)

		if len(s.inGame) <= 1 {
			s.finish(o)
			return OutcomeEnded, nil
		}

		if s.chaos {
			s.toFront(s.rnd.IntN(len(s.inGame)))
		}
	}

	s.prompt(o)
	return OutcomeContinue, nil
}

// rotate moves the current player to the back of the queue.
func (s *Session) rotate() {
	q := make([]*Player, 0, len(s.inGame))
	q = append(q, s.inGame[1:]...)
	s.inGame = append(q, s.inGame[0])
}

func (s *Session) toFront(i int) {
	p := s.inGame[i]
	q := make([]*Player, 0, len(s.inGame))
	q = append(q, p)
	q = append(q, s.inGame[:i]...)
	s.inGame = append(q, s.inGame[i+1:]...)
}

// finish ends the game normally. Must be called with s.mu held.
func (s *Session) finish(o *outbox) {
	s.state = StateEnded
	s.accepting = false
	s.endTime = s.now()

	var b strings.Builder
	if len(s.inGame) == 1 {
		fmt.Fprintf(&b, "%s won the game out of %d players!\n", s.inGame[0].Name, len(s.players))
	} else {
		fmt.Fprintf(&b, "Nobody won the game out of %d players.\n", len(s.players))
	}
	fmt.Fprintf(&b, "Total words: %d\n", s.turns)
	if s.longestWord != "" {
		fmt.Fprintf(&b, "Longest word: %s from %s\n", capitalize(s.longestWord), s.longestWordBy)
	}
	fmt.Fprintf(&b, "Game length: %s", formatDuration(s.endTime.Sub(s.startTime)))
	o.say(b.String())

	s.reported = true
	o.publish(domain.EventGameEnded{Result: s.result(domain.OutcomeFinished)})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
