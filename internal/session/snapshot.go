package session

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Snapshot is the serializable state of a session. Restoring it with the same
// collaborators resumes the game exactly where it was, random draws included.
type Snapshot struct {
	ID      string `json:"id"`
	GroupID int64  `json:"group_id"`
	Mode    Mode   `json:"mode"`
	State   State  `json:"state"`

	Players  []Player `json:"players"`
	InGame   []int64  `json:"in_game"`
	Extended []int64  `json:"extended,omitempty"`

	MinPlayers   int  `json:"min_players"`
	MaxPlayers   int  `json:"max_players"`
	IncreasedMax int  `json:"increased_max"`
	TimeLeft     int  `json:"time_left"`
	TimeLimit    int  `json:"time_limit"`
	MinLetters   int  `json:"min_letters"`
	Answered     bool `json:"answered"`

	CurrentWord   string    `json:"current_word"`
	UsedWords     []string  `json:"used_words"`
	LongestWord   string    `json:"longest_word,omitempty"`
	LongestWordBy string    `json:"longest_word_by,omitempty"`
	Turns         int       `json:"turns"`
	PromptSeq     uint64    `json:"prompt_seq"`
	StartTime     time.Time `json:"start_time"`

	Rule        RuleState         `json:"rule"`
	Elimination *EliminationState `json:"elimination,omitempty"`
	RNG         []byte            `json:"rng"`
}

type EliminationState struct {
	Mixed     bool          `json:"mixed"`
	Round     int           `json:"round"`
	TurnsLeft int           `json:"turns_left"`
	Scores    map[int64]int `json:"scores"`
	Previous  Mode          `json:"previous,omitempty"`
}

// Snapshot captures the session state. Only joining and running sessions are worth
// restoring, but any state can be captured.
func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng, err := s.pcg.MarshalBinary()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: marshal rng: %w", err)
	}

	snap := Snapshot{
		ID:            s.id,
		GroupID:       s.groupID,
		Mode:          s.mode,
		State:         s.state,
		Players:       make([]Player, 0, len(s.players)),
		InGame:        make([]int64, 0, len(s.inGame)),
		Extended:      sortedKeys(s.extended),
		MinPlayers:    s.minPlayers,
		MaxPlayers:    s.maxPlayers,
		IncreasedMax:  s.increasedMax,
		TimeLeft:      s.timeLeft,
		TimeLimit:     s.timeLimit,
		MinLetters:    s.minLetters,
		Answered:      s.answered,
		CurrentWord:   s.currentWord,
		UsedWords:     sortedKeys(s.usedWords),
		LongestWord:   s.longestWord,
		LongestWordBy: s.longestWordBy,
		Turns:         s.turns,
		PromptSeq:     s.promptSeq,
		StartTime:     s.startTime,
		Rule:          s.rule.state(),
		RNG:           rng,
	}

	for _, p := range s.players {
		snap.Players = append(snap.Players, *p)
	}
	for _, p := range s.inGame {
		snap.InGame = append(snap.InGame, p.ID)
	}

	if e := s.elim; e != nil {
		snap.Elimination = &EliminationState{
			Mixed:     e.mixed,
			Round:     e.round,
			TurnsLeft: e.turnsLeft,
			Scores:    maps.Clone(e.scores),
			Previous:  e.previous,
		}
	}

	return snap, nil
}

// Restore rebuilds a session from snap. c supplies the collaborators; its GroupID, Mode
// and Seed are ignored. Call Resume to continue the game.
func Restore(c Config, snap Snapshot) (*Session, error) {
	c.GroupID = snap.GroupID
	c.Mode = snap.Mode
	s := newSession(snap.ID, c)

	if err := s.pcg.UnmarshalBinary(snap.RNG); err != nil {
		return nil, fmt.Errorf("session: unmarshal rng: %w", err)
	}

	s.state = snap.State
	s.minPlayers = snap.MinPlayers
	s.maxPlayers = snap.MaxPlayers
	s.increasedMax = snap.IncreasedMax
	s.timeLeft = snap.TimeLeft
	s.expired = snap.State == StateJoining && snap.TimeLeft <= 0
	s.timeLimit = snap.TimeLimit
	s.minLetters = snap.MinLetters
	s.answered = snap.Answered
	s.currentWord = snap.CurrentWord
	s.longestWord = snap.LongestWord
	s.longestWordBy = snap.LongestWordBy
	s.turns = snap.Turns
	s.promptSeq = snap.PromptSeq
	s.startTime = snap.StartTime
	s.rule = restoreRule(snap.Rule)

	for _, p := range snap.Players {
		s.players = append(s.players, &p)
	}
	for _, id := range snap.InGame {
		i := indexOf(s.players, id)
		if i < 0 {
			return nil, fmt.Errorf("session: restore: player %d in game but not in roster", id)
		}
		s.inGame = append(s.inGame, s.players[i])
	}
	for _, id := range snap.Extended {
		s.extended[id] = struct{}{}
	}
	for _, w := range snap.UsedWords {
		s.usedWords[w] = struct{}{}
	}

	if st := snap.Elimination; st != nil {
		s.elim = &elimination{
			mixed:     st.Mixed,
			round:     st.Round,
			turnsLeft: st.TurnsLeft,
			scores:    maps.Clone(st.Scores),
			previous:  st.Previous,
		}
		if s.elim.scores == nil {
			s.elim.scores = make(map[int64]int)
		}
	}

	return s, nil
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
