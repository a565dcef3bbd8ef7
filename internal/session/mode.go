package session

import (
	"strings"
)

type Mode int

const (
	ModeClassic Mode = iota + 1
	ModeHard
	ModeChaos
	ModeChosenFirstLetter
	ModeRandomFirstLetter
	ModeBannedLetters
	ModeRequiredLetter
	ModeElimination
	ModeMixedElimination
)

const (
	JoiningSeconds      = 60
	MaxJoiningSeconds   = 180
	ExtendSeconds       = 30
	MinPlayers          = 2
	MaxPlayers          = 50
	IncreasedMaxPlayers = 300

	MaxTurnSeconds           = 40
	MinTurnSeconds           = 20
	TurnSecondsReduction     = 5
	MinWordLength            = 3
	MaxWordLength            = 10
	WordLengthIncrease       = 1
	TurnsBetweenLimitsChange = 5

	EliminationJoiningSeconds      = 90
	EliminationMinPlayers          = 5
	EliminationMaxPlayers          = 30
	EliminationIncreasedMaxPlayers = 50
	EliminationTurnSeconds         = 30
	EliminationMaxTurnScore        = 20
)

type modeInfo struct {
	key     string
	name    string
	command string
}

var modes = map[Mode]modeInfo{
	ModeClassic:           {"classic", "classic game", "startclassic"},
	ModeHard:              {"hard", "hard mode game", "starthard"},
	ModeChaos:             {"chaos", "chaos game", "startchaos"},
	ModeChosenFirstLetter: {"cfl", "chosen first letter game", "startcfl"},
	ModeRandomFirstLetter: {"rfl", "random first letter game", "startrfl"},
	ModeBannedLetters:     {"bl", "banned letters game", "startbl"},
	ModeRequiredLetter:    {"rl", "required letter game", "startrl"},
	ModeElimination:       {"elim", "elimination game", "startelim"},
	ModeMixedElimination:  {"melim", "mixed elimination game", "startmelim"},
}

// Modes returns every mode in a stable order.
func Modes() []Mode {
	out := make([]Mode, 0, len(modes))
	for m := ModeClassic; m <= ModeMixedElimination; m++ {
		out = append(out, m)
	}
	return out
}

// ParseMode accepts a mode key ("bl"), its start command ("startbl", "/startbl")
// or "startgame" for classic.
func ParseMode(s string) (Mode, bool) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
	if s == "startgame" {
		return ModeClassic, true
	}

	for m, info := range modes {
		if s == info.key || s == info.command {
			return m, true
		}
	}

	return 0, false
}

func (m Mode) Valid() bool {
	_, ok := modes[m]
	return ok
}

func (m Mode) String() string {
	if info, ok := modes[m]; ok {
		return info.name
	}
	return "unknown game"
}

func (m Mode) Key() string {
	return modes[m].key
}

func (m Mode) Command() string {
	return modes[m].command
}

// Elimination reports whether players are removed by score at the end of rounds.
func (m Mode) Elimination() bool {
	return m == ModeElimination || m == ModeMixedElimination
}

// settings are the starting limits of a game in this mode.
type settings struct {
	minPlayers     int
	maxPlayers     int
	increasedMax   int
	joiningSeconds int
	turnSeconds    int
	minLetters     int
	escalates      bool
	virtualPlayer  bool
}

func (m Mode) settings() settings {
	if m.Elimination() {
		return settings{
			minPlayers:     EliminationMinPlayers,
			maxPlayers:     EliminationMaxPlayers,
			increasedMax:   EliminationIncreasedMaxPlayers,
			joiningSeconds: EliminationJoiningSeconds,
			turnSeconds:    EliminationTurnSeconds,
			minLetters:     1,
		}
	}

	s := settings{
		minPlayers:     MinPlayers,
		maxPlayers:     MaxPlayers,
		increasedMax:   IncreasedMaxPlayers,
		joiningSeconds: JoiningSeconds,
		turnSeconds:    MaxTurnSeconds,
		minLetters:     MinWordLength,
		escalates:      true,
		virtualPlayer:  true,
	}
	if m == ModeHard {
		s.turnSeconds = MinTurnSeconds
		s.minLetters = MaxWordLength
	}

	return s
}
