package session

import (
	"github.com/victornm/wordchain/internal/domain"
)

// Player is a participant of one session. It is never shared between sessions.
type Player struct {
	ID      int64
	Name    string
	Virtual bool

	WordCount   int
	LetterCount int
	LongestWord string
}

func newPlayer(u domain.User, virtual bool) *Player {
	return &Player{ID: u.ID, Name: u.Name, Virtual: virtual}
}

// record counts an accepted word. A word at least as long as the current longest replaces it.
func (p *Player) record(word string) {
	p.WordCount++
	p.LetterCount += len(word)
	if len(word) >= len(p.LongestWord) {
		p.LongestWord = word
	}
}

func (p *Player) result(won bool) domain.PlayerResult {
	return domain.PlayerResult{
		UserID:      p.ID,
		Name:        p.Name,
		Won:         won,
		WordCount:   p.WordCount,
		LetterCount: p.LetterCount,
		LongestWord: p.LongestWord,
	}
}

func indexOf(players []*Player, id int64) int {
	for i, p := range players {
		if p.ID == id {
			return i
		}
	}
	return -1
}
