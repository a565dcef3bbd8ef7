package stats

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/victornm/wordchain/internal/domain"
)

// Store persists finished games. Implementations must be safe for concurrent use.
type Store interface {
	Migrate(ctx context.Context) error

	// RecordGame stores the game row and returns its id.
	RecordGame(ctx context.Context, r domain.GameResult) (int64, error)

	// RecordPlayerResult adds one player's result to their lifetime totals and to the game.
	// The longest word is only replaced by a strictly longer one.
	RecordPlayerResult(ctx context.Context, gameID, groupID int64, p domain.PlayerResult) error

	PlayerStats(ctx context.Context, userID int64) (PlayerStats, error)
	GroupStats(ctx context.Context, groupID int64) (GroupStats, error)
	GlobalStats(ctx context.Context) (GlobalStats, error)

	Close() error
}

type PlayerStats struct {
	UserID      int64           `json:"user_id"`
	GameCount   int             `json:"game_count"`
	WinCount    int             `json:"win_count"`
	WinRate     decimal.Decimal `json:"win_rate"`
	WordCount   int             `json:"word_count"`
	LetterCount int             `json:"letter_count"`
	LongestWord string          `json:"longest_word,omitempty"`
}

type GroupStats struct {
	GroupID     int64 `json:"group_id"`
	PlayerCount int   `json:"player_count"`
	GameCount   int   `json:"game_count"`
	WordCount   int   `json:"word_count"`
	LetterCount int   `json:"letter_count"`
}

type GlobalStats struct {
	GroupCount  int `json:"group_count"`
	GameCount   int `json:"game_count"`
	PlayerCount int `json:"player_count"`
	WordCount   int `json:"word_count"`
	LetterCount int `json:"letter_count"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func winner(r domain.GameResult) any {
	if r.WinnerID == nil {
		return nil
	}
	return *r.WinnerID
}
