package domain

import (
	"time"
)

// User is a chat user as seen by the transport.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// Message is a chat message sent to a group.
type Message struct {
	Text   string `json:"text"`
	Format Format `json:"format"`
}

// MessageRef is a handle to a message that was sent or received in a group.
type MessageRef struct {
	GroupID   int64  `json:"group_id"`
	MessageID string `json:"message_id"`
}

func (r MessageRef) IsZero() bool {
	return r.MessageID == ""
}

type Outcome string

const (
	OutcomeFinished Outcome = "finished"
	OutcomeAborted  Outcome = "aborted"
	OutcomeKilled   Outcome = "killed"
	OutcomeFailed   Outcome = "failed"
)

// GameResult is what a session reports when it reaches a terminal state.
type GameResult struct {
	SessionID   string
	GroupID     int64
	Mode        string
	PlayerCount int
	WinnerID    *int64
	Start       time.Time
	End         time.Time
	Outcome     Outcome
	Players     []PlayerResult
}

type PlayerResult struct {
	UserID      int64
	Name        string
	Won         bool
	WordCount   int
	LetterCount int
	LongestWord string
}

// Score is a player's cumulative score in an elimination game.
type Score struct {
	SessionID  string
	GroupID    int64
	UserID     int64
	Name       string
	Score      int
	UpdateTime time.Time
}

// Leaderboard represents players and their scores within a game.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string
	GroupID   int64
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID int64
	Name   string
	Score  int
}
