package domain

const (
	EventNameGameStarted        = "game.started"
	EventNameGameEnded          = "game.ended"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventGameStarted struct {
	SessionID   string
	GroupID     int64
	Mode        string
	PlayerCount int
}

func (EventGameStarted) Name() string { return EventNameGameStarted }

type EventGameEnded struct {
	Result GameResult
}

func (EventGameEnded) Name() string { return EventNameGameEnded }

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
