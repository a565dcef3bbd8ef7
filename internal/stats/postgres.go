package stats

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/errors"
)

// PostgresStore keeps stats in the same tables the bot has always used.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS game (
	id         BIGSERIAL PRIMARY KEY,
	group_id   BIGINT NOT NULL,
	players    INT NOT NULL,
	game_mode  TEXT NOT NULL,
	winner     BIGINT,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS player (
	id           BIGSERIAL PRIMARY KEY,
	user_id      BIGINT NOT NULL UNIQUE,
	game_count   INT NOT NULL DEFAULT 0,
	win_count    INT NOT NULL DEFAULT 0,
	word_count   INT NOT NULL DEFAULT 0,
	letter_count INT NOT NULL DEFAULT 0,
	longest_word TEXT
);
CREATE TABLE IF NOT EXISTS gameplayer (
	id           BIGSERIAL PRIMARY KEY,
	user_id      BIGINT NOT NULL,
	group_id     BIGINT NOT NULL,
	game_id      BIGINT NOT NULL REFERENCES game (id),
	won          BOOLEAN NOT NULL,
	word_count   INT NOT NULL,
	letter_count INT NOT NULL,
	longest_word TEXT
);
CREATE INDEX IF NOT EXISTS gameplayer_group_id_idx ON gameplayer (group_id);`

	if _, err := s.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("stats: migrate: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecordGame(ctx context.Context, r domain.GameResult) (int64, error) {
	const stmt = `
INSERT INTO game (group_id, players, game_mode, winner, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;`

	var id int64
	if err := s.db.QueryRow(ctx, stmt, r.GroupID, r.PlayerCount, r.Mode, winner(r), r.Start, r.End).Scan(&id); err != nil {
		return 0, fmt.Errorf("stats: insert game: %w", err)
	}

	return id, nil
}

func (s *PostgresStore) RecordPlayerResult(ctx context.Context, gameID, groupID int64, p domain.PlayerResult) error {
	const upsertPlayer = `
INSERT INTO player (user_id, game_count, win_count, word_count, letter_count, longest_word)
VALUES ($1, 1, $2, $3, $4, $5::TEXT)
ON CONFLICT (user_id) DO UPDATE
SET game_count   = player.game_count + 1,
	win_count    = player.win_count + EXCLUDED.win_count,
	word_count   = player.word_count + EXCLUDED.word_count,
	letter_count = player.letter_count + EXCLUDED.letter_count,
	longest_word = CASE
		WHEN player.longest_word IS NULL THEN EXCLUDED.longest_word
		WHEN EXCLUDED.longest_word IS NULL THEN player.longest_word
		WHEN LENGTH(EXCLUDED.longest_word) > LENGTH(player.longest_word) THEN EXCLUDED.longest_word
		ELSE player.longest_word
	END;`

	const insertGamePlayer = `
INSERT INTO gameplayer (user_id, group_id, game_id, won, word_count, letter_count, longest_word)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	won := 0
	if p.Won {
		won = 1
	}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPlayer, p.UserID, won, p.WordCount, p.LetterCount, nullable(p.LongestWord)); err != nil {
			return fmt.Errorf("upsert player: %w", err)
		}

		if _, err := tx.Exec(ctx, insertGamePlayer, p.UserID, groupID, gameID, p.Won, p.WordCount, p.LetterCount, nullable(p.LongestWord)); err != nil {
			return fmt.Errorf("insert gameplayer: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("stats: record player %d: %w", p.UserID, err)
	}

	return nil
}

func (s *PostgresStore) PlayerStats(ctx context.Context, userID int64) (PlayerStats, error) {
	const stmt = `
SELECT game_count, win_count, word_count, letter_count, COALESCE(longest_word, '')
FROM player
WHERE user_id = $1;`

	ps := PlayerStats{UserID: userID}
	err := s.db.QueryRow(ctx, stmt, userID).Scan(&ps.GameCount, &ps.WinCount, &ps.WordCount, &ps.LetterCount, &ps.LongestWord)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return PlayerStats{}, errors.New(errors.CodeNotFound, errors.WithMessagef("no statistics for player %d", userID))
	}
	if err != nil {
		return PlayerStats{}, fmt.Errorf("stats: player: %w", err)
	}

	return ps, nil
}

func (s *PostgresStore) GroupStats(ctx context.Context, groupID int64) (GroupStats, error) {
	const stmt = `
SELECT COUNT(DISTINCT user_id), COUNT(DISTINCT game_id), COALESCE(SUM(word_count), 0), COALESCE(SUM(letter_count), 0)
FROM gameplayer
WHERE group_id = $1;`

	gs := GroupStats{GroupID: groupID}
	if err := s.db.QueryRow(ctx, stmt, groupID).Scan(&gs.PlayerCount, &gs.GameCount, &gs.WordCount, &gs.LetterCount); err != nil {
		return GroupStats{}, fmt.Errorf("stats: group: %w", err)
	}

	return gs, nil
}

func (s *PostgresStore) GlobalStats(ctx context.Context) (GlobalStats, error) {
	const stmt = `
SELECT
	(SELECT COUNT(DISTINCT group_id) FROM game),
	(SELECT COUNT(*) FROM game),
	(SELECT COUNT(*) FROM player),
	(SELECT COALESCE(SUM(word_count), 0) FROM player),
	(SELECT COALESCE(SUM(letter_count), 0) FROM player);`

	var gs GlobalStats
	if err := s.db.QueryRow(ctx, stmt).Scan(&gs.GroupCount, &gs.GameCount, &gs.PlayerCount, &gs.WordCount, &gs.LetterCount); err != nil {
		return GlobalStats{}, fmt.Errorf("stats: global: %w", err)
	}

	return gs, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
