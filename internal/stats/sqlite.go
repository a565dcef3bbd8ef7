package stats

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/errors"
)

// SQLiteStore is the single file store used when no Postgres is configured.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("stats: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("stats: open sqlite: %w", err)
	}

	// Writers would only wait on each other.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS game (
			id         INTEGER PRIMARY KEY,
			group_id   INTEGER NOT NULL,
			players    INTEGER NOT NULL,
			game_mode  TEXT NOT NULL,
			winner     INTEGER,
			start_time TEXT NOT NULL,
			end_time   TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS player (
			id           INTEGER PRIMARY KEY,
			user_id      INTEGER NOT NULL UNIQUE,
			game_count   INTEGER NOT NULL DEFAULT 0,
			win_count    INTEGER NOT NULL DEFAULT 0,
			word_count   INTEGER NOT NULL DEFAULT 0,
			letter_count INTEGER NOT NULL DEFAULT 0,
			longest_word TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS gameplayer (
			id           INTEGER PRIMARY KEY,
			user_id      INTEGER NOT NULL,
			group_id     INTEGER NOT NULL,
			game_id      INTEGER NOT NULL REFERENCES game (id),
			won          INTEGER NOT NULL,
			word_count   INTEGER NOT NULL,
			letter_count INTEGER NOT NULL,
			longest_word TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS gameplayer_group_id_idx ON gameplayer (group_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stats: migrate: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) RecordGame(ctx context.Context, r domain.GameResult) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO game (group_id, players, game_mode, winner, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.GroupID, r.PlayerCount, r.Mode, winner(r),
		r.Start.UTC().Format(time.RFC3339Nano),
		r.End.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("stats: insert game: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("stats: insert game: %w", err)
	}

	return id, nil
}

func (s *SQLiteStore) RecordPlayerResult(ctx context.Context, gameID, groupID int64, p domain.PlayerResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: record player %d: %w", p.UserID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	won := 0
	if p.Won {
		won = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO player (user_id, game_count, win_count, word_count, letter_count, longest_word)
		 VALUES (?, 1, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET game_count   = game_count + 1,
		     win_count    = win_count + excluded.win_count,
		     word_count   = word_count + excluded.word_count,
		     letter_count = letter_count + excluded.letter_count,
		     longest_word = CASE
		         WHEN longest_word IS NULL THEN excluded.longest_word
		         WHEN excluded.longest_word IS NULL THEN longest_word
		         WHEN LENGTH(excluded.longest_word) > LENGTH(longest_word) THEN excluded.longest_word
		         ELSE longest_word
		     END`,
		p.UserID, won, p.WordCount, p.LetterCount, nullable(p.LongestWord),
	)
	if err != nil {
		return fmt.Errorf("stats: upsert player %d: %w", p.UserID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO gameplayer (user_id, group_id, game_id, won, word_count, letter_count, longest_word)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, groupID, gameID, won, p.WordCount, p.LetterCount, nullable(p.LongestWord),
	)
	if err != nil {
		return fmt.Errorf("stats: insert gameplayer %d: %w", p.UserID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("stats: record player %d: %w", p.UserID, err)
	}

	return nil
}

func (s *SQLiteStore) PlayerStats(ctx context.Context, userID int64) (PlayerStats, error) {
	ps := PlayerStats{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT game_count, win_count, word_count, letter_count, COALESCE(longest_word, '')
		 FROM player WHERE user_id = ?`, userID,
	).Scan(&ps.GameCount, &ps.WinCount, &ps.WordCount, &ps.LetterCount, &ps.LongestWord)
	if stderrors.Is(err, sql.ErrNoRows) {
		return PlayerStats{}, errors.New(errors.CodeNotFound, errors.WithMessagef("no statistics for player %d", userID))
	}
	if err != nil {
		return PlayerStats{}, fmt.Errorf("stats: player: %w", err)
	}

	return ps, nil
}

func (s *SQLiteStore) GroupStats(ctx context.Context, groupID int64) (GroupStats, error) {
	gs := GroupStats{GroupID: groupID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id), COUNT(DISTINCT game_id), COALESCE(SUM(word_count), 0), COALESCE(SUM(letter_count), 0)
		 FROM gameplayer WHERE group_id = ?`, groupID,
	).Scan(&gs.PlayerCount, &gs.GameCount, &gs.WordCount, &gs.LetterCount)
	if err != nil {
		return GroupStats{}, fmt.Errorf("stats: group: %w", err)
	}

	return gs, nil
}

func (s *SQLiteStore) GlobalStats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(DISTINCT group_id) FROM game),
			(SELECT COUNT(*) FROM game),
			(SELECT COUNT(*) FROM player),
			(SELECT COALESCE(SUM(word_count), 0) FROM player),
			(SELECT COALESCE(SUM(letter_count), 0) FROM player)`,
	).Scan(&gs.GroupCount, &gs.GameCount, &gs.PlayerCount, &gs.WordCount, &gs.LetterCount)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("stats: global: %w", err)
	}

	return gs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
