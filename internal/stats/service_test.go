package stats_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/errors"
	"github.com/victornm/wordchain/internal/event"
	"github.com/victornm/wordchain/internal/stats"
)

func TestService_RecordGame(t *testing.T) {
	type (
		inputs struct {
			games []domain.GameResult
		}

		outputs struct {
			s *stats.Service
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should add results to player totals": {
			arrange: func() inputs {
				return inputs{games: []domain.GameResult{
					game(10, player(1, true, 3, 12, "banana"), player(2, false, 2, 6, "cat")),
					game(10, player(1, false, 1, 4, "tree"), player(2, true, 4, 20, "elephant")),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				ps, err := out.s.PlayerStats(context.Background(), 1)
				require.NoError(t, err)
				require.Equal(t, 2, ps.GameCount)
				require.Equal(t, 1, ps.WinCount)
				require.Equal(t, 4, ps.WordCount)
				require.Equal(t, 16, ps.LetterCount)
				require.Equal(t, "banana", ps.LongestWord, "shorter word should not replace the longest one")
				require.True(t, decimal.RequireFromString("0.5").Equal(ps.WinRate), "win rate: %s", ps.WinRate)

				ps, err = out.s.PlayerStats(context.Background(), 2)
				require.NoError(t, err)
				require.Equal(t, "elephant", ps.LongestWord)
			},
		},

		"should keep the first of equally long words": {
			arrange: func() inputs {
				return inputs{games: []domain.GameResult{
					game(10, player(1, true, 1, 3, "cat")),
					game(10, player(1, true, 1, 3, "dog")),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				ps, err := out.s.PlayerStats(context.Background(), 1)
				require.NoError(t, err)
				require.Equal(t, "cat", ps.LongestWord)
				require.True(t, decimal.NewFromInt(1).Equal(ps.WinRate))
			},
		},

		"should record players without words": {
			arrange: func() inputs {
				return inputs{games: []domain.GameResult{
					game(10, player(1, false, 0, 0, "")),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				ps, err := out.s.PlayerStats(context.Background(), 1)
				require.NoError(t, err)
				require.Equal(t, 1, ps.GameCount)
				require.Empty(t, ps.LongestWord)
				require.True(t, ps.WinRate.IsZero())
			},
		},

		"should aggregate group and global stats": {
			arrange: func() inputs {
				return inputs{games: []domain.GameResult{
					game(10, player(1, true, 3, 12, "banana"), player(2, false, 2, 6, "cat")),
					game(10, player(1, true, 1, 4, "tree"), player(3, false, 0, 0, "")),
					game(20, player(4, true, 5, 25, "zebra")),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				ctx := context.Background()

				gs, err := out.s.GroupStats(ctx, 10)
				require.NoError(t, err)
				require.Equal(t, stats.GroupStats{GroupID: 10, PlayerCount: 3, GameCount: 2, WordCount: 6, LetterCount: 22}, gs)

				all, err := out.s.GlobalStats(ctx)
				require.NoError(t, err)
				require.Equal(t, stats.GlobalStats{GroupCount: 2, GameCount: 3, PlayerCount: 4, WordCount: 11, LetterCount: 47}, all)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			s := makeService(t, event.NewBus())

			for _, g := range in.games {
				require.NoError(t, s.RecordGame(context.Background(), g))
			}

			tt.assert(t, outputs{s: s})
		})
	}
}

func TestService_PlayerStats_NotFound(t *testing.T) {
	t.Parallel()

	s := makeService(t, event.NewBus())
	_, err := s.PlayerStats(context.Background(), 42)
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestService_RecordsOnlyFinishedGames(t *testing.T) {
	t.Parallel()

	eb := event.NewBus()
	s := makeService(t, eb)
	ctx := context.Background()

	finished := game(10, player(1, true, 2, 8, "lion"))
	aborted := game(10, player(2, false, 0, 0, ""))
	aborted.Outcome = domain.OutcomeAborted
	killed := game(10, player(3, false, 1, 3, "owl"))
	killed.Outcome = domain.OutcomeKilled

	for _, r := range []domain.GameResult{finished, aborted, killed} {
		eb.Publish(ctx, domain.EventGameEnded{Result: r})
	}
	eb.Stop()

	all, err := s.GlobalStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, all.GameCount)
	require.Equal(t, 1, all.PlayerCount)
}

func game(groupID int64, players ...domain.PlayerResult) domain.GameResult {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := domain.GameResult{
		SessionID:   "s",
		GroupID:     groupID,
		Mode:        "classic",
		PlayerCount: len(players),
		Start:       start,
		End:         start.Add(3 * time.Minute),
		Outcome:     domain.OutcomeFinished,
		Players:     players,
	}
	for _, p := range players {
		if p.Won {
			id := p.UserID
			r.WinnerID = &id
		}
	}
	return r
}

func player(id int64, won bool, words, letters int, longest string) domain.PlayerResult {
	return domain.PlayerResult{
		UserID:      id,
		Name:        "p",
		Won:         won,
		WordCount:   words,
		LetterCount: letters,
		LongestWord: longest,
	}
}

func makeService(t *testing.T, eb *event.Bus) *stats.Service {
	store, err := stats.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return stats.NewService(stats.Config{
		EventBus: eb,
		Store:    store,
	})
}
