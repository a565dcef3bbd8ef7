package stats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
)

type Config struct {
	EventBus *event.Bus
	Store    Store
}

// Service records finished games and answers stats queries.
type Service struct {
	eb    *event.Bus
	store Store
}

func NewService(c Config) *Service {
	s := &Service{
		eb:    c.EventBus,
		store: c.Store,
	}

	s.eb.Subscribe(domain.EventNameGameEnded, func(ctx context.Context, e event.Event) error {
		r := e.(domain.EventGameEnded).Result
		if r.Outcome != domain.OutcomeFinished {
			return nil
		}
		return s.RecordGame(ctx, r)
	})

	return s
}

// RecordGame stores the game, then every player's result concurrently.
func (s *Service) RecordGame(ctx context.Context, r domain.GameResult) error {
	id, err := s.store.RecordGame(ctx, r)
	if err != nil {
		return fmt.Errorf("stats: record game %s: %w", r.SessionID, err)
	}

	var eg errgroup.Group
	for _, p := range r.Players {
		eg.Go(func() error {
			return s.store.RecordPlayerResult(ctx, id, r.GroupID, p)
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	slog.InfoContext(ctx, "stats: game recorded", "session", r.SessionID, "group", r.GroupID, "game", id, "players", len(r.Players))
	return nil
}

func (s *Service) PlayerStats(ctx context.Context, userID int64) (PlayerStats, error) {
	ps, err := s.store.PlayerStats(ctx, userID)
	if err != nil {
		return PlayerStats{}, err
	}

	if ps.GameCount > 0 {
		ps.WinRate = decimal.NewFromInt(int64(ps.WinCount)).
			Div(decimal.NewFromInt(int64(ps.GameCount))).
			Round(4)
	}

	return ps, nil
}

func (s *Service) GroupStats(ctx context.Context, groupID int64) (GroupStats, error) {
	return s.store.GroupStats(ctx, groupID)
}

func (s *Service) GlobalStats(ctx context.Context) (GlobalStats, error) {
	return s.store.GlobalStats(ctx)
}
