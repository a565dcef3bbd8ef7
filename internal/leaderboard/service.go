package leaderboard

import (
	"cmp"
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/errors"
	"github.com/victornm/wordchain/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultTTL      = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string

	// TTL bounds how long an abandoned leaderboard stays in Redis.
	TTL time.Duration
}

// Service mirrors elimination scores into Redis so they can be queried and pushed to
// clients while the game runs.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}

	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	s.eb.Subscribe(domain.EventNameGameEnded, func(ctx context.Context, e event.Event) error {
		return s.DeleteLeaderboard(ctx, e.(domain.EventGameEnded).Result.SessionID)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a session, including all players and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.redis.HMGet(ctx, s.getNamesKey(req.SessionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get names: %w", err)
	}

	group, err := s.redis.Get(ctx, s.getGroupKey(req.SessionID)).Int64()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get group: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		id, err := strconv.ParseInt(ids[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse member %q: %w", ids[i], err)
		}

		name, _ := names[i].(string)
		entries = append(entries, domain.LeaderboardEntry{
			UserID: id,
			Name:   name,
			Score:  int(z.Score),
		})
	}

	// Same order as the in-game leaderboard: ties go to the lower user id.
	slices.SortStableFunc(entries, func(a, b domain.LeaderboardEntry) int {
		if d := cmp.Compare(b.Score, a.Score); d != 0 {
			return d
		}
		return cmp.Compare(a.UserID, b.UserID)
	})

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		GroupID:   group,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites the player's score in the leaderboard.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score
	member := strconv.FormatInt(sc.UserID, 10)

	// TODO: retry on error
	if _, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.getLeaderboardKey(sc.SessionID), redis.Z{
			Score:  float64(sc.Score),
			Member: member,
		})
		p.HSet(ctx, s.getNamesKey(sc.SessionID), member, sc.Name)
		p.Set(ctx, s.getGroupKey(sc.SessionID), sc.GroupID, s.ttl)
		p.Expire(ctx, s.getLeaderboardKey(sc.SessionID), s.ttl)
		p.Expire(ctx, s.getNamesKey(sc.SessionID), s.ttl)
		return nil
	}); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc)
}

// DeleteLeaderboard drops everything kept for a session. Sessions without a leaderboard
// are fine.
func (s *Service) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	err := s.redis.Del(ctx,
		s.getLeaderboardKey(sessionID),
		s.getNamesKey(sessionID),
		s.getGroupKey(sessionID),
		s.getLeaderboardTimeKey(sessionID),
	).Err()
	if err != nil {
		return fmt.Errorf("delete leaderboard: %w", err)
	}

	return nil
}

// schedulePublishLeaderboard publishes at most one leaderboard per session and interval.
// A score update inside the interval is picked up by the next one outside it.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sc domain.Score) error {
	// The key is shared, so only one instance publishes per interval.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, sc)
}

func (s *Service) publishLeaderboard(ctx context.Context, sc domain.Score) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sc.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sc.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Err()
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getNamesKey(session string) string {
	return fmt.Sprintf("%s:%s:names", s.prefix, session)
}

func (s *Service) getGroupKey(session string) string {
	return fmt.Sprintf("%s:%s:group", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
