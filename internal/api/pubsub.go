package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
)

const maxConcurrent = 100

const (
	NotificationMessage        = "message"
	NotificationReply          = "reply"
	NotificationOperatorNotice = "operator.notice"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	GroupMessage struct {
		GroupID   int64  `json:"group_id"`
		MessageID string `json:"message_id"`
		ReplyTo   string `json:"reply_to,omitempty"`
		Text      string `json:"text"`
		Format    string `json:"format"`
	}

	OperatorNotice struct {
		Text string `json:"text"`
	}

	Leaderboard struct {
		SessionID string             `json:"session_id"`
		GroupID   int64              `json:"group_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
		Score  int    `json:"score"`
	}
)

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type PubsubConfig struct {
	Redis    Redis
	Prefix   string
	EventBus *event.Bus
}

// Pubsub is the outgoing side of the chat transport. Game messages are published on a
// channel per group, the transport relays them to the chat and back.
type Pubsub struct {
	redis  Redis
	prefix string
}

func NewPubsub(c PubsubConfig) *Pubsub {
	p := &Pubsub{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return p.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return p
}

func (p *Pubsub) Send(ctx context.Context, groupID int64, msg domain.Message) (domain.MessageRef, error) {
	ref := domain.MessageRef{GroupID: groupID, MessageID: uuid.NewString()}

	err := p.publishNotification(ctx, p.groupChannel(groupID), NotificationMessage, GroupMessage{
		GroupID:   groupID,
		MessageID: ref.MessageID,
		Text:      msg.Text,
		Format:    string(msg.Format),
	})
	if err != nil {
		return domain.MessageRef{}, err
	}

	return ref, nil
}

func (p *Pubsub) Reply(ctx context.Context, to domain.MessageRef, msg domain.Message) error {
	return p.publishNotification(ctx, p.groupChannel(to.GroupID), NotificationReply, GroupMessage{
		GroupID:   to.GroupID,
		MessageID: uuid.NewString(),
		ReplyTo:   to.MessageID,
		Text:      msg.Text,
		Format:    string(msg.Format),
	})
}

func (p *Pubsub) NotifyOperators(ctx context.Context, text string) error {
	return p.publishNotification(ctx, p.prefix+":operators", NotificationOperatorNotice, OperatorNotice{Text: text})
}

// PublishLeaderboardUpdated pushes the leaderboard to the group and to every player on it.
func (p *Pubsub) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		SessionID: l.SessionID,
		GroupID:   l.GroupID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			UserID: entry.UserID,
			Name:   entry.Name,
			Score:  entry.Score,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	if l.GroupID != 0 {
		eg.Go(func() error {
			return p.publishNotification(ctx, p.groupChannel(l.GroupID), e.Name(), data)
		})
	}

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return p.publishNotification(ctx, fmt.Sprintf("%s:user:%d", p.prefix, entry.UserID), e.Name(), data)
		})
	}

	return eg.Wait()
}

func (p *Pubsub) groupChannel(groupID int64) string {
	return fmt.Sprintf("%s:group:%d", p.prefix, groupID)
}

func (p *Pubsub) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	if err := p.redis.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", event, err)
	}

	return nil
}
