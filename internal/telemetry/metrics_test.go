package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
	"github.com/victornm/wordchain/internal/telemetry"
)

func TestGameMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	eb := event.NewBus()
	telemetry.NewGameMetrics(reg).Subscribe(eb)

	ctx := context.Background()
	start := time.Now()

	eb.Publish(ctx, domain.EventGameStarted{Mode: "classic", PlayerCount: 2})
	eb.Publish(ctx, domain.EventGameStarted{Mode: "elim", PlayerCount: 5})
	eb.Publish(ctx, domain.EventGameEnded{Result: domain.GameResult{
		Mode:    "classic",
		Outcome: domain.OutcomeFinished,
		Start:   start,
		End:     start.Add(2 * time.Minute),
		Players: []domain.PlayerResult{{WordCount: 3}, {WordCount: 4}},
	}})
	eb.Publish(ctx, domain.EventGameEnded{Result: domain.GameResult{Mode: "elim", Outcome: domain.OutcomeKilled}})
	eb.Publish(ctx, domain.EventScoreUpdated{})
	eb.Stop()

	n, err := testutil.GatherAndCount(reg, "wordchain_games_started_total")
	require.NoError(t, err)
	require.Equal(t, 2, n, "one series per mode")

	n, err = testutil.GatherAndCount(reg, "wordchain_games_ended_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, float64(1), gathered(t, reg, "wordchain_game_duration_seconds"), "only the finished game should be observed")
	require.Equal(t, float64(1), gathered(t, reg, "wordchain_game_words"))
	require.Equal(t, float64(1), gathered(t, reg, "wordchain_score_updates_total"))
}

func TestGameMetrics_PendingHandlers(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	eb := event.NewBus()
	telemetry.NewGameMetrics(reg).Subscribe(eb)

	release := make(chan struct{})
	eb.Subscribe(domain.EventNameScoreUpdated, func(context.Context, event.Event) error {
		<-release
		return nil
	})

	eb.Publish(context.Background(), domain.EventScoreUpdated{})
	require.Eventually(t, func() bool {
		return gathered(t, reg, "wordchain_event_handlers_pending") == 1
	}, time.Second, time.Millisecond, "the blocked handler should be pending")

	close(release)
	eb.Stop()
	require.Equal(t, float64(0), gathered(t, reg, "wordchain_event_handlers_pending"))
}

// gathered sums counter and gauge values and histogram sample counts of a metric family.
func gathered(t *testing.T, reg prometheus.Gatherer, name string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue() + float64(m.GetHistogram().GetSampleCount())
		}
	}

	return total
}
