package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
)

// GameMetrics counts games from the events sessions publish.
type GameMetrics struct {
	reg prometheus.Registerer

	started  *prometheus.CounterVec
	ended    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	words    prometheus.Histogram
	scores   prometheus.Counter
}

func NewGameMetrics(reg prometheus.Registerer) *GameMetrics {
	f := promauto.With(reg)

	return &GameMetrics{
		reg: reg,

		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wordchain",
			Name:      "games_started_total",
			Help:      "Number of games that left the joining phase, by mode.",
		}, []string{"mode"}),

		ended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wordchain",
			Name:      "games_ended_total",
			Help:      "Number of games that reached a terminal state, by mode and outcome.",
		}, []string{"mode", "outcome"}),

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wordchain",
			Name:      "game_duration_seconds",
			Help:      "Length of finished games.",
			Buckets:   []float64{60, 120, 300, 600, 900, 1800, 3600},
		}, []string{"mode"}),

		words: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wordchain",
			Name:      "game_words",
			Help:      "Words accepted in finished games.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		scores: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wordchain",
			Name:      "score_updates_total",
			Help:      "Number of elimination score updates.",
		}),
	}
}

// Subscribe counts the events of eb and exports how many of its handler calls are pending.
func (m *GameMetrics) Subscribe(eb *event.Bus) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "wordchain",
		Name:      "event_handlers_pending",
		Help:      "Number of event handler calls queued or running.",
	}, func() float64 {
		return float64(eb.Pending())
	})

	eb.Subscribe(domain.EventNameGameStarted, func(_ context.Context, e event.Event) error {
		m.started.WithLabelValues(e.(domain.EventGameStarted).Mode).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameGameEnded, func(_ context.Context, e event.Event) error {
		r := e.(domain.EventGameEnded).Result
		m.ended.WithLabelValues(r.Mode, string(r.Outcome)).Inc()

		if r.Outcome != domain.OutcomeFinished {
			return nil
		}

		m.duration.WithLabelValues(r.Mode).Observe(r.End.Sub(r.Start).Seconds())

		words := 0
		for _, p := range r.Players {
			words += p.WordCount
		}
		m.words.Observe(float64(words))
		return nil
	})

	eb.Subscribe(domain.EventNameScoreUpdated, func(context.Context, event.Event) error {
		m.scores.Inc()
		return nil
	})
}
