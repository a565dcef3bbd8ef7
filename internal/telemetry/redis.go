package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

const slowRedisCommand = 100 * time.Millisecond

var redisCommands = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "wordchain",
	Name:      "redis_command_duration_seconds",
	Help:      "Duration of Redis commands, by client and command.",
	Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"client", "command"})

// MonitorRedis instruments r with tracing and metrics. name tells the clients apart in
// logs and metrics, e.g. "leaderboard" or "pubsub".
func MonitorRedis(r redis.UniversalClient, name string) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisHook{name: name, observer: redisCommands})
	return nil
}

type redisHook struct {
	name     string
	observer *prometheus.HistogramVec
}

func (h redisHook) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "client", h.name, "addr", addr, "error", err)
			return nil, err
		}

		slog.DebugContext(ctx, "redis: connected", "client", h.name, "addr", addr)
		return conn, nil
	}
}

func (h redisHook) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		h.done(ctx, cmd.Name(), time.Since(start), err)
		return err
	}
}

func (h redisHook) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		h.done(ctx, "pipeline", time.Since(start), err)
		return err
	}
}

func (h redisHook) done(ctx context.Context, command string, took time.Duration, err error) {
	h.observer.WithLabelValues(h.name, command).Observe(took.Seconds())

	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		slog.WarnContext(ctx, "redis: command failed", "client", h.name, "command", command, "error", err)
	case took > slowRedisCommand:
		slog.WarnContext(ctx, "redis: slow command", "client", h.name, "command", command, "took", took)
	default:
		slog.DebugContext(ctx, "redis: command done", "client", h.name, "command", command, "took", took)
	}
}
