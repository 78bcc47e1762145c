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

var redisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "redis",
	Name:      "command_duration_seconds",
	Help:      "Redis command latency, by command and outcome. Pipelines are reported as one command.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
}, []string{"command", "outcome"})

// MonitorRedis instruments r with tracing, metrics and debug logging of every command.
func MonitorRedis(r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisHook{})
	return nil
}

type redisHook struct{}

func (redisHook) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "network", network, "addr", addr, "error", err)
			return nil, err
		}

		slog.DebugContext(ctx, "redis: connected", "network", network, "addr", addr)
		return conn, nil
	}
}

func (redisHook) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		observeRedis(ctx, cmd.Name(), start, err)
		return err
	}
}

func (redisHook) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		observeRedis(ctx, "pipeline", start, err)
		slog.DebugContext(ctx, "redis: pipeline", "commands", len(cmds))
		return err
	}
}

func observeRedis(ctx context.Context, command string, start time.Time, err error) {
	d := time.Since(start)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		outcome = "nil"
	default:
		outcome = "error"
		slog.WarnContext(ctx, "redis: command failed", "command", command, "duration", d, "error", err)
	}

	redisDuration.WithLabelValues(command, outcome).Observe(d.Seconds())
	slog.DebugContext(ctx, "redis: command", "command", command, "outcome", outcome, "duration", d)
}
