package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"idmint/internal/platform/config"
)

type poolMetrics struct {
	hits, misses, timeouts, stale prometheus.Counter
	total, idle                   prometheus.Gauge
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	f := promauto.With(reg)
	return &poolMetrics{
		hits:     f.NewCounter(prometheus.CounterOpts{Name: "idmint_redis_pool_hits_total", Help: "Connections found in the pool"}),
		misses:   f.NewCounter(prometheus.CounterOpts{Name: "idmint_redis_pool_misses_total", Help: "Connections not found in the pool"}),
		timeouts: f.NewCounter(prometheus.CounterOpts{Name: "idmint_redis_pool_timeouts_total", Help: "Connection waits that timed out"}),
		stale:    f.NewCounter(prometheus.CounterOpts{Name: "idmint_redis_pool_stale_conns_total", Help: "Stale connections removed from the pool"}),
		total:    f.NewGauge(prometheus.GaugeOpts{Name: "idmint_redis_pool_total_conns", Help: "Connections in the pool"}),
		idle:     f.NewGauge(prometheus.GaugeOpts{Name: "idmint_redis_pool_idle_conns", Help: "Idle connections in the pool"}),
	}
}

// Client wraps the go-redis client with health checking and pool metrics.
type Client struct {
	*redis.Client
	metrics   *poolMetrics
	lastStats *redis.PoolStats
}

// New connects to Redis. Returns nil, nil when no URL is configured.
func New(ctx context.Context, cfg config.RedisConfig, reg prometheus.Registerer) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client, metrics: newPoolMetrics(reg)}, nil
}

// Health checks if the Redis connection is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RecordPoolStats publishes pool statistics. Call periodically from main.
func (c *Client) RecordPoolStats() {
	stats := c.PoolStats()
	c.metrics.total.Set(float64(stats.TotalConns))
	c.metrics.idle.Set(float64(stats.IdleConns))

	var prev redis.PoolStats
	if c.lastStats != nil {
		prev = *c.lastStats
	}
	addDelta(c.metrics.hits, stats.Hits, prev.Hits)
	addDelta(c.metrics.misses, stats.Misses, prev.Misses)
	addDelta(c.metrics.timeouts, stats.Timeouts, prev.Timeouts)
	addDelta(c.metrics.stale, stats.StaleConns, prev.StaleConns)
	c.lastStats = stats
}

func addDelta(c prometheus.Counter, now, before uint32) {
	if now > before {
		c.Add(float64(now - before))
	}
}
