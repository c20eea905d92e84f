// Package telemetry mirrors operator-bound frames to Redis Pub/Sub so
// dashboards outside the WebSocket substrate can watch live scans. The
// mirror is best-effort: publish failures are logged at debug and never
// touch the operator fan-out.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// Publisher receives every frame broadcast to operators.
type Publisher interface {
	Publish(frame any)
	Close() error
}

// nop is the publisher used when no Redis address is configured.
type nop struct{}

func (nop) Publish(any)  {}
func (nop) Close() error { return nil }

// NewNop returns a publisher that discards everything.
func NewNop() Publisher { return nop{} }

// Redis publishes frames to a single channel.
type Redis struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedis connects to addr and verifies the connection with a ping.
func NewRedis(addr, channel string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client, channel: channel, log: slog.Default()}, nil
}

// Publish marshals the frame and fires it at the channel.
func (r *Redis) Publish(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		r.log.Debug("telemetry marshal failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Debug("telemetry publish failed", "err", err)
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() error { return r.client.Close() }
