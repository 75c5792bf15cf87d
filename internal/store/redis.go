package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LiveChannel is the pub/sub channel dashboard gateways subscribe to
// for realtime attendance updates.
const LiveChannel = "chamcong:live"

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// PublishLive broadcasts a payload on the live channel. Subscriber
// count is ignored; an empty dashboard audience is not an error.
func (r *Redis) PublishLive(ctx context.Context, payload []byte) error {
	return r.Client.Publish(ctx, LiveChannel, payload).Err()
}
