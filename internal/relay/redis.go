package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisRelay fans scan events out through a Redis pub/sub channel so
// multiple server instances can feed the same live view.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay builds a relay on the given channel name.
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	if channel == "" {
		channel = "attendance:scans"
	}
	return &RedisRelay{client: client, channel: channel}
}

// Publish sends evt as JSON to the channel.
func (r *RedisRelay) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe opens a dedicated Redis subscription for this consumer.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan Event)
	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ps.Close() })
	}

	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					cancel()
					return
				}
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return out, cancel, nil
}
