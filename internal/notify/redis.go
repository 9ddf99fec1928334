package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis uses pub/sub on Channel.
type Redis struct {
	*hub
	client *redis.Client
	sub    *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedis subscribes to Channel. The subscription is confirmed before
// NewRedis returns.
func NewRedis(ctx context.Context, client *redis.Client) (*Redis, error) {
	sub := client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	r := &Redis{hub: newHub(), client: client, sub: sub}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range sub.Channel() {
			r.broadcast(msg.Payload)
		}
	}()
	return r, nil
}

func (r *Redis) Notify(ctx context.Context, tag string) error {
	return r.client.Publish(ctx, Channel, tag).Err()
}

// Close ends the subscription. The client stays open.
func (r *Redis) Close() error {
	err := r.sub.Close()
	r.wg.Wait()
	return err
}
