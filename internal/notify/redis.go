package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/retry"
)

const publishTimeout = 5 * time.Second

// redisPayload is the message published to the Redis channel.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// Redis publishes events to a Redis pub/sub channel from a background
// goroutine per event.
type Redis struct {
	client  *redis.Client
	channel string
	retry   retry.Policy
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewRedis creates a Redis notifier.
func NewRedis(client *redis.Client, channel string, retryCfg retry.Policy, logger zerolog.Logger) *Redis {
	r := &Redis{
		client:  client,
		channel: channel,
		retry:   retryCfg,
		logger:  logger.With().Str("component", "notify").Str("channel", channel).Logger(),
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			r.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying publish")
		}
	}
	return r
}

func (r *Redis) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event payload")
		return
	}
	body, err := json.Marshal(redisPayload{Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := retry.Do(context.Background(), r.retry, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
				return fmt.Errorf("%w: %w", serrors.ErrUnavailable, err)
			}
			return nil
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("event", event).Msg("Failed to publish event")
		}
	}()
}

// Subscribe delivers every event on the channel to handler until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, handler func(event string, data []byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var p redisPayload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				continue
			}
			handler(p.Event, p.Data)
		}
	}
}

// Close waits for in-flight publishes to finish.
func (r *Redis) Close() {
	r.wg.Wait()
}
