package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// ErrRedisNotConfigured is returned when no Redis address is set.
var ErrRedisNotConfigured = errors.New("redis address not configured")

const redisTimeout = 5 * time.Second

// RedisPublisher publishes events on a Redis channel and keeps a bounded
// list of recent events.
type RedisPublisher struct {
	client   *redis.Client
	channel  string
	listKey  string
	listSize int
}

// NewRedisPublisher creates a publisher for cfg. No connection is made until
// the first command.
func NewRedisPublisher(cfg types.RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, ErrRedisNotConfigured
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisTimeout,
		ReadTimeout:  redisTimeout,
		WriteTimeout: redisTimeout,
		MaxRetries:   3,
	})
	return &RedisPublisher{
		client:   client,
		channel:  cfg.Channel,
		listKey:  cfg.ListKey,
		listSize: max(cfg.ListSize, 1),
	}, nil
}

// Publish sends payload to the channel and prepends it to the recent list.
// Either step is skipped when its key is empty.
func (p *RedisPublisher) Publish(ctx context.Context, payload *WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal redis payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.channel != "" {
			pipe.Publish(ctx, p.channel, data)
		}
		if p.listKey != "" {
			pipe.LPush(ctx, p.listKey, data)
			pipe.LTrim(ctx, p.listKey, 0, int64(p.listSize-1))
		}
		return nil
	})
	if err != nil {
		return util.WrapError("publish to redis", err)
	}
	return nil
}

// Recent returns up to n events from the recent list, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, n int64) ([]WebhookPayload, error) {
	if p.listKey == "" || n <= 0 {
		return nil, nil
	}
	items, err := p.client.LRange(ctx, p.listKey, 0, n-1).Result()
	if err != nil {
		return nil, util.WrapError("read recent events", err)
	}

	events := make([]WebhookPayload, 0, len(items))
	for _, item := range items {
		var ev WebhookPayload
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// SendTestRedis publishes a test event to verify the Redis configuration.
func SendTestRedis(ctx context.Context, cfg types.RedisConfig, device string) error {
	p, err := NewRedisPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if err := p.Ping(ctx); err != nil {
		return util.WrapError("connect to redis", err)
	}
	return p.Publish(ctx, &WebhookPayload{
		Event:     EventTest,
		Device:    device,
		Message:   "This is a test notification from " + device,
		Timestamp: timestampUTC(),
	})
}
