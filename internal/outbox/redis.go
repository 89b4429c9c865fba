package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store
type RedisConfig struct {
	URL string
	Key string
	// Max trims the list to the newest Max jobs. Zero disables trimming.
	Max int64
	TTL time.Duration
}

// Redis pushes jobs onto a Redis list consumed by the mailer
type Redis struct {
	client *redis.Client
	key    string
	max    int64
	ttl    time.Duration
}

// ClientOptions parses a redis:// URL or a bare host:port address
func ClientOptions(addr string) (*redis.Options, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     addr,
		Password: "", // no password by default
		DB:       0,  // use default DB
	}, nil
}

// NewRedis creates a Redis store. It does not contact the server.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts, err := ClientOptions(cfg.URL)
	if err != nil {
		return nil, err
	}
	return NewRedisWithClient(redis.NewClient(opts), cfg), nil
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	key := cfg.Key
	if key == "" {
		key = "chatty:transcripts:outbox"
	}
	return &Redis{client: client, key: key, max: cfg.Max, ttl: cfg.TTL}
}

// Enqueue pushes the job to the head of the list, trimming and refreshing the TTL
func (r *Redis) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode outbox job: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key, data)
		if r.max > 0 {
			pipe.LTrim(ctx, r.key, 0, r.max-1)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, r.key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue transcript: %w", err)
	}
	return nil
}

// Pending returns the number of queued jobs
func (r *Redis) Pending(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.key).Result()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
