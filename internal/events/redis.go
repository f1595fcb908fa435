package events

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

type redisQueue struct {
	cli          *redis.Client
	prefix       string
	maxLen       int64
	maxLenApprox bool
}

// NewRedis publishes each stream to the Redis stream "<prefix>:<stream>".
func NewRedis(url, prefix string, maxLen int64, approx bool) (Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "arcade"
	}
	return &redisQueue{cli: redis.NewClient(opt), prefix: prefix, maxLen: maxLen, maxLenApprox: approx}, nil
}

func (q *redisQueue) Close() error { return q.cli.Close() }

func (q *redisQueue) Publish(ctx context.Context, stream string, evt Event) error {
	// single 'data' field with the JSON body keeps the stream schema-free
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: q.prefix + ":" + stream, Values: map[string]any{"type": evt.Type, "data": string(b)}}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = q.maxLenApprox
	}
	return q.cli.XAdd(ctx, args).Err()
}
