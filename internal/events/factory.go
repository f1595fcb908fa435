package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config selects the queue backend.
type Config struct {
	Type         string   `mapstructure:"type"` // redis|kafka|memory|noop
	RedisURL     string   `mapstructure:"redis_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Prefix       string   `mapstructure:"prefix"`
	MaxLen       int64    `mapstructure:"max_len"`
}

// Open builds a Queue from c. An empty type means noop.
func Open(c Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "noop":
		return NewNoop(), nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		url := c.RedisURL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		maxLen := c.MaxLen
		if maxLen == 0 {
			maxLen = 100000
		}
		q, err := NewRedis(url, c.Prefix, maxLen, true)
		if err != nil {
			return nil, fmt.Errorf("events: redis: %w", err)
		}
		slog.Info("event publisher enabled", "type", "redis", "prefix", c.Prefix)
		return q, nil
	case "kafka":
		brokers := c.KafkaBrokers
		if len(brokers) == 0 {
			brokers = []string{"localhost:9092"}
		}
		slog.Info("event publisher enabled", "type", "kafka", "brokers", strings.Join(brokers, ","))
		return NewKafka(brokers, c.Prefix), nil
	default:
		return nil, fmt.Errorf("events: unsupported queue type %q", c.Type)
	}
}

// Publisher stamps and publishes events for one source without blocking
// or failing the caller.
type Publisher struct {
	q      Queue
	source string
	tmo    time.Duration
}

func NewPublisher(q Queue, source string) *Publisher {
	if q == nil {
		q = NewNoop()
	}
	return &Publisher{q: q, source: source, tmo: 2 * time.Second}
}

// Emit publishes synchronously with a short timeout and logs failures.
func (p *Publisher) Emit(stream, typ string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), p.tmo)
	defer cancel()
	if err := p.q.Publish(ctx, stream, New(p.source, typ, data)); err != nil {
		slog.Warn("event publish failed", "stream", stream, "type", typ, "error", err)
	}
}

func (p *Publisher) Close() error { return p.q.Close() }
