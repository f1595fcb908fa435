package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type kafkaQueue struct {
	brokers []string
	prefix  string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafka publishes each stream to the topic "<prefix>.<stream>".
func NewKafka(brokers []string, prefix string) Queue {
	if len(brokers) == 0 {
		return NewNoop()
	}
	if prefix == "" {
		prefix = "arcade"
	}
	return &kafkaQueue{brokers: brokers, prefix: prefix, writers: map[string]*kafka.Writer{}}
}

func (q *kafkaQueue) writer(stream string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.writers[stream]
	if !ok {
		// writers are safe for concurrent use
		w = &kafka.Writer{
			Addr:         kafka.TCP(q.brokers...),
			Topic:        q.prefix + "." + stream,
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		}
		q.writers[stream] = w
	}
	return w
}

func (q *kafkaQueue) Publish(ctx context.Context, stream string, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key, _ := evt.Data["game_id"].(string)
	if key == "" {
		key, _ = evt.Data["room"].(string)
	}
	return q.writer(stream).WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (q *kafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	for _, w := range q.writers {
		if e := w.Close(); e != nil {
			err = e
		}
	}
	return err
}
