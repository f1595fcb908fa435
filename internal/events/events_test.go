package events

import (
	"testing"
)

func TestOpenSelectsBackend(t *testing.T) {
	q, err := Open(Config{})
	if err != nil {
		t.Fatalf("open noop: %v", err)
	}
	if _, ok := q.(*Noop); !ok {
		t.Fatalf("empty type should be noop, got %T", q)
	}
	if _, err := Open(Config{Type: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown type must fail")
	}
	if q, _ := Open(Config{Type: "kafka", KafkaBrokers: []string{"k:9092"}}); q == nil {
		t.Fatalf("kafka queue nil")
	}
	if _, err := Open(Config{Type: "redis", RedisURL: "not a url"}); err == nil {
		t.Fatalf("bad redis url must fail")
	}
}

func TestPublisherRecordsToMemory(t *testing.T) {
	m := NewMemory()
	p := NewPublisher(m, "store")
	p.Emit(StreamCatalog, GameCreated, map[string]any{"game_id": "g"})
	p.Emit(StreamCatalog, VersionUploaded, map[string]any{"game_id": "g", "version": "v1"})
	got := m.Types(StreamCatalog)
	if len(got) != 2 || got[0] != GameCreated || got[1] != VersionUploaded {
		t.Fatalf("unexpected events %v", got)
	}
	if len(m.Types(StreamRooms)) != 0 {
		t.Fatalf("rooms stream should be empty")
	}
}
