// Package events publishes catalog and room lifecycle events to a message
// queue (Redis Streams, Kafka, or nowhere).
package events

import (
	"context"
	"time"
)

// Streams.
const (
	StreamCatalog = "catalog"
	StreamRooms   = "rooms"
)

// Event types.
const (
	AccountRegistered = "account.registered"
	GameCreated       = "game.created"
	VersionUploaded   = "version.uploaded"
	GameDelisted      = "game.delisted"
	GameRelisted      = "game.relisted"
	DownloadRecorded  = "download.recorded"
	RatingSubmitted   = "rating.submitted"

	RoomCreated  = "room.created"
	RoomStarted  = "room.started"
	RoomFinished = "room.finished"
	RoomClosed   = "room.closed"
	SpawnFailed  = "room.spawn_failed"
)

// Event is one published record.
type Event struct {
	Type   string         `json:"type"`
	Source string         `json:"source"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

// Queue publishes events to a named stream. Publishing is best effort for
// callers: a failed publish never fails the operation that produced it.
type Queue interface {
	Publish(ctx context.Context, stream string, evt Event) error
	Close() error
}

// New stamps an event.
func New(source, typ string, data map[string]any) Event {
	return Event{Type: typ, Source: source, At: time.Now().UTC(), Data: data}
}
