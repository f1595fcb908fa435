package lobby

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Presence is the durable online flag of a player.
type Presence struct {
	AccountID   uint   `gorm:"primaryKey;autoIncrement:false"`
	Username    string `gorm:"size:64;index"`
	Online      bool   `gorm:"not null"`
	LastLoginAt time.Time
	LastSeenAt  time.Time
}

// RoomRecord is the persisted form of a Room. Rows are deleted when the
// room is destroyed, so the unique name only covers active rooms.
type RoomRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"size:64;uniqueIndex;not null"`
	GameID      string `gorm:"size:64;index;not null"`
	Version     string `gorm:"size:32;not null"`
	OwnerID     uint   `gorm:"not null"`
	Owner       string `gorm:"size:64"`
	State       string `gorm:"size:16;not null"`
	MinPlayers  int
	MaxPlayers  int
	ClientEntry string `gorm:"size:256"`
	// Members is the ordered member list (JSON array of Member)
	Members    datatypes.JSON
	PID        int    `gorm:"column:pid"`
	Host       string `gorm:"size:128"`
	Port       int
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AutoMigrate creates or updates the lobby schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Presence{}, &RoomRecord{})
}

func (r *Room) record() *RoomRecord {
	members, _ := json.Marshal(r.Members)
	rec := &RoomRecord{
		Name:        r.Name,
		GameID:      r.GameID,
		Version:     r.Version,
		OwnerID:     r.OwnerID,
		Owner:       r.Owner,
		State:       string(r.State),
		MinPlayers:  r.MinPlayers,
		MaxPlayers:  r.MaxPlayers,
		ClientEntry: r.ClientEntry,
		Members:     members,
		FinishedAt:  r.FinishedAt,
		ExitCode:    r.ExitCode,
		CreatedAt:   r.CreatedAt,
	}
	if s := r.Server; s != nil {
		rec.PID, rec.Host, rec.Port = s.PID, s.Host, s.Port
		started := s.StartedAt
		rec.StartedAt = &started
	}
	return rec
}

func roomFromRecord(rec *RoomRecord) *Room {
	r := &Room{
		Name:        rec.Name,
		GameID:      rec.GameID,
		Version:     rec.Version,
		OwnerID:     rec.OwnerID,
		Owner:       rec.Owner,
		State:       State(rec.State),
		MinPlayers:  rec.MinPlayers,
		MaxPlayers:  rec.MaxPlayers,
		ClientEntry: rec.ClientEntry,
		FinishedAt:  rec.FinishedAt,
		ExitCode:    rec.ExitCode,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if len(rec.Members) > 0 {
		_ = json.Unmarshal(rec.Members, &r.Members)
	}
	if rec.PID != 0 {
		r.Server = &GameServer{PID: rec.PID, Host: rec.Host, Port: rec.Port}
		if rec.StartedAt != nil {
			r.Server.StartedAt = *rec.StartedAt
		}
	}
	return r
}
