package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account is a registered developer or player.
type Account struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"size:64;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:100;not null"`
	Role         string `gorm:"size:16;not null"`
	CreatedAt    time.Time
}

// Game is a catalog entry. OwnerID never changes after creation.
type Game struct {
	ID            uint   `gorm:"primaryKey"`
	GameID        string `gorm:"size:64;uniqueIndex;not null"`
	Name          string `gorm:"size:128"`
	OwnerID       uint   `gorm:"index;not null"`
	Type          string `gorm:"size:16"`
	MinPlayers    int
	MaxPlayers    int
	Description   string `gorm:"type:text"`
	Listed        bool   `gorm:"not null"`
	DownloadCount int64  `gorm:"not null"`
	// Requires lists runtime requirements from the latest manifest (JSON array of strings)
	Requires  datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GameVersion is append-only. SortKey makes "v1.0" and "1.0.0" collide on
// the unique index, so duplicates under version ordering are rejected by
// the database as well.
type GameVersion struct {
	ID            uint   `gorm:"primaryKey"`
	GameID        string `gorm:"size:64;not null;uniqueIndex:uniq_game_ver,priority:1;uniqueIndex:uniq_game_sort,priority:1"`
	Version       string `gorm:"size:32;not null;uniqueIndex:uniq_game_ver,priority:2"`
	SortKey       string `gorm:"size:64;not null;uniqueIndex:uniq_game_sort,priority:2"`
	StoragePath   string `gorm:"size:512;not null"`
	ArchiveKey    string `gorm:"size:256"`
	ArchiveFormat string `gorm:"size:16"`
	ServerEntry   string `gorm:"size:256;not null"`
	ClientEntry   string `gorm:"size:256;not null"`
	Type          string `gorm:"size:16"`
	MinPlayers    int
	MaxPlayers    int
	UploaderID    uint
	CreatedAt     time.Time
}

// DownloadRecord is one row per (account, game, version).
type DownloadRecord struct {
	ID           uint   `gorm:"primaryKey"`
	AccountID    uint   `gorm:"not null;uniqueIndex:uniq_download,priority:1"`
	GameID       string `gorm:"size:64;not null;uniqueIndex:uniq_download,priority:2;index"`
	Version      string `gorm:"size:32;not null;uniqueIndex:uniq_download,priority:3"`
	DownloadedAt time.Time
}

// Rating is one row per (account, game); resubmission overwrites.
type Rating struct {
	ID        uint   `gorm:"primaryKey"`
	AccountID uint   `gorm:"not null;uniqueIndex:uniq_rating,priority:1"`
	GameID    string `gorm:"size:64;not null;uniqueIndex:uniq_rating,priority:2;index"`
	Score     int    `gorm:"not null"`
	Comment   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the catalog schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Game{}, &GameVersion{}, &DownloadRecord{}, &Rating{})
}

func (g *Game) RequiresList() []string {
	var arr []string
	if len(g.Requires) == 0 {
		return arr
	}
	_ = json.Unmarshal(g.Requires, &arr)
	return arr
}

func (g *Game) SetRequires(reqs []string) {
	if len(reqs) == 0 {
		g.Requires = nil
		return
	}
	b, _ := json.Marshal(reqs)
	g.Requires = b
}
