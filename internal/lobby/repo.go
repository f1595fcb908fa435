package lobby

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo persists presence and rooms.
type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

// Presence
func (r *Repo) SetOnline(ctx context.Context, accountID uint, username string, at time.Time) error {
	p := Presence{AccountID: accountID, Username: username, Online: true, LastLoginAt: at, LastSeenAt: at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "online", "last_login_at", "last_seen_at"}),
	}).Create(&p).Error
}
func (r *Repo) SetOffline(ctx context.Context, accountID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Presence{}).Where("account_id = ?", accountID).
		Updates(map[string]any{"online": false, "last_seen_at": at}).Error
}

// ResetPresence marks everyone offline; no connection survives a restart.
func (r *Repo) ResetPresence(ctx context.Context) error {
	return r.db.WithContext(ctx).Model(&Presence{}).Where("online = ?", true).Update("online", false).Error
}
func (r *Repo) Presence(ctx context.Context, accountID uint) (*Presence, error) {
	var p Presence
	if err := r.db.WithContext(ctx).First(&p, "account_id = ?", accountID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Rooms

// SaveRoom inserts or replaces the room row keyed by name.
func (r *Repo) SaveRoom(ctx context.Context, rec *RoomRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"game_id", "version", "owner_id", "owner", "state", "min_players", "max_players",
			"client_entry", "members", "pid", "host", "port", "started_at", "finished_at", "exit_code", "updated_at",
		}),
	}).Create(rec).Error
}
func (r *Repo) DeleteRoom(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Where("name = ?", name).Delete(&RoomRecord{}).Error
}
func (r *Repo) Rooms(ctx context.Context) ([]*RoomRecord, error) {
	var arr []*RoomRecord
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}
