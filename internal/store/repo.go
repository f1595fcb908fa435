package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the catalog persistence layer.
type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

// Tx runs fn in a transaction with a repo bound to it.
func (r *Repo) Tx(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return fn(&Repo{db: tx}) })
}

func notFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }

// Accounts
func (r *Repo) CreateAccount(ctx context.Context, a *Account) error {
	return r.db.WithContext(ctx).Create(a).Error
}
func (r *Repo) AccountByUsername(ctx context.Context, username string) (*Account, error) {
	var a Account
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}
func (r *Repo) AccountByID(ctx context.Context, id uint) (*Account, error) {
	var a Account
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}
func (r *Repo) UsernamesByID(ctx context.Context, ids []uint) (map[uint]string, error) {
	out := map[uint]string{}
	if len(ids) == 0 {
		return out, nil
	}
	var rows []Account
	if err := r.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, a := range rows {
		out[a.ID] = a.Username
	}
	return out, nil
}

// Games
func (r *Repo) GameByID(ctx context.Context, gameID string) (*Game, error) {
	var g Game
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}
func (r *Repo) CreateGame(ctx context.Context, g *Game) error {
	return r.db.WithContext(ctx).Create(g).Error
}
func (r *Repo) UpdateGame(ctx context.Context, gameID string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Game{}).Where("game_id = ?", gameID).Updates(fields).Error
}

// VisibleGames returns listed games plus every game owned by ownerID
// (0 = anonymous caller).
func (r *Repo) VisibleGames(ctx context.Context, ownerID uint) ([]*Game, error) {
	var arr []*Game
	q := r.db.WithContext(ctx).Order("game_id ASC")
	if ownerID != 0 {
		q = q.Where("listed = ? OR owner_id = ?", true, ownerID)
	} else {
		q = q.Where("listed = ?", true)
	}
	if err := q.Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}
func (r *Repo) GamesByOwner(ctx context.Context, ownerID uint) ([]*Game, error) {
	var arr []*Game
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("game_id ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// Versions
func (r *Repo) CreateVersion(ctx context.Context, v *GameVersion) error {
	return r.db.WithContext(ctx).Create(v).Error
}

// Versions returns a game's versions newest first.
func (r *Repo) Versions(ctx context.Context, gameID string) ([]*GameVersion, error) {
	var arr []*GameVersion
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).Order("sort_key DESC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// LatestVersions maps each game to its highest version.
func (r *Repo) LatestVersions(ctx context.Context, gameIDs []string) (map[string]*GameVersion, error) {
	out := map[string]*GameVersion{}
	if len(gameIDs) == 0 {
		return out, nil
	}
	var arr []*GameVersion
	if err := r.db.WithContext(ctx).Where("game_id IN ?", gameIDs).Order("sort_key DESC").Find(&arr).Error; err != nil {
		return nil, err
	}
	for _, v := range arr {
		if _, ok := out[v.GameID]; !ok {
			out[v.GameID] = v
		}
	}
	return out, nil
}
func (r *Repo) LatestVersion(ctx context.Context, gameID string) (*GameVersion, error) {
	var v GameVersion
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).Order("sort_key DESC").First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// VersionBySortKey finds a version equal under version ordering.
func (r *Repo) VersionBySortKey(ctx context.Context, gameID, sortKey string) (*GameVersion, error) {
	var v GameVersion
	if err := r.db.WithContext(ctx).Where("game_id = ? AND sort_key = ?", gameID, sortKey).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// Ledger

// RecordDownload inserts the ledger row if absent and bumps the game's
// download counter only for a new row. Must run inside Tx.
func (r *Repo) RecordDownload(ctx context.Context, accountID uint, gameID, version string) (bool, error) {
	rec := &DownloadRecord{AccountID: accountID, GameID: gameID, Version: version, DownloadedAt: time.Now().UTC()}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	err := r.db.WithContext(ctx).Model(&Game{}).Where("game_id = ?", gameID).
		UpdateColumn("download_count", gorm.Expr("download_count + ?", 1)).Error
	return err == nil, err
}
func (r *Repo) HasDownloaded(ctx context.Context, accountID uint, gameID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&DownloadRecord{}).Where("account_id = ? AND game_id = ?", accountID, gameID).Count(&n).Error
	return n > 0, err
}
func (r *Repo) Downloads(ctx context.Context, accountID uint) ([]*DownloadRecord, error) {
	var arr []*DownloadRecord
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("game_id ASC, downloaded_at ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// Ratings

// UpsertRating keeps exactly one rating per (account, game).
func (r *Repo) UpsertRating(ctx context.Context, rt *Rating) error {
	now := time.Now().UTC()
	rt.CreatedAt, rt.UpdatedAt = now, now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "game_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "comment", "updated_at"}),
	}).Create(rt).Error
}
func (r *Repo) Ratings(ctx context.Context, gameID string) ([]*Rating, error) {
	var arr []*Rating
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).Order("updated_at DESC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

type ratingAgg struct {
	GameID string
	Avg    float64
	Count  int64
}

// RatingStats aggregates average score and count per game.
func (r *Repo) RatingStats(ctx context.Context, gameIDs []string) (map[string]ratingAgg, error) {
	out := map[string]ratingAgg{}
	if len(gameIDs) == 0 {
		return out, nil
	}
	var rows []ratingAgg
	err := r.db.WithContext(ctx).Model(&Rating{}).
		Select("game_id, AVG(score) AS avg, COUNT(*) AS count").
		Where("game_id IN ?", gameIDs).Group("game_id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, x := range rows {
		out[x.GameID] = x
	}
	return out, nil
}
