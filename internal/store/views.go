package store

import "time"

// GameSummary is one catalog row.
type GameSummary struct {
	GameID        string   `json:"game_id"`
	Name          string   `json:"name"`
	Owner         string   `json:"owner"`
	OwnerID       uint     `json:"owner_id"`
	Type          string   `json:"type"`
	MinPlayers    int      `json:"min_players"`
	MaxPlayers    int      `json:"max_players"`
	Description   string   `json:"description,omitempty"`
	Listed        bool     `json:"listed"`
	LatestVersion string   `json:"latest_version"`
	RatingAvg     float64  `json:"rating_avg"`
	RatingCount   int64    `json:"rating_count"`
	DownloadCount int64    `json:"download_count"`
	Requires      []string `json:"requires,omitempty"`
}

type VersionInfo struct {
	Version     string    `json:"version"`
	ServerEntry string    `json:"server_entry"`
	ClientEntry string    `json:"client_entry"`
	CreatedAt   time.Time `json:"created_at"`
}

type RatingInfo struct {
	Username  string    `json:"username"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GameDetail is a game with its full version history and ratings.
type GameDetail struct {
	Game     GameSummary   `json:"game"`
	Versions []VersionInfo `json:"versions"`
	Ratings  []RatingInfo  `json:"ratings"`
}

// LaunchInfo is what the lobby needs to install and launch a version.
type LaunchInfo struct {
	GameID      string `json:"game_id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	StoragePath string `json:"storage_path"`
	ServerEntry string `json:"server_entry"`
	ClientEntry string `json:"client_entry"`
	Type        string `json:"type"`
	MinPlayers  int    `json:"min_players"`
	MaxPlayers  int    `json:"max_players"`
}

// UploadRequest carries one package upload.
type UploadRequest struct {
	GameID      string
	Name        string
	Version     string
	Description string
	Archive     []byte
}

type UploadResult struct {
	GameID  string `json:"game_id"`
	Version string `json:"version"`
	Created bool   `json:"created"`
	Latest  string `json:"latest"`
}
