package storeclient

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/cuihairu/arcade/internal/store"
)

// Account is the identity returned by the store.
type Account struct {
	AccountID uint   `json:"account_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
}

// Archive is a downloaded package.
type Archive struct {
	GameID  string
	Version string
	Format  string
	Data    []byte
}

// Client issues typed store calls over a Pool.
type Client struct {
	pool *Pool
}

func New(cfg Config) (*Client, error) {
	p, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{pool: p}, nil
}

func (c *Client) Pool() *Pool  { return c.pool }
func (c *Client) Close() error { return c.pool.Close() }

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Call(ctx, "ping", nil, nil)
}

func (c *Client) Register(ctx context.Context, username, password, role string) (*Account, error) {
	var out Account
	err := c.pool.Call(ctx, "register", map[string]any{"username": username, "password": password, "role": role}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyCredentials(ctx context.Context, username, password string) (*Account, error) {
	var out Account
	err := c.pool.Call(ctx, "verify_credentials", map[string]any{"username": username, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCatalog(ctx context.Context) ([]store.GameSummary, error) {
	var out struct {
		Games []store.GameSummary `json:"games"`
	}
	if err := c.pool.Call(ctx, "list_catalog", nil, &out); err != nil {
		return nil, err
	}
	return out.Games, nil
}

// LaunchInfo fetches the launch contract; an empty version means latest.
func (c *Client) LaunchInfo(ctx context.Context, gameID, version string) (*store.LaunchInfo, error) {
	var out store.LaunchInfo
	if err := c.pool.Call(ctx, "get_launch_info", map[string]any{"game_id": gameID, "version": version}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DownloadArchive(ctx context.Context, gameID, version string) (*Archive, error) {
	var out struct {
		GameID  string `json:"game_id"`
		Version string `json:"version"`
		Format  string `json:"format"`
		B64     string `json:"archive_b64"`
	}
	if err := c.pool.Call(ctx, "download_archive", map[string]any{"game_id": gameID, "version": version}, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.B64)
	if err != nil {
		return nil, fmt.Errorf("storeclient: archive payload: %w", err)
	}
	return &Archive{GameID: out.GameID, Version: out.Version, Format: out.Format, Data: data}, nil
}

// RecordDownload reports a completed download; repeated reports are no-ops.
func (c *Client) RecordDownload(ctx context.Context, accountID uint, gameID, version string) (bool, error) {
	var out struct {
		Recorded bool `json:"recorded"`
	}
	err := c.pool.Call(ctx, "record_download", map[string]any{"account_id": accountID, "game_id": gameID, "version": version}, &out)
	return out.Recorded, err
}

func (c *Client) SubmitRating(ctx context.Context, accountID uint, gameID string, score int, comment string) error {
	return c.pool.Call(ctx, "submit_rating", map[string]any{
		"account_id": accountID, "game_id": gameID, "score": score, "comment": comment,
	}, nil)
}
