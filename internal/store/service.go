package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/audit/chain"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/events"
	"github.com/cuihairu/arcade/internal/gamepkg"
	"github.com/cuihairu/arcade/internal/objstore"
	"github.com/cuihairu/arcade/internal/telemetry"
	"github.com/cuihairu/arcade/internal/version"
)

// DefaultMaxArchive bounds an uploaded archive.
const DefaultMaxArchive = 256 << 20

// Deps are the collaborators of a Service. Nil optional fields fall back to
// no-op implementations.
type Deps struct {
	DB          *gorm.DB
	Objects     objstore.Store
	Authz       *authz.Authorizer
	Audit       chain.Logger
	Events      *events.Publisher
	Metrics     *telemetry.Metrics
	StorageRoot string
	// TmpRoot holds scratch unpack dirs; it must be on the same filesystem
	// as StorageRoot. Defaults to StorageRoot/.tmp.
	TmpRoot    string
	MaxArchive int64
}

// Service implements the catalog operations independent of transport.
type Service struct {
	repo        *Repo
	objects     objstore.Store
	authz       *authz.Authorizer
	audit       chain.Logger
	events      *events.Publisher
	metrics     *telemetry.Metrics
	storageRoot string
	tmpRoot     string
	maxArchive  int64
	games       keyedMutex
	log         *slog.Logger
}

func NewService(d Deps) (*Service, error) {
	if d.DB == nil || d.Objects == nil || d.Authz == nil {
		return nil, errors.New("store: db, object store and authorizer are required")
	}
	if d.StorageRoot == "" {
		return nil, errors.New("store: storage root is required")
	}
	root, err := filepath.Abs(d.StorageRoot)
	if err != nil {
		return nil, err
	}
	tmp := d.TmpRoot
	if tmp == "" {
		tmp = filepath.Join(root, ".tmp")
	}
	for _, dir := range []string{root, tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	if err := AutoMigrate(d.DB); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	s := &Service{
		repo:        NewRepo(d.DB),
		objects:     d.Objects,
		authz:       d.Authz,
		audit:       d.Audit,
		events:      d.Events,
		metrics:     d.Metrics,
		storageRoot: root,
		tmpRoot:     tmp,
		maxArchive:  d.MaxArchive,
		log:         slog.Default().With("component", "store"),
	}
	if s.audit == nil {
		s.audit = chain.Nop{}
	}
	if s.events == nil {
		s.events = events.NewPublisher(nil, "store")
	}
	if s.maxArchive <= 0 {
		s.maxArchive = DefaultMaxArchive
	}
	return s, nil
}

func (s *Service) Authorizer() *authz.Authorizer { return s.authz }

func actor(p authz.Principal) string {
	if p.Username != "" {
		return p.Username
	}
	return p.Role + ":" + strconv.FormatUint(uint64(p.AccountID), 10)
}

func (s *Service) record(kind string, p authz.Principal, target string, meta map[string]string) {
	if err := s.audit.Log(kind, actor(p), target, meta); err != nil {
		s.log.Warn("audit append failed", "kind", kind, "target", target, "error", err)
	}
}

// Accounts

// Register creates an account with a bcrypt credential.
func (s *Service) Register(ctx context.Context, username, password, role string) (*Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 64 {
		return nil, apperr.Validation(apperr.ReasonBadField, "username must be 1-64 characters")
	}
	if password == "" {
		return nil, apperr.Validation(apperr.ReasonBadField, "password is required")
	}
	if role != authz.RoleDeveloper && role != authz.RolePlayer {
		return nil, apperr.Validation(apperr.ReasonBadField, "role must be developer or player")
	}
	if _, err := s.repo.AccountByUsername(ctx, username); err == nil {
		return nil, apperr.Validation(apperr.ReasonUserExists, "username %q is taken", username)
	} else if !notFound(err) {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a := &Account{Username: username, PasswordHash: string(hash), Role: role}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Validation(apperr.ReasonUserExists, "username %q is taken", username)
		}
		return nil, err
	}
	s.record("account.register", authz.Principal{AccountID: a.ID, Username: a.Username, Role: role}, username, map[string]string{"role": role})
	s.events.Emit(events.StreamCatalog, events.AccountRegistered, map[string]any{"account_id": a.ID, "username": username, "role": role})
	return a, nil
}

// Authenticate checks credentials. Unknown users and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	a, err := s.repo.AccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if notFound(err) {
			return nil, apperr.Auth(apperr.ReasonBadCredentials, "invalid username or password")
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return nil, apperr.Auth(apperr.ReasonBadCredentials, "invalid username or password")
	}
	return a, nil
}

// Catalog reads

func visibleTo(g *Game, p authz.Principal) bool {
	return g.Listed || (p.AccountID != 0 && g.OwnerID == p.AccountID)
}

func (s *Service) summaries(ctx context.Context, games []*Game) ([]GameSummary, error) {
	ids := make([]string, 0, len(games))
	owners := make([]uint, 0, len(games))
	for _, g := range games {
		ids = append(ids, g.GameID)
		owners = append(owners, g.OwnerID)
	}
	latest, err := s.repo.LatestVersions(ctx, ids)
	if err != nil {
		return nil, err
	}
	stats, err := s.repo.RatingStats(ctx, ids)
	if err != nil {
		return nil, err
	}
	names, err := s.repo.UsernamesByID(ctx, owners)
	if err != nil {
		return nil, err
	}
	out := make([]GameSummary, 0, len(games))
	for _, g := range games {
		sum := GameSummary{
			GameID:        g.GameID,
			Name:          g.Name,
			Owner:         names[g.OwnerID],
			OwnerID:       g.OwnerID,
			Type:          g.Type,
			MinPlayers:    g.MinPlayers,
			MaxPlayers:    g.MaxPlayers,
			Description:   g.Description,
			Listed:        g.Listed,
			DownloadCount: g.DownloadCount,
			Requires:      g.RequiresList(),
		}
		if v := latest[g.GameID]; v != nil {
			sum.LatestVersion = v.Version
		}
		if st, ok := stats[g.GameID]; ok {
			sum.RatingAvg = st.Avg
			sum.RatingCount = st.Count
		}
		out = append(out, sum)
	}
	return out, nil
}

// ListCatalog returns listed games plus the caller's own delisted ones.
func (s *Service) ListCatalog(ctx context.Context, p authz.Principal) ([]GameSummary, error) {
	games, err := s.repo.VisibleGames(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	return s.summaries(ctx, games)
}

func (s *Service) detail(ctx context.Context, g *Game) (*GameDetail, error) {
	sums, err := s.summaries(ctx, []*Game{g})
	if err != nil {
		return nil, err
	}
	vs, err := s.repo.Versions(ctx, g.GameID)
	if err != nil {
		return nil, err
	}
	rs, err := s.repo.Ratings(ctx, g.GameID)
	if err != nil {
		return nil, err
	}
	raters := make([]uint, 0, len(rs))
	for _, r := range rs {
		raters = append(raters, r.AccountID)
	}
	names, err := s.repo.UsernamesByID(ctx, raters)
	if err != nil {
		return nil, err
	}
	d := &GameDetail{Game: sums[0], Versions: make([]VersionInfo, 0, len(vs)), Ratings: make([]RatingInfo, 0, len(rs))}
	for _, v := range vs {
		d.Versions = append(d.Versions, VersionInfo{Version: v.Version, ServerEntry: v.ServerEntry, ClientEntry: v.ClientEntry, CreatedAt: v.CreatedAt})
	}
	for _, r := range rs {
		d.Ratings = append(d.Ratings, RatingInfo{Username: names[r.AccountID], Score: r.Score, Comment: r.Comment, UpdatedAt: r.UpdatedAt})
	}
	return d, nil
}

func (s *Service) game(ctx context.Context, gameID string) (*Game, error) {
	if gameID == "" {
		return nil, apperr.Validation(apperr.ReasonBadField, "game_id is required")
	}
	g, err := s.repo.GameByID(ctx, gameID)
	if err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("game %q not found", gameID)
		}
		return nil, err
	}
	return g, nil
}

// GameDetail returns one game; delisted games are visible to their owner only.
func (s *Service) GameDetail(ctx context.Context, p authz.Principal, gameID string) (*GameDetail, error) {
	g, err := s.game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !visibleTo(g, p) {
		return nil, apperr.NotFound("game %q not found", gameID)
	}
	return s.detail(ctx, g)
}

// MyGames lists the caller's games including delisted ones.
func (s *Service) MyGames(ctx context.Context, p authz.Principal) ([]*GameDetail, error) {
	if err := s.authz.Check(p, "my_games", authz.Resource{}); err != nil {
		return nil, err
	}
	games, err := s.repo.GamesByOwner(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	out := make([]*GameDetail, 0, len(games))
	for _, g := range games {
		d, err := s.detail(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Uploads

func versionStrings(vs []*GameVersion) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Version)
	}
	return out
}

func suggest(existing []string) string {
	if top, ok := version.Max(existing); ok {
		return top.Next()
	}
	return version.Initial
}

// Upload validates and stores a package. With requireExisting the game must
// exist and the version must be strictly above the current maximum
// (update_version); otherwise any unused version is accepted and the first
// upload creates the game (upload_version).
func (s *Service) Upload(ctx context.Context, p authz.Principal, req UploadRequest, requireExisting bool) (*UploadResult, error) {
	action := "upload_version"
	if requireExisting {
		action = "update_version"
	}
	ctx, span := telemetry.StartSpan(ctx, "store."+action, telemetry.GameIDKey.String(req.GameID))
	defer span.End()

	if !s.authz.Allowed(p, action) {
		return nil, apperr.Authorization(apperr.ReasonWrongRole, "role %q may not %s", p.Role, action)
	}
	if len(req.Archive) == 0 {
		return nil, apperr.Validation(apperr.ReasonArchiveInvalid, "archive is empty")
	}
	if int64(len(req.Archive)) > s.maxArchive {
		return nil, apperr.Validation(apperr.ReasonArchiveInvalid, "archive exceeds %d bytes", s.maxArchive)
	}
	var want version.Version
	if req.Version != "" {
		v, err := version.Parse(req.Version)
		if err != nil {
			return nil, apperr.Validation(apperr.ReasonVersionInvalid, "version %q: %v", req.Version, err)
		}
		want = v
	}
	if requireExisting && req.GameID == "" {
		return nil, apperr.Validation(apperr.ReasonBadField, "game_id is required")
	}
	if req.GameID != "" {
		if gamepkg.Slugify(req.GameID) != req.GameID {
			return nil, apperr.Validation(apperr.ReasonBadField, "game_id %q is not a valid identifier", req.GameID)
		}
		// ownership is settled before the package is opened
		if g, err := s.repo.GameByID(ctx, req.GameID); err == nil {
			if err := s.authz.Check(p, action, authz.Resource{Kind: "game", ID: g.GameID, OwnerID: g.OwnerID}); err != nil {
				return nil, err
			}
		} else if !notFound(err) {
			return nil, err
		}
	}

	// Unpack and validate before taking any lock; nothing is recorded for a
	// package that fails here.
	scratch, root, m, err := gamepkg.Unpack(req.Archive, s.tmpRoot)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)
	format, _ := gamepkg.DetectFormat(req.Archive)

	gameID := req.GameID
	if gameID == "" {
		name := req.Name
		if name == "" {
			name = m.Name
		}
		if name == "" {
			return nil, apperr.Validation(apperr.ReasonBadField, "game_id or name is required")
		}
		gameID = gamepkg.Slugify(name)
	}
	span.SetAttributes(telemetry.GameIDKey.String(gameID))

	unlock := s.games.Lock(gameID)
	defer unlock()

	g, err := s.repo.GameByID(ctx, gameID)
	switch {
	case err == nil:
	case notFound(err):
		g = nil
	default:
		return nil, err
	}
	if g == nil && requireExisting {
		return nil, apperr.NotFound("game %q not found", gameID)
	}
	res := authz.Resource{Kind: "game", ID: gameID}
	if g != nil {
		res.OwnerID = g.OwnerID
	}
	if err := s.authz.Check(p, action, res); err != nil {
		return nil, err
	}

	existing, err := s.repo.Versions(ctx, gameID)
	if err != nil {
		return nil, err
	}
	known := versionStrings(existing)
	next := suggest(known)
	if req.Version == "" {
		if g != nil {
			return nil, apperr.Validation(apperr.ReasonVersionRequired, "version is required for an existing game").
				With("suggested", next)
		}
		want = version.MustParse(version.Initial)
	}
	if version.Contains(known, want) {
		return nil, apperr.Validation(apperr.ReasonVersionExists, "version %s already exists for %s", want, gameID).
			With("suggested", next)
	}
	top, hasTop := version.Max(known)
	if requireExisting && hasTop && !top.Less(want) {
		return nil, apperr.Validation(apperr.ReasonVersionNotMonotone, "version %s is not above current %s", want, top).
			With("current", top.String()).With("suggested", next)
	}
	becomesLatest := !hasTop || top.Less(want)
	ver := want.String()

	dest := filepath.Join(s.storageRoot, gameID, ver)
	if rel, err := filepath.Rel(s.storageRoot, dest); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, apperr.Validation(apperr.ReasonBadField, "game_id %q escapes the storage root", gameID)
	}
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("store: clear %s: %w", dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(root, dest); err != nil {
		return nil, fmt.Errorf("store: materialize %s: %w", dest, err)
	}
	key := objstore.ArchiveKey(gameID, ver, string(format))
	if err := s.objects.Put(ctx, key, req.Archive, contentType(format)); err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("store: archive put: %w", err)
	}

	created := g == nil
	err = s.repo.Tx(ctx, func(tx *Repo) error {
		if created {
			name := req.Name
			if name == "" {
				name = m.Name
			}
			if name == "" {
				name = gameID
			}
			ng := &Game{
				GameID:      gameID,
				Name:        name,
				OwnerID:     p.AccountID,
				Type:        m.Type,
				MinPlayers:  m.MinPlayers,
				MaxPlayers:  m.MaxPlayers,
				Description: firstNonEmpty(req.Description, m.Description),
				Listed:      true,
			}
			ng.SetRequires(m.Requires)
			if err := tx.CreateGame(ctx, ng); err != nil {
				return err
			}
		}
		if err := tx.CreateVersion(ctx, &GameVersion{
			GameID:        gameID,
			Version:       ver,
			SortKey:       want.SortKey(),
			StoragePath:   dest,
			ArchiveKey:    key,
			ArchiveFormat: string(format),
			ServerEntry:   m.ServerEntry,
			ClientEntry:   m.ClientEntry,
			Type:          m.Type,
			MinPlayers:    m.MinPlayers,
			MaxPlayers:    m.MaxPlayers,
			UploaderID:    p.AccountID,
		}); err != nil {
			return err
		}
		if !created && becomesLatest {
			var tmp Game
			tmp.SetRequires(m.Requires)
			fields := map[string]any{
				"type":        m.Type,
				"min_players": m.MinPlayers,
				"max_players": m.MaxPlayers,
				"requires":    tmp.Requires,
			}
			if d := firstNonEmpty(req.Description, m.Description); d != "" {
				fields["description"] = d
			}
			return tx.UpdateGame(ctx, gameID, fields)
		}
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		if derr := s.objects.Delete(context.Background(), key); derr != nil {
			s.log.Warn("archive cleanup failed", "key", key, "error", derr)
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Validation(apperr.ReasonVersionExists, "version %s already exists for %s", ver, gameID).
				With("suggested", next)
		}
		return nil, err
	}

	latest := ver
	if !becomesLatest {
		latest = top.String()
	}
	s.log.Info("version accepted", "game", gameID, "version", ver, "owner", p.Username, "created", created)
	s.metrics.Upload(gameID)
	s.record(action, p, gameID, map[string]string{"version": ver, "archive": key})
	if created {
		s.events.Emit(events.StreamCatalog, events.GameCreated, map[string]any{"game_id": gameID, "owner_id": p.AccountID})
	}
	s.events.Emit(events.StreamCatalog, events.VersionUploaded, map[string]any{"game_id": gameID, "version": ver, "latest": latest})
	return &UploadResult{GameID: gameID, Version: ver, Created: created, Latest: latest}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func contentType(f gamepkg.Format) string {
	if f == gamepkg.FormatZip {
		return "application/zip"
	}
	return "application/gzip"
}

// SuggestVersion returns the current maximum and the next patch above it.
func (s *Service) SuggestVersion(ctx context.Context, p authz.Principal, gameID string) (current, suggested string, err error) {
	g, err := s.game(ctx, gameID)
	if err != nil {
		return "", "", err
	}
	if err := s.authz.Check(p, "suggest_version", authz.Resource{Kind: "game", ID: gameID, OwnerID: g.OwnerID}); err != nil {
		return "", "", err
	}
	vs, err := s.repo.Versions(ctx, gameID)
	if err != nil {
		return "", "", err
	}
	known := versionStrings(vs)
	if top, ok := version.Max(known); ok {
		current = top.String()
	}
	return current, suggest(known), nil
}

// SetListed delists or relists a game. History is never removed.
func (s *Service) SetListed(ctx context.Context, p authz.Principal, gameID string, listed bool) error {
	action, typ := "delist", events.GameDelisted
	if listed {
		action, typ = "relist", events.GameRelisted
	}
	unlock := s.games.Lock(gameID)
	defer unlock()
	g, err := s.game(ctx, gameID)
	if err != nil {
		return err
	}
	if err := s.authz.Check(p, action, authz.Resource{Kind: "game", ID: gameID, OwnerID: g.OwnerID}); err != nil {
		return err
	}
	if g.Listed == listed {
		return nil
	}
	if err := s.repo.UpdateGame(ctx, gameID, map[string]any{"listed": listed}); err != nil {
		return err
	}
	s.log.Info("listing changed", "game", gameID, "listed", listed)
	s.record(action, p, gameID, nil)
	s.events.Emit(events.StreamCatalog, typ, map[string]any{"game_id": gameID})
	return nil
}

// Ledger

// RecordDownload writes one ledger row per (account, game, version). A
// repeated download is a no-op and reports recorded=false.
func (s *Service) RecordDownload(ctx context.Context, p authz.Principal, accountID uint, gameID, ver string) (bool, int64, error) {
	if err := s.authz.Check(p, "record_download", authz.Resource{}); err != nil {
		return false, 0, err
	}
	if _, err := s.repo.AccountByID(ctx, accountID); err != nil {
		if notFound(err) {
			return false, 0, apperr.NotFound("account %d not found", accountID)
		}
		return false, 0, err
	}
	v, err := s.resolveVersion(ctx, gameID, ver)
	if err != nil {
		return false, 0, err
	}
	var (
		recorded bool
		count    int64
	)
	err = s.repo.Tx(ctx, func(tx *Repo) error {
		var err error
		if recorded, err = tx.RecordDownload(ctx, accountID, gameID, v.Version); err != nil {
			return err
		}
		g, err := tx.GameByID(ctx, gameID)
		if err != nil {
			return err
		}
		count = g.DownloadCount
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if recorded {
		s.metrics.Download(gameID)
		s.events.Emit(events.StreamCatalog, events.DownloadRecorded, map[string]any{
			"game_id": gameID, "version": v.Version, "account_id": accountID,
		})
	}
	return recorded, count, nil
}

// SubmitRating stores or overwrites the account's rating of a game. The
// account must have downloaded the game. Service callers rate on behalf of
// accountID; everyone else rates as themselves.
func (s *Service) SubmitRating(ctx context.Context, p authz.Principal, accountID uint, gameID string, score int, comment string) error {
	if err := s.authz.Check(p, "submit_rating", authz.Resource{}); err != nil {
		return err
	}
	if p.Role != authz.RoleService {
		accountID = p.AccountID
	}
	if accountID == 0 {
		return apperr.Validation(apperr.ReasonBadField, "account_id is required")
	}
	if score < 1 || score > 5 {
		return apperr.Validation(apperr.ReasonBadScore, "score must be between 1 and 5")
	}
	if _, err := s.game(ctx, gameID); err != nil {
		return err
	}
	ok, err := s.repo.HasDownloaded(ctx, accountID, gameID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation(apperr.ReasonNeedDownload, "download %s before rating it", gameID)
	}
	if err := s.repo.UpsertRating(ctx, &Rating{AccountID: accountID, GameID: gameID, Score: score, Comment: comment}); err != nil {
		return err
	}
	s.record("submit_rating", p, gameID, map[string]string{"account": strconv.FormatUint(uint64(accountID), 10), "score": strconv.Itoa(score)})
	s.events.Emit(events.StreamCatalog, events.RatingSubmitted, map[string]any{"game_id": gameID, "account_id": accountID, "score": score})
	return nil
}

// Launch info and archives

func (s *Service) resolveVersion(ctx context.Context, gameID, ver string) (*GameVersion, error) {
	if ver == "" {
		v, err := s.repo.LatestVersion(ctx, gameID)
		if err != nil {
			if notFound(err) {
				return nil, apperr.NotFound("game %q has no versions", gameID)
			}
			return nil, err
		}
		return v, nil
	}
	pv, err := version.Parse(ver)
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonVersionInvalid, "version %q: %v", ver, err)
	}
	v, err := s.repo.VersionBySortKey(ctx, gameID, pv.SortKey())
	if err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("version %s of %s not found", ver, gameID)
		}
		return nil, err
	}
	return v, nil
}

func (s *Service) launch(ctx context.Context, p authz.Principal, gameID, ver string) (*Game, *GameVersion, error) {
	g, err := s.game(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	// delisted games take no new installs; an explicit version still
	// resolves for rooms already bound to it
	if ver == "" && !visibleTo(g, p) {
		return nil, nil, apperr.NotFound("game %q is not listed", gameID)
	}
	v, err := s.resolveVersion(ctx, gameID, ver)
	if err != nil {
		return nil, nil, err
	}
	return g, v, nil
}

// LaunchInfo returns the launch contract of a version, latest by default.
func (s *Service) LaunchInfo(ctx context.Context, p authz.Principal, gameID, ver string) (*LaunchInfo, error) {
	g, v, err := s.launch(ctx, p, gameID, ver)
	if err != nil {
		return nil, err
	}
	return &LaunchInfo{
		GameID:      g.GameID,
		Name:        g.Name,
		Version:     v.Version,
		StoragePath: v.StoragePath,
		ServerEntry: v.ServerEntry,
		ClientEntry: v.ClientEntry,
		Type:        v.Type,
		MinPlayers:  v.MinPlayers,
		MaxPlayers:  v.MaxPlayers,
	}, nil
}

// Archive returns the stored archive of a version. When the object store
// lost it, the archive is rebuilt from the unpacked content.
func (s *Service) Archive(ctx context.Context, p authz.Principal, gameID, ver string) (*LaunchInfo, []byte, string, error) {
	if err := s.authz.Check(p, "download_archive", authz.Resource{}); err != nil {
		return nil, nil, "", err
	}
	info, err := s.LaunchInfo(ctx, p, gameID, ver)
	if err != nil {
		return nil, nil, "", err
	}
	v, err := s.repo.VersionBySortKey(ctx, gameID, version.MustParse(info.Version).SortKey())
	if err != nil {
		return nil, nil, "", err
	}
	data, err := s.objects.Get(ctx, v.ArchiveKey)
	if err == nil {
		return info, data, v.ArchiveFormat, nil
	}
	if !errors.Is(err, objstore.ErrNotFound) {
		return nil, nil, "", fmt.Errorf("store: archive get: %w", err)
	}
	s.log.Warn("archive missing, repacking", "game", gameID, "version", v.Version, "key", v.ArchiveKey)
	data, err = gamepkg.PackDir(v.StoragePath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("store: repack %s: %w", v.StoragePath, err)
	}
	return info, data, string(gamepkg.FormatTarGz), nil
}

// Stats is a snapshot for the status log line.
func (s *Service) Stats(ctx context.Context) (accounts, games int64, err error) {
	db := s.repo.db.WithContext(ctx)
	if err = db.Model(&Account{}).Count(&accounts).Error; err != nil {
		return
	}
	err = db.Model(&Game{}).Count(&games).Error
	return
}
