package server

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// Match row statuses in the relational store.
const (
	MatchStatusReady      = "ready"
	MatchStatusInProgress = "in-progress"
	MatchStatusCompleted  = "completed"
	MatchStatusCancelled  = "cancelled"
)

// Cancellation reasons written to end_reason.
const (
	EndReasonTimeout     = "TIMEOUT"
	EndReasonHostFailed  = "HOST_FAILED"
	EndReasonReadyFailed = "READY_CHECK_FAILED"
	EndReasonAbandoned   = "ABANDONED"
	EndReasonInvalidLogs = "INVALID_LOGS"
	EndReasonNoLogs      = "VALIDATION_TIMEOUT"
	EndReasonShutdown    = "SERVER_SHUTDOWN"
)

var (
	ErrUserNotFound   = errors.New("db: user not found")
	ErrMatchNotFound  = errors.New("db: match not found")
	ErrWrongStatus    = errors.New("db: match row not in expected status")
	ErrAlreadySettled = errors.New("db: match already settled")
)

// MatchRecord mirrors the relational match row.
type MatchRecord struct {
	ID          string
	Map         string
	MapNumber   int
	RoomID      string
	HostOIDUser int64
	Status      string
	StartedAt   time.Time
	EndedAt     *time.Time
	Duration    int
	ScoreAlpha  int
	ScoreBravo  int
	WinnerTeam  string
	EndReason   string
}

// PlayerStatRow is one per-player result row.
type PlayerStatRow struct {
	MatchID   string
	OIDUser   int64
	Team      string
	Kills     int
	Deaths    int
	Assists   int
	Headshots int
	MMRChange int
	Abandoned bool
}

// MatchLog is one row of the external match-log table, the system of
// record for live-match evidence.
type MatchLog struct {
	OIDUser   int64
	MapNumber int
	GameMode  int
	IsValid   int
	IsWin     int
	Kills     int
	Deaths    int
	Assists   int
	Headshots int
	CreatedAt time.Time
}

// LogQuery bounds one validation fetch: a single round-trip covering
// every active match.
type LogQuery struct {
	GameMode int
	From     time.Time
	To       time.Time
	OIDUsers []int64
}

// MatchResult is the settlement payload for a completed match.
type MatchResult struct {
	WinnerTeam string
	ScoreAlpha int
	ScoreBravo int
	Duration   int
	EndedAt    time.Time
}

// MatchDB is the pipeline's view of the relational store.
type MatchDB interface {
	// EnsurePlayer returns the player for an authenticated connect,
	// creating the row on first sight.
	EnsurePlayer(ctx context.Context, oidUser int64, name, discordID string) (*game.Player, error)
	GetPlayer(ctx context.Context, oidUser int64) (*game.Player, error)
	// FindByDiscordID returns the account already bound to a social id,
	// or ErrUserNotFound.
	FindByDiscordID(ctx context.Context, discordID string) (int64, error)
	BanUntil(ctx context.Context, oidUser int64) (time.Time, bool, error)

	CreateMatch(ctx context.Context, rec *MatchRecord) error
	GetMatch(ctx context.Context, matchID string) (*MatchRecord, error)
	// SetMatchHost records the chosen host; the row must still be ready.
	SetMatchHost(ctx context.Context, matchID string, hostOID int64) error
	// ConfirmMatchRoom transitions ready -> in-progress atomically and
	// records the room plus the vetoed-down map.
	ConfirmMatchRoom(ctx context.Context, matchID, roomID, mapID string, mapNumber int) error
	// CompleteMatch transitions in-progress -> completed. A second call
	// for the same match returns ErrAlreadySettled.
	CompleteMatch(ctx context.Context, matchID string, result MatchResult) error
	CancelMatch(ctx context.Context, matchID, endReason string) error

	InsertPlayerStats(ctx context.Context, rows []PlayerStatRow) error
	ApplyRankAdjustment(ctx context.Context, adj game.RankAdjustment, won bool) error

	FetchMatchLogs(ctx context.Context, q LogQuery) ([]MatchLog, error)

	Close()
}

// pgDB implements MatchDB on pgx.
type pgDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects to the relational store.
func NewPostgresDB(ctx context.Context, url string) (MatchDB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgDB{pool: pool}, nil
}

func (d *pgDB) EnsurePlayer(ctx context.Context, oidUser int64, name, discordID string) (*game.Player, error) {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO player_stats (oid_user, display_name, discord_id, rank_tier, rank_points, elo_rating, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), 0, 0, 1000, NOW())
		ON CONFLICT (oid_user) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    discord_id   = COALESCE(player_stats.discord_id, EXCLUDED.discord_id),
		    updated_at   = NOW()`,
		oidUser, name, discordID)
	if err != nil {
		return nil, err
	}
	return d.GetPlayer(ctx, oidUser)
}

func (d *pgDB) GetPlayer(ctx context.Context, oidUser int64) (*game.Player, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT oid_user, display_name, COALESCE(discord_id, ''), elo_rating, rank_tier, rank_points,
		       COALESCE(primary_class, ''), COALESCE(secondary_class, '')
		FROM player_stats WHERE oid_user = $1`, oidUser)

	var p game.Player
	var tier int
	var primary, secondary string
	err := row.Scan(&p.ID, &p.Name, &p.DiscordID, &p.MMR, &tier, &p.RankPoints, &primary, &secondary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Tier = game.RankTier(tier)
	p.Classes = game.ClassProfile{
		Primary:   game.ParseClass(primary),
		Secondary: game.ParseClass(secondary),
	}
	return &p, nil
}

func (d *pgDB) FindByDiscordID(ctx context.Context, discordID string) (int64, error) {
	var oid int64
	err := d.pool.QueryRow(ctx,
		`SELECT oid_user FROM player_stats WHERE discord_id = $1`, discordID).Scan(&oid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return oid, err
}

func (d *pgDB) BanUntil(ctx context.Context, oidUser int64) (time.Time, bool, error) {
	var until time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT banned_until FROM player_stats
		WHERE oid_user = $1 AND banned_until > NOW()`, oidUser).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func (d *pgDB) CreateMatch(ctx context.Context, rec *MatchRecord) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO matches (id, map, map_number, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.Map, rec.MapNumber, rec.Status, rec.StartedAt)
	return err
}

func (d *pgDB) GetMatch(ctx context.Context, matchID string) (*MatchRecord, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, COALESCE(map, ''), COALESCE(map_number, 0), COALESCE(room_id, ''),
		       COALESCE(host_oid_user, 0), status, started_at, ended_at,
		       COALESCE(duration, 0), COALESCE(score_alpha, 0), COALESCE(score_bravo, 0),
		       COALESCE(winner_team, ''), COALESCE(end_reason, '')
		FROM matches WHERE id = $1`, matchID)

	var rec MatchRecord
	err := row.Scan(&rec.ID, &rec.Map, &rec.MapNumber, &rec.RoomID, &rec.HostOIDUser,
		&rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.Duration,
		&rec.ScoreAlpha, &rec.ScoreBravo, &rec.WinnerTeam, &rec.EndReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *pgDB) SetMatchHost(ctx context.Context, matchID string, hostOID int64) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE matches SET host_oid_user = $2
		WHERE id = $1 AND status = $3`, matchID, hostOID, MatchStatusReady)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWrongStatus
	}
	return nil
}

func (d *pgDB) ConfirmMatchRoom(ctx context.Context, matchID, roomID, mapID string, mapNumber int) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE matches SET status = $2, room_id = $3, map = $4, map_number = $5
		WHERE id = $1 AND status = $6`,
		matchID, MatchStatusInProgress, roomID, mapID, mapNumber, MatchStatusReady)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWrongStatus
	}
	return nil
}

func (d *pgDB) CompleteMatch(ctx context.Context, matchID string, result MatchResult) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE matches
		SET status = $2, winner_team = $3, score_alpha = $4, score_bravo = $5,
		    duration = $6, ended_at = $7
		WHERE id = $1 AND status = $8`,
		matchID, MatchStatusCompleted, result.WinnerTeam, result.ScoreAlpha,
		result.ScoreBravo, result.Duration, result.EndedAt, MatchStatusInProgress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

func (d *pgDB) CancelMatch(ctx context.Context, matchID, endReason string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE matches SET status = $2, end_reason = $3, ended_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)`,
		matchID, MatchStatusCancelled, endReason, MatchStatusCompleted, MatchStatusCancelled)
	return err
}

func (d *pgDB) InsertPlayerStats(ctx context.Context, rows []PlayerStatRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO match_players
				(match_id, oid_user, team, kills, deaths, assists, headshots, mmr_change, abandoned, confirmed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (match_id, oid_user) DO NOTHING`,
			r.MatchID, r.OIDUser, r.Team, r.Kills, r.Deaths, r.Assists,
			r.Headshots, r.MMRChange, r.Abandoned)
	}
	return d.pool.SendBatch(ctx, batch).Close()
}

func (d *pgDB) ApplyRankAdjustment(ctx context.Context, adj game.RankAdjustment, won bool) error {
	wonInc := 0
	if won {
		wonInc = 1
	}
	_, err := d.pool.Exec(ctx, `
		UPDATE player_stats
		SET elo_rating = elo_rating + $2, rank_tier = $3, rank_points = $4,
		    matches_played = matches_played + 1, matches_won = matches_won + $5,
		    last_match_at = NOW(), updated_at = NOW()
		WHERE oid_user = $1`,
		adj.PlayerID, adj.MMRChange, int(adj.NewTier), adj.NewPoints, wonInc)
	return err
}

func (d *pgDB) FetchMatchLogs(ctx context.Context, q LogQuery) ([]MatchLog, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT oid_user, map_number, game_mode, is_valid, is_win,
		       kills, deaths, assists, headshots, created_at
		FROM match_logs
		WHERE game_mode = $1 AND is_valid = 1
		  AND created_at >= $2 AND created_at <= $3
		  AND oid_user = ANY($4)`,
		q.GameMode, q.From, q.To, q.OIDUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []MatchLog
	for rows.Next() {
		var l MatchLog
		if err := rows.Scan(&l.OIDUser, &l.MapNumber, &l.GameMode, &l.IsValid, &l.IsWin,
			&l.Kills, &l.Deaths, &l.Assists, &l.Headshots, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (d *pgDB) Close() {
	d.pool.Close()
}
