package server

import (
	"context"
	"sync"
	"time"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// memDB is an in-process MatchDB used when DATABASE_URL is unset and
// throughout the test suite. It enforces the same status transitions
// as the SQL implementation.
type memDB struct {
	mu      sync.Mutex
	players map[int64]*game.Player
	byDisc  map[string]int64
	bans    map[int64]time.Time
	matches map[string]*MatchRecord
	stats   map[string][]PlayerStatRow // match id -> rows
	logs    []MatchLog
	played  map[int64]int
	won     map[int64]int
}

// NewMemDB returns an empty in-memory MatchDB.
func NewMemDB() MatchDB {
	return &memDB{
		players: make(map[int64]*game.Player),
		byDisc:  make(map[string]int64),
		bans:    make(map[int64]time.Time),
		matches: make(map[string]*MatchRecord),
		stats:   make(map[string][]PlayerStatRow),
		played:  make(map[int64]int),
		won:     make(map[int64]int),
	}
}

func (d *memDB) EnsurePlayer(_ context.Context, oidUser int64, name, discordID string) (*game.Player, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[oidUser]
	if !ok {
		p = &game.Player{ID: oidUser, MMR: 1000}
		d.players[oidUser] = p
	}
	p.Name = name
	if p.DiscordID == "" && discordID != "" {
		p.DiscordID = discordID
		if _, claimed := d.byDisc[discordID]; !claimed {
			d.byDisc[discordID] = oidUser
		}
	}
	cp := *p
	return &cp, nil
}

func (d *memDB) GetPlayer(_ context.Context, oidUser int64) (*game.Player, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[oidUser]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *memDB) FindByDiscordID(_ context.Context, discordID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	oid, ok := d.byDisc[discordID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return oid, nil
}

func (d *memDB) BanUntil(_ context.Context, oidUser int64) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.bans[oidUser]
	if !ok || time.Now().After(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (d *memDB) CreateMatch(_ context.Context, rec *MatchRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *rec
	d.matches[rec.ID] = &cp
	return nil
}

func (d *memDB) GetMatch(_ context.Context, matchID string) (*MatchRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	cp := *rec
	return &cp, nil
}

func (d *memDB) SetMatchHost(_ context.Context, matchID string, hostOID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.matches[matchID]
	if !ok || rec.Status != MatchStatusReady {
		return ErrWrongStatus
	}
	rec.HostOIDUser = hostOID
	return nil
}

func (d *memDB) ConfirmMatchRoom(_ context.Context, matchID, roomID, mapID string, mapNumber int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.matches[matchID]
	if !ok || rec.Status != MatchStatusReady {
		return ErrWrongStatus
	}
	rec.Status = MatchStatusInProgress
	rec.RoomID = roomID
	rec.Map = mapID
	rec.MapNumber = mapNumber
	return nil
}

func (d *memDB) CompleteMatch(_ context.Context, matchID string, result MatchResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.matches[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	if rec.Status != MatchStatusInProgress {
		return ErrAlreadySettled
	}
	rec.Status = MatchStatusCompleted
	rec.WinnerTeam = result.WinnerTeam
	rec.ScoreAlpha = result.ScoreAlpha
	rec.ScoreBravo = result.ScoreBravo
	rec.Duration = result.Duration
	ended := result.EndedAt
	rec.EndedAt = &ended
	return nil
}

func (d *memDB) CancelMatch(_ context.Context, matchID, endReason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.matches[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	if rec.Status == MatchStatusCompleted || rec.Status == MatchStatusCancelled {
		return nil
	}
	rec.Status = MatchStatusCancelled
	rec.EndReason = endReason
	now := time.Now()
	rec.EndedAt = &now
	return nil
}

func (d *memDB) InsertPlayerStats(_ context.Context, rows []PlayerStatRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range rows {
		dup := false
		for _, existing := range d.stats[r.MatchID] {
			if existing.OIDUser == r.OIDUser {
				dup = true
				break
			}
		}
		if !dup {
			d.stats[r.MatchID] = append(d.stats[r.MatchID], r)
		}
	}
	return nil
}

func (d *memDB) ApplyRankAdjustment(_ context.Context, adj game.RankAdjustment, won bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[adj.PlayerID]
	if !ok {
		return ErrUserNotFound
	}
	p.MMR += adj.MMRChange
	p.Tier = adj.NewTier
	p.RankPoints = adj.NewPoints
	d.played[adj.PlayerID]++
	if won {
		d.won[adj.PlayerID]++
	}
	return nil
}

func (d *memDB) FetchMatchLogs(_ context.Context, q LogQuery) ([]MatchLog, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wanted := make(map[int64]bool, len(q.OIDUsers))
	for _, id := range q.OIDUsers {
		wanted[id] = true
	}
	var out []MatchLog
	for _, l := range d.logs {
		if l.GameMode != q.GameMode || l.IsValid != 1 || !wanted[l.OIDUser] {
			continue
		}
		if l.CreatedAt.Before(q.From) || l.CreatedAt.After(q.To) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// AddMatchLog feeds external evidence in; dev tooling and tests use it
// in place of the game servers that write the real log table.
func (d *memDB) AddMatchLog(l MatchLog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append(d.logs, l)
}

// SetPlayer seeds an account directly. The social-id index keeps its
// first binding, matching the SQL store's COALESCE write.
func (d *memDB) SetPlayer(p game.Player) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := p
	d.players[p.ID] = &cp
	if p.DiscordID != "" {
		if _, claimed := d.byDisc[p.DiscordID]; !claimed {
			d.byDisc[p.DiscordID] = p.ID
		}
	}
}

// SetBan seeds a ban.
func (d *memDB) SetBan(oidUser int64, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bans[oidUser] = until
}

// StatsFor returns the inserted stat rows for one match.
func (d *memDB) StatsFor(matchID string) []PlayerStatRow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PlayerStatRow(nil), d.stats[matchID]...)
}

func (d *memDB) Close() {}
