package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// MapInfo is one entry of the veto pool.
type MapInfo struct {
	MapID     string `json:"mapId"`
	MapNumber int    `json:"mapNumber"`
}

// DefaultMapPool is the ranked rotation. The veto sequence assumes at
// least six entries.
var DefaultMapPool = []MapInfo{
	{MapID: "junk_flea", MapNumber: 1},
	{MapID: "snow_valley", MapNumber: 2},
	{MapID: "oil_rig", MapNumber: 3},
	{MapID: "gray_hammer", MapNumber: 4},
	{MapID: "sand_hog", MapNumber: 5},
	{MapID: "death_room", MapNumber: 6},
	{MapID: "brushwood", MapNumber: 7},
	{MapID: "waverider", MapNumber: 8},
}

// Lobby statuses
const (
	LobbyVetoing       = "VETOING"
	LobbyMapSelected   = "MAP_SELECTED"
	LobbyHostSelecting = "HOST_SELECTING"
	LobbyInProgress    = "IN_PROGRESS"
	LobbyClosed        = "CLOSED"
)

// Chat channels
const (
	ChatChannelTeam    = "TEAM"
	ChatChannelGeneral = "GENERAL"
)

type vetoRecord struct {
	MapID  string `json:"mapId"`
	Team   string `json:"team"`
	Reason string `json:"reason"` // CHOICE or TIMEOUT
}

// LobbyEngine runs the map veto, intra-team role swaps and lobby chat
// between ready-check completion and host confirmation.
type LobbyEngine struct {
	store    Store
	db       MatchDB
	log      *zap.Logger
	notify   Messenger
	queue    *QueueEngine
	pool     []MapInfo
	turnTime time.Duration

	mu      sync.Mutex
	lobbies map[string]*lobbyState

	// OnMapSelected triggers host selection.
	OnMapSelected func(matchID string, teams game.Teams, mapInfo MapInfo)
}

type lobbyState struct {
	mu          sync.Mutex
	teams       game.Teams
	remaining   []MapInfo
	history     []vetoRecord
	currentTurn game.Team
	turnTimer   *time.Timer
	turnSeq     int
	turnExpires time.Time
	selected    *MapInfo
	status      string
	swaps       map[int64]int64 // pending: target -> requester
}

func NewLobbyEngine(store Store, db MatchDB, log *zap.Logger, notify Messenger, queue *QueueEngine, pool []MapInfo, turnTime time.Duration) *LobbyEngine {
	return &LobbyEngine{
		store:    store,
		db:       db,
		log:      log,
		notify:   notify,
		queue:    queue,
		pool:     pool,
		turnTime: turnTime,
		lobbies:  make(map[string]*lobbyState),
	}
}

// Create opens the lobby for a fully accepted cohort, writes the
// relational match row in status ready, and starts the veto with ALPHA.
func (l *LobbyEngine) Create(ctx context.Context, matchID string, teams game.Teams) {
	if err := l.db.CreateMatch(ctx, &MatchRecord{
		ID:        matchID,
		Status:    MatchStatusReady,
		StartedAt: time.Now(),
	}); err != nil {
		l.log.Error("match row create failed", zap.String("match", matchID), zap.Error(err))
	}

	st := &lobbyState{
		teams:       teams,
		remaining:   append([]MapInfo(nil), l.pool...),
		currentTurn: game.TeamAlpha,
		status:      LobbyVetoing,
		swaps:       make(map[int64]int64),
	}

	l.mu.Lock()
	l.lobbies[matchID] = st
	l.mu.Unlock()

	l.persist(ctx, matchID, st)

	for _, id := range cohortPlayerIDs(teams) {
		l.notify.SendTo(id, ServerMessage{Type: MsgTypeLobbyReady, Data: map[string]interface{}{
			"matchId":    matchID,
			"redirectTo": "/lobby/" + matchID,
		}})
	}
	l.sendLobbyData(matchID, st)

	st.mu.Lock()
	l.armTurnTimerLocked(matchID, st)
	st.mu.Unlock()

	l.log.Info("lobby opened", zap.String("match", matchID))
}

// Veto applies one team veto from the team's leader. The offending
// input cases return a stable reason code.
func (l *LobbyEngine) Veto(ctx context.Context, matchID string, playerID int64, mapID string) error {
	st := l.lobby(matchID)
	if st == nil {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	st.mu.Lock()
	if st.status != LobbyVetoing {
		st.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotYourTurn)
	}
	if leaderOf(st.teams, st.currentTurn) != playerID {
		st.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotYourTurn)
	}
	found := false
	for _, m := range st.remaining {
		if m.MapID == mapID {
			found = true
			break
		}
	}
	if !found {
		st.mu.Unlock()
		return fmt.Errorf("%s", ReasonUnknownMap)
	}
	l.applyVetoLocked(ctx, matchID, st, mapID, "CHOICE")
	st.mu.Unlock()
	return nil
}

// applyVetoLocked removes a map, advances or finishes the veto, and
// fans the updates out. Caller holds st.mu.
func (l *LobbyEngine) applyVetoLocked(ctx context.Context, matchID string, st *lobbyState, mapID, reason string) {
	kept := st.remaining[:0]
	for _, m := range st.remaining {
		if m.MapID != mapID {
			kept = append(kept, m)
		}
	}
	st.remaining = kept
	st.history = append(st.history, vetoRecord{MapID: mapID, Team: st.currentTurn.String(), Reason: reason})
	if st.turnTimer != nil {
		st.turnTimer.Stop()
	}

	for _, id := range cohortPlayerIDs(st.teams) {
		l.notify.SendTo(id, ServerMessage{Type: MsgTypeVetoUpdate, Data: map[string]interface{}{
			"matchId":   matchID,
			"mapId":     mapID,
			"team":      st.currentTurn.String(),
			"reason":    reason,
			"remaining": st.remaining,
		}})
	}

	if len(st.remaining) == 1 {
		selected := st.remaining[0]
		st.selected = &selected
		st.status = LobbyMapSelected
		l.persist(ctx, matchID, st)

		for _, id := range cohortPlayerIDs(st.teams) {
			l.notify.SendTo(id, ServerMessage{Type: MsgTypeMapSelected, Data: map[string]interface{}{
				"matchId":   matchID,
				"mapId":     selected.MapID,
				"mapNumber": selected.MapNumber,
			}})
		}
		l.log.Info("map selected",
			zap.String("match", matchID),
			zap.String("map", selected.MapID))

		if l.OnMapSelected != nil {
			st.status = LobbyHostSelecting
			teams := st.teams
			go l.OnMapSelected(matchID, teams, selected)
		}
		return
	}

	st.currentTurn = st.currentTurn.Opponent()
	l.armTurnTimerLocked(matchID, st)
	l.persist(ctx, matchID, st)

	for _, id := range cohortPlayerIDs(st.teams) {
		l.notify.SendTo(id, ServerMessage{Type: MsgTypeTurnChange, Data: map[string]interface{}{
			"matchId":   matchID,
			"turn":      st.currentTurn.String(),
			"expiresAt": st.turnExpires.UnixMilli(),
		}})
	}
}

// armTurnTimerLocked starts the turn clock; on expiry the engine vetoes
// the lexicographically first remaining map for the stalled team. Each
// arm bumps the turn sequence so a callback from an earlier turn is
// dropped even if it was already firing when that turn resolved.
func (l *LobbyEngine) armTurnTimerLocked(matchID string, st *lobbyState) {
	st.turnSeq++
	seq := st.turnSeq
	st.turnExpires = time.Now().Add(l.turnTime)
	st.turnTimer = time.AfterFunc(l.turnTime, func() {
		l.expireTurn(matchID, st, seq)
	})
}

func (l *LobbyEngine) expireTurn(matchID string, st *lobbyState, seq int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.turnSeq != seq || st.status != LobbyVetoing || len(st.remaining) <= 1 {
		return
	}
	sorted := append([]MapInfo(nil), st.remaining...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MapID < sorted[j].MapID })
	l.log.Info("veto turn timed out",
		zap.String("match", matchID),
		zap.String("team", st.currentTurn.String()),
		zap.String("autoVeto", sorted[0].MapID))
	l.applyVetoLocked(context.Background(), matchID, st, sorted[0].MapID, "TIMEOUT")
}

// RequestSwap asks a teammate to trade roles.
func (l *LobbyEngine) RequestSwap(matchID string, from, to int64) error {
	st := l.lobby(matchID)
	if st == nil {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	fromTeam, okFrom := st.teams.TeamOf(from)
	toTeam, okTo := st.teams.TeamOf(to)
	if !okFrom || !okTo || fromTeam != toTeam || from == to {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}
	st.swaps[to] = from

	fromRole, _ := roleOf(st.teams, from)
	l.notify.SendTo(to, ServerMessage{Type: MsgTypeSwapRequested, Data: map[string]interface{}{
		"matchId": matchID,
		"from":    from,
		"role":    fromRole.String(),
	}})
	return nil
}

// AcceptSwap exchanges the two players' assigned roles and resyncs
// both teams' lobby views. The per-team role set is preserved by
// construction.
func (l *LobbyEngine) AcceptSwap(ctx context.Context, matchID string, to int64) error {
	st := l.lobby(matchID)
	if st == nil {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	st.mu.Lock()
	from, ok := st.swaps[to]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotInMatch)
	}
	delete(st.swaps, to)

	side, _ := st.teams.TeamOf(from)
	assignments := st.teams.Side(side)
	var fi, ti = -1, -1
	for i, a := range assignments {
		switch a.Player.PlayerID {
		case from:
			fi = i
		case to:
			ti = i
		}
	}
	if fi < 0 || ti < 0 {
		st.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotInMatch)
	}
	assignments[fi].Role, assignments[ti].Role = assignments[ti].Role, assignments[fi].Role
	teams := st.teams
	st.mu.Unlock()

	// Keep the per-player role hash in step with the swap. The autofill
	// flag recorded at cohort formation travels with the player.
	_ = l.store.HSet(ctx, keyMatchClasses(matchID), map[string]string{
		fmt.Sprintf("%d", from): classesHashField(assignments[fi]),
		fmt.Sprintf("%d", to):   classesHashField(assignments[ti]),
	}, 0)

	for _, id := range cohortPlayerIDs(teams) {
		l.notify.SendTo(id, ServerMessage{Type: MsgTypeSwapCompleted, Data: map[string]interface{}{
			"matchId": matchID,
			"from":    from,
			"to":      to,
		}})
	}
	l.sendLobbyData(matchID, st)
	return nil
}

// Chat routes a lobby message. TEAM stays within the sender's team;
// GENERAL reaches all ten but opponent display names are anonymized
// per viewer until the match completes.
func (l *LobbyEngine) Chat(matchID string, senderID int64, channel, message string) error {
	st := l.lobby(matchID)
	if st == nil {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	st.mu.Lock()
	teams := st.teams
	st.mu.Unlock()

	senderTeam, ok := teams.TeamOf(senderID)
	if !ok {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	for _, id := range cohortPlayerIDs(teams) {
		viewerTeam, _ := teams.TeamOf(id)
		if channel == ChatChannelTeam && viewerTeam != senderTeam {
			continue
		}
		l.notify.SendTo(id, ServerMessage{Type: MsgTypeChatMessage, Data: map[string]interface{}{
			"matchId": matchID,
			"channel": channel,
			"from":    displayName(teams, id, senderID),
			"message": message,
		}})
	}
	return nil
}

// Abandon cancels the lobby, penalizes the offender and requeues the
// other nine.
func (l *LobbyEngine) Abandon(ctx context.Context, matchID string, playerID int64) error {
	st := l.lobby(matchID)
	if st == nil {
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	st.mu.Lock()
	if st.status == LobbyClosed {
		st.mu.Unlock()
		return nil
	}
	st.status = LobbyClosed
	if st.turnTimer != nil {
		st.turnTimer.Stop()
	}
	teams := st.teams
	st.mu.Unlock()

	l.mu.Lock()
	delete(l.lobbies, matchID)
	l.mu.Unlock()

	if err := l.db.CancelMatch(ctx, matchID, EndReasonAbandoned); err != nil {
		l.log.Warn("abandon cancel failed", zap.String("match", matchID), zap.Error(err))
	}

	penalty, endsAt, err := abandonCooldown(ctx, l.store, playerID)
	if err == nil {
		l.notify.SendTo(playerID, ServerMessage{Type: MsgTypeCooldownSet, Data: map[string]interface{}{
			"seconds": int(penalty.Seconds()),
			"endsAt":  endsAt.UnixMilli(),
		}})
	}

	for _, id := range cohortPlayerIDs(teams) {
		l.notify.SendTo(id, ServerMessage{Type: MsgTypeMatchCanceled, Data: map[string]interface{}{
			"matchId": matchID,
			"reason":  EndReasonAbandoned,
		}})
	}

	l.queue.RequeueSurvivors(ctx, matchID, playerID)
	_ = l.store.Del(ctx, matchKeys(matchID)...)

	l.log.Info("lobby abandoned",
		zap.String("match", matchID),
		zap.Int64("player", playerID))
	return nil
}

// MarkInProgress flips the lobby once the host confirms the room.
func (l *LobbyEngine) MarkInProgress(matchID string) {
	if st := l.lobby(matchID); st != nil {
		st.mu.Lock()
		st.status = LobbyInProgress
		st.mu.Unlock()
	}
}

// Close drops the lobby state after settlement or cancellation.
func (l *LobbyEngine) Close(matchID string) {
	l.mu.Lock()
	st := l.lobbies[matchID]
	delete(l.lobbies, matchID)
	l.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		st.status = LobbyClosed
		if st.turnTimer != nil {
			st.turnTimer.Stop()
		}
		st.mu.Unlock()
	}
}

// Teams returns the cohort for a live lobby.
func (l *LobbyEngine) Teams(matchID string) (game.Teams, bool) {
	st := l.lobby(matchID)
	if st == nil {
		return game.Teams{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.teams, true
}

func (l *LobbyEngine) lobby(matchID string) *lobbyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lobbies[matchID]
}

// sendLobbyData pushes each player their own anonymized lobby view.
func (l *LobbyEngine) sendLobbyData(matchID string, st *lobbyState) {
	st.mu.Lock()
	teams := st.teams
	status := st.status
	turn := st.currentTurn
	remaining := append([]MapInfo(nil), st.remaining...)
	st.mu.Unlock()

	for _, viewer := range cohortPlayerIDs(teams) {
		view := map[string]interface{}{
			"matchId":   matchID,
			"status":    status,
			"turn":      turn.String(),
			"remaining": remaining,
			"alpha":     teamView(teams, viewer, game.TeamAlpha),
			"bravo":     teamView(teams, viewer, game.TeamBravo),
		}
		l.notify.SendTo(viewer, ServerMessage{Type: MsgTypeLobbyData, Data: view})
	}
}

func teamView(teams game.Teams, viewer int64, side game.Team) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, game.TeamSize)
	for _, a := range teams.Side(side) {
		out = append(out, map[string]interface{}{
			"id":   a.Player.PlayerID,
			"name": displayName(teams, viewer, a.Player.PlayerID),
			"role": a.Role.String(),
		})
	}
	return out
}

// displayName hides opponents' real names behind positional aliases
// until the match completes.
func displayName(teams game.Teams, viewer, target int64) string {
	viewerTeam, _ := teams.TeamOf(viewer)
	targetTeam, ok := teams.TeamOf(target)
	if !ok {
		return "Unknown"
	}
	if viewerTeam == targetTeam {
		for _, a := range teams.Side(targetTeam) {
			if a.Player.PlayerID == target {
				return a.Player.Name
			}
		}
	}
	for i, a := range teams.Side(targetTeam) {
		if a.Player.PlayerID == target {
			return fmt.Sprintf("Player %02d", i+1)
		}
	}
	return "Unknown"
}

// leaderOf is the first-listed player of a team.
func leaderOf(teams game.Teams, side game.Team) int64 {
	list := teams.Side(side)
	if len(list) == 0 {
		return 0
	}
	return list[0].Player.PlayerID
}

func roleOf(teams game.Teams, playerID int64) (game.Role, bool) {
	for _, a := range append(append([]game.Assignment{}, teams.Alpha...), teams.Bravo...) {
		if a.Player.PlayerID == playerID {
			return a.Role, true
		}
	}
	return 0, false
}

func (l *LobbyEngine) persist(ctx context.Context, matchID string, st *lobbyState) {
	state := map[string]interface{}{
		"status":      st.status,
		"currentTurn": st.currentTurn.String(),
		"remaining":   st.remaining,
	}
	stateRaw, _ := json.Marshal(state)
	vetosRaw, _ := json.Marshal(st.history)

	err := l.store.Batch(ctx, func(b Batch) {
		b.Set(keyLobbyState(matchID), string(stateRaw), ttlMatchState)
		b.Set(keyLobbyVetos(matchID), string(vetosRaw), ttlMatchState)
		if st.selected != nil {
			raw, _ := json.Marshal(st.selected)
			b.Set(keyLobbyMap(matchID), string(raw), ttlMatchState)
		}
	})
	if err != nil {
		l.log.Warn("lobby persist failed", zap.String("match", matchID), zap.Error(err))
	}
}
