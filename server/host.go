package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// HostSelector picks one player to create the game room and polices
// the 120-second window they get to do it in.
type HostSelector struct {
	store   Store
	db      MatchDB
	log     *zap.Logger
	notify  Messenger
	queue   *QueueEngine
	timeout time.Duration

	mu       sync.Mutex
	attempts map[string]*hostAttempt

	// OnConfirmed starts validation once the room exists.
	OnConfirmed func(matchID string, teams game.Teams, mapNumber int)
	// OnFailed lets the pipeline cancel and requeue after a host flop.
	OnFailed func(matchID string, hostID int64, reason string)
}

type hostAttempt struct {
	teams     game.Teams
	mapInfo   MapInfo
	hostID    int64
	password  string
	roomID    string
	timer     *time.Timer
	resolved  bool
	startedAt time.Time
	expiresAt time.Time
}

func NewHostSelector(store Store, db MatchDB, log *zap.Logger, notify Messenger, queue *QueueEngine, timeout time.Duration) *HostSelector {
	return &HostSelector{
		store:    store,
		db:       db,
		log:      log,
		notify:   notify,
		queue:    queue,
		timeout:  timeout,
		attempts: make(map[string]*hostAttempt),
	}
}

// Start chooses the host (MMR desc, cooldown-aware) and arms the
// confirmation timer.
func (h *HostSelector) Start(ctx context.Context, matchID string, teams game.Teams, mapInfo MapInfo) {
	candidates := append(append([]game.Assignment{}, teams.Alpha...), teams.Bravo...)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Player.MMR > candidates[j].Player.MMR
	})

	// Pass over recent failed hosts; if everyone is cooling down the
	// strongest candidate hosts anyway.
	hostID := candidates[0].Player.PlayerID
	for _, c := range candidates {
		if !inHostCooldown(ctx, h.store, c.Player.PlayerID) {
			hostID = c.Player.PlayerID
			break
		}
	}

	now := time.Now()
	password := fmt.Sprintf("%04d", 1000+rand.Intn(9000))
	roomID := fmt.Sprintf("%04d", 1000+rand.Intn(9000))

	st := &hostAttempt{
		teams:     teams,
		mapInfo:   mapInfo,
		hostID:    hostID,
		password:  password,
		roomID:    roomID,
		startedAt: now,
		expiresAt: now.Add(h.timeout),
	}

	hostRaw, _ := json.Marshal(map[string]interface{}{
		"hostId":    hostID,
		"startedAt": now.UnixMilli(),
		"expiresAt": st.expiresAt.UnixMilli(),
	})
	roomRaw, _ := json.Marshal(map[string]interface{}{
		"roomId":    roomID,
		"mapNumber": mapInfo.MapNumber,
	})
	err := h.store.Batch(ctx, func(b Batch) {
		b.Set(keyMatchHostPass(matchID), password, ttlMatchState)
		b.Set(keyMatchRoom(matchID), string(roomRaw), ttlMatchState)
		b.Set(keyMatchStatus(matchID), "awaiting-host", ttlMatchState)
		b.Set(keyMatchHost(matchID), string(hostRaw), ttlHostAttempt)
	})
	if err != nil {
		h.log.Warn("host handoff batch failed", zap.String("match", matchID), zap.Error(err))
		return
	}

	if err := h.db.SetMatchHost(ctx, matchID, hostID); err != nil {
		h.log.Warn("host row update failed", zap.String("match", matchID), zap.Error(err))
	}

	st.timer = time.AfterFunc(h.timeout, func() {
		h.fail(context.Background(), matchID, EndReasonTimeout)
	})

	h.mu.Lock()
	h.attempts[matchID] = st
	h.mu.Unlock()

	for _, id := range cohortPlayerIDs(teams) {
		if id == hostID {
			h.notify.SendTo(id, ServerMessage{Type: MsgTypeHostSelected, Data: map[string]interface{}{
				"matchId":   matchID,
				"roomId":    roomID,
				"password":  password,
				"mapNumber": mapInfo.MapNumber,
				"expiresAt": st.expiresAt.UnixMilli(),
			}})
		} else {
			h.notify.SendTo(id, ServerMessage{Type: MsgTypeHostWaiting, Data: map[string]interface{}{
				"matchId": matchID,
				"hostId":  hostID,
			}})
		}
	}

	h.log.Info("host selected",
		zap.String("match", matchID),
		zap.Int64("host", hostID))
}

// ConfirmRoom accepts the room only from the current host, flips the
// match row to in-progress, and hands off to validation. Validation is
// only invoked after the row update is observed.
func (h *HostSelector) ConfirmRoom(ctx context.Context, matchID string, playerID int64, roomID string, mapNumber int) error {
	h.mu.Lock()
	st, ok := h.attempts[matchID]
	if !ok || st.resolved {
		h.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotInMatch)
	}
	if st.hostID != playerID {
		h.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotHost)
	}
	st.resolved = true
	st.timer.Stop()
	delete(h.attempts, matchID)
	teams := st.teams
	h.mu.Unlock()

	if mapNumber == 0 {
		mapNumber = st.mapInfo.MapNumber
	}
	if roomID == "" {
		roomID = st.roomID
	}

	if err := h.db.ConfirmMatchRoom(ctx, matchID, roomID, st.mapInfo.MapID, mapNumber); err != nil {
		h.log.Error("room confirm failed", zap.String("match", matchID), zap.Error(err))
		return fmt.Errorf("%s", ReasonNotInMatch)
	}

	err := h.store.Batch(ctx, func(b Batch) {
		b.Set(keyMatchStatus(matchID), MatchStatusInProgress, ttlMatchState)
		b.Del(keyMatchHost(matchID))
	})
	if err != nil {
		h.log.Warn("host confirm batch failed", zap.String("match", matchID), zap.Error(err))
	}

	for _, id := range cohortPlayerIDs(teams) {
		h.notify.SendTo(id, ServerMessage{Type: MsgTypeHostConfirmed, Data: map[string]interface{}{
			"matchId":   matchID,
			"roomId":    roomID,
			"mapNumber": mapNumber,
		}})
	}

	h.log.Info("room confirmed",
		zap.String("match", matchID),
		zap.String("room", roomID))

	if h.OnConfirmed != nil {
		h.OnConfirmed(matchID, teams, mapNumber)
	}
	return nil
}

// ReportFailure handles a client-reported hosting failure. Only the
// current host may report it.
func (h *HostSelector) ReportFailure(ctx context.Context, matchID string, playerID int64, reason string) error {
	h.mu.Lock()
	st, ok := h.attempts[matchID]
	if !ok || st.resolved || st.hostID != playerID {
		h.mu.Unlock()
		return fmt.Errorf("%s", ReasonNotHost)
	}
	h.mu.Unlock()

	if reason == "" {
		reason = EndReasonHostFailed
	}
	h.fail(ctx, matchID, reason)
	return nil
}

// HandleDisconnect aborts the attempt when the active host drops.
func (h *HostSelector) HandleDisconnect(ctx context.Context, playerID int64) {
	h.mu.Lock()
	var matchID string
	for id, st := range h.attempts {
		if st.hostID == playerID && !st.resolved {
			matchID = id
			break
		}
	}
	h.mu.Unlock()

	if matchID != "" {
		h.fail(ctx, matchID, EndReasonHostFailed)
	}
}

// fail resolves the attempt exactly once: host cooldown, cancelled
// match row, keys gone, survivors requeued.
func (h *HostSelector) fail(ctx context.Context, matchID, reason string) {
	h.mu.Lock()
	st, ok := h.attempts[matchID]
	if !ok || st.resolved {
		h.mu.Unlock()
		return
	}
	st.resolved = true
	st.timer.Stop()
	delete(h.attempts, matchID)
	hostID := st.hostID
	h.mu.Unlock()

	if err := hostCooldown(ctx, h.store, hostID, reason); err != nil {
		h.log.Warn("host cooldown write failed", zap.Int64("host", hostID), zap.Error(err))
	}
	if err := h.db.CancelMatch(ctx, matchID, reason); err != nil {
		h.log.Warn("host cancel failed", zap.String("match", matchID), zap.Error(err))
	}

	h.notify.SendTo(hostID, ServerMessage{Type: MsgTypeHostFailed, Data: map[string]interface{}{
		"matchId": matchID,
		"reason":  reason,
	}})

	h.queue.RequeueSurvivors(ctx, matchID, hostID)
	_ = h.store.Del(ctx, matchKeys(matchID)...)

	h.log.Info("host attempt failed",
		zap.String("match", matchID),
		zap.Int64("host", hostID),
		zap.String("reason", reason))

	if h.OnFailed != nil {
		h.OnFailed(matchID, hostID, reason)
	}
}

// Password returns the stored room password for a match (used by the
// lobby view so late joiners can still fetch it).
func (h *HostSelector) Password(ctx context.Context, matchID string) string {
	v, err := h.store.Get(ctx, keyMatchHostPass(matchID))
	if err != nil {
		return ""
	}
	return v
}
