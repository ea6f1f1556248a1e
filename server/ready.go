package server

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// Ready statuses as stored in the per-match hash.
const (
	readyPending  = "PENDING"
	readyAccepted = "READY"
	readyDeclined = "DECLINED"
)

// ReadyCheck drives the twenty-second consensus after a cohort is
// found. Completion and cancellation race on the same latch: once one
// fires the other is a no-op.
type ReadyCheck struct {
	store   Store
	log     *zap.Logger
	notify  Messenger
	metrics *Metrics
	queue   *QueueEngine
	timeout time.Duration

	mu     sync.Mutex
	checks map[string]*readyState

	// OnComplete hands the fully accepted cohort to lobby creation.
	OnComplete func(matchID string, teams game.Teams)
}

type readyState struct {
	teams      game.Teams
	status     map[int64]string
	timer      *time.Timer
	completing bool
	startedAt  time.Time
}

func NewReadyCheck(store Store, log *zap.Logger, notify Messenger, metrics *Metrics, queue *QueueEngine, timeout time.Duration) *ReadyCheck {
	return &ReadyCheck{
		store:   store,
		log:     log,
		notify:  notify,
		metrics: metrics,
		queue:   queue,
		timeout: timeout,
		checks:  make(map[string]*readyState),
	}
}

// cohortPlayerIDs lists all ten player ids of a cohort.
func cohortPlayerIDs(teams game.Teams) []int64 {
	ids := make([]int64, 0, game.CohortSize)
	for _, a := range teams.Alpha {
		ids = append(ids, a.Player.PlayerID)
	}
	for _, a := range teams.Bravo {
		ids = append(ids, a.Player.PlayerID)
	}
	return ids
}

// Start arms the ready check and announces MATCH_FOUND to all ten.
func (r *ReadyCheck) Start(ctx context.Context, matchID string, teams game.Teams) {
	now := time.Now()
	expiresAt := now.Add(r.timeout)

	st := &readyState{
		teams:     teams,
		status:    make(map[int64]string, game.CohortSize),
		startedAt: now,
	}
	fields := map[string]string{
		"_startedAt":    strconv.FormatInt(now.UnixMilli(), 10),
		"_expiresAt":    strconv.FormatInt(expiresAt.UnixMilli(), 10),
		"_totalPlayers": strconv.Itoa(game.CohortSize),
		"_status":       readyPending,
	}
	for _, id := range cohortPlayerIDs(teams) {
		st.status[id] = readyPending
		fields[strconv.FormatInt(id, 10)] = readyPending
	}

	if err := r.store.HSet(ctx, keyMatchReady(matchID), fields, ttlReadyHash); err != nil {
		r.log.Warn("ready hash write failed", zap.String("match", matchID), zap.Error(err))
	}
	if raw, err := json.Marshal(teams); err == nil {
		_ = r.store.Set(ctx, keyLobbyTemp(matchID), string(raw), ttlLobbyTemp)
	}

	st.timer = time.AfterFunc(r.timeout, func() {
		r.cancel(context.Background(), matchID, 0, "TIMEOUT")
	})

	r.mu.Lock()
	r.checks[matchID] = st
	r.mu.Unlock()

	for _, side := range []game.Team{game.TeamAlpha, game.TeamBravo} {
		for _, a := range teams.Side(side) {
			r.notify.SendTo(a.Player.PlayerID, ServerMessage{Type: MsgTypeMatchFound, Data: map[string]interface{}{
				"matchId":   matchID,
				"team":      side.String(),
				"role":      a.Role.String(),
				"autofill":  a.Autofill,
				"expiresAt": expiresAt.UnixMilli(),
			}})
		}
	}

	r.log.Info("ready check started", zap.String("match", matchID))
}

// Accept records one player's READY. The COMPLETING latch guarantees a
// check never completes after a decline, and vice versa.
func (r *ReadyCheck) Accept(ctx context.Context, matchID string, playerID int64) {
	r.mu.Lock()
	st, ok := r.checks[matchID]
	if !ok || st.completing {
		r.mu.Unlock()
		return
	}
	if st.status[playerID] != readyPending {
		r.mu.Unlock()
		return
	}
	st.status[playerID] = readyAccepted

	ready, total := 0, len(st.status)
	for _, s := range st.status {
		if s == readyAccepted {
			ready++
		}
	}
	complete := ready == total
	if complete {
		st.completing = true
		st.timer.Stop()
		delete(r.checks, matchID)
	}
	teams := st.teams
	r.mu.Unlock()

	_ = r.store.HSet(ctx, keyMatchReady(matchID), map[string]string{
		strconv.FormatInt(playerID, 10): readyAccepted,
	}, 0)

	r.notify.SendTo(playerID, ServerMessage{Type: MsgTypeReadyAccepted, Data: map[string]interface{}{
		"matchId": matchID,
	}})
	for _, id := range cohortPlayerIDs(teams) {
		r.notify.SendTo(id, ServerMessage{Type: MsgTypeReadyUpdate, Data: map[string]interface{}{
			"matchId": matchID,
			"ready":   ready,
			"total":   total,
		}})
	}

	if complete {
		_ = r.store.HSet(ctx, keyMatchReady(matchID), map[string]string{"_status": "COMPLETING"}, 0)
		r.log.Info("ready check complete", zap.String("match", matchID))
		if r.OnComplete != nil {
			r.OnComplete(matchID, teams)
		}
	}
}

// Decline cancels the cohort and penalizes the decliner.
func (r *ReadyCheck) Decline(ctx context.Context, matchID string, playerID int64) {
	r.mu.Lock()
	if st, ok := r.checks[matchID]; ok && !st.completing {
		st.status[playerID] = readyDeclined
	}
	r.mu.Unlock()

	r.notify.SendTo(playerID, ServerMessage{Type: MsgTypeReadyDeclined, Data: map[string]interface{}{
		"matchId": matchID,
	}})

	if !r.cancel(ctx, matchID, playerID, "DECLINED") {
		return
	}

	penalty, endsAt, err := declineCooldown(ctx, r.store, playerID)
	if err != nil {
		r.log.Warn("decline cooldown failed", zap.Int64("player", playerID), zap.Error(err))
		return
	}
	if penalty > 0 {
		r.notify.SendTo(playerID, ServerMessage{Type: MsgTypeCooldownSet, Data: map[string]interface{}{
			"seconds": int(penalty.Seconds()),
			"endsAt":  endsAt.UnixMilli(),
		}})
	}
}

// HandleDisconnect force-cancels any check the player is pending in.
func (r *ReadyCheck) HandleDisconnect(ctx context.Context, playerID int64) {
	r.mu.Lock()
	var matchID string
	for id, st := range r.checks {
		if _, in := st.status[playerID]; in && !st.completing {
			matchID = id
			break
		}
	}
	r.mu.Unlock()

	if matchID != "" {
		r.cancel(ctx, matchID, playerID, "DISCONNECTED")
	}
}

// cancel tears the check down exactly once. The causing player (0 for
// a pure timeout) is excluded from requeue.
func (r *ReadyCheck) cancel(ctx context.Context, matchID string, causeID int64, reason string) bool {
	r.mu.Lock()
	st, ok := r.checks[matchID]
	if !ok || st.completing {
		r.mu.Unlock()
		return false
	}
	st.completing = true
	st.timer.Stop()
	delete(r.checks, matchID)
	teams := st.teams
	status := st.status
	r.mu.Unlock()

	// On timeout, everyone still pending caused the failure.
	exclude := []int64{causeID}
	if causeID == 0 {
		exclude = exclude[:0]
		for id, s := range status {
			if s == readyPending {
				exclude = append(exclude, id)
			}
		}
	}

	_ = r.store.Del(ctx, keyMatchReady(matchID), keyLobbyTemp(matchID), keyMatchClasses(matchID))

	for _, id := range cohortPlayerIDs(teams) {
		r.notify.SendTo(id, ServerMessage{Type: MsgTypeReadyFailed, Data: map[string]interface{}{
			"matchId":    matchID,
			"declinedBy": causeID,
			"reason":     reason,
		}})
	}

	r.queue.RequeueSurvivors(ctx, matchID, exclude...)
	r.metrics.ReadyFailures.Inc()
	r.log.Info("ready check cancelled",
		zap.String("match", matchID),
		zap.String("reason", reason),
		zap.Int64("cause", causeID))
	return true
}

// Shutdown stops all pending timers.
func (r *ReadyCheck) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.checks {
		st.completing = true
		st.timer.Stop()
		delete(r.checks, id)
	}
}
