package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// Validation thresholds. A match whose logs never arrive is terminated
// through these, never retried forever.
const (
	validationMaxAttempts = 100
	validationMaxElapsed  = 50 * time.Minute

	// A match younger than this is polled gently; older ones get the
	// aggressive interval.
	validationAggressiveAge = 10 * time.Minute

	// Evidence thresholds: enough distinct players and enough log rows.
	validationMinDistinct = 6
)

// ValidationEngine polls the external match-log table out of band and
// classifies every live match as valid, invalid or timed out.
type ValidationEngine struct {
	store   Store
	db      MatchDB
	log     *zap.Logger
	notify  Messenger
	metrics *Metrics

	gameMode   int
	monitoring time.Duration
	aggressive time.Duration

	mu        sync.Mutex
	watches   map[string]*watchState
	lastCheck time.Time
	stop      chan struct{}

	// OnSettled fires after any terminal classification so the session
	// layer can drop lobby state.
	OnSettled func(matchID string)
}

type watchState struct {
	teams     game.Teams
	mapNumber int
	expected  map[int64]bool
	startedAt time.Time
	attempts  int
	logs      []MatchLog
	seen      map[int64]bool
}

func NewValidationEngine(store Store, db MatchDB, log *zap.Logger, notify Messenger, metrics *Metrics, gameMode int, monitoring, aggressive time.Duration) *ValidationEngine {
	return &ValidationEngine{
		store:      store,
		db:         db,
		log:        log,
		notify:     notify,
		metrics:    metrics,
		gameMode:   gameMode,
		monitoring: monitoring,
		aggressive: aggressive,
		watches:    make(map[string]*watchState),
		lastCheck:  time.Now(),
	}
}

// Watch starts polling for one confirmed match.
func (v *ValidationEngine) Watch(matchID string, teams game.Teams, mapNumber int) {
	expected := make(map[int64]bool, game.CohortSize)
	for _, id := range cohortPlayerIDs(teams) {
		expected[id] = true
	}

	v.mu.Lock()
	v.watches[matchID] = &watchState{
		teams:     teams,
		mapNumber: mapNumber,
		expected:  expected,
		startedAt: time.Now(),
		seen:      make(map[int64]bool),
	}
	if v.stop == nil {
		v.stop = make(chan struct{})
		go v.loop(v.stop)
	}
	v.mu.Unlock()

	v.log.Info("validation watch started",
		zap.String("match", matchID),
		zap.Int("mapNumber", mapNumber))
}

// interval picks the polling mode: monitoring while every match is
// young, aggressive once any match has aged past the threshold.
func (v *ValidationEngine) interval() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, w := range v.watches {
		if time.Since(w.startedAt) >= validationAggressiveAge {
			return v.aggressive
		}
	}
	return v.monitoring
}

func (v *ValidationEngine) loop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(v.interval()):
			v.Tick(context.Background())
		}
	}
}

// Tick performs one poll: a single log query covering all active
// matches, then per-match classification.
func (v *ValidationEngine) Tick(ctx context.Context) {
	v.mu.Lock()
	if len(v.watches) == 0 {
		v.mu.Unlock()
		return
	}
	union := make([]int64, 0, len(v.watches)*game.CohortSize)
	unionSet := make(map[int64]bool)
	for _, w := range v.watches {
		for id := range w.expected {
			if !unionSet[id] {
				unionSet[id] = true
				union = append(union, id)
			}
		}
	}
	from := v.lastCheck
	v.mu.Unlock()

	now := time.Now()
	logs, err := v.db.FetchMatchLogs(ctx, LogQuery{
		GameMode: v.gameMode,
		From:     from,
		To:       now,
		OIDUsers: union,
	})
	if err != nil {
		// Transient: retried on the next tick.
		v.log.Warn("match log query failed", zap.Error(err))
		return
	}

	v.mu.Lock()
	v.lastCheck = now
	type verdict struct {
		matchID string
		w       *watchState
		kind    string
	}
	var verdicts []verdict
	for matchID, w := range v.watches {
		w.attempts++
		for _, l := range logs {
			if l.MapNumber != w.mapNumber || !w.expected[l.OIDUser] {
				continue
			}
			if l.CreatedAt.Before(w.startedAt) {
				continue
			}
			w.logs = append(w.logs, l)
			w.seen[l.OIDUser] = true
		}

		minDistinct := validationMinDistinct
		if len(w.expected) < minDistinct {
			minDistinct = len(w.expected)
		}
		switch {
		case len(w.seen) >= minDistinct && len(w.logs) >= len(w.expected):
			verdicts = append(verdicts, verdict{matchID, w, "classify"})
		case w.attempts >= validationMaxAttempts || time.Since(w.startedAt) > validationMaxElapsed:
			verdicts = append(verdicts, verdict{matchID, w, "timeout"})
		}
	}
	for _, vd := range verdicts {
		delete(v.watches, vd.matchID)
	}
	if len(v.watches) == 0 && v.stop != nil {
		close(v.stop)
		v.stop = nil
	}
	v.mu.Unlock()

	for _, vd := range verdicts {
		switch vd.kind {
		case "classify":
			v.classify(ctx, vd.matchID, vd.w)
		case "timeout":
			v.terminate(ctx, vd.matchID, vd.w, MsgTypeMatchCanceled, EndReasonNoLogs)
		}
	}
}

// classify applies the team-shape rules and settles or invalidates.
func (v *ValidationEngine) classify(ctx context.Context, matchID string, w *watchState) {
	// One row per player: first log wins.
	byPlayer := make(map[int64]MatchLog, len(w.seen))
	for _, l := range w.logs {
		if _, ok := byPlayer[l.OIDUser]; !ok {
			byPlayer[l.OIDUser] = l
		}
	}

	counts := map[game.Team]int{}
	wins := map[game.Team]int{}
	for id, l := range byPlayer {
		team, ok := w.teams.TeamOf(id)
		if !ok {
			continue
		}
		counts[team]++
		if l.IsWin == 1 {
			wins[team]++
		}
	}

	diff := counts[game.TeamAlpha] - counts[game.TeamBravo]
	if diff < 0 {
		diff = -diff
	}
	if counts[game.TeamAlpha] < 3 || counts[game.TeamBravo] < 3 || diff > 2 {
		v.log.Info("match logs failed team validation",
			zap.String("match", matchID),
			zap.Int("alpha", counts[game.TeamAlpha]),
			zap.Int("bravo", counts[game.TeamBravo]))
		v.terminate(ctx, matchID, w, MsgTypeMatchInvalid, EndReasonInvalidLogs)
		return
	}

	winner := game.TeamAlpha
	if wins[game.TeamBravo] > wins[game.TeamAlpha] {
		winner = game.TeamBravo
	}
	abandonments := len(w.expected) - len(byPlayer)
	duration := int(time.Since(w.startedAt).Seconds())

	err := v.db.CompleteMatch(ctx, matchID, MatchResult{
		WinnerTeam: winner.String(),
		ScoreAlpha: wins[game.TeamAlpha],
		ScoreBravo: wins[game.TeamBravo],
		Duration:   duration,
		EndedAt:    time.Now(),
	})
	if err != nil {
		// Already settled: a replayed log set must not double-credit.
		v.log.Warn("match settlement skipped", zap.String("match", matchID), zap.Error(err))
		v.cleanup(ctx, matchID, w.teams)
		return
	}

	v.settlePlayers(ctx, matchID, w, byPlayer, winner)
	v.metrics.MatchesSettled.WithLabelValues("completed").Inc()
	v.log.Info("match settled",
		zap.String("match", matchID),
		zap.String("winner", winner.String()),
		zap.Int("abandonments", abandonments))
	v.cleanup(ctx, matchID, w.teams)
}

// settlePlayers writes stat rows, applies the rank formula and fans
// MATCH_ENDED out to the cohort.
func (v *ValidationEngine) settlePlayers(ctx context.Context, matchID string, w *watchState, byPlayer map[int64]MatchLog, winner game.Team) {
	teamMMR := map[game.Team]int{}
	for _, side := range []game.Team{game.TeamAlpha, game.TeamBravo} {
		sum := 0
		for _, a := range w.teams.Side(side) {
			sum += a.Player.MMR
		}
		teamMMR[side] = sum / game.TeamSize
	}

	rows := make([]PlayerStatRow, 0, len(w.expected))
	summary := make([]map[string]interface{}, 0, len(w.expected))

	for _, side := range []game.Team{game.TeamAlpha, game.TeamBravo} {
		for _, a := range w.teams.Side(side) {
			id := a.Player.PlayerID
			l, present := byPlayer[id]
			won := side == winner
			abandoned := !present

			player, err := v.db.GetPlayer(ctx, id)
			if err != nil {
				player = &game.Player{ID: id, MMR: a.Player.MMR}
			}
			adj := game.SettleRank(game.MatchOutcome{
				Player:    *player,
				Won:       won,
				Abandoned: abandoned,
				TeamMMR:   teamMMR[side],
				EnemyMMR:  teamMMR[side.Opponent()],
			})
			if err := v.db.ApplyRankAdjustment(ctx, adj, won && !abandoned); err != nil {
				v.log.Warn("rank adjustment failed", zap.Int64("player", id), zap.Error(err))
			}

			rows = append(rows, PlayerStatRow{
				MatchID:   matchID,
				OIDUser:   id,
				Team:      side.String(),
				Kills:     l.Kills,
				Deaths:    l.Deaths,
				Assists:   l.Assists,
				Headshots: l.Headshots,
				MMRChange: adj.MMRChange,
				Abandoned: abandoned,
			})
			summary = append(summary, map[string]interface{}{
				"id":        id,
				"team":      side.String(),
				"won":       won,
				"abandoned": abandoned,
				"mmrChange": adj.MMRChange,
				"newTier":   adj.NewTier.String(),
			})
		}
	}

	if err := v.db.InsertPlayerStats(ctx, rows); err != nil {
		v.log.Warn("stat insert failed", zap.String("match", matchID), zap.Error(err))
	}

	for _, id := range cohortPlayerIDs(w.teams) {
		v.notify.SendTo(id, ServerMessage{Type: MsgTypeMatchEnded, Data: map[string]interface{}{
			"matchId": matchID,
			"winner":  winner.String(),
			"players": summary,
		}})
	}
}

// terminate handles the invalid and timed-out exits.
func (v *ValidationEngine) terminate(ctx context.Context, matchID string, w *watchState, msgType, reason string) {
	if err := v.db.CancelMatch(ctx, matchID, reason); err != nil {
		v.log.Warn("validation cancel failed", zap.String("match", matchID), zap.Error(err))
	}

	for _, id := range cohortPlayerIDs(w.teams) {
		v.notify.SendTo(id, ServerMessage{Type: msgType, Data: map[string]interface{}{
			"matchId": matchID,
			"reason":  reason,
		}})
	}

	outcome := "invalid"
	if reason == EndReasonNoLogs {
		outcome = "timeout"
	}
	v.metrics.MatchesSettled.WithLabelValues(outcome).Inc()
	v.log.Info("match terminated by validation",
		zap.String("match", matchID),
		zap.String("reason", reason))
	v.cleanup(ctx, matchID, w.teams)
}

// cleanup removes every per-match key, releases the cohort's
// active-match markers and notifies the session layer.
func (v *ValidationEngine) cleanup(ctx context.Context, matchID string, teams game.Teams) {
	keys := matchKeys(matchID)
	for _, id := range cohortPlayerIDs(teams) {
		keys = append(keys, keyActiveMatch(id))
	}
	if err := v.store.Del(ctx, keys...); err != nil {
		v.log.Warn("match key cleanup failed", zap.String("match", matchID), zap.Error(err))
	}
	_ = v.store.Publish(ctx, "match:events", matchID)
	if v.OnSettled != nil {
		v.OnSettled(matchID)
	}
}

// Shutdown stops the polling loop.
func (v *ValidationEngine) Shutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stop != nil {
		close(v.stop)
		v.stop = nil
	}
}
