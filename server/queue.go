package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// QueueError is a VALIDATION failure from Admit, carrying the stable
// reason code surfaced in QUEUE_FAILED.
type QueueError struct {
	Code     string
	EndsAt   time.Time // COOLDOWN_ACTIVE / BANNED
	Existing int64     // DUPLICATE_SOCIAL_ID
}

func (e *QueueError) Error() string { return "queue: " + e.Code }

// QueueEngine admits players and runs the matchmaking loop. Entries
// are written through to the state store; the in-memory map is the
// tick-time snapshot of the same data.
type QueueEngine struct {
	store   Store
	db      MatchDB
	log     *zap.Logger
	notify  Messenger
	metrics *Metrics

	interval time.Duration

	mu      sync.Mutex
	entries map[int64]game.QueueEntry
	stop    chan struct{}

	running atomic.Bool // single-flight tick latch

	// OnCohort hands a built cohort to the ready check.
	OnCohort func(matchID string, teams game.Teams)
}

func NewQueueEngine(store Store, db MatchDB, log *zap.Logger, notify Messenger, metrics *Metrics, interval time.Duration) *QueueEngine {
	return &QueueEngine{
		store:    store,
		db:       db,
		log:      log,
		notify:   notify,
		metrics:  metrics,
		interval: interval,
		entries:  make(map[int64]game.QueueEntry),
	}
}

// Admit places a player in the ranked queue. A pending requeue hint
// restores the player's original queuedAt priority.
func (q *QueueEngine) Admit(ctx context.Context, oidUser int64, classes game.ClassProfile) (game.QueueEntry, error) {
	p, err := q.db.GetPlayer(ctx, oidUser)
	if err != nil {
		return game.QueueEntry{}, &QueueError{Code: ReasonUserNotFound}
	}

	if until, banned, _ := q.db.BanUntil(ctx, oidUser); banned {
		return game.QueueEntry{}, &QueueError{Code: ReasonBanned, EndsAt: until}
	}

	if p.DiscordID != "" {
		if existing, err := q.db.FindByDiscordID(ctx, p.DiscordID); err == nil && existing != oidUser {
			return game.QueueEntry{}, &QueueError{Code: ReasonDuplicateSocial, Existing: existing}
		}
	}

	if endsAt, active := activeCooldown(ctx, q.store, oidUser); active {
		return game.QueueEntry{}, &QueueError{Code: ReasonCooldownActive, EndsAt: endsAt}
	}

	// A player whose cohort is still live (ready check, lobby, match)
	// stays out of the queue until that match resolves.
	if _, err := q.store.Get(ctx, keyActiveMatch(oidUser)); err == nil {
		return game.QueueEntry{}, &QueueError{Code: ReasonAlreadyInMatch}
	}

	q.mu.Lock()
	if _, queued := q.entries[oidUser]; queued {
		q.mu.Unlock()
		return game.QueueEntry{}, &QueueError{Code: ReasonAlreadyInQueue}
	}
	q.mu.Unlock()

	if classes.Primary == game.ClassNone {
		classes = p.Classes
	}

	entry := game.QueueEntry{
		PlayerID: oidUser,
		Name:     p.Name,
		MMR:      p.MMR,
		Classes:  classes,
		QueuedAt: time.Now().UnixMilli(),
	}

	// Requeue hints carry the pre-cancellation priority.
	if raw, err := q.store.Get(ctx, keyRequeueHint(oidUser)); err == nil {
		var hint game.QueueEntry
		if json.Unmarshal([]byte(raw), &hint) == nil && hint.QueuedAt > 0 {
			entry.QueuedAt = hint.QueuedAt
			if hint.Classes.Primary != game.ClassNone {
				entry.Classes = hint.Classes
			}
		}
		_ = q.store.Del(ctx, keyRequeueHint(oidUser))
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return game.QueueEntry{}, err
	}
	if err := q.store.Set(ctx, keyQueueEntry(oidUser), string(raw), ttlQueueEntry); err != nil {
		return game.QueueEntry{}, fmt.Errorf("persist queue entry: %w", err)
	}

	q.mu.Lock()
	q.entries[oidUser] = entry
	size := len(q.entries)
	if q.stop == nil {
		q.stop = make(chan struct{})
		go q.loop(q.stop)
	}
	q.mu.Unlock()

	q.metrics.QueueSize.Set(float64(size))
	q.log.Info("player queued",
		zap.Int64("player", oidUser),
		zap.Int("mmr", entry.MMR),
		zap.Int("queueSize", size))
	return entry, nil
}

// Remove takes a player out of the queue. Idempotent; tears down the
// matchmaking loop when the queue empties.
func (q *QueueEngine) Remove(ctx context.Context, oidUser int64) {
	q.mu.Lock()
	_, queued := q.entries[oidUser]
	delete(q.entries, oidUser)
	size := len(q.entries)
	if size == 0 && q.stop != nil {
		close(q.stop)
		q.stop = nil
	}
	q.mu.Unlock()

	if queued {
		_ = q.store.Del(ctx, keyQueueEntry(oidUser))
		q.metrics.QueueSize.Set(float64(size))
		q.log.Info("player left queue", zap.Int64("player", oidUser), zap.Int("queueSize", size))
	}
}

// Size reports the current queue population.
func (q *QueueEngine) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the queue ordered oldest first.
func (q *QueueEngine) Snapshot() []game.QueueEntry {
	q.mu.Lock()
	entries := make([]game.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QueuedAt < entries[j].QueuedAt
	})
	return entries
}

func (q *QueueEngine) loop(stop chan struct{}) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.Tick(context.Background())
		}
	}
}

// Tick runs one matchmaking pass. Reentry is dropped: a slow pass must
// not stack behind the next ticker fire.
func (q *QueueEngine) Tick(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	defer q.running.Store(false)

	entries := q.Snapshot()
	if len(entries) < game.CohortSize {
		return
	}
	nowMs := time.Now().UnixMilli()

	for _, ref := range entries {
		pool := poolWithin(entries, ref, nowMs)
		if len(pool) < game.CohortSize {
			continue
		}
		picked, ok := game.SelectCohort(pool, nowMs, false)
		if !ok {
			continue
		}
		if q.formCohort(ctx, picked) {
			return
		}
	}

	// Emergency pass: the oldest player has waited too long for the
	// role contract to hold; hard autofill around them.
	oldest := entries[0]
	if oldest.WaitMs(nowMs) >= game.EmergencyWait.Milliseconds() {
		pool := poolWithin(entries, oldest, nowMs)
		if picked, ok := game.SelectCohort(pool, nowMs, true); ok {
			q.formCohort(ctx, picked)
		}
	}
}

// classesHashField encodes one assignment for the per-match role hash:
// primary|secondary|role|autofill.
func classesHashField(a game.Assignment) string {
	af := "0"
	if a.Autofill {
		af = "1"
	}
	return fmt.Sprintf("%s|%s|%s|%s", a.Player.Classes.Primary, a.Player.Classes.Secondary, a.Role, af)
}

func poolWithin(entries []game.QueueEntry, ref game.QueueEntry, nowMs int64) []game.QueueEntry {
	refWait := ref.WaitMs(nowMs)
	pool := make([]game.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if game.InWindow(ref.MMR, refWait, e.MMR) {
			pool = append(pool, e)
		}
	}
	return pool
}

// formCohort balances the ten players and publishes the cohort. On a
// balance failure the entries are untouched, preserving queuedAt.
func (q *QueueEngine) formCohort(ctx context.Context, picked []game.QueueEntry) bool {
	teams, ok := game.BuildTeams(picked)
	if !ok {
		q.log.Warn("team build failed, cohort returned to queue",
			zap.Int("players", len(picked)))
		return false
	}

	n, err := q.store.Incr(ctx, keyMatchCounter, ttlCounter)
	if err != nil {
		q.log.Warn("match counter unavailable", zap.Error(err))
		return false
	}
	matchID := strconv.FormatInt(n, 10)

	snapshot, err := json.Marshal(picked)
	if err != nil {
		return false
	}

	classes := make(map[string]string, game.CohortSize)
	for _, a := range append(append([]game.Assignment{}, teams.Alpha...), teams.Bravo...) {
		classes[strconv.FormatInt(a.Player.PlayerID, 10)] = classesHashField(a)
	}

	// Atomic handoff: entry removal, active-match markers, role hash
	// and requeue snapshot land together or not at all.
	queueKeys := make([]string, 0, game.CohortSize)
	for _, e := range picked {
		queueKeys = append(queueKeys, keyQueueEntry(e.PlayerID))
	}
	err = q.store.Batch(ctx, func(b Batch) {
		b.Del(queueKeys...)
		for _, e := range picked {
			b.Set(keyActiveMatch(e.PlayerID), matchID, ttlMatchState)
		}
		b.HSet(keyMatchClasses(matchID), classes, ttlMatchState)
		b.Set(keyMatchSnapshot(matchID), string(snapshot), ttlMatchState)
	})
	if err != nil {
		q.log.Warn("cohort handoff batch failed", zap.String("match", matchID), zap.Error(err))
		return false
	}

	q.mu.Lock()
	for _, e := range picked {
		delete(q.entries, e.PlayerID)
	}
	size := len(q.entries)
	if size == 0 && q.stop != nil {
		close(q.stop)
		q.stop = nil
	}
	q.mu.Unlock()

	q.metrics.QueueSize.Set(float64(size))
	q.metrics.CohortsFormed.Inc()
	q.log.Info("cohort formed",
		zap.String("match", matchID),
		zap.Int("mmrDiff", teams.MMRDiff))

	if q.OnCohort != nil {
		q.OnCohort(matchID, teams)
	}
	return true
}

// RequeueSurvivors hands every non-offending cohort member a requeue
// hint carrying their original queuedAt, then drops the snapshot.
func (q *QueueEngine) RequeueSurvivors(ctx context.Context, matchID string, exclude ...int64) {
	raw, err := q.store.Get(ctx, keyMatchSnapshot(matchID))
	if err != nil {
		return
	}
	var snapshot []game.QueueEntry
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		q.log.Warn("corrupt queue snapshot", zap.String("match", matchID), zap.Error(err))
		return
	}

	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	// The match is over for everyone, offenders included.
	active := make([]string, 0, len(snapshot))
	for _, e := range snapshot {
		active = append(active, keyActiveMatch(e.PlayerID))
	}
	_ = q.store.Del(ctx, active...)

	for _, e := range snapshot {
		if excluded[e.PlayerID] {
			continue
		}
		hint, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := q.store.Set(ctx, keyRequeueHint(e.PlayerID), string(hint), ttlRequeueHint); err != nil {
			q.log.Warn("requeue hint write failed", zap.Int64("player", e.PlayerID), zap.Error(err))
			continue
		}
		q.notify.SendTo(e.PlayerID, ServerMessage{Type: MsgTypeRequeue, Data: map[string]interface{}{
			"matchId":  matchID,
			"queuedAt": e.QueuedAt,
		}})
	}

	_ = q.store.Del(ctx, keyMatchSnapshot(matchID))
}

// Shutdown stops the matchmaking loop.
func (q *QueueEngine) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		close(q.stop)
		q.stop = nil
	}
}
