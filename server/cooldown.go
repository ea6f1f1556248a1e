package server

import (
	"context"
	"strconv"
	"time"
)

// Decline and abandon penalties escalate independently inside rolling
// 24-hour windows. The counters must never share keys.
var (
	declinePenalties = map[int64]time.Duration{
		2: 5 * time.Minute,
		3: 15 * time.Minute,
		4: 30 * time.Minute,
	}
	declineMaxPenalty = 60 * time.Minute // count >= 5

	abandonPenalties = map[int64]time.Duration{
		1: 30 * time.Minute,
		2: 2 * time.Hour,
	}
	abandonMaxPenalty = 24 * time.Hour // count >= 3
)

const cooldownWindow = 24 * time.Hour

// declineCooldown bumps the player's decline counter and applies the
// escalating queue cooldown. Returns the penalty (zero on a first
// offense) and its end time.
func declineCooldown(ctx context.Context, store Store, playerID int64) (time.Duration, time.Time, error) {
	count, err := store.Incr(ctx, keyDeclineCount(playerID), cooldownWindow)
	if err != nil {
		return 0, time.Time{}, err
	}
	if count < 2 {
		return 0, time.Time{}, nil
	}
	penalty, ok := declinePenalties[count]
	if !ok {
		penalty = declineMaxPenalty
	}
	endsAt, err := setCooldown(ctx, store, playerID, penalty)
	return penalty, endsAt, err
}

// abandonCooldown bumps the player's abandon counter and applies the
// escalating queue cooldown. Abandoning always costs something.
func abandonCooldown(ctx context.Context, store Store, playerID int64) (time.Duration, time.Time, error) {
	count, err := store.Incr(ctx, keyAbandonCount(playerID), cooldownWindow)
	if err != nil {
		return 0, time.Time{}, err
	}
	penalty, ok := abandonPenalties[count]
	if !ok {
		penalty = abandonMaxPenalty
	}
	endsAt, err := setCooldown(ctx, store, playerID, penalty)
	return penalty, endsAt, err
}

func setCooldown(ctx context.Context, store Store, playerID int64, penalty time.Duration) (time.Time, error) {
	endsAt := time.Now().Add(penalty)
	err := store.Set(ctx, keyCooldown(playerID),
		strconv.FormatInt(endsAt.UnixMilli(), 10), penalty)
	return endsAt, err
}

// activeCooldown reports whether the player is blocked from queueing
// and until when.
func activeCooldown(ctx context.Context, store Store, playerID int64) (time.Time, bool) {
	v, err := store.Get(ctx, keyCooldown(playerID))
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	endsAt := time.UnixMilli(ms)
	if time.Now().After(endsAt) {
		return time.Time{}, false
	}
	return endsAt, true
}

// hostCooldown marks a player as a recently failed host so the host
// selector passes over them for five minutes.
func hostCooldown(ctx context.Context, store Store, playerID int64, reason string) error {
	return store.Set(ctx, keyHostCooldown(playerID), reason, ttlHostCooldown)
}

// inHostCooldown checks the host-failure marker.
func inHostCooldown(ctx context.Context, store Store, playerID int64) bool {
	ttl, err := store.TTL(ctx, keyHostCooldown(playerID))
	return err == nil && ttl > 0
}
