package server

import (
	"fmt"
	"time"
)

// Well-known key patterns. Every in-flight coordination value lives in
// the state store under one of these; the relational store only holds
// the final match rows.
const (
	keyMatchCounter = "match:counter"
)

// TTLs for the per-match keyspace. Everything per-match self-cleans
// within two hours so a crashed pipeline leaves no orphans.
const (
	ttlQueueEntry   = time.Hour
	ttlRequeueHint  = 10 * time.Minute
	ttlCounter      = 24 * time.Hour
	ttlMatchState   = 2 * time.Hour
	ttlReadyHash    = 2 * time.Minute
	ttlHostAttempt  = 5 * time.Minute
	ttlHostCooldown = 5 * time.Minute
	ttlLobbyTemp    = 5 * time.Minute
)

func keyQueueEntry(id int64) string   { return fmt.Sprintf("queue:ranked:%d", id) }
func keyActiveMatch(id int64) string  { return fmt.Sprintf("active:match:%d", id) }
func keyRequeueHint(id int64) string  { return fmt.Sprintf("requeue:ranked:%d", id) }
func keyCooldown(id int64) string     { return fmt.Sprintf("cooldown:%d", id) }
func keyHostCooldown(id int64) string { return fmt.Sprintf("cooldown:host:%d", id) }
func keyDeclineCount(id int64) string { return fmt.Sprintf("decline:count:%d", id) }
func keyAbandonCount(id int64) string { return fmt.Sprintf("abandon:count:%d", id) }

func keyMatchStatus(matchID string) string   { return fmt.Sprintf("match:%s:status", matchID) }
func keyMatchReady(matchID string) string    { return fmt.Sprintf("match:%s:ready", matchID) }
func keyMatchClasses(matchID string) string  { return fmt.Sprintf("match:%s:classes", matchID) }
func keyMatchSnapshot(matchID string) string { return fmt.Sprintf("match:%s:queueSnapshot", matchID) }
func keyMatchHost(matchID string) string     { return fmt.Sprintf("match:%s:host", matchID) }
func keyMatchHostPass(matchID string) string { return fmt.Sprintf("match:%s:hostPassword", matchID) }
func keyMatchRoom(matchID string) string     { return fmt.Sprintf("match:%s:room", matchID) }
func keyLobbyTemp(matchID string) string     { return fmt.Sprintf("lobby:temp:%s", matchID) }
func keyLobbyState(matchID string) string    { return fmt.Sprintf("lobby:%s:state", matchID) }
func keyLobbyVetos(matchID string) string    { return fmt.Sprintf("lobby:%s:vetos", matchID) }
func keyLobbyMap(matchID string) string      { return fmt.Sprintf("lobby:%s:selectedMap", matchID) }

// matchKeys lists every per-match key for teardown.
func matchKeys(matchID string) []string {
	return []string{
		keyMatchStatus(matchID),
		keyMatchReady(matchID),
		keyMatchClasses(matchID),
		keyMatchSnapshot(matchID),
		keyMatchHost(matchID),
		keyMatchHostPass(matchID),
		keyMatchRoom(matchID),
		keyLobbyTemp(matchID),
		keyLobbyState(matchID),
		keyLobbyVetos(matchID),
		keyLobbyMap(matchID),
	}
}
