package server

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// fakeMessenger records every message by recipient instead of writing
// to a transport.
type fakeMessenger struct {
	mu   sync.Mutex
	sent map[int64][]ServerMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: make(map[int64][]ServerMessage)}
}

func (f *fakeMessenger) SendTo(playerID int64, msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[playerID] = append(f.sent[playerID], msg)
}

func (f *fakeMessenger) messagesFor(playerID int64) []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerMessage(nil), f.sent[playerID]...)
}

func (f *fakeMessenger) lastOfType(playerID int64, msgType string) (ServerMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[playerID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return msgs[i], true
		}
	}
	return ServerMessage{}, false
}

func (f *fakeMessenger) countOfType(playerID int64, msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent[playerID] {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// testEnv bundles the in-memory backends every engine test runs on.
type testEnv struct {
	store  Store
	db     *memDB
	log    *zap.Logger
	notify *fakeMessenger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		store:  NewMemStore(),
		db:     NewMemDB().(*memDB),
		log:    zap.NewNop(),
		notify: newFakeMessenger(),
	}
}

// seedPlayer registers an account with the given MMR.
func (e *testEnv) seedPlayer(id int64, mmr int) {
	e.db.SetPlayer(game.Player{
		ID:   id,
		Name: "player",
		MMR:  mmr,
		Tier: game.TierSilver1,
		Classes: game.ClassProfile{
			Primary: game.ClassT1,
		},
	})
}

// mirrorEntries builds a ten-player pool that always balances: two of
// each class at equal MMR.
func mirrorEntries(mmr int) []game.QueueEntry {
	classes := []game.Class{
		game.ClassSniper, game.ClassSniper,
		game.ClassT1, game.ClassT1,
		game.ClassT2, game.ClassT2,
		game.ClassT3, game.ClassT3,
		game.ClassT4, game.ClassT4,
	}
	entries := make([]game.QueueEntry, 0, game.CohortSize)
	for i, c := range classes {
		entries = append(entries, game.QueueEntry{
			PlayerID: int64(i + 1),
			Name:     "player",
			MMR:      mmr,
			Classes:  game.ClassProfile{Primary: c},
			QueuedAt: time.Now().UnixMilli() - int64(i),
		})
	}
	return entries
}

// mirrorTeams is a prebuilt balanced cohort for the downstream engines.
func mirrorTeams(t *testing.T) game.Teams {
	t.Helper()
	teams, ok := game.BuildTeams(mirrorEntries(1500))
	if !ok {
		t.Fatal("mirror pool failed to balance")
	}
	return teams
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
