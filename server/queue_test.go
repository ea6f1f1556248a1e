package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

func newTestQueue(e *testEnv) *QueueEngine {
	return NewQueueEngine(e.store, e.db, e.log, e.notify, NewMetrics(), time.Hour)
}

func TestAdmitUnknownUser(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	_, err := q.Admit(context.Background(), 99, game.ClassProfile{})
	require.Error(t, err)
	qe, ok := err.(*QueueError)
	require.True(t, ok)
	assert.Equal(t, ReasonUserNotFound, qe.Code)
}

func TestAdmitBanned(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	e.seedPlayer(1, 1500)
	until := time.Now().Add(time.Hour)
	e.db.SetBan(1, until)

	_, err := q.Admit(context.Background(), 1, game.ClassProfile{})
	qe, ok := err.(*QueueError)
	require.True(t, ok)
	assert.Equal(t, ReasonBanned, qe.Code)
	assert.WithinDuration(t, until, qe.EndsAt, time.Second)
}

func TestAdmitDuplicateSocialID(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	e.db.SetPlayer(game.Player{ID: 1, Name: "a", MMR: 1500, DiscordID: "disc-1"})
	e.db.SetPlayer(game.Player{ID: 2, Name: "b", MMR: 1500, DiscordID: "disc-1"})

	_, err := q.Admit(context.Background(), 2, game.ClassProfile{})
	qe, ok := err.(*QueueError)
	require.True(t, ok)
	assert.Equal(t, ReasonDuplicateSocial, qe.Code)
	assert.Equal(t, int64(1), qe.Existing)
}

func TestFindByDiscordIDKeepsFirstBinding(t *testing.T) {
	e := newTestEnv(t)

	e.db.SetPlayer(game.Player{ID: 1, Name: "a", MMR: 1500, DiscordID: "disc-1"})
	e.db.SetPlayer(game.Player{ID: 2, Name: "b", MMR: 1500, DiscordID: "disc-1"})

	oid, err := e.db.FindByDiscordID(context.Background(), "disc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), oid)
}

func TestAdmitDuringCooldown(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	e.seedPlayer(1, 1500)
	_, err := setCooldown(context.Background(), e.store, 1, 5*time.Minute)
	require.NoError(t, err)

	_, err = q.Admit(context.Background(), 1, game.ClassProfile{})
	qe, ok := err.(*QueueError)
	require.True(t, ok)
	assert.Equal(t, ReasonCooldownActive, qe.Code)
	assert.False(t, qe.EndsAt.IsZero())
}

func TestAdmitAlreadyQueued(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	e.seedPlayer(1, 1500)
	_, err := q.Admit(context.Background(), 1, game.ClassProfile{Primary: game.ClassT1})
	require.NoError(t, err)

	_, err = q.Admit(context.Background(), 1, game.ClassProfile{Primary: game.ClassT1})
	qe, ok := err.(*QueueError)
	require.True(t, ok)
	assert.Equal(t, ReasonAlreadyInQueue, qe.Code)
	assert.Equal(t, 1, q.Size())
}

func TestRemoveIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	e.seedPlayer(1, 1500)
	_, err := q.Admit(context.Background(), 1, game.ClassProfile{Primary: game.ClassT1})
	require.NoError(t, err)

	q.Remove(context.Background(), 1)
	q.Remove(context.Background(), 1)
	assert.Equal(t, 0, q.Size())
}

func TestTickFormsCohort(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	var gotMatch string
	var gotTeams game.Teams
	q.OnCohort = func(matchID string, teams game.Teams) {
		gotMatch = matchID
		gotTeams = teams
	}

	for _, entry := range mirrorEntries(1500) {
		e.db.SetPlayer(game.Player{ID: entry.PlayerID, Name: entry.Name, MMR: entry.MMR, Classes: entry.Classes})
		_, err := q.Admit(context.Background(), entry.PlayerID, entry.Classes)
		require.NoError(t, err)
	}

	q.Tick(context.Background())

	require.NotEmpty(t, gotMatch)
	assert.Len(t, gotTeams.Alpha, game.TeamSize)
	assert.Len(t, gotTeams.Bravo, game.TeamSize)
	assert.Equal(t, 0, q.Size())

	// The role hash and requeue snapshot were written atomically.
	classes, err := e.store.HGetAll(context.Background(), keyMatchClasses(gotMatch))
	require.NoError(t, err)
	assert.Len(t, classes, game.CohortSize)
	_, err = e.store.Get(context.Background(), keyMatchSnapshot(gotMatch))
	assert.NoError(t, err)
}

func TestAdmitWhileCohortActive(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	var gotMatch string
	q.OnCohort = func(matchID string, _ game.Teams) { gotMatch = matchID }

	for _, entry := range mirrorEntries(1500) {
		e.db.SetPlayer(game.Player{ID: entry.PlayerID, Name: entry.Name, MMR: entry.MMR, Classes: entry.Classes})
		_, err := q.Admit(context.Background(), entry.PlayerID, entry.Classes)
		require.NoError(t, err)
	}
	q.Tick(context.Background())
	require.NotEmpty(t, gotMatch)

	// The cohort is mid-flight; its members cannot rejoin the queue.
	_, err := q.Admit(context.Background(), 1, game.ClassProfile{Primary: game.ClassSniper})
	qe, ok := err.(*QueueError)
	require.True(t, ok)
	assert.Equal(t, ReasonAlreadyInMatch, qe.Code)
	assert.Equal(t, 0, q.Size())

	// Once the match resolves the slot opens again.
	q.RequeueSurvivors(context.Background(), gotMatch)
	_, err = q.Admit(context.Background(), 1, game.ClassProfile{Primary: game.ClassSniper})
	require.NoError(t, err)
}

func TestTickLeavesShortQueueAlone(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	fired := false
	q.OnCohort = func(string, game.Teams) { fired = true }

	for _, entry := range mirrorEntries(1500)[:9] {
		e.db.SetPlayer(game.Player{ID: entry.PlayerID, MMR: entry.MMR, Classes: entry.Classes})
		_, err := q.Admit(context.Background(), entry.PlayerID, entry.Classes)
		require.NoError(t, err)
	}

	q.Tick(context.Background())
	assert.False(t, fired)
	assert.Equal(t, 9, q.Size())
}

func TestTickRespectsWindow(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	fired := false
	q.OnCohort = func(string, game.Teams) { fired = true }

	// Nine players at 1500, one far outside any fresh window.
	entries := mirrorEntries(1500)
	entries[9].MMR = 900
	for _, entry := range entries {
		e.db.SetPlayer(game.Player{ID: entry.PlayerID, MMR: entry.MMR, Classes: entry.Classes})
		_, err := q.Admit(context.Background(), entry.PlayerID, entry.Classes)
		require.NoError(t, err)
	}

	q.Tick(context.Background())
	assert.False(t, fired)
	assert.Equal(t, game.CohortSize, q.Size())
}

func TestRequeueHintRestoresPriority(t *testing.T) {
	e := newTestEnv(t)
	q := newTestQueue(e)
	defer q.Shutdown()

	e.seedPlayer(1, 1500)
	e.seedPlayer(2, 1500)

	// Snapshot of a cancelled cohort with an old queuedAt for both.
	snapshot := `[{"playerId":1,"mmr":1500,"queuedAt":946684800000},` +
		`{"playerId":2,"mmr":1500,"queuedAt":946684800000}]`
	require.NoError(t, e.store.Set(context.Background(), keyMatchSnapshot("m1"), snapshot, time.Hour))

	q.RequeueSurvivors(context.Background(), "m1", 2)

	// Player 1 got a hint and a REQUEUE nudge; the offender got neither.
	_, gotRequeue := e.notify.lastOfType(1, MsgTypeRequeue)
	assert.True(t, gotRequeue)
	_, offenderRequeue := e.notify.lastOfType(2, MsgTypeRequeue)
	assert.False(t, offenderRequeue)

	entry, err := q.Admit(context.Background(), 1, game.ClassProfile{Primary: game.ClassT1})
	require.NoError(t, err)
	assert.Equal(t, int64(946684800000), entry.QueuedAt)

	// Snapshot is consumed.
	_, err = e.store.Get(context.Background(), keyMatchSnapshot("m1"))
	assert.ErrorIs(t, err, ErrNotFound)
}
