package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

func newTestValidator(e *testEnv) *ValidationEngine {
	// Hour-long intervals: ticks are driven manually.
	return NewValidationEngine(e.store, e.db, e.log, e.notify, NewMetrics(), 5, time.Hour, time.Hour)
}

func seedInProgressMatch(t *testing.T, e *testEnv, matchID string, teams game.Teams) {
	t.Helper()
	require.NoError(t, e.db.CreateMatch(context.Background(), &MatchRecord{
		ID:        matchID,
		Status:    MatchStatusReady,
		StartedAt: time.Now(),
	}))
	require.NoError(t, e.db.ConfirmMatchRoom(context.Background(), matchID, "7777", "oil_rig", 3))
	for _, side := range []game.Team{game.TeamAlpha, game.TeamBravo} {
		for _, a := range teams.Side(side) {
			e.seedPlayer(a.Player.PlayerID, a.Player.MMR)
		}
	}
}

// feedLogs writes one external log row per listed player.
func feedLogs(e *testEnv, teams game.Teams, winner game.Team, skip map[int64]bool) {
	at := time.Now()
	for _, side := range []game.Team{game.TeamAlpha, game.TeamBravo} {
		for _, a := range teams.Side(side) {
			if skip[a.Player.PlayerID] {
				continue
			}
			isWin := 0
			if side == winner {
				isWin = 1
			}
			e.db.AddMatchLog(MatchLog{
				OIDUser:   a.Player.PlayerID,
				GameMode:  5,
				MapNumber: 3,
				IsWin:     isWin,
				IsValid:   1,
				Kills:     10,
				Deaths:    8,
				Assists:   2,
				CreatedAt: at,
			})
		}
	}
}

func TestValidationSettlesCompleteMatch(t *testing.T) {
	e := newTestEnv(t)
	v := newTestValidator(e)
	defer v.Shutdown()

	teams := mirrorTeams(t)
	seedInProgressMatch(t, e, "m1", teams)

	settled := make(chan string, 1)
	v.OnSettled = func(matchID string) { settled <- matchID }

	v.Watch("m1", teams, 3)
	time.Sleep(60 * time.Millisecond)
	feedLogs(e, teams, game.TeamAlpha, nil)
	v.Tick(context.Background())

	select {
	case id := <-settled:
		assert.Equal(t, "m1", id)
	case <-time.After(time.Second):
		t.Fatal("settlement never fired")
	}

	rec, err := e.db.GetMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatusCompleted, rec.Status)
	assert.Equal(t, game.TeamAlpha.String(), rec.WinnerTeam)

	rows := e.db.StatsFor("m1")
	assert.Len(t, rows, game.CohortSize)

	// Winners gained, losers lost, evenly matched teams move 25.
	for _, id := range cohortPlayerIDs(teams) {
		msg, ok := e.notify.lastOfType(id, MsgTypeMatchEnded)
		require.True(t, ok)
		assert.Equal(t, game.TeamAlpha.String(), msg.Data.(map[string]interface{})["winner"])
	}
	winner, err := e.db.GetPlayer(context.Background(), teams.Alpha[0].Player.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, 1525, winner.MMR)
	loser, err := e.db.GetPlayer(context.Background(), teams.Bravo[0].Player.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, 1475, loser.MMR)
}

func TestValidationWaitsForEvidence(t *testing.T) {
	e := newTestEnv(t)
	v := newTestValidator(e)
	defer v.Shutdown()

	teams := mirrorTeams(t)
	seedInProgressMatch(t, e, "m1", teams)

	v.Watch("m1", teams, 3)
	v.Tick(context.Background())

	// No logs yet: nothing settles.
	rec, err := e.db.GetMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatusInProgress, rec.Status)
}

func TestValidationSettlesWithAbandonments(t *testing.T) {
	e := newTestEnv(t)
	v := newTestValidator(e)
	defer v.Shutdown()

	teams := mirrorTeams(t)
	seedInProgressMatch(t, e, "m1", teams)

	// One player per team never shows up in the logs: 4v4 evidence is
	// still enough to settle.
	missing := map[int64]bool{
		teams.Alpha[4].Player.PlayerID: true,
		teams.Bravo[4].Player.PlayerID: true,
	}

	v.Watch("m1", teams, 3)
	time.Sleep(60 * time.Millisecond)
	feedLogs(e, teams, game.TeamBravo, missing)
	v.Tick(context.Background())
	// Second tick: log count still below the full cohort, but repeated
	// evidence does not change the verdict thresholds. Feed one more
	// round so the row count crosses the expected total.
	feedLogs(e, teams, game.TeamBravo, missing)
	v.Tick(context.Background())

	rec, err := e.db.GetMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatusCompleted, rec.Status)
	assert.Equal(t, game.TeamBravo.String(), rec.WinnerTeam)

	// Absent players settle as abandoners: flat -40.
	for id := range missing {
		p, err := e.db.GetPlayer(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, 1460, p.MMR)
	}

	rows := e.db.StatsFor("m1")
	abandoned := 0
	for _, r := range rows {
		if r.Abandoned {
			abandoned++
		}
	}
	assert.Equal(t, 2, abandoned)
}

func TestValidationRejectsLopsidedLogs(t *testing.T) {
	e := newTestEnv(t)
	v := newTestValidator(e)
	defer v.Shutdown()

	teams := mirrorTeams(t)
	seedInProgressMatch(t, e, "m1", teams)

	// All of ALPHA logged but only one BRAVO player: the shape cannot
	// be a real 5v5.
	missing := make(map[int64]bool)
	for _, a := range teams.Bravo[1:] {
		missing[a.Player.PlayerID] = true
	}

	v.Watch("m1", teams, 3)
	time.Sleep(60 * time.Millisecond)
	feedLogs(e, teams, game.TeamAlpha, missing)
	feedLogs(e, teams, game.TeamAlpha, missing)
	v.Tick(context.Background())

	rec, err := e.db.GetMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatusCancelled, rec.Status)
	assert.Equal(t, EndReasonInvalidLogs, rec.EndReason)

	// Nobody's rank moved.
	p, err := e.db.GetPlayer(context.Background(), teams.Alpha[0].Player.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, 1500, p.MMR)

	for _, id := range cohortPlayerIDs(teams) {
		_, ok := e.notify.lastOfType(id, MsgTypeMatchInvalid)
		assert.True(t, ok)
	}
}

func TestValidationSettlementIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	v := newTestValidator(e)
	defer v.Shutdown()

	teams := mirrorTeams(t)
	seedInProgressMatch(t, e, "m1", teams)

	// Settle once through the normal path.
	v.Watch("m1", teams, 3)
	time.Sleep(60 * time.Millisecond)
	feedLogs(e, teams, game.TeamAlpha, nil)
	v.Tick(context.Background())

	rows := e.db.StatsFor("m1")
	require.Len(t, rows, game.CohortSize)
	mmrAfter := map[int64]int{}
	for _, id := range cohortPlayerIDs(teams) {
		p, err := e.db.GetPlayer(context.Background(), id)
		require.NoError(t, err)
		mmrAfter[id] = p.MMR
	}

	// A replayed watch over the same settled match must not move
	// anything again.
	v.Watch("m1", teams, 3)
	feedLogs(e, teams, game.TeamAlpha, nil)
	v.Tick(context.Background())

	assert.Len(t, e.db.StatsFor("m1"), game.CohortSize)
	for id, want := range mmrAfter {
		p, err := e.db.GetPlayer(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, p.MMR)
	}
}
