package server

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

func newTestLobby(e *testEnv, turnTime time.Duration) (*LobbyEngine, *QueueEngine) {
	q := NewQueueEngine(e.store, e.db, e.log, e.notify, NewMetrics(), time.Hour)
	l := NewLobbyEngine(e.store, e.db, e.log, e.notify, q, DefaultMapPool, turnTime)
	return l, q
}

func TestLobbyCreateOpensVeto(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)

	rec, err := e.db.GetMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatusReady, rec.Status)

	for _, id := range cohortPlayerIDs(teams) {
		msg, ok := e.notify.lastOfType(id, MsgTypeLobbyReady)
		require.True(t, ok)
		assert.Equal(t, "/lobby/m1", msg.Data.(map[string]interface{})["redirectTo"])

		view, ok := e.notify.lastOfType(id, MsgTypeLobbyData)
		require.True(t, ok)
		data := view.Data.(map[string]interface{})
		assert.Equal(t, LobbyVetoing, data["status"])
		assert.Equal(t, game.TeamAlpha.String(), data["turn"])
	}
}

func TestLobbyVetoAlternatesToMapSelected(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)

	var selected MapInfo
	done := make(chan struct{})
	l.OnMapSelected = func(_ string, _ game.Teams, m MapInfo) {
		selected = m
		close(done)
	}

	alphaLeader := teams.Alpha[0].Player.PlayerID
	bravoLeader := teams.Bravo[0].Player.PlayerID

	// Off-turn and non-leader vetoes are rejected.
	err := l.Veto(context.Background(), "m1", bravoLeader, DefaultMapPool[0].MapID)
	assert.EqualError(t, err, ReasonNotYourTurn)
	err = l.Veto(context.Background(), "m1", teams.Alpha[1].Player.PlayerID, DefaultMapPool[0].MapID)
	assert.EqualError(t, err, ReasonNotYourTurn)
	err = l.Veto(context.Background(), "m1", alphaLeader, "no_such_map")
	assert.EqualError(t, err, ReasonUnknownMap)

	// Alternate leaders until one map remains.
	leaders := []int64{alphaLeader, bravoLeader}
	for i := 0; i < len(DefaultMapPool)-1; i++ {
		require.NoError(t, l.Veto(context.Background(), "m1", leaders[i%2], DefaultMapPool[i].MapID))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("map selection never fired")
	}
	assert.Equal(t, DefaultMapPool[len(DefaultMapPool)-1].MapID, selected.MapID)

	msg, ok := e.notify.lastOfType(bravoLeader, MsgTypeMapSelected)
	require.True(t, ok)
	assert.Equal(t, selected.MapID, msg.Data.(map[string]interface{})["mapId"])

	// Veto after selection is rejected.
	err = l.Veto(context.Background(), "m1", alphaLeader, selected.MapID)
	assert.EqualError(t, err, ReasonNotYourTurn)
}

func TestLobbyVetoTimeoutAutoVetoes(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, 30*time.Millisecond)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)

	waitFor(t, time.Second, func() bool {
		_, ok := e.notify.lastOfType(1, MsgTypeVetoUpdate)
		return ok
	})

	msg, _ := e.notify.lastOfType(1, MsgTypeVetoUpdate)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "TIMEOUT", data["reason"])
	// Lexicographically first map of the pool goes first.
	assert.Equal(t, "brushwood", data["mapId"])
}

func TestLobbyVetoRacingTurnExpiryAppliesOnce(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)
	st := l.lobby("m1")
	require.NotNil(t, st)

	st.mu.Lock()
	staleSeq := st.turnSeq
	st.mu.Unlock()

	// The leader's veto lands just as the turn clock runs out. The
	// clock's callback arrives afterwards and must not veto again for
	// the next team's turn.
	alphaLeader := teams.Alpha[0].Player.PlayerID
	require.NoError(t, l.Veto(context.Background(), "m1", alphaLeader, DefaultMapPool[0].MapID))

	l.expireTurn("m1", st, staleSeq)

	st.mu.Lock()
	history := append([]vetoRecord(nil), st.history...)
	remaining := len(st.remaining)
	liveSeq := st.turnSeq
	st.mu.Unlock()
	require.Len(t, history, 1)
	assert.Equal(t, "CHOICE", history[0].Reason)
	assert.Equal(t, len(DefaultMapPool)-1, remaining)

	// The clock armed for the current turn still expires normally.
	l.expireTurn("m1", st, liveSeq)
	st.mu.Lock()
	history = append([]vetoRecord(nil), st.history...)
	st.mu.Unlock()
	require.Len(t, history, 2)
	assert.Equal(t, "TIMEOUT", history[1].Reason)
	assert.Equal(t, game.TeamBravo.String(), history[1].Team)
}

func TestLobbySwapExchangesRoles(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)

	from := teams.Alpha[0].Player.PlayerID
	to := teams.Alpha[1].Player.PlayerID
	fromRole := teams.Alpha[0].Role
	toRole := teams.Alpha[1].Role

	// Cross-team swaps are rejected.
	err := l.RequestSwap("m1", from, teams.Bravo[0].Player.PlayerID)
	assert.EqualError(t, err, ReasonNotInMatch)

	require.NoError(t, l.RequestSwap("m1", from, to))
	msg, ok := e.notify.lastOfType(to, MsgTypeSwapRequested)
	require.True(t, ok)
	assert.Equal(t, from, msg.Data.(map[string]interface{})["from"])

	// Accepting without a pending request fails.
	err = l.AcceptSwap(context.Background(), "m1", from)
	assert.EqualError(t, err, ReasonNotInMatch)

	require.NoError(t, l.AcceptSwap(context.Background(), "m1", to))

	got, ok := l.Teams("m1")
	require.True(t, ok)
	assert.Equal(t, toRole, got.Alpha[0].Role)
	assert.Equal(t, fromRole, got.Alpha[1].Role)

	_, completed := e.notify.lastOfType(from, MsgTypeSwapCompleted)
	assert.True(t, completed)
}

func TestLobbySwapKeepsAutofillFlag(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	teams.Alpha[0].Autofill = true
	l.Create(context.Background(), "m1", teams)

	from := teams.Alpha[0].Player.PlayerID
	to := teams.Alpha[1].Player.PlayerID
	require.NoError(t, l.RequestSwap("m1", from, to))
	require.NoError(t, l.AcceptSwap(context.Background(), "m1", to))

	got, ok := l.Teams("m1")
	require.True(t, ok)

	// The rewritten hash carries the swapped role but each player keeps
	// the autofill flag recorded at cohort formation.
	field, err := e.store.HGet(context.Background(), keyMatchClasses("m1"), strconv.FormatInt(from, 10))
	require.NoError(t, err)
	assert.Equal(t, classesHashField(got.Alpha[0]), field)
	assert.True(t, strings.HasSuffix(field, "|1"))

	other, err := e.store.HGet(context.Background(), keyMatchClasses("m1"), strconv.FormatInt(to, 10))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(other, "|0"))
}

func TestLobbyChatChannels(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)

	sender := teams.Alpha[0].Player.PlayerID
	teammate := teams.Alpha[1].Player.PlayerID
	opponent := teams.Bravo[0].Player.PlayerID

	require.NoError(t, l.Chat("m1", sender, ChatChannelTeam, "push left"))
	_, ok := e.notify.lastOfType(teammate, MsgTypeChatMessage)
	assert.True(t, ok)
	_, leaked := e.notify.lastOfType(opponent, MsgTypeChatMessage)
	assert.False(t, leaked)

	require.NoError(t, l.Chat("m1", sender, ChatChannelGeneral, "gl hf"))

	// Teammates see the real name, opponents a positional alias.
	msg, ok := e.notify.lastOfType(teammate, MsgTypeChatMessage)
	require.True(t, ok)
	assert.Equal(t, "player", msg.Data.(map[string]interface{})["from"])

	msg, ok = e.notify.lastOfType(opponent, MsgTypeChatMessage)
	require.True(t, ok)
	assert.Equal(t, "Player 01", msg.Data.(map[string]interface{})["from"])

	err := l.Chat("m1", 999, ChatChannelGeneral, "hi")
	assert.EqualError(t, err, ReasonNotInMatch)
}

func TestLobbyAbandonCancelsAndPenalizes(t *testing.T) {
	e := newTestEnv(t)
	l, q := newTestLobby(e, time.Hour)
	defer q.Shutdown()

	teams := mirrorTeams(t)
	l.Create(context.Background(), "m1", teams)

	snapshot := `[{"playerId":1,"queuedAt":1},{"playerId":2,"queuedAt":2}]`
	require.NoError(t, e.store.Set(context.Background(), keyMatchSnapshot("m1"), snapshot, time.Hour))

	offender := teams.Alpha[0].Player.PlayerID
	require.NoError(t, l.Abandon(context.Background(), "m1", offender))

	rec, err := e.db.GetMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatusCancelled, rec.Status)
	assert.Equal(t, EndReasonAbandoned, rec.EndReason)

	// First abandon: thirty minutes.
	msg, ok := e.notify.lastOfType(offender, MsgTypeCooldownSet)
	require.True(t, ok)
	assert.Equal(t, int(30*time.Minute.Seconds()), msg.Data.(map[string]interface{})["seconds"])

	for _, id := range cohortPlayerIDs(teams) {
		_, ok := e.notify.lastOfType(id, MsgTypeMatchCanceled)
		assert.True(t, ok)
	}

	// The lobby is gone; further actions bounce.
	err = l.Chat("m1", offender, ChatChannelGeneral, "hi")
	assert.EqualError(t, err, ReasonNotInMatch)
}
