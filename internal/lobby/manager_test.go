// internal/lobby/manager_test.go
package lobby

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCatalog maps problem ids to titles.
type stubCatalog map[string]string

func (c stubCatalog) ProblemTitle(id string) (string, bool) {
	title, ok := c[id]
	return title, ok
}

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := clockwork.NewFakeClock()
	catalog := stubCatalog{"0001": "Two Sum", "0002": "Add Two Numbers"}
	return NewManager(logger, catalog, clock), clock
}

// newTestConn returns a connection with a queue deep enough that tests never
// trip the delivery-failure path by accident.
func newTestConn(userID string) *Conn {
	return &Conn{UserID: userID, OutChan: make(chan any, 64)}
}

// drainStates empties a connection's queue and returns the snapshots seen.
func drainStates(c *Conn) []StateMessage {
	var out []StateMessage
	for {
		select {
		case msg, ok := <-c.OutChan:
			if !ok {
				return out
			}
			if s, isState := msg.(StateMessage); isState {
				out = append(out, s)
			}
		default:
			return out
		}
	}
}

func lastState(t *testing.T, c *Conn) StateMessage {
	t.Helper()
	states := drainStates(c)
	require.NotEmpty(t, states, "expected at least one snapshot for %s", c.UserID)
	return states[len(states)-1]
}

// Locked read helpers; tests never touch lobby state without the lock.

func lobbyExists(m *Manager, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lobbies[normalizeCode(id)]
	return ok
}

func phaseOf(m *Manager, id string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lobbies[normalizeCode(id)]; ok {
		return l.Phase
	}
	return ""
}

func participantOf(m *Manager, id, userID string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[normalizeCode(id)]
	if !ok {
		return Participant{}, false
	}
	p, ok := l.Participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func countdownOf(m *Manager, id string) *int {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[normalizeCode(id)]
	if !ok || l.AutoReturnCountdown == nil {
		return nil
	}
	v := *l.AutoReturnCountdown
	return &v
}

func roundOf(m *Manager, id string) (round, historyLen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lobbies[normalizeCode(id)]; ok {
		return l.RoundNumber, len(l.History)
	}
	return 0, 0
}

// setupLobby creates a lobby with a connected host and one connected guest.
func setupLobby(t *testing.T, m *Manager) (string, *Conn, *Conn) {
	t.Helper()
	id, err := m.CreateLobby("host", "0001", "python")
	require.NoError(t, err)

	host := newTestConn("host")
	guest := newTestConn("guest")
	require.NoError(t, m.Connect(id, "host", "Alice", host))
	require.NoError(t, m.Connect(id, "guest", "Bob", guest))
	return id, host, guest
}

// startRacing drives a lobby through the start countdown into racing.
func startRacing(t *testing.T, m *Manager, clock *clockwork.FakeClock, id string) {
	t.Helper()
	m.StartRace(id, "host")
	require.Equal(t, PhaseStarting, phaseOf(m, id))
	clock.BlockUntil(1)
	clock.Advance(startDelay)
	require.Eventually(t, func() bool { return phaseOf(m, id) == PhaseRacing },
		time.Second, 5*time.Millisecond)
}

func TestCreateLobbyValidatesProblem(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateLobby("host", "9999", "python")
	assert.ErrorIs(t, err, ErrInvalidProblem)

	id, err := m.CreateLobby("host", "0001", "python")
	require.NoError(t, err)
	assert.Len(t, id, 6)
	assert.Equal(t, strings.ToUpper(id), id)
}

func TestLobbyCodeIsCaseInsensitive(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.CreateLobby("host", "0001", "python")
	require.NoError(t, err)

	summary, err := m.GetSummary(strings.ToLower(id))
	require.NoError(t, err)
	assert.Equal(t, id, summary.ID)

	require.NoError(t, m.Connect(strings.ToLower(id), "host", "Alice", newTestConn("host")))
}

func TestGetSummaryNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetSummary("ZZZZZZ")
	assert.ErrorIs(t, err, ErrLobbyNotFound)
}

func TestConnectUnknownLobby(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Connect("ZZZZZZ", "u1", "Alice", newTestConn("u1"))
	assert.ErrorIs(t, err, ErrLobbyNotFound)
}

func TestConnectBroadcastsToAllParticipants(t *testing.T) {
	m, _ := newTestManager(t)
	id, host, guest := setupLobby(t, m)

	state := lastState(t, host)
	assert.Equal(t, PhaseWaiting, state.Status)
	assert.Len(t, state.Participants, 2)
	assert.Equal(t, "0001", state.ProblemID)
	assert.Equal(t, 1, state.RoundNumber)

	guestState := lastState(t, guest)
	assert.Equal(t, state.Participants, guestState.Participants)

	summary, err := m.GetSummary(id)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Participants)
}

func TestReconnectPreservesRaceState(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, guest := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.UpdateProgress(id, "guest", 120, 64)
	m.Disconnect(id, "guest", guest)

	p, ok := participantOf(m, id, "guest")
	require.True(t, ok, "racing participant must survive disconnect")
	assert.False(t, p.Connected)
	assert.Equal(t, 120, p.Progress)

	rejoined := newTestConn("guest")
	require.NoError(t, m.Connect(id, "guest", "Bobby", rejoined))

	p, ok = participantOf(m, id, "guest")
	require.True(t, ok)
	assert.True(t, p.Connected)
	assert.Equal(t, "Bobby", p.Username)
	assert.Equal(t, 120, p.Progress)
	assert.Equal(t, 64, p.WPM)
}

func TestLateDisconnectOfReplacedConnIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	id, _, guest := setupLobby(t, m)

	// Rejoin replaces the transport; replacing fires the old handler's
	// cancel, and that handler's teardown runs after the new session is
	// already registered.
	fresh := newTestConn("guest")
	require.NoError(t, m.Connect(id, "guest", "Bob", fresh))
	assert.False(t, guest.Write("stale"), "replaced transport must be closed")

	m.Disconnect(id, "guest", guest)

	p, ok := participantOf(m, id, "guest")
	require.True(t, ok, "late teardown of the replaced transport must not remove the participant")
	assert.True(t, p.Connected)
	assert.True(t, fresh.Write(struct{}{}), "fresh transport must stay open")
	assert.True(t, lobbyExists(m, id))

	// The fresh session's own teardown still disconnects normally.
	m.Disconnect(id, "guest", fresh)
	_, ok = participantOf(m, id, "guest")
	assert.False(t, ok)
}

func TestDisconnectWhileWaitingRemovesParticipant(t *testing.T) {
	m, _ := newTestManager(t)
	id, _, guest := setupLobby(t, m)

	m.Disconnect(id, "guest", guest)

	_, ok := participantOf(m, id, "guest")
	assert.False(t, ok)
	assert.True(t, lobbyExists(m, id))
}

func TestHostDisconnectKeepsLobbyWithinGrace(t *testing.T) {
	m, _ := newTestManager(t)
	id, host, _ := setupLobby(t, m)

	m.Disconnect(id, "host", host)

	require.True(t, lobbyExists(m, id))
	p, ok := participantOf(m, id, "host")
	require.True(t, ok, "host record must survive its own disconnect")
	assert.False(t, p.Connected)

	m.mu.Lock()
	hostGone := m.lobbies[id].HostDisconnectedAt
	m.mu.Unlock()
	require.NotNil(t, hostGone)

	// Reconnecting clears the grace timer.
	require.NoError(t, m.Connect(id, "host", "Alice", newTestConn("host")))
	m.mu.Lock()
	hostGone = m.lobbies[id].HostDisconnectedAt
	m.mu.Unlock()
	assert.Nil(t, hostGone)
}

func TestEmptyLobbyDeletedImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	id, host, guest := setupLobby(t, m)

	m.Disconnect(id, "host", host)
	require.True(t, lobbyExists(m, id))

	// Last connected participant leaving empties the lobby: no grace period.
	m.Disconnect(id, "guest", guest)
	assert.False(t, lobbyExists(m, id))
}

func TestStartRaceAuthorityAndPhase(t *testing.T) {
	m, _ := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	m.StartRace(id, "guest")
	assert.Equal(t, PhaseWaiting, phaseOf(m, id), "non-host start must be ignored")

	m.StartRace(id, "host")
	assert.Equal(t, PhaseStarting, phaseOf(m, id))

	// A second start while already starting is a no-op.
	m.StartRace(id, "host")
	assert.Equal(t, PhaseStarting, phaseOf(m, id))
}

func TestStartCountdownEntersRacing(t *testing.T) {
	m, clock := newTestManager(t)
	id, host, _ := setupLobby(t, m)
	drainStates(host)

	m.StartRace(id, "host")
	state := lastState(t, host)
	require.NotNil(t, state.StartTime)
	assert.Equal(t, clock.Now().Add(startDelay).UnixMilli(), *state.StartTime)

	clock.BlockUntil(1)
	clock.Advance(startDelay)
	require.Eventually(t, func() bool { return phaseOf(m, id) == PhaseRacing },
		time.Second, 5*time.Millisecond)

	state = lastState(t, host)
	require.NotNil(t, state.StartTime)
	assert.Equal(t, clock.Now().UnixMilli(), *state.StartTime)
}

func TestStaleStartTimerIsNoop(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	m.StartRace(id, "host")
	// Host resets before the countdown fires; the timer must observe the
	// superseding phase change and do nothing.
	m.ResetRound(id, "host", "", "")
	require.Equal(t, PhaseWaiting, phaseOf(m, id))

	clock.BlockUntil(1)
	clock.Advance(startDelay)

	assert.Never(t, func() bool { return phaseOf(m, id) != PhaseWaiting },
		100*time.Millisecond, 10*time.Millisecond)
}

func TestProgressIgnoredOutsideRacing(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	m.UpdateProgress(id, "guest", 50, 40)
	p, _ := participantOf(m, id, "guest")
	assert.Zero(t, p.Progress)

	startRacing(t, m, clock, id)
	m.UpdateProgress(id, "guest", 50, 40)
	p, _ = participantOf(m, id, "guest")
	assert.Equal(t, 50, p.Progress)
	assert.Equal(t, 40, p.WPM)
}

func TestFinishAssignsRanksInCallOrder(t *testing.T) {
	m, clock := newTestManager(t)
	id, err := m.CreateLobby("host", "0001", "python")
	require.NoError(t, err)
	require.NoError(t, m.Connect(id, "host", "Alice", newTestConn("host")))
	require.NoError(t, m.Connect(id, "u2", "Bob", newTestConn("u2")))
	require.NoError(t, m.Connect(id, "u3", "Cara", newTestConn("u3")))
	startRacing(t, m, clock, id)

	m.FinishRace(id, "u2", FinishStats{WPM: 80, Accuracy: 97, TimeMs: 30000})
	m.FinishRace(id, "host", FinishStats{WPM: 70, Accuracy: 95, TimeMs: 34000})
	m.FinishRace(id, "u3", FinishStats{WPM: 60, Accuracy: 92, TimeMs: 40000})

	for i, userID := range []string{"u2", "host", "u3"} {
		p, ok := participantOf(m, id, userID)
		require.True(t, ok)
		require.True(t, p.Finished)
		require.NotNil(t, p.Rank)
		assert.Equal(t, i+1, *p.Rank)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.FinishRace(id, "guest", FinishStats{WPM: 80, Accuracy: 97, TimeMs: 30000})
	m.FinishRace(id, "guest", FinishStats{WPM: 200, Accuracy: 99, TimeMs: 10000})

	p, _ := participantOf(m, id, "guest")
	require.NotNil(t, p.Rank)
	assert.Equal(t, 1, *p.Rank)
	assert.Equal(t, 80, p.WPM, "repeat finish must not overwrite stats")
}

func TestAllFinishedStartsAutoReturn(t *testing.T) {
	m, clock := newTestManager(t)
	id, host, _ := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.FinishRace(id, "guest", FinishStats{WPM: 80, Accuracy: 97, TimeMs: 30000})
	assert.Nil(t, countdownOf(m, id), "countdown must wait for every connected participant")

	m.FinishRace(id, "host", FinishStats{WPM: 70, Accuracy: 95, TimeMs: 34000})
	cd := countdownOf(m, id)
	require.NotNil(t, cd)
	assert.Equal(t, autoReturnSeconds, *cd)

	state := lastState(t, host)
	require.NotNil(t, state.AutoReturnCountdown)
	assert.Equal(t, autoReturnSeconds, *state.AutoReturnCountdown)
}

func TestAutoReturnTicksDownAndResetsRound(t *testing.T) {
	m, clock := newTestManager(t)
	id, host, _ := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.FinishRace(id, "guest", FinishStats{WPM: 80, Accuracy: 97, TimeMs: 30000})
	m.FinishRace(id, "host", FinishStats{WPM: 70, Accuracy: 95, TimeMs: 34000})
	drainStates(host)

	// Tick down to 1, observing a broadcast per tick.
	for expect := autoReturnSeconds - 1; expect >= 1; expect-- {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
		want := expect
		require.Eventually(t, func() bool {
			cd := countdownOf(m, id)
			return cd != nil && *cd == want
		}, time.Second, 5*time.Millisecond)
	}

	// Final tick resets the round as the system.
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return phaseOf(m, id) == PhaseWaiting },
		time.Second, 5*time.Millisecond)

	round, history := roundOf(m, id)
	assert.Equal(t, 2, round)
	assert.Equal(t, 1, history)
	assert.Nil(t, countdownOf(m, id))

	m.mu.Lock()
	archived := m.lobbies[id].History[0]
	m.mu.Unlock()
	assert.Equal(t, 1, archived.Round)
	assert.Equal(t, "Two Sum", archived.ProblemTitle)
	require.Len(t, archived.Results, 2)
	assert.Equal(t, "Bob", archived.Results[0].Username)
	assert.Equal(t, "Alice", archived.Results[1].Username)

	for _, userID := range []string{"host", "guest"} {
		p, ok := participantOf(m, id, userID)
		require.True(t, ok)
		assert.False(t, p.Finished)
		assert.Nil(t, p.Rank)
		assert.Zero(t, p.Progress)
		assert.Zero(t, p.WPM)
		assert.True(t, p.Connected)
	}
}

func TestCancelAutoReturnStopsPendingReset(t *testing.T) {
	m, clock := newTestManager(t)
	id, host, _ := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.FinishRace(id, "guest", FinishStats{WPM: 80, Accuracy: 97, TimeMs: 30000})
	m.FinishRace(id, "host", FinishStats{WPM: 70, Accuracy: 95, TimeMs: 34000})
	require.NotNil(t, countdownOf(m, id))

	m.CancelAutoReturn(id, "guest")
	require.NotNil(t, countdownOf(m, id), "non-host cancel must be ignored")

	m.CancelAutoReturn(id, "host")
	require.Nil(t, countdownOf(m, id))
	drainStates(host)

	// Let the ticker goroutine observe the cancellation; no further resets
	// or countdown broadcasts may happen at the original deadline.
	clock.BlockUntil(1)
	clock.Advance(time.Duration(autoReturnSeconds+1) * time.Second)

	assert.Never(t, func() bool { return phaseOf(m, id) != PhaseRacing },
		100*time.Millisecond, 10*time.Millisecond)
	for _, s := range drainStates(host) {
		assert.Nil(t, s.AutoReturnCountdown)
	}
	round, history := roundOf(m, id)
	assert.Equal(t, 1, round)
	assert.Zero(t, history)
}

func TestForceEndMarksDNFWithoutAutoReturn(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.FinishRace(id, "guest", FinishStats{WPM: 80, Accuracy: 97, TimeMs: 30000})

	m.ForceEndRace(id, "guest")
	p, _ := participantOf(m, id, "host")
	assert.False(t, p.Finished, "non-host force end must be ignored")

	m.ForceEndRace(id, "host")
	p, _ = participantOf(m, id, "host")
	assert.True(t, p.Finished)
	assert.Nil(t, p.Rank, "forced DNF carries no rank")

	// Force end deliberately does not start the auto-return countdown.
	assert.Nil(t, countdownOf(m, id))
	assert.Equal(t, PhaseRacing, phaseOf(m, id))
}

func TestUpdateSettingsHostOnlyWhileWaiting(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	m.UpdateSettings(id, "guest", "0002", "cpp")
	summary, _ := m.GetSummary(id)
	assert.Equal(t, "0001", summary.ProblemID)

	// Selectors are applied independently; empty means unchanged.
	m.UpdateSettings(id, "host", "0002", "")
	summary, _ = m.GetSummary(id)
	assert.Equal(t, "0002", summary.ProblemID)
	assert.Equal(t, "python", summary.Language)

	startRacing(t, m, clock, id)
	m.UpdateSettings(id, "host", "0001", "cpp")
	summary, _ = m.GetSummary(id)
	assert.Equal(t, "0002", summary.ProblemID, "settings are frozen outside waiting")
}

func TestKickParticipant(t *testing.T) {
	m, _ := newTestManager(t)
	id, _, guest := setupLobby(t, m)

	m.KickParticipant(id, "guest", "host")
	_, ok := participantOf(m, id, "host")
	assert.True(t, ok, "non-host kick must be ignored")

	m.KickParticipant(id, "host", "guest")
	_, ok = participantOf(m, id, "guest")
	assert.False(t, ok)

	// The target saw a KICKED notification before its queue closed.
	sawKick := false
	for msg := range guest.OutChan {
		if _, isKick := msg.(KickedMessage); isKick {
			sawKick = true
		}
	}
	assert.True(t, sawKick)
}

func TestResetRoundArchivesSortedResults(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)
	startRacing(t, m, clock, id)

	m.FinishRace(id, "guest", FinishStats{WPM: 90, Accuracy: 98, TimeMs: 25000})
	m.ForceEndRace(id, "host")

	m.ResetRound(id, "host", "0002", "javascript")

	round, history := roundOf(m, id)
	assert.Equal(t, 2, round)
	assert.Equal(t, 1, history)
	assert.Equal(t, PhaseWaiting, phaseOf(m, id))

	m.mu.Lock()
	archived := m.lobbies[id].History[0]
	m.mu.Unlock()
	require.Len(t, archived.Results, 2)
	assert.Equal(t, "Bob", archived.Results[0].Username, "ranked entry sorts first")
	assert.Nil(t, archived.Results[1].Rank, "DNF entry sorts last")

	summary, _ := m.GetSummary(id)
	assert.Equal(t, "0002", summary.ProblemID)
	assert.Equal(t, "javascript", summary.Language)
}

func TestBroadcastFailureTriggersDisconnect(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.CreateLobby("host", "0001", "python")
	require.NoError(t, err)
	require.NoError(t, m.Connect(id, "host", "Alice", newTestConn("host")))

	// An unbuffered queue with no reader fails every delivery.
	stuck := &Conn{UserID: "guest", OutChan: make(chan any)}
	require.NoError(t, m.Connect(id, "guest", "Bob", stuck))

	_, ok := participantOf(m, id, "guest")
	assert.False(t, ok, "undeliverable participant must be pruned")
	_, ok = participantOf(m, id, "host")
	assert.True(t, ok)
	assert.True(t, lobbyExists(m, id))
}

func TestReaperEvictsIdleLobby(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	clock.Advance(lobbyIdleTimeout - time.Second)
	m.reapOnce()
	assert.True(t, lobbyExists(m, id))

	clock.Advance(2 * time.Second)
	m.reapOnce()
	assert.False(t, lobbyExists(m, id))
}

func TestReaperEnforcesHostGraceWindow(t *testing.T) {
	m, clock := newTestManager(t)
	id, host, _ := setupLobby(t, m)

	m.Disconnect(id, "host", host)

	clock.Advance(30 * time.Second)
	m.reapOnce()
	assert.True(t, lobbyExists(m, id), "host still within grace window")

	clock.Advance(31 * time.Second)
	m.Touch(id, "guest") // keep the lobby itself active
	m.reapOnce()
	assert.False(t, lobbyExists(m, id))
}

func TestReaperKicksIdleParticipantOnly(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	clock.Advance(4 * time.Minute)
	m.Touch(id, "host")

	clock.Advance(2 * time.Minute)
	m.Touch(id, "host")
	m.reapOnce()

	require.True(t, lobbyExists(m, id))
	_, ok := participantOf(m, id, "guest")
	assert.False(t, ok, "idle participant must be kicked")
	_, ok = participantOf(m, id, "host")
	assert.True(t, ok)
}

func TestRunReaperSweepsOnInterval(t *testing.T) {
	m, clock := newTestManager(t)
	id, _, _ := setupLobby(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunReaper(ctx)

	clock.BlockUntil(1)
	clock.Advance(lobbyIdleTimeout + reapInterval)
	require.Eventually(t, func() bool { return !lobbyExists(m, id) },
		time.Second, 5*time.Millisecond)
}
