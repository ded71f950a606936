// internal/lobby/manager.go
package lobby

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidProblem is returned when a lobby is created against a problem
	// id the catalog does not know.
	ErrInvalidProblem = errors.New("invalid problem id")
	// ErrLobbyNotFound is returned for lookups and connects against a lobby
	// code that is absent from the registry.
	ErrLobbyNotFound = errors.New("lobby not found")
)

const (
	startDelay        = 3 * time.Second
	autoReturnSeconds = 10

	reapInterval       = time.Minute
	lobbyIdleTimeout   = 5 * time.Minute
	participantTimeout = 5 * time.Minute
	hostGracePeriod    = time.Minute
)

// ProblemCatalog is the read-only catalog collaborator. The lobby core only
// needs it to validate problem ids and to title archived rounds.
type ProblemCatalog interface {
	ProblemTitle(problemID string) (string, bool)
}

// Archiver persists completed rounds. Calls are best-effort; a failing
// archiver never blocks or fails gameplay.
type Archiver interface {
	ArchiveRound(ctx context.Context, lobbyID string, result RoundResult) error
}

// Manager owns the registry of active lobbies and every mutation against
// them. A single mutex confines all lobby state changes, so compound
// read-modify-write sequences (rank assignment, the empty-lobby check) are
// never interleaved. Timed waits happen outside the lock and re-validate
// their precondition on wake, so a superseded timer degrades to a no-op.
type Manager struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby

	catalog ProblemCatalog
	clock   clockwork.Clock
	log     *logrus.Logger

	// Archiver may be nil; set it before serving traffic.
	Archiver Archiver
}

// NewManager builds a Manager around the given catalog. Pass
// clockwork.NewRealClock() in production; tests inject a fake clock to drive
// the countdown and reaper timers deterministically.
func NewManager(logger *logrus.Logger, catalog ProblemCatalog, clock clockwork.Clock) *Manager {
	return &Manager{
		lobbies: make(map[string]*Lobby),
		catalog: catalog,
		clock:   clock,
		log:     logger,
	}
}

// normalizeCode upper-cases a lobby code so lookups are case-insensitive.
func normalizeCode(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// CreateLobby registers a new lobby with the given host and round selectors
// and returns its join code. Fails with ErrInvalidProblem when the catalog
// does not know the problem.
func (m *Manager) CreateLobby(hostID, problemID, language string) (string, error) {
	if _, ok := m.catalog.ProblemTitle(problemID); !ok {
		return "", ErrInvalidProblem
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := normalizeCode(uuid.NewString()[:6])
	for {
		if _, taken := m.lobbies[id]; !taken {
			break
		}
		id = normalizeCode(uuid.NewString()[:6])
	}

	now := m.clock.Now()
	m.lobbies[id] = &Lobby{
		ID:           id,
		HostID:       hostID,
		ProblemID:    problemID,
		Language:     language,
		Phase:        PhaseWaiting,
		Participants: make(map[string]*Participant),
		Connections:  make(map[string]*Conn),
		History:      []RoundResult{},
		RoundNumber:  1,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.log.Infof("lobby %s created by %s (problem %s/%s)", id, hostID, problemID, language)
	return id, nil
}

// Summary is the public lobby view returned by the lookup endpoint. It never
// exposes connection internals or per-participant race state.
type Summary struct {
	ID           string `json:"id"`
	HostID       string `json:"hostId"`
	ProblemID    string `json:"problemId"`
	Language     string `json:"language"`
	Phase        Phase  `json:"status"`
	Participants int    `json:"participants"`
}

// GetSummary returns the public summary of a lobby.
func (m *Manager) GetSummary(lobbyID string) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok {
		return Summary{}, ErrLobbyNotFound
	}
	return Summary{
		ID:           l.ID,
		HostID:       l.HostID,
		ProblemID:    l.ProblemID,
		Language:     l.Language,
		Phase:        l.Phase,
		Participants: len(l.Participants),
	}, nil
}

// Connect registers a live transport for a participant, creating the
// Participant record on first join. On rejoin the username is refreshed and
// every other field is preserved so an in-progress race is not lost. A
// reconnecting host clears the disconnect grace timer.
func (m *Manager) Connect(lobbyID, userID, username string, conn *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok {
		return ErrLobbyNotFound
	}

	if old, exists := l.Connections[userID]; exists && old != conn {
		old.Close()
	}
	l.Connections[userID] = conn
	l.LastActivity = m.clock.Now()

	if userID == l.HostID {
		l.HostDisconnectedAt = nil
	}

	if p, exists := l.Participants[userID]; exists {
		p.Username = username
		p.Connected = true
		p.LastSeen = m.clock.Now()
	} else {
		l.Participants[userID] = &Participant{
			Username:  username,
			Connected: true,
			LastSeen:  m.clock.Now(),
		}
	}

	m.log.Infof("lobby %s: %s (%s) connected", l.ID, userID, username)
	m.broadcastLocked(l)
	return nil
}

// Disconnect removes a participant's transport. The host's participant
// record always survives so the host can resume control within the grace
// window; non-hosts are dropped entirely while waiting and retained as
// disconnected while a race is underway. A lobby left with zero connected
// participants is deleted immediately.
//
// conn identifies the transport being torn down. When the registry holds a
// different handle for the participant, a newer session has already replaced
// this one (a rejoin, or a kick) and the teardown is a no-op; otherwise a
// stale handler exiting late would tear down the fresh session.
func (m *Manager) Disconnect(lobbyID, userID string, conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok {
		return
	}
	if conn != nil && l.Connections[userID] != conn {
		return
	}
	m.disconnectLocked(l, userID)
}

func (m *Manager) disconnectLocked(l *Lobby, userID string) {
	if conn, ok := l.Connections[userID]; ok {
		conn.Close()
		delete(l.Connections, userID)
	}

	if userID == l.HostID {
		now := m.clock.Now()
		l.HostDisconnectedAt = &now
		if p, ok := l.Participants[userID]; ok {
			p.Connected = false
		}
		m.log.Infof("lobby %s: host %s disconnected, grace window open", l.ID, userID)
		m.broadcastLocked(l)
		return
	}

	if l.Phase == PhaseWaiting {
		delete(l.Participants, userID)
	} else if p, ok := l.Participants[userID]; ok {
		p.Connected = false
	}

	m.broadcastLocked(l)

	if l.connectedCount() == 0 {
		m.log.Infof("lobby %s is empty, closing immediately", l.ID)
		m.deleteLobbyLocked(l)
	}
}

// Touch refreshes the lobby and participant activity stamps. Called for
// every inbound command, including bare PINGs.
func (m *Manager) Touch(lobbyID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok {
		return
	}
	l.LastActivity = m.clock.Now()
	if p, ok := l.Participants[userID]; ok {
		p.LastSeen = m.clock.Now()
	}
}

// StartRace begins the fixed 3 second countdown to racing. Host-only, legal
// only while waiting; anything else is a silent no-op.
func (m *Manager) StartRace(lobbyID, requesterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.HostID != requesterID || l.Phase != PhaseWaiting {
		return
	}

	l.Phase = PhaseStarting
	startAt := m.clock.Now().Add(startDelay).UnixMilli()
	l.RaceStartMs = &startAt
	m.broadcastLocked(l)

	go m.runStartCountdown(l.ID)
}

// runStartCountdown flips a lobby from starting to racing after the fixed
// delay. The phase is re-checked on wake; a superseding change (reset, lobby
// destroyed) renders the timer a no-op.
func (m *Manager) runStartCountdown(lobbyID string) {
	<-m.clock.After(startDelay)

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[lobbyID]
	if !ok || l.Phase != PhaseStarting {
		return
	}
	l.Phase = PhaseRacing
	now := m.clock.Now().UnixMilli()
	l.RaceStartMs = &now
	m.broadcastLocked(l)
}

// UpdateProgress overwrites a participant's live progress and speed.
// Legal only while racing; every accepted update yields one broadcast.
func (m *Manager) UpdateProgress(lobbyID, userID string, progress, wpm int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.Phase != PhaseRacing {
		return
	}
	p, ok := l.Participants[userID]
	if !ok {
		return
	}
	p.Progress = progress
	p.WPM = wpm
	m.broadcastLocked(l)
}

// FinishRace marks a participant finished and assigns its rank as 1 + the
// number of participants already finished, so call order alone decides ties.
// Idempotent on repeat calls. When every connected participant has finished,
// the auto-return countdown begins.
func (m *Manager) FinishRace(lobbyID, userID string, stats FinishStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.Phase != PhaseRacing {
		return
	}
	p, ok := l.Participants[userID]
	if !ok || p.Finished {
		return
	}

	p.Finished = true
	p.WPM = stats.WPM
	p.Accuracy = stats.Accuracy
	p.TimeMs = stats.TimeMs

	rank := 0
	for _, other := range l.Participants {
		if other.Finished {
			rank++
		}
	}
	p.Rank = &rank

	m.broadcastLocked(l)

	allDone := l.connectedCount() > 0
	for _, other := range l.Participants {
		if other.Connected && !other.Finished {
			allDone = false
			break
		}
	}
	if allDone && l.AutoReturnCountdown == nil {
		remaining := autoReturnSeconds
		l.AutoReturnCountdown = &remaining
		m.broadcastLocked(l)
		go m.runAutoReturn(l.ID)
	}
}

// runAutoReturn ticks the post-race countdown once per second, broadcasting
// every tick, and resets the round as the system when it reaches zero. Each
// wake re-checks the phase and the countdown field: a host cancellation
// removes the field and the loop stops without further broadcasts.
func (m *Manager) runAutoReturn(lobbyID string) {
	for remaining := autoReturnSeconds - 1; remaining >= 0; remaining-- {
		<-m.clock.After(time.Second)

		m.mu.Lock()
		l, ok := m.lobbies[lobbyID]
		if !ok || l.Phase != PhaseRacing || l.AutoReturnCountdown == nil {
			m.mu.Unlock()
			return
		}
		if remaining == 0 {
			m.resetRoundLocked(l, "", "")
			m.mu.Unlock()
			return
		}
		tick := remaining
		l.AutoReturnCountdown = &tick
		m.broadcastLocked(l)
		m.mu.Unlock()
	}
}

// CancelAutoReturn removes a pending auto-return countdown. Host-only; a
// no-op when no countdown is running.
func (m *Manager) CancelAutoReturn(lobbyID, requesterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.HostID != requesterID || l.AutoReturnCountdown == nil {
		return
	}
	l.AutoReturnCountdown = nil
	m.broadcastLocked(l)
}

// ForceEndRace marks every unfinished participant as finished with whatever
// stats were last reported and no rank (a did-not-finish outcome). It does
// not start the auto-return countdown; returning to the lobby stays under
// host control after a forced end.
func (m *Manager) ForceEndRace(lobbyID, requesterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.HostID != requesterID || l.Phase != PhaseRacing {
		return
	}
	for _, p := range l.Participants {
		if !p.Finished {
			p.Finished = true
		}
	}
	m.broadcastLocked(l)
}

// UpdateSettings changes the round selectors. Host-only, legal only while
// waiting; each selector is applied independently and only when non-empty.
func (m *Manager) UpdateSettings(lobbyID, requesterID, problemID, language string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.HostID != requesterID || l.Phase != PhaseWaiting {
		return
	}
	if problemID != "" {
		l.ProblemID = problemID
	}
	if language != "" {
		l.Language = language
	}
	m.broadcastLocked(l)
}

// ResetRound archives the current round and returns the lobby to waiting.
// Callable by the host; requesterID == "" is the system acting on its own
// (the auto-return timer) and bypasses the host check.
func (m *Manager) ResetRound(lobbyID, requesterID, newProblemID, newLanguage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || (requesterID != "" && l.HostID != requesterID) {
		return
	}
	m.resetRoundLocked(l, newProblemID, newLanguage)
}

func (m *Manager) resetRoundLocked(l *Lobby, newProblemID, newLanguage string) {
	results := make([]ResultEntry, 0, len(l.Participants))
	for _, p := range l.Participants {
		if !p.Finished {
			continue
		}
		results = append(results, ResultEntry{
			Username: p.Username,
			Rank:     p.Rank,
			WPM:      p.WPM,
			Accuracy: p.Accuracy,
			TimeMs:   p.TimeMs,
		})
	}
	// Ascending by rank; a missing rank (forced DNF) sorts last.
	sortResults(results)

	title := "Unknown Problem"
	if t, ok := m.catalog.ProblemTitle(l.ProblemID); ok {
		title = t
	}

	archived := RoundResult{
		Round:        l.RoundNumber,
		ProblemID:    l.ProblemID,
		ProblemTitle: title,
		Language:     l.Language,
		Results:      results,
		Timestamp:    m.clock.Now(),
	}
	l.History = append(l.History, archived)

	l.RoundNumber++
	l.Phase = PhaseWaiting
	l.RaceStartMs = nil
	l.AutoReturnCountdown = nil

	if newProblemID != "" {
		l.ProblemID = newProblemID
	}
	if newLanguage != "" {
		l.Language = newLanguage
	}

	for _, p := range l.Participants {
		p.Ready = false
		p.Progress = 0
		p.WPM = 0
		p.Rank = nil
		p.Finished = false
	}

	m.log.Infof("lobby %s: round %d archived, now waiting for round %d", l.ID, archived.Round, l.RoundNumber)
	m.broadcastLocked(l)

	if m.Archiver != nil {
		lobbyID := l.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Archiver.ArchiveRound(ctx, lobbyID, archived); err != nil {
				m.log.Warnf("lobby %s: failed to archive round %d: %v", lobbyID, archived.Round, err)
			}
		}()
	}
}

// KickParticipant removes a participant on the host's authority. The target
// receives a KICKED message before its transport is closed.
func (m *Manager) KickParticipant(lobbyID, requesterID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[normalizeCode(lobbyID)]
	if !ok || l.HostID != requesterID {
		return
	}
	m.kickLocked(l, targetID)
}

func (m *Manager) kickLocked(l *Lobby, targetID string) {
	if _, ok := l.Participants[targetID]; !ok {
		return
	}
	if conn, ok := l.Connections[targetID]; ok {
		conn.Write(KickedMessage{Type: "KICKED"})
		conn.Close()
		delete(l.Connections, targetID)
	}
	delete(l.Participants, targetID)
	m.log.Infof("lobby %s: kicked %s", l.ID, targetID)
	m.broadcastLocked(l)
}

// broadcastLocked fans the current snapshot out to every live connection.
// Failed deliveries are collected first and their disconnect paths run after
// the loop, never while iterating the connection set.
func (m *Manager) broadcastLocked(l *Lobby) {
	snap := l.snapshot()
	var failed []string
	for userID, conn := range l.Connections {
		if !conn.Write(snap) {
			failed = append(failed, userID)
		}
	}
	for _, userID := range failed {
		m.log.Warnf("lobby %s: dropping %s after failed delivery", l.ID, userID)
		if _, stillHere := m.lobbies[l.ID]; !stillHere {
			return
		}
		m.disconnectLocked(l, userID)
	}
}

// deleteLobbyLocked closes any remaining transports and removes the lobby
// from the registry.
func (m *Manager) deleteLobbyLocked(l *Lobby) {
	for _, conn := range l.Connections {
		conn.Close()
	}
	delete(m.lobbies, l.ID)
}

// RunReaper periodically sweeps all lobbies for staleness until ctx is done.
// Three independent conditions are evaluated per lobby: total inactivity and
// an expired host grace window destroy the lobby; an individually idle
// participant is kicked through the same path as a host kick.
func (m *Manager) RunReaper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(reapInterval):
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	ids := make([]string, 0, len(m.lobbies))
	for id := range m.lobbies {
		ids = append(ids, id)
	}

	for _, id := range ids {
		l, ok := m.lobbies[id]
		if !ok {
			continue
		}

		if now.Sub(l.LastActivity) > lobbyIdleTimeout {
			m.log.Infof("lobby %s inactive for over %s, closing", l.ID, lobbyIdleTimeout)
			m.deleteLobbyLocked(l)
			continue
		}

		if l.HostDisconnectedAt != nil && now.Sub(*l.HostDisconnectedAt) > hostGracePeriod {
			m.log.Infof("lobby %s: host gone past grace window, closing", l.ID)
			m.deleteLobbyLocked(l)
			continue
		}

		var stale []string
		for userID, p := range l.Participants {
			if now.Sub(p.LastSeen) > participantTimeout {
				stale = append(stale, userID)
			}
		}
		for _, userID := range stale {
			if _, stillHere := m.lobbies[id]; !stillHere {
				break
			}
			m.log.Infof("lobby %s: %s idle for over %s, kicking", l.ID, userID, participantTimeout)
			m.kickLocked(l, userID)
		}
	}
}
