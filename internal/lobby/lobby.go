// internal/lobby/lobby.go
package lobby

import (
	"sort"
	"sync/atomic"
	"time"
)

// Phase is a lobby's position in the race lifecycle. Transitions are strictly
// waiting -> starting -> racing -> waiting; a finished round is folded back
// into waiting with a RoundResult appended to history.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseStarting Phase = "starting"
	PhaseRacing   Phase = "racing"
)

// Participant is one user's membership and transient race state within a
// lobby. Progress, WPM, Rank and Finished are reset on every round; Username
// and Connected survive resets and reconnects.
type Participant struct {
	Username  string    `json:"username"`
	Ready     bool      `json:"ready"`
	Progress  int       `json:"progress"`
	WPM       int       `json:"wpm"`
	Accuracy  float64   `json:"accuracy"`
	TimeMs    int       `json:"timeMs"`
	Rank      *int      `json:"rank"`
	Finished  bool      `json:"finished"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"lastSeen"`
}

// FinishStats is the payload a participant reports on finishing a race.
type FinishStats struct {
	WPM      int     `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	TimeMs   int     `json:"timeMs"`
}

// ResultEntry is one participant's line in an archived round.
type ResultEntry struct {
	Username string  `json:"username"`
	Rank     *int    `json:"rank"`
	WPM      int     `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	TimeMs   int     `json:"timeMs"`
}

// RoundResult is immutable once appended to a lobby's history.
type RoundResult struct {
	Round        int           `json:"round"`
	ProblemID    string        `json:"problemId"`
	ProblemTitle string        `json:"problemTitle"`
	Language     string        `json:"language"`
	Results      []ResultEntry `json:"results"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Lobby is the aggregate root for one multiplayer session. All fields are
// guarded by the owning Manager's mutex; nothing outside the lobby package
// mutates a Lobby directly.
type Lobby struct {
	ID        string
	HostID    string
	ProblemID string
	Language  string
	Phase     Phase

	Participants map[string]*Participant
	Connections  map[string]*Conn

	History     []RoundResult
	RoundNumber int

	CreatedAt    time.Time
	LastActivity time.Time

	// HostDisconnectedAt is set while the host has no live connection. The
	// reaper destroys the lobby once the grace period elapses.
	HostDisconnectedAt *time.Time

	// RaceStartMs is the epoch-millisecond instant racing begins (while
	// starting) or began (while racing). Nil while waiting.
	RaceStartMs *int64

	// AutoReturnCountdown holds the seconds remaining before an automatic
	// round reset. Non-nil only while every connected participant has
	// finished; removing it cancels the pending reset.
	AutoReturnCountdown *int
}

func (l *Lobby) connectedCount() int {
	n := 0
	for _, p := range l.Participants {
		if p.Connected {
			n++
		}
	}
	return n
}

// ParticipantState is a Participant tagged with its id for serialization.
type ParticipantState struct {
	ID string `json:"id"`
	Participant
}

// StateMessage is the full snapshot broadcast to every connection on any
// state change. There is no per-field diffing; this is the only channel by
// which lobby state reaches clients.
type StateMessage struct {
	Type                string             `json:"type"`
	Status              Phase              `json:"status"`
	Participants        []ParticipantState `json:"participants"`
	ProblemID           string             `json:"problemId"`
	Language            string             `json:"language"`
	History             []RoundResult      `json:"history"`
	RoundNumber         int                `json:"roundNumber"`
	StartTime           *int64             `json:"startTime,omitempty"`
	AutoReturnCountdown *int               `json:"autoReturnCountdown,omitempty"`
}

// KickedMessage is sent to a participant immediately before its connection
// is force-closed.
type KickedMessage struct {
	Type string `json:"type"`
}

// snapshot builds an immutable copy of the lobby state. Caller must hold the
// manager lock.
func (l *Lobby) snapshot() StateMessage {
	parts := make([]ParticipantState, 0, len(l.Participants))
	for id, p := range l.Participants {
		parts = append(parts, ParticipantState{ID: id, Participant: *p})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })

	return StateMessage{
		Type:                "STATE_UPDATE",
		Status:              l.Phase,
		Participants:        parts,
		ProblemID:           l.ProblemID,
		Language:            l.Language,
		History:             l.History,
		RoundNumber:         l.RoundNumber,
		StartTime:           l.RaceStartMs,
		AutoReturnCountdown: l.AutoReturnCountdown,
	}
}

// sortResults orders archived entries ascending by rank, unranked last.
func sortResults(results []ResultEntry) {
	sort.Slice(results, func(i, j int) bool {
		ri, rj := results[i].Rank, results[j].Rank
		switch {
		case ri == nil:
			return false
		case rj == nil:
			return true
		default:
			return *ri < *rj
		}
	})
}

// Conn is a participant's live transport handle. The lobby core never touches
// the websocket directly; it enqueues messages onto OutChan and the transport
// layer's write pump drains them.
type Conn struct {
	UserID string

	// OutChan carries outbound messages. A send that would block counts as a
	// delivery failure and triggers the disconnect path for this participant.
	OutChan chan any

	// Cancel stops the goroutines serving this connection. Set by the
	// transport layer; may be nil in tests.
	Cancel func()

	closed atomic.Bool
}

// NewConn returns a connection handle with a buffered outbound queue.
func NewConn(userID string) *Conn {
	return &Conn{
		UserID:  userID,
		OutChan: make(chan any, 16),
	}
}

// Write enqueues msg without blocking. Returns false if the queue is full or
// the connection is closed.
func (c *Conn) Write(msg any) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.OutChan <- msg:
		return true
	default:
		return false
	}
}

// Close shuts the outbound queue and cancels the connection's goroutines.
// Messages already queued are still drained by the write pump before it
// observes the closed channel. Safe to call more than once.
func (c *Conn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.OutChan)
		if c.Cancel != nil {
			c.Cancel()
		}
	}
}
