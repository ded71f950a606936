// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/speedtcode/server/internal/lobby"
)

// lobbyCommand is the tagged inbound message. Each kind's required fields
// are validated here at the boundary before dispatching into the manager.
type lobbyCommand struct {
	Type      string             `json:"type"`
	Progress  int                `json:"progress"`
	WPM       int                `json:"wpm"`
	Stats     *lobby.FinishStats `json:"stats"`
	ProblemID string             `json:"problemId"`
	Language  string             `json:"language"`
	TargetID  string             `json:"targetId"`
}

// LobbyWSHandler upgrades /ws/lobby/{code} connections and runs the command
// loop for one participant. All lobby mutation goes through the manager; the
// handler only translates messages.
func LobbyWSHandler(logger *logrus.Logger, mgr *lobby.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID := strings.TrimPrefix(r.URL.Path, "/ws/lobby/")
		if lobbyID == "" || strings.Contains(lobbyID, "/") {
			http.Error(w, "missing lobby id", http.StatusBadRequest)
			return
		}

		// Resolve identity before the upgrade so a minted guest cookie
		// still rides the handshake response.
		userID, username, err := EnsureUser(w, r)
		if err != nil {
			logger.Warnf("lobby %s: identity failure: %v", lobbyID, err)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby" {
			c.Close(StatusBadSubprotocol, "client must speak the lobby subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := lobby.NewConn(userID)
		conn.Cancel = cancel

		if err := mgr.Connect(lobbyID, userID, username, conn); err != nil {
			if errors.Is(err, lobby.ErrLobbyNotFound) {
				c.Close(StatusLobbyNotFound, "lobby not found")
			} else {
				c.Close(websocket.StatusInternalError, "connect failed")
			}
			return
		}
		logger.Infof("user %s (%s) connected to lobby %s", userID, r.RemoteAddr, lobbyID)

		go writePump(ctx, c, conn, logger)

		readPump(ctx, c, mgr, lobbyID, userID, logger)

		mgr.Disconnect(lobbyID, userID, conn)
		logger.Infof("user %s disconnected from lobby %s", userID, lobbyID)
	}
}

// readPump decodes inbound commands and dispatches them until the connection
// drops. Every inbound message, PING included, refreshes activity stamps.
func readPump(ctx context.Context, c *websocket.Conn, mgr *lobby.Manager, lobbyID, userID string, logger *logrus.Logger) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if !errors.Is(err, context.Canceled) {
				logger.Warnf("lobby %s: read error for user %s: %v", lobbyID, userID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var cmd lobbyCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Warnf("lobby %s: invalid json from user %s: %v", lobbyID, userID, err)
			continue
		}

		mgr.Touch(lobbyID, userID)

		switch cmd.Type {
		case "PING":
			// Liveness only; Touch above already refreshed lastSeen.
		case "START_RACE":
			mgr.StartRace(lobbyID, userID)
		case "UPDATE_PROGRESS":
			mgr.UpdateProgress(lobbyID, userID, cmd.Progress, cmd.WPM)
		case "FINISH_RACE":
			if cmd.Stats == nil {
				logger.Warnf("lobby %s: FINISH_RACE without stats from user %s", lobbyID, userID)
				continue
			}
			mgr.FinishRace(lobbyID, userID, *cmd.Stats)
		case "RESET_ROUND":
			mgr.ResetRound(lobbyID, userID, cmd.ProblemID, cmd.Language)
		case "UPDATE_SETTINGS":
			mgr.UpdateSettings(lobbyID, userID, cmd.ProblemID, cmd.Language)
		case "FORCE_END":
			mgr.ForceEndRace(lobbyID, userID)
		case "CANCEL_AUTO_RETURN":
			mgr.CancelAutoReturn(lobbyID, userID)
		case "KICK_PARTICIPANT":
			if cmd.TargetID == "" {
				continue
			}
			mgr.KickParticipant(lobbyID, userID, cmd.TargetID)
		default:
			logger.Warnf("lobby %s: unknown command %q from user %s", lobbyID, cmd.Type, userID)
		}
	}
}

// writePump drains the connection's outbound queue onto the websocket and
// keeps the link alive with periodic pings. A KICKED message is the terminal
// notification: it is written, then the socket is closed with the kick code.
func writePump(ctx context.Context, c *websocket.Conn, conn *lobby.Conn, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Close cancels the context and shuts the queue at the same
			// time, so this branch can win the select with a terminal
			// KICKED message still buffered. Flush before closing.
			flushQueue(c, conn, logger)
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				c.Close(StatusLobbyClosed, "lobby closed")
				return
			}
			if !writeMessage(ctx, c, conn, msg, logger) {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("failed to ping user %s: %v", conn.UserID, err)
				return
			}
		}
	}
}

// writeMessage marshals and writes one queued message. Returns false when the
// pump should stop; a KICKED message is terminal and closes the socket with
// the kick code after delivery.
func writeMessage(ctx context.Context, c *websocket.Conn, conn *lobby.Conn, msg any, logger *logrus.Logger) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Warnf("failed to marshal outgoing msg for user %s: %v", conn.UserID, err)
		return true
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = c.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		logger.Warnf("failed to write to websocket for user %s: %v", conn.UserID, err)
		return false
	}

	if _, kicked := msg.(lobby.KickedMessage); kicked {
		c.Close(StatusKicked, "kicked from lobby")
		return false
	}
	return true
}

// flushQueue delivers whatever is still buffered on a cancelled connection's
// queue, then closes the socket with the code the last message implies. The
// pump's context is already dead, so writes run on a fresh deadline.
func flushQueue(c *websocket.Conn, conn *lobby.Conn, logger *logrus.Logger) {
	for {
		select {
		case msg, ok := <-conn.OutChan:
			if !ok {
				c.Close(StatusLobbyClosed, "lobby closed")
				return
			}
			if !writeMessage(context.Background(), c, conn, msg, logger) {
				return
			}
		default:
			return
		}
	}
}
