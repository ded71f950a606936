// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/speedtcode/server/internal/lobby"
)

type createLobbyRequest struct {
	ProblemID string `json:"problemId"`
	Language  string `json:"language"`
}

type createLobbyResponse struct {
	LobbyID string `json:"lobbyId"`
}

// CreateLobbyHandler creates an in-memory lobby hosted by the caller and
// returns its join code. Rejects unknown problem ids.
func CreateLobbyHandler(logger *logrus.Logger, mgr *lobby.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req createLobbyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad lobby request payload", http.StatusBadRequest)
			return
		}
		if req.Language == "" {
			req.Language = "python"
		}

		hostID, _, err := EnsureUser(w, r)
		if err != nil {
			logger.Warnf("lobby create: identity failure: %v", err)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		lobbyID, err := mgr.CreateLobby(hostID, req.ProblemID, req.Language)
		if err != nil {
			if errors.Is(err, lobby.ErrInvalidProblem) {
				http.Error(w, "invalid problem id", http.StatusBadRequest)
				return
			}
			http.Error(w, "failed to create lobby", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(createLobbyResponse{LobbyID: lobbyID})
	}
}

// GetLobbyHandler returns the public summary of a lobby: join code, host,
// selectors, phase and participant count. Never the full snapshot.
func GetLobbyHandler(mgr *lobby.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID := strings.TrimPrefix(r.URL.Path, "/api/lobbies/")
		if lobbyID == "" || strings.Contains(lobbyID, "/") {
			http.Error(w, "missing lobby id", http.StatusBadRequest)
			return
		}

		summary, err := mgr.GetSummary(lobbyID)
		if err != nil {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}
