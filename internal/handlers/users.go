// internal/handlers/users.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/speedtcode/server/internal/ranking"
)

type userStatsResponse struct {
	Username       string  `json:"username"`
	RacesCompleted int64   `json:"races_completed"`
	AvgWPM         float64 `json:"avg_wpm"`
	MaxWPM         float64 `json:"max_wpm"`
	Status         string  `json:"status"`
}

type userProblemStatsResponse struct {
	Found     bool    `json:"found"`
	Status    string  `json:"status"`
	Username  string  `json:"username,omitempty"`
	ProblemID string  `json:"problemId,omitempty"`
	Language  string  `json:"language,omitempty"`
	WPM       float64 `json:"wpm,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// UserStatsHandler serves GET /api/users/{username},
// GET /api/users/me/stats and
// GET /api/users/{username}/problems/{problemId}?language= from the ranking
// collaborator's records. When ranking is unavailable the responses carry
// zeroes and an explicit "unavailable" status instead of an error.
func UserStatsHandler(ranks *ranking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/users"), "/")
		w.Header().Set("Content-Type", "application/json")

		if parts := strings.Split(rest, "/"); len(parts) == 3 && parts[1] == "problems" {
			serveUserProblemStats(w, r, ranks, parts[0], parts[2])
			return
		}

		username := rest
		if rest == "me/stats" {
			user, err := CurrentUser(r)
			if err != nil {
				http.Error(w, "not authenticated", http.StatusUnauthorized)
				return
			}
			username = user.Username
		} else if username == "" || strings.Contains(username, "/") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		resp := userStatsResponse{Username: username, Status: "active"}
		if !ranks.Enabled() {
			resp.Status = "unavailable"
			json.NewEncoder(w).Encode(resp)
			return
		}
		if stats, ok := ranks.UserStats(r.Context(), username); ok {
			resp.RacesCompleted = stats.RacesCompleted
			resp.AvgWPM = stats.AvgWPM
			resp.MaxWPM = stats.MaxWPM
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// serveUserProblemStats writes the user's best recorded run on one problem.
func serveUserProblemStats(w http.ResponseWriter, r *http.Request, ranks *ranking.Service, username, problemID string) {
	language := r.URL.Query().Get("language")
	if language == "" {
		language = "python"
	}

	if !ranks.Enabled() {
		json.NewEncoder(w).Encode(userProblemStatsResponse{Status: "unavailable"})
		return
	}

	stats, ok := ranks.UserProblemStats(r.Context(), problemID, language, username)
	if !ok {
		json.NewEncoder(w).Encode(userProblemStatsResponse{Status: "active"})
		return
	}

	json.NewEncoder(w).Encode(userProblemStatsResponse{
		Found:     true,
		Status:    "active",
		Username:  username,
		ProblemID: problemID,
		Language:  language,
		WPM:       stats.WPM,
		Accuracy:  stats.Accuracy,
		Score:     stats.Score,
		Timestamp: stats.Timestamp,
	})
}

type leaderboardResponse struct {
	ProblemID string          `json:"problemId"`
	Language  string          `json:"language"`
	Count     int             `json:"count"`
	Entries   []ranking.Entry `json:"entries"`
	Status    string          `json:"status"`
}

// LeaderboardHandler serves GET /api/leaderboard/{problemId}?language=&top=.
func LeaderboardHandler(ranks *ranking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		problemID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/leaderboard"), "/")
		if problemID == "" || strings.Contains(problemID, "/") {
			http.Error(w, "missing problem id", http.StatusBadRequest)
			return
		}

		language := r.URL.Query().Get("language")
		if language == "" {
			language = "python"
		}
		top := 10
		if s := r.URL.Query().Get("top"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				top = v
			}
		}

		resp := leaderboardResponse{
			ProblemID: problemID,
			Language:  language,
			Entries:   []ranking.Entry{},
			Status:    "active",
		}
		if !ranks.Enabled() {
			resp.Status = "unavailable"
		} else if entries := ranks.TopN(r.Context(), problemID, language, top); entries != nil {
			resp.Entries = entries
		}
		resp.Count = len(resp.Entries)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
