// internal/handlers/results.go
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/speedtcode/server/internal/problems"
	"github.com/speedtcode/server/internal/ranking"
)

// Anti-cheat bounds for submitted results. World-record typing sits around
// 220 WPM; the cap leaves headroom. The consistency buffer allows submitted
// WPM to exceed the theoretical zero-pause maximum by 20% to absorb client
// clock skew.
const (
	maxHumanWPM       = 350
	consistencyBuffer = 1.2
)

type resultSubmission struct {
	WPM       int     `json:"wpm"`
	Accuracy  float64 `json:"accuracy"`
	TimeMs    int     `json:"timeMs"`
	ProblemID string  `json:"problemId"`
	RawLength int     `json:"rawLength"`
	Language  string  `json:"language"`
	Mode      string  `json:"mode"`
}

type resultResponse struct {
	Status        string  `json:"status"`
	Score         float64 `json:"score"`
	Rank          *int    `json:"rank"`
	RankingStatus string  `json:"rankingStatus"`
}

// validateSubmission runs the single-shot integrity checks on a submitted
// result. Returns a caller-facing message when the submission is rejected.
func validateSubmission(catalog *problems.Catalog, sub resultSubmission) (string, bool) {
	meta, ok := catalog.Metadata(sub.ProblemID)
	if !ok {
		return fmt.Sprintf("problem %s not found", sub.ProblemID), false
	}
	if !slices.Contains(meta.Languages, sub.Language) {
		return fmt.Sprintf("language %q not available", sub.Language), false
	}

	target, ok := catalog.Content(sub.ProblemID, sub.Language)
	if !ok {
		return "could not load problem content", false
	}
	if sub.RawLength != len(target) {
		return fmt.Sprintf("length mismatch: expected %d, got %d", len(target), sub.RawLength), false
	}

	if sub.Accuracy < 0 || sub.Accuracy > 100 {
		return "accuracy must be 0-100", false
	}
	if sub.WPM > maxHumanWPM {
		return "wpm exceeds human limitations", false
	}

	minutes := float64(sub.TimeMs) / 60000
	if minutes <= 0 {
		return "time cannot be 0", false
	}
	// Theoretical max WPM for the claimed elapsed time, typed with zero
	// pauses: (chars / 5) / minutes.
	maxWPM := (float64(sub.RawLength) / 5) / minutes
	if float64(sub.WPM) > maxWPM*consistencyBuffer {
		return fmt.Sprintf("wpm %d is impossible given time %dms", sub.WPM, sub.TimeMs), false
	}
	return "", true
}

// SubmitResultHandler validates a finished run and records it with the
// ranking collaborator. Ranking failures never fail the request; the rank
// field is simply absent and the status reads "unavailable".
func SubmitResultHandler(logger *logrus.Logger, catalog *problems.Catalog, ranks *ranking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var sub resultSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		if msg, ok := validateSubmission(catalog, sub); !ok {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		_, username, err := EnsureUser(w, r)
		if err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		score := float64(sub.WPM) * sub.Accuracy / 100

		resp := resultResponse{Status: "ok", Score: score, RankingStatus: "unavailable"}
		if ranks.Enabled() {
			resp.RankingStatus = "active"
			ctx := r.Context()
			if err := ranks.SubmitScore(ctx, sub.ProblemID, sub.Language, username, sub.WPM, sub.Accuracy, score); err != nil {
				logger.Warnf("results: score submit failed for %s: %v", username, err)
			}
			if err := ranks.RecordUserRace(ctx, username, sub.WPM, sub.Accuracy); err != nil {
				logger.Warnf("results: race record failed for %s: %v", username, err)
			}
			if rank, ok := ranks.Rank(ctx, sub.ProblemID, sub.Language, username); ok {
				resp.Rank = &rank
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
