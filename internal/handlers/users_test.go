// internal/handlers/users_test.go
package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedtcode/server/internal/ranking"
)

func disabledRanking(t *testing.T) *ranking.Service {
	t.Helper()
	t.Setenv("REDIS_ADDR", "")
	return ranking.Connect(testLogger())
}

func TestUserStatsHandlerProfile(t *testing.T) {
	handler := UserStatsHandler(disabledRanking(t))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/users/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Zero(t, resp.RacesCompleted)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/users/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/users/alice/extra", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserStatsHandlerProblemPerformance(t *testing.T) {
	handler := UserStatsHandler(disabledRanking(t))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/users/alice/problems/0001", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userProblemStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Found)
	assert.Equal(t, "unavailable", resp.Status)

	// Language selector is accepted on the same route.
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/users/alice/problems/0001?language=cpp", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaderboardHandlerDegradesWithoutRedis(t *testing.T) {
	handler := LeaderboardHandler(disabledRanking(t))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/leaderboard/0001", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp leaderboardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "python", resp.Language)
	assert.Zero(t, resp.Count)
	assert.Empty(t, resp.Entries)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/leaderboard/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
