// internal/ranking/ranking.go
package ranking

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Service is the ranking collaborator: per-problem leaderboards backed by
// redis sorted sets plus per-user rolling statistics. Every call is
// best-effort; when redis is unreachable the service reports itself disabled
// and callers degrade to an explicit "unavailable" status instead of failing.
type Service struct {
	rdb *redis.Client
	log *logrus.Logger
}

// Entry is one leaderboard row.
type Entry struct {
	Rank     int     `json:"rank"`
	Username string  `json:"username"`
	Score    float64 `json:"score"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

// UserStats is a user's rolling race record.
type UserStats struct {
	RacesCompleted int64   `json:"races_completed"`
	AvgWPM         float64 `json:"avg_wpm"`
	MaxWPM         float64 `json:"max_wpm"`
}

// Connect initializes the service from REDIS_ADDR / REDIS_DB. A missing
// address or a failed ping yields a disabled service, not an error: the
// leaderboard is optional and gameplay must not depend on it.
func Connect(logger *logrus.Logger) *Service {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		logger.Info("ranking: REDIS_ADDR not set, leaderboard disabled")
		return &Service{log: logger}
	}
	dbIdx := 0
	if s := os.Getenv("REDIS_DB"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			dbIdx = v
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: dbIdx})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Errorf("ranking: failed to connect to redis at %s: %v", addr, err)
		return &Service{log: logger}
	}
	logger.Infof("ranking: connected to redis at %s", addr)
	return &Service{rdb: rdb, log: logger}
}

// Enabled reports whether the redis backend is reachable.
func (s *Service) Enabled() bool {
	return s != nil && s.rdb != nil
}

func leaderboardKey(problemID, language string) string {
	return fmt.Sprintf("leaderboard:%s:%s", problemID, language)
}

func detailsKey(problemID, language, username string) string {
	return fmt.Sprintf("score_details:%s:%s:%s", problemID, language, username)
}

func userStatsKey(username string) string {
	return fmt.Sprintf("user_stats:%s", username)
}

// SubmitScore records a run on the per-problem leaderboard, keeping only the
// user's best score.
func (s *Service) SubmitScore(ctx context.Context, problemID, language, username string, wpm int, accuracy, score float64) error {
	if !s.Enabled() {
		return nil
	}
	lbKey := leaderboardKey(problemID, language)

	current, err := s.rdb.ZScore(ctx, lbKey, username).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ranking: zscore failed: %w", err)
	}
	if err == nil && score <= current {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, lbKey, redis.Z{Score: score, Member: username})
	pipe.HSet(ctx, detailsKey(problemID, language, username), map[string]any{
		"wpm":       wpm,
		"accuracy":  accuracy,
		"score":     score,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ranking: failed to store score: %w", err)
	}
	return nil
}

// Rank returns the user's 1-based position on a leaderboard.
func (s *Service) Rank(ctx context.Context, problemID, language, username string) (int, bool) {
	if !s.Enabled() {
		return 0, false
	}
	rank, err := s.rdb.ZRevRank(ctx, leaderboardKey(problemID, language), username).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Errorf("ranking: zrevrank failed: %v", err)
		}
		return 0, false
	}
	return int(rank) + 1, true
}

// TopN returns the best n entries for a problem/language pair, each enriched
// with the stored detail hash.
func (s *Service) TopN(ctx context.Context, problemID, language string, n int) []Entry {
	if !s.Enabled() {
		return nil
	}
	rows, err := s.rdb.ZRevRangeWithScores(ctx, leaderboardKey(problemID, language), 0, int64(n-1)).Result()
	if err != nil {
		s.log.Errorf("ranking: zrevrange failed: %v", err)
		return nil
	}

	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		username, _ := row.Member.(string)
		entry := Entry{
			Rank:     i + 1,
			Username: username,
			Score:    row.Score,
			WPM:      row.Score,
			Accuracy: 100,
		}
		details, err := s.rdb.HGetAll(ctx, detailsKey(problemID, language, username)).Result()
		if err == nil {
			if v, err := strconv.ParseFloat(details["wpm"], 64); err == nil {
				entry.WPM = v
			}
			if v, err := strconv.ParseFloat(details["accuracy"], 64); err == nil {
				entry.Accuracy = v
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// RecordUserRace folds one completed race into the user's rolling stats.
func (s *Service) RecordUserRace(ctx context.Context, username string, wpm int, accuracy float64) error {
	if !s.Enabled() {
		return nil
	}
	key := userStatsKey(username)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "races_completed", 1)
	pipe.HIncrByFloat(ctx, key, "total_wpm", float64(wpm))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ranking: failed to record race: %w", err)
	}

	// Max is read-modify-write; a lost update between concurrent races for
	// the same user is tolerable for a vanity stat.
	current, err := s.rdb.HGet(ctx, key, "max_wpm").Float64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ranking: failed to read max wpm: %w", err)
	}
	if float64(wpm) > current {
		if err := s.rdb.HSet(ctx, key, "max_wpm", wpm).Err(); err != nil {
			return fmt.Errorf("ranking: failed to update max wpm: %w", err)
		}
	}
	return nil
}

// ProblemStats is a user's stored best run for one problem/language pair,
// straight from the score details hash.
type ProblemStats struct {
	WPM       float64 `json:"wpm"`
	Accuracy  float64 `json:"accuracy"`
	Score     float64 `json:"score"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// UserProblemStats returns the user's best recorded run on a problem, or
// false when nothing is recorded or the backend is unavailable.
func (s *Service) UserProblemStats(ctx context.Context, problemID, language, username string) (ProblemStats, bool) {
	if !s.Enabled() {
		return ProblemStats{}, false
	}
	fields, err := s.rdb.HGetAll(ctx, detailsKey(problemID, language, username)).Result()
	if err != nil || len(fields) == 0 {
		return ProblemStats{}, false
	}

	var stats ProblemStats
	stats.WPM, _ = strconv.ParseFloat(fields["wpm"], 64)
	stats.Accuracy, _ = strconv.ParseFloat(fields["accuracy"], 64)
	stats.Score, _ = strconv.ParseFloat(fields["score"], 64)
	stats.Timestamp = fields["timestamp"]
	return stats, true
}

// UserStats returns the user's rolling record, or false when the user has no
// recorded races or the backend is unavailable.
func (s *Service) UserStats(ctx context.Context, username string) (UserStats, bool) {
	if !s.Enabled() {
		return UserStats{}, false
	}
	fields, err := s.rdb.HGetAll(ctx, userStatsKey(username)).Result()
	if err != nil || len(fields) == 0 {
		return UserStats{}, false
	}

	races, _ := strconv.ParseInt(fields["races_completed"], 10, 64)
	if races == 0 {
		return UserStats{}, false
	}
	totalWPM, _ := strconv.ParseFloat(fields["total_wpm"], 64)
	maxWPM, _ := strconv.ParseFloat(fields["max_wpm"], 64)

	return UserStats{
		RacesCompleted: races,
		AvgWPM:         totalWPM / float64(races),
		MaxWPM:         maxWPM,
	}, true
}
