package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/speedtcode/server/internal/lobby"
)

// RoundArchiver persists completed rounds into the round_results table. It
// satisfies the lobby package's Archiver interface; the lobby core calls it
// best-effort and never waits on it.
type RoundArchiver struct{}

func (RoundArchiver) ArchiveRound(ctx context.Context, lobbyID string, result lobby.RoundResult) error {
	entries, err := json.Marshal(result.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal round entries: %w", err)
	}

	q := `
		INSERT INTO round_results (lobby_id, round, problem_id, problem_title, language, results, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q,
			lobbyID, result.Round, result.ProblemID, result.ProblemTitle,
			result.Language, entries, result.Timestamp,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to insert round result: %w", err)
	}
	return nil
}
