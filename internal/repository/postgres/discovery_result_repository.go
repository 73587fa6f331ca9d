package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thoth-app/discovery/internal/domain"
)

// DiscoveryResultRepository persists run audit records.
type DiscoveryResultRepository struct {
	db *pgxpool.Pool
}

func NewDiscoveryResultRepository(db *pgxpool.Pool) *DiscoveryResultRepository {
	return &DiscoveryResultRepository{db: db}
}

// Create writes the run-start row. finished_at stays NULL until Finish;
// a row that never finishes marks a crash boundary.
func (r *DiscoveryResultRepository) Create(ctx context.Context, result *domain.DiscoveryResult) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO discovery_results (id, source_name, started_at)
		VALUES ($1, $2, $3)`,
		result.ID, result.SourceName, result.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting discovery result %s: %w", result.ID, err)
	}
	return nil
}

func (r *DiscoveryResultRepository) Finish(ctx context.Context, result *domain.DiscoveryResult) error {
	errorsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return fmt.Errorf("encoding run errors: %w", err)
	}
	if result.Errors == nil {
		errorsJSON = []byte("[]")
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE discovery_results
		SET finished_at = $2, candidates_fetched = $3, candidates_after_dedup = $4,
		    candidates_after_filter = $5, outcome = $6, errors_json = $7, partial = $8
		WHERE id = $1`,
		result.ID, result.FinishedAt, result.CandidatesFetched, result.CandidatesAfterDedup,
		result.CandidatesAfterFilter, result.Outcome, errorsJSON, result.Partial)
	if err != nil {
		return fmt.Errorf("finishing discovery result %s: %w", result.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DiscoveryResultRepository) ListBySource(ctx context.Context, sourceName string, limit int) ([]*domain.DiscoveryResult, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, source_name, started_at, finished_at, candidates_fetched,
		       candidates_after_dedup, candidates_after_filter, outcome, errors_json, partial
		FROM discovery_results
		WHERE source_name = $1
		ORDER BY started_at DESC
		LIMIT $2`, sourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing discovery results for %s: %w", sourceName, err)
	}
	defer rows.Close()

	var out []*domain.DiscoveryResult
	for rows.Next() {
		var (
			res        domain.DiscoveryResult
			outcome    *string
			errorsJSON []byte
		)
		err := rows.Scan(&res.ID, &res.SourceName, &res.StartedAt, &res.FinishedAt,
			&res.CandidatesFetched, &res.CandidatesAfterDedup, &res.CandidatesAfterFilter,
			&outcome, &errorsJSON, &res.Partial)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			res.Outcome = domain.RunOutcome(*outcome)
		}
		if len(errorsJSON) > 0 {
			if err := json.Unmarshal(errorsJSON, &res.Errors); err != nil {
				return nil, fmt.Errorf("decoding run errors for %s: %w", res.ID, err)
			}
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

// FailUnfinished marks runs without a finish timestamp as failed. Called
// once at scheduler startup to absorb crashes.
func (r *DiscoveryResultRepository) FailUnfinished(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE discovery_results
		SET finished_at = now(), outcome = $1
		WHERE finished_at IS NULL`, domain.OutcomeFailed)
	if err != nil {
		return 0, fmt.Errorf("failing unfinished runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *DiscoveryResultRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM discovery_results WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging discovery results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
