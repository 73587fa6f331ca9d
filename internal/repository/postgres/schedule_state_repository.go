package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thoth-app/discovery/internal/domain"
)

// ScheduleStateRepository persists the per-source scheduling record.
type ScheduleStateRepository struct {
	db *pgxpool.Pool
}

func NewScheduleStateRepository(db *pgxpool.Pool) *ScheduleStateRepository {
	return &ScheduleStateRepository{db: db}
}

// Get returns nil, nil when no state exists yet; the scheduler treats a
// fresh source as immediately due.
func (r *ScheduleStateRepository) Get(ctx context.Context, sourceName string) (*domain.ScheduleState, error) {
	var (
		st      domain.ScheduleState
		outcome *string
		lastErr *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT source_name, last_run_at, next_run_at, last_run_outcome, last_error
		FROM schedule_states WHERE source_name = $1`, sourceName).
		Scan(&st.SourceName, &st.LastRunAt, &st.NextRunAt, &outcome, &lastErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedule state for %s: %w", sourceName, err)
	}
	if outcome != nil {
		st.LastRunOutcome = domain.RunOutcome(*outcome)
	}
	if lastErr != nil {
		st.LastError = *lastErr
	}
	return &st, nil
}

func (r *ScheduleStateRepository) Upsert(ctx context.Context, st *domain.ScheduleState) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO schedule_states (source_name, last_run_at, next_run_at, last_run_outcome, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_name) DO UPDATE
		SET last_run_at = EXCLUDED.last_run_at,
		    next_run_at = EXCLUDED.next_run_at,
		    last_run_outcome = EXCLUDED.last_run_outcome,
		    last_error = EXCLUDED.last_error`,
		st.SourceName, st.LastRunAt, st.NextRunAt, st.LastRunOutcome, st.LastError)
	if err != nil {
		return fmt.Errorf("upserting schedule state for %s: %w", st.SourceName, err)
	}
	return nil
}

func (r *ScheduleStateRepository) Delete(ctx context.Context, sourceName string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM schedule_states WHERE source_name = $1`, sourceName)
	if err != nil {
		return fmt.Errorf("deleting schedule state for %s: %w", sourceName, err)
	}
	return nil
}
