package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories and stores when the named row
// does not exist.
var ErrNotFound = errors.New("not found")

// RunOutcome is the terminal state of a discovery run.
type RunOutcome string

const (
	OutcomeSuccess   RunOutcome = "success"
	OutcomePartial   RunOutcome = "partial"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeCancelled RunOutcome = "cancelled"
	OutcomeSkipped   RunOutcome = "skipped"
)

// ScheduleState is the per-source scheduling record. The Scheduler is its
// sole writer.
type ScheduleState struct {
	SourceName     string     `json:"source_name"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastRunOutcome RunOutcome `json:"last_run_outcome,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// RunError is one recorded failure within a run, tagged with the pipeline
// stage that produced it.
type RunError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// DiscoveryResult is the audit record of one run. The Discovery Manager is
// its sole writer; rows are retained for a configurable window.
type DiscoveryResult struct {
	ID                    uuid.UUID  `json:"id"`
	SourceName            string     `json:"source_name"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	CandidatesFetched     int        `json:"candidates_fetched"`
	CandidatesAfterDedup  int        `json:"candidates_after_dedup"`
	CandidatesAfterFilter int        `json:"candidates_after_filter"`
	Outcome               RunOutcome `json:"outcome"`
	Errors                []RunError `json:"errors,omitempty"`
	Partial               bool       `json:"partial"`
}

// SourceConfigRepository is the canonical (DB) side of the Source Config
// Store. The file side lives in the configstore package.
type SourceConfigRepository interface {
	Create(ctx context.Context, cfg *SourceConfig) error
	Get(ctx context.Context, name string) (*SourceConfig, error)
	Update(ctx context.Context, cfg *SourceConfig) error
	List(ctx context.Context, activeOnly bool) ([]*SourceConfig, error)
	Delete(ctx context.Context, name string) error
}

type ScheduleStateRepository interface {
	Get(ctx context.Context, sourceName string) (*ScheduleState, error)
	Upsert(ctx context.Context, state *ScheduleState) error
	Delete(ctx context.Context, sourceName string) error
}

type DiscoveryResultRepository interface {
	Create(ctx context.Context, result *DiscoveryResult) error
	Finish(ctx context.Context, result *DiscoveryResult) error
	ListBySource(ctx context.Context, sourceName string, limit int) ([]*DiscoveryResult, error)
	// FailUnfinished marks runs left without a finish timestamp (crash
	// boundary) as failed and returns how many rows it touched.
	FailUnfinished(ctx context.Context) (int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
