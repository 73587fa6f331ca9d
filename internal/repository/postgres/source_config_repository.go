package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thoth-app/discovery/internal/domain"
)

// SourceConfigRepository is the canonical store for source configs.
type SourceConfigRepository struct {
	db *pgxpool.Pool
}

func NewSourceConfigRepository(db *pgxpool.Pool) *SourceConfigRepository {
	return &SourceConfigRepository{db: db}
}

func (r *SourceConfigRepository) Create(ctx context.Context, cfg *domain.SourceConfig) error {
	schedule, filters, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err = r.db.Exec(ctx, `
		INSERT INTO source_configs
			(name, kind, is_active, adapter_params, schedule, filters, max_papers_per_run, fan_out, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cfg.Name, cfg.Kind, cfg.IsActive, rawOrEmpty(cfg.AdapterParams), schedule, filters,
		cfg.MaxPapersPerRun, cfg.FanOut, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting source config %s: %w", cfg.Name, err)
	}
	return nil
}

func (r *SourceConfigRepository) Get(ctx context.Context, name string) (*domain.SourceConfig, error) {
	row := r.db.QueryRow(ctx, `
		SELECT name, kind, is_active, adapter_params, schedule, filters, max_papers_per_run, fan_out, created_at, updated_at
		FROM source_configs WHERE name = $1`, name)

	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return cfg, err
}

func (r *SourceConfigRepository) Update(ctx context.Context, cfg *domain.SourceConfig) error {
	schedule, filters, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now()

	tag, err := r.db.Exec(ctx, `
		UPDATE source_configs
		SET kind = $2, is_active = $3, adapter_params = $4, schedule = $5, filters = $6,
		    max_papers_per_run = $7, fan_out = $8, updated_at = $9
		WHERE name = $1`,
		cfg.Name, cfg.Kind, cfg.IsActive, rawOrEmpty(cfg.AdapterParams), schedule, filters,
		cfg.MaxPapersPerRun, cfg.FanOut, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating source config %s: %w", cfg.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SourceConfigRepository) List(ctx context.Context, activeOnly bool) ([]*domain.SourceConfig, error) {
	query := `
		SELECT name, kind, is_active, adapter_params, schedule, filters, max_papers_per_run, fan_out, created_at, updated_at
		FROM source_configs`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing source configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SourceConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (r *SourceConfigRepository) Delete(ctx context.Context, name string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM source_configs WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting source config %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func encodeConfig(cfg *domain.SourceConfig) (schedule, filters []byte, err error) {
	if schedule, err = json.Marshal(cfg.Schedule); err != nil {
		return nil, nil, fmt.Errorf("encoding schedule: %w", err)
	}
	if filters, err = json.Marshal(cfg.Filters); err != nil {
		return nil, nil, fmt.Errorf("encoding filters: %w", err)
	}
	return schedule, filters, nil
}

func rawOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func scanConfig(row pgx.Row) (*domain.SourceConfig, error) {
	var (
		cfg      domain.SourceConfig
		params   []byte
		schedule []byte
		filters  []byte
	)
	err := row.Scan(&cfg.Name, &cfg.Kind, &cfg.IsActive, &params, &schedule, &filters,
		&cfg.MaxPapersPerRun, &cfg.FanOut, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.AdapterParams = params
	if err := json.Unmarshal(schedule, &cfg.Schedule); err != nil {
		return nil, fmt.Errorf("decoding schedule for %s: %w", cfg.Name, err)
	}
	if err := json.Unmarshal(filters, &cfg.Filters); err != nil {
		return nil, fmt.Errorf("decoding filters for %s: %w", cfg.Name, err)
	}
	return &cfg, nil
}
