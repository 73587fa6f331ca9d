package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thoth-app/discovery/internal/analyzer"
)

// CorpusReader exposes the consumer's library to the context analyzer.
// The snapshot id is derived from row count and last modification, so the
// analyzer memo survives unchanged corpora across ticks.
type CorpusReader struct {
	db *pgxpool.Pool
}

func NewCorpusReader(db *pgxpool.Pool) *CorpusReader {
	return &CorpusReader{db: db}
}

func (r *CorpusReader) Snapshot(ctx context.Context) (string, []analyzer.CorpusPaper, error) {
	var (
		count    int
		modified string
	)
	err := r.db.QueryRow(ctx,
		`SELECT count(*), coalesce(max(updated_at)::text, '') FROM corpus_papers`).
		Scan(&count, &modified)
	if err != nil {
		return "", nil, fmt.Errorf("reading corpus version: %w", err)
	}
	id := fmt.Sprintf("%d@%s", count, modified)

	rows, err := r.db.Query(ctx,
		`SELECT title, abstract, tags, authors, coalesce(year, 0), cited_ids FROM corpus_papers`)
	if err != nil {
		return "", nil, fmt.Errorf("reading corpus: %w", err)
	}
	defer rows.Close()

	var papers []analyzer.CorpusPaper
	for rows.Next() {
		var p analyzer.CorpusPaper
		if err := rows.Scan(&p.Title, &p.Abstract, &p.Tags, &p.Authors, &p.Year, &p.References); err != nil {
			return "", nil, err
		}
		papers = append(papers, p)
	}
	return id, papers, rows.Err()
}
