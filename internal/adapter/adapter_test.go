package adapter

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/domain"
)

func configFor(apiKey string) config.AdapterConfig {
	return config.AdapterConfig{APIKey: apiKey}
}

// nopLimiter admits every request and counts acquisitions.
type nopLimiter struct {
	acquired atomic.Int64
}

func (l *nopLimiter) Acquire(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.acquired.Add(1)
	return nil
}

func date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// collect drains an adapter into a slice.
func collect(papers *[]*domain.Paper) YieldFunc {
	return func(p *domain.Paper) error {
		*papers = append(*papers, p)
		return nil
	}
}
