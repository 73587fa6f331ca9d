package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thoth-app/discovery/internal/adapter"
	"github.com/thoth-app/discovery/internal/analyzer"
	"github.com/thoth-app/discovery/internal/dedup"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/metrics"
)

// maxRunDuration caps any single run regardless of its size.
const maxRunDuration = 10 * time.Minute

// perPaperBudget sizes the run timeout from max_papers_per_run.
const perPaperBudget = 2 * time.Second

// AdapterProvider hands the manager an adapter per source config.
type AdapterProvider interface {
	ForSource(sc *domain.SourceConfig) (adapter.Adapter, error)
	ForKind(kind domain.SourceKind) (adapter.Adapter, error)
}

// ContextProvider yields the current corpus context.
type ContextProvider interface {
	Context(ctx context.Context) (*analyzer.CorpusContext, error)
}

// Manager executes one discovery run per call: build query, fetch, merge,
// filter, emit, persist the audit record. Accepted papers stream to the
// output channel as they are produced; sends block until the consumer
// keeps up.
type Manager struct {
	adapters AdapterProvider
	corpus   ContextProvider
	results  domain.DiscoveryResultRepository
	out      chan<- *domain.Paper
	log      *logrus.Entry
}

func NewManager(adapters AdapterProvider, corpus ContextProvider, results domain.DiscoveryResultRepository, out chan<- *domain.Paper, log *logrus.Entry) *Manager {
	return &Manager{
		adapters: adapters,
		corpus:   corpus,
		results:  results,
		out:      out,
		log:      log,
	}
}

func runTimeout(maxPapers int) time.Duration {
	d := time.Duration(maxPapers) * perPaperBudget
	if d > maxRunDuration {
		return maxRunDuration
	}
	if d < perPaperBudget {
		return perPaperBudget
	}
	return d
}

// Run executes one discovery run for sc. The returned result is also
// persisted; the error reports infrastructure failures (result store),
// not run-level outcomes, which land in result.Outcome.
func (m *Manager) Run(ctx context.Context, sc *domain.SourceConfig) (*domain.DiscoveryResult, error) {
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	result := &domain.DiscoveryResult{
		ID:         uuid.New(),
		SourceName: sc.Name,
		StartedAt:  time.Now(),
	}
	if err := m.results.Create(ctx, result); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}

	log := m.log.WithFields(logrus.Fields{"source": sc.Name, "run": result.ID})
	runCtx, cancel := context.WithTimeout(ctx, runTimeout(sc.MaxPapersPerRun))
	defer cancel()

	emitted := m.execute(runCtx, ctx, sc, result, log)

	now := time.Now()
	result.FinishedAt = &now
	result.Partial = result.Outcome == domain.OutcomePartial
	metrics.RunsTotal.WithLabelValues(string(result.Outcome)).Inc()
	log.WithFields(logrus.Fields{
		"outcome":  result.Outcome,
		"fetched":  result.CandidatesFetched,
		"emitted":  emitted,
		"duration": now.Sub(result.StartedAt).Round(time.Millisecond),
	}).Info("discovery run finished")

	// Finish must not be lost to the cancelled run context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()
	if err := m.results.Finish(finishCtx, result); err != nil {
		return result, fmt.Errorf("recording run outcome: %w", err)
	}
	return result, nil
}

// execute runs the pipeline and sets result.Outcome, the stage counters
// and errors. Returns how many papers were emitted.
func (m *Manager) execute(runCtx, parentCtx context.Context, sc *domain.SourceConfig, result *domain.DiscoveryResult, log *logrus.Entry) int {
	fail := func(stage string, err error) {
		result.Errors = append(result.Errors, domain.RunError{Stage: stage, Message: err.Error()})
	}
	outcome := func(emitted, adapterErrs int) domain.RunOutcome {
		switch {
		case parentCtx.Err() != nil:
			return domain.OutcomeCancelled
		case adapterErrs > 0 && emitted == 0:
			return domain.OutcomeFailed
		case adapterErrs > 0:
			return domain.OutcomePartial
		}
		return domain.OutcomeSuccess
	}

	cc, err := m.corpus.Context(runCtx)
	if err != nil {
		fail("building_query", err)
		result.Outcome = outcome(0, 1)
		return 0
	}
	query, err := analyzer.BuildQuery(sc, cc)
	if err != nil {
		fail("building_query", err)
		result.Outcome = outcome(0, 1)
		return 0
	}

	var candidates []*domain.Paper
	adapterErrs := 0
	emitted := 0

	if sc.FanOut {
		var dispatched int
		candidates, adapterErrs, dispatched = m.fetchFanOut(runCtx, sc, query, result, fail)
		if dispatched == 0 && adapterErrs == 0 && parentCtx.Err() == nil {
			// Every provider rejected the merged query; nothing ran.
			result.Outcome = domain.OutcomeSkipped
			log.Warn("no provider suited the query, run skipped")
			return 0
		}
		merged := dedup.Merge(candidates)
		result.CandidatesAfterDedup = len(merged)

		accepted, _ := Filter(merged, sc.Filters, cc)
		result.CandidatesAfterFilter = len(accepted)

		for _, p := range accepted {
			if err := m.emit(runCtx, p); err != nil {
				fail("emitting", err)
				result.Outcome = outcome(emitted, adapterErrs)
				return emitted
			}
			emitted++
		}
		result.Outcome = outcome(emitted, adapterErrs)
		return emitted
	}

	// Single-adapter sources stream: each candidate is filtered and
	// emitted as it arrives, no buffering for a merge stage.
	ad, err := m.adapters.ForSource(sc)
	if err != nil {
		fail("building_query", err)
		result.Outcome = outcome(0, 1)
		return 0
	}

	err = ad.Discover(runCtx, query, sc.MaxPapersPerRun, func(p *domain.Paper) error {
		result.CandidatesFetched++
		result.CandidatesAfterDedup++
		accepted, _ := Filter([]*domain.Paper{p}, sc.Filters, cc)
		if len(accepted) == 0 {
			return nil
		}
		result.CandidatesAfterFilter++
		if err := m.emit(runCtx, p); err != nil {
			return err
		}
		emitted++
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		metrics.AdapterErrors.WithLabelValues(string(ad.Kind())).Inc()
		fail("fetching", err)
		adapterErrs++
		log.WithError(err).Warn("adapter failed")
	}

	result.Outcome = outcome(emitted, adapterErrs)
	return emitted
}

// fetchFanOut queries every API kind concurrently and buffers candidates
// for the merge stage. One adapter's failure is recorded and does not
// abort the others. dispatched counts the providers whose Validate
// accepted the query and actually ran.
func (m *Manager) fetchFanOut(ctx context.Context, sc *domain.SourceConfig, query adapter.Query, result *domain.DiscoveryResult, fail func(string, error)) (papers []*domain.Paper, errCount, dispatched int) {
	var (
		mu         sync.Mutex
		candidates []*domain.Paper
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range domain.APIKinds {
		ad, err := m.adapters.ForKind(kind)
		if err != nil {
			fail("fetching", err)
			errCount++
			continue
		}
		if err := ad.Validate(query); err != nil {
			// The merged query does not suit every provider; skip quietly.
			continue
		}
		dispatched++
		g.Go(func() error {
			err := ad.Discover(gctx, query, sc.MaxPapersPerRun, func(p *domain.Paper) error {
				mu.Lock()
				candidates = append(candidates, p)
				result.CandidatesFetched++
				mu.Unlock()
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				metrics.AdapterErrors.WithLabelValues(string(ad.Kind())).Inc()
				mu.Lock()
				fail("fetching", fmt.Errorf("%s: %w", ad.Kind(), err))
				errCount++
				mu.Unlock()
			}
			// Always nil: failures are isolated, not propagated.
			return nil
		})
	}
	_ = g.Wait()
	return candidates, errCount, dispatched
}

func (m *Manager) emit(ctx context.Context, p *domain.Paper) error {
	select {
	case m.out <- p:
		metrics.PapersEmitted.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
