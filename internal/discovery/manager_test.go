package discovery

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoth-app/discovery/internal/adapter"
	"github.com/thoth-app/discovery/internal/analyzer"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/ratelimit"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeAdapter yields canned papers, optionally failing afterwards.
type fakeAdapter struct {
	kind    domain.SourceKind
	papers  []*domain.Paper
	err     error
	invalid error             // returned by Validate
	block   bool              // wait for ctx cancellation after yielding
}

func (f *fakeAdapter) Kind() domain.SourceKind        { return f.kind }
func (f *fakeAdapter) RateLimitID() string            { return ratelimit.EndpointArxiv }
func (f *fakeAdapter) Validate(q adapter.Query) error { return f.invalid }

func (f *fakeAdapter) Discover(ctx context.Context, q adapter.Query, maxResults int, yield adapter.YieldFunc) error {
	for i, p := range f.papers {
		if i >= maxResults {
			break
		}
		if err := yield(p); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type fakeProvider struct {
	byKind map[domain.SourceKind]adapter.Adapter
}

func (f *fakeProvider) ForSource(sc *domain.SourceConfig) (adapter.Adapter, error) {
	return f.byKind[sc.Kind], nil
}

func (f *fakeProvider) ForKind(kind domain.SourceKind) (adapter.Adapter, error) {
	if ad, ok := f.byKind[kind]; ok {
		return ad, nil
	}
	return &fakeAdapter{kind: kind}, nil
}

type fakeResults struct {
	mu       sync.Mutex
	created  []*domain.DiscoveryResult
	finished []*domain.DiscoveryResult
}

func (f *fakeResults) Create(_ context.Context, r *domain.DiscoveryResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, r)
	return nil
}

func (f *fakeResults) Finish(_ context.Context, r *domain.DiscoveryResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, r)
	return nil
}

func (f *fakeResults) ListBySource(context.Context, string, int) ([]*domain.DiscoveryResult, error) {
	return nil, nil
}
func (f *fakeResults) FailUnfinished(context.Context) (int, error)            { return 0, nil }
func (f *fakeResults) PurgeOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

type emptyCorpus struct{}

func (emptyCorpus) Context(context.Context) (*analyzer.CorpusContext, error) {
	return analyzer.AnalyzeCorpus(nil), nil
}

func paper(kind domain.Provenance, doi, title string) *domain.Paper {
	return &domain.Paper{
		IDs:        domain.Identifiers{DOI: doi},
		Title:      title,
		Year:       2020,
		Provenance: kind,
		FetchedAt:  time.Now(),
	}
}

func arxivConfig(max int) *domain.SourceConfig {
	return &domain.SourceConfig{
		Name:            "arxiv-ml",
		Kind:            domain.KindArxiv,
		IsActive:        true,
		AdapterParams:   []byte(`{"categories":["cs.LG"],"keywords":["transformer"]}`),
		Schedule:        domain.Schedule{IntervalMinutes: 60, Enabled: true},
		MaxPapersPerRun: max,
	}
}

func TestRunSingleAdapterStreamsInOrder(t *testing.T) {
	papers := []*domain.Paper{
		paper(domain.ProvenanceArxiv, "10.1/p1", "P1"),
		paper(domain.ProvenanceArxiv, "10.1/p2", "P2"),
		paper(domain.ProvenanceArxiv, "10.1/p3", "P3"),
	}
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindArxiv: &fakeAdapter{kind: domain.KindArxiv, papers: papers},
	}}
	results := &fakeResults{}
	out := make(chan *domain.Paper, 10)

	m := NewManager(provider, emptyCorpus{}, results, out, testLogger())
	result, err := m.Run(context.Background(), arxivConfig(3))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 3, result.CandidatesFetched)
	assert.Equal(t, 3, result.CandidatesAfterDedup)
	assert.Equal(t, 3, result.CandidatesAfterFilter)
	assert.False(t, result.Partial)
	assert.NotNil(t, result.FinishedAt)

	close(out)
	var got []string
	for p := range out {
		got = append(got, p.Title)
	}
	assert.Equal(t, []string{"P1", "P2", "P3"}, got)

	require.Len(t, results.finished, 1)
	assert.Equal(t, domain.OutcomeSuccess, results.finished[0].Outcome)
}

func TestRunRespectsMaxPapers(t *testing.T) {
	papers := []*domain.Paper{
		paper(domain.ProvenanceArxiv, "10.1/p1", "P1"),
		paper(domain.ProvenanceArxiv, "10.1/p2", "P2"),
		paper(domain.ProvenanceArxiv, "10.1/p3", "P3"),
	}
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindArxiv: &fakeAdapter{kind: domain.KindArxiv, papers: papers},
	}}
	out := make(chan *domain.Paper, 10)

	m := NewManager(provider, emptyCorpus{}, &fakeResults{}, out, testLogger())
	result, err := m.Run(context.Background(), arxivConfig(2))
	require.NoError(t, err)
	assert.Equal(t, 2, result.CandidatesFetched)
}

func TestRunFanOutMergesAcrossProviders(t *testing.T) {
	shared := "10.1/abc"
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindCrossref: &fakeAdapter{kind: domain.KindCrossref, papers: []*domain.Paper{
			paper(domain.ProvenanceCrossref, shared, "Attention Is All You Need"),
		}},
		domain.KindArxiv: &fakeAdapter{kind: domain.KindArxiv, papers: []*domain.Paper{
			{
				IDs:        domain.Identifiers{ArxivID: "1706.03762", DOI: shared},
				Title:      "Attention Is All You Need",
				Year:       2017,
				Provenance: domain.ProvenanceArxiv,
				FetchedAt:  time.Now(),
			},
		}},
	}}
	out := make(chan *domain.Paper, 10)

	sc := arxivConfig(10)
	sc.FanOut = true
	m := NewManager(provider, emptyCorpus{}, &fakeResults{}, out, testLogger())
	result, err := m.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.CandidatesFetched)
	assert.Equal(t, 1, result.CandidatesAfterDedup)

	close(out)
	var emitted []*domain.Paper
	for p := range out {
		emitted = append(emitted, p)
	}
	require.Len(t, emitted, 1)
	assert.Equal(t, domain.ProvenanceCrossref, emitted[0].Provenance)
	assert.Equal(t, "1706.03762", emitted[0].IDs.ArxivID)
}

func TestRunPartialWhenOneAdapterFails(t *testing.T) {
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindCrossref: &fakeAdapter{kind: domain.KindCrossref, papers: []*domain.Paper{
			paper(domain.ProvenanceCrossref, "10.1/ok", "Fine"),
		}},
		domain.KindOpenAlex: &fakeAdapter{
			kind: domain.KindOpenAlex,
			err:  &adapter.TransientError{Err: assert.AnError},
		},
	}}
	out := make(chan *domain.Paper, 10)

	sc := arxivConfig(10)
	sc.FanOut = true
	m := NewManager(provider, emptyCorpus{}, &fakeResults{}, out, testLogger())
	result, err := m.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomePartial, result.Outcome)
	assert.True(t, result.Partial)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "fetching", result.Errors[0].Stage)
}

func TestRunFailedWhenNothingEmitted(t *testing.T) {
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindArxiv: &fakeAdapter{
			kind: domain.KindArxiv,
			err:  &adapter.PermanentError{Err: assert.AnError},
		},
	}}
	out := make(chan *domain.Paper, 10)

	m := NewManager(provider, emptyCorpus{}, &fakeResults{}, out, testLogger())
	result, err := m.Run(context.Background(), arxivConfig(5))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, result.Outcome)
}

func TestRunSkippedWhenNoProviderSuitable(t *testing.T) {
	byKind := make(map[domain.SourceKind]adapter.Adapter, len(domain.APIKinds))
	for _, kind := range domain.APIKinds {
		byKind[kind] = &fakeAdapter{kind: kind, invalid: &adapter.ConfigError{Reason: "unsupported query"}}
	}
	results := &fakeResults{}
	out := make(chan *domain.Paper, 10)

	sc := arxivConfig(10)
	sc.FanOut = true
	m := NewManager(&fakeProvider{byKind: byKind}, emptyCorpus{}, results, out, testLogger())
	result, err := m.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Empty(t, result.Errors)
	assert.Zero(t, result.CandidatesFetched)
	assert.Len(t, out, 0)

	require.Len(t, results.finished, 1)
	assert.Equal(t, domain.OutcomeSkipped, results.finished[0].Outcome)
}

func TestRunCancelledMidRun(t *testing.T) {
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindArxiv: &fakeAdapter{
			kind: domain.KindArxiv,
			papers: []*domain.Paper{
				paper(domain.ProvenanceArxiv, "10.1/p1", "P1"),
				paper(domain.ProvenanceArxiv, "10.1/p2", "P2"),
			},
			block: true,
		},
	}}
	out := make(chan *domain.Paper, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	m := NewManager(provider, emptyCorpus{}, &fakeResults{}, out, testLogger())
	result, err := m.Run(ctx, arxivConfig(5))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCancelled, result.Outcome)
	assert.Equal(t, 2, result.CandidatesFetched)
	assert.Len(t, out, 2)
}

func TestRunFilterCountsRecorded(t *testing.T) {
	old := paper(domain.ProvenanceArxiv, "10.1/old", "Ancient Work")
	old.Year = 1990
	provider := &fakeProvider{byKind: map[domain.SourceKind]adapter.Adapter{
		domain.KindArxiv: &fakeAdapter{kind: domain.KindArxiv, papers: []*domain.Paper{
			old,
			paper(domain.ProvenanceArxiv, "10.1/new", "Recent Work"),
		}},
	}}
	out := make(chan *domain.Paper, 10)

	sc := arxivConfig(10)
	from := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	sc.Filters.DateFrom = &from

	m := NewManager(provider, emptyCorpus{}, &fakeResults{}, out, testLogger())
	result, err := m.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Equal(t, 2, result.CandidatesFetched)
	assert.Equal(t, 1, result.CandidatesAfterFilter)
	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.Len(t, out, 1)
}
