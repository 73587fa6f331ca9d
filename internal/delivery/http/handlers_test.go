package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/configstore"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/scheduler"
)

type memRepo struct {
	configs map[string]*domain.SourceConfig
}

func newMemRepo() *memRepo {
	return &memRepo{configs: make(map[string]*domain.SourceConfig)}
}

func (m *memRepo) Create(_ context.Context, cfg *domain.SourceConfig) error {
	m.configs[cfg.Name] = cfg
	return nil
}

func (m *memRepo) Get(_ context.Context, name string) (*domain.SourceConfig, error) {
	cfg, ok := m.configs[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cfg, nil
}

func (m *memRepo) Update(_ context.Context, cfg *domain.SourceConfig) error {
	if _, ok := m.configs[cfg.Name]; !ok {
		return domain.ErrNotFound
	}
	m.configs[cfg.Name] = cfg
	return nil
}

func (m *memRepo) List(_ context.Context, activeOnly bool) ([]*domain.SourceConfig, error) {
	var out []*domain.SourceConfig
	for _, cfg := range m.configs {
		if activeOnly && !cfg.IsActive {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (m *memRepo) Delete(_ context.Context, name string) error {
	if _, ok := m.configs[name]; !ok {
		return domain.ErrNotFound
	}
	delete(m.configs, name)
	return nil
}

type memStates struct{}

func (memStates) Get(context.Context, string) (*domain.ScheduleState, error) { return nil, nil }
func (memStates) Upsert(context.Context, *domain.ScheduleState) error        { return nil }
func (memStates) Delete(context.Context, string) error                       { return nil }

type memResults struct {
	runs []*domain.DiscoveryResult
}

func (m *memResults) Create(context.Context, *domain.DiscoveryResult) error { return nil }
func (m *memResults) Finish(context.Context, *domain.DiscoveryResult) error { return nil }
func (m *memResults) ListBySource(_ context.Context, name string, limit int) ([]*domain.DiscoveryResult, error) {
	var out []*domain.DiscoveryResult
	for _, r := range m.runs {
		if r.SourceName == name && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}
func (m *memResults) FailUnfinished(context.Context) (int, error)            { return 0, nil }
func (m *memResults) PurgeOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

type nopRunner struct{}

func (nopRunner) Run(_ context.Context, sc *domain.SourceConfig) (*domain.DiscoveryResult, error) {
	return &domain.DiscoveryResult{SourceName: sc.Name, Outcome: domain.OutcomeSuccess}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memRepo, *memResults) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	repo := newMemRepo()
	store, err := configstore.New(repo, t.TempDir(), log)
	require.NoError(t, err)

	results := &memResults{}
	sched := scheduler.New(config.SchedulerConfig{PollInterval: time.Minute, WorkerPoolSize: 2},
		store, memStates{}, results, nopRunner{}, 0, log)

	srv := httptest.NewServer(NewRouter(NewHandler(store, sched, results), []string{"*"}))
	t.Cleanup(srv.Close)
	return srv, repo, results
}

func sourceBody() []byte {
	return []byte(`{
		"name": "arxiv-ml",
		"kind": "arxiv",
		"is_active": true,
		"adapter_params": {"categories": ["cs.LG"]},
		"schedule": {"interval_minutes": 60, "enabled": true},
		"max_papers_per_run": 50
	}`)
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSourceCRUD(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/sources/", "application/json", bytes.NewReader(sourceBody()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, repo.configs, "arxiv-ml")

	resp, err = http.Get(srv.URL + "/api/v1/sources/arxiv-ml")
	require.NoError(t, err)
	var got domain.SourceConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, domain.KindArxiv, got.Kind)

	// Update takes the name from the URL, not the body.
	update := bytes.Replace(sourceBody(), []byte(`"is_active": true`), []byte(`"is_active": false`), 1)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/sources/arxiv-ml", bytes.NewReader(update))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, repo.configs["arxiv-ml"].IsActive)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sources/arxiv-ml", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotContains(t, repo.configs, "arxiv-ml")

	resp, err = http.Get(srv.URL + "/api/v1/sources/arxiv-ml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSourceRejectsInvalid(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	bad := []byte(`{"name": "broken", "kind": "arxiv", "max_papers_per_run": 0}`)
	resp, err := http.Post(srv.URL+"/api/v1/sources/", "application/json", bytes.NewReader(bad))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, repo.configs)
}

func TestListSourcesActiveFilter(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	repo.configs["on"] = &domain.SourceConfig{Name: "on", IsActive: true}
	repo.configs["off"] = &domain.SourceConfig{Name: "off"}

	resp, err := http.Get(srv.URL + "/api/v1/sources/?active=true")
	require.NoError(t, err)
	var got []*domain.SourceConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Len(t, got, 1)
	assert.Equal(t, "on", got[0].Name)
}

func TestTriggerWhenSchedulerStopped(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	repo.configs["arxiv-ml"] = &domain.SourceConfig{Name: "arxiv-ml", IsActive: true}

	resp, err := http.Post(srv.URL+"/api/v1/scheduler/trigger/arxiv-ml", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/scheduler/trigger/unknown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulerStatusReportsStopped(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/scheduler/status")
	require.NoError(t, err)
	var st scheduler.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.False(t, st.Running)
	assert.Zero(t, st.InFlight)
}

func TestListRuns(t *testing.T) {
	srv, _, results := newTestServer(t)
	results.runs = []*domain.DiscoveryResult{
		{SourceName: "arxiv-ml", Outcome: domain.OutcomeSuccess},
		{SourceName: "other", Outcome: domain.OutcomeFailed},
	}

	resp, err := http.Get(srv.URL + "/api/v1/sources/arxiv-ml/runs")
	require.NoError(t, err)
	var runs []*domain.DiscoveryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 1)
	assert.Equal(t, domain.OutcomeSuccess, runs[0].Outcome)
}
