package configstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoth-app/discovery/internal/domain"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// memRepo is an in-memory stand-in for the postgres repository.
type memRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.SourceConfig
	failAll bool
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]*domain.SourceConfig)}
}

func (m *memRepo) Create(_ context.Context, cfg *domain.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return assert.AnError
	}
	if _, exists := m.rows[cfg.Name]; exists {
		return assert.AnError
	}
	copied := *cfg
	m.rows[cfg.Name] = &copied
	return nil
}

func (m *memRepo) Get(_ context.Context, name string) (*domain.SourceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.rows[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (m *memRepo) Update(_ context.Context, cfg *domain.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[cfg.Name]; !ok {
		return domain.ErrNotFound
	}
	copied := *cfg
	m.rows[cfg.Name] = &copied
	return nil
}

func (m *memRepo) List(_ context.Context, activeOnly bool) ([]*domain.SourceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SourceConfig
	for _, cfg := range m.rows {
		if activeOnly && !cfg.IsActive {
			continue
		}
		copied := *cfg
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memRepo) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[name]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, name)
	return nil
}

func validConfig(name string) *domain.SourceConfig {
	return &domain.SourceConfig{
		Name:            name,
		Kind:            domain.KindArxiv,
		IsActive:        true,
		AdapterParams:   []byte(`{"categories":["cs.LG"]}`),
		Schedule:        domain.Schedule{IntervalMinutes: 60, Enabled: true},
		MaxPapersPerRun: 50,
	}
}

func newTestStore(t *testing.T) (*Store, *memRepo, string) {
	t.Helper()
	dir := t.TempDir()
	repo := newMemRepo()
	store, err := New(repo, dir, testLogger())
	require.NoError(t, err)
	return store, repo, dir
}

func TestCreateWritesFileAndDB(t *testing.T) {
	store, repo, dir := newTestStore(t)

	require.NoError(t, store.Create(context.Background(), validConfig("arxiv-ml")))

	_, err := repo.Get(context.Background(), "arxiv-ml")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "arxiv-ml.json"))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "arxiv-ml", onDisk["name"])
	assert.Equal(t, "arxiv", onDisk["kind"])
	assert.NotContains(t, onDisk, "created_at")
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	store, repo, _ := newTestStore(t)

	bad := validConfig("bad")
	bad.MaxPapersPerRun = 0
	assert.Error(t, store.Create(context.Background(), bad))

	_, err := repo.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateRoundTrips(t *testing.T) {
	store, _, dir := newTestStore(t)
	require.NoError(t, store.Create(context.Background(), validConfig("src")))

	updated := validConfig("src")
	updated.MaxPapersPerRun = 99
	require.NoError(t, store.Update(context.Background(), updated))

	got, err := store.Get(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, 99, got.MaxPapersPerRun)

	raw, err := os.ReadFile(filepath.Join(dir, "src.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "99")
}

func TestDeleteRemovesFile(t *testing.T) {
	store, _, dir := newTestStore(t)
	require.NoError(t, store.Create(context.Background(), validConfig("gone")))

	require.NoError(t, store.Delete(context.Background(), "gone"))

	_, err := store.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = os.Stat(filepath.Join(dir, "gone.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestReconcileImportsFiles(t *testing.T) {
	store, repo, dir := newTestStore(t)

	// A hand-written file the DB has never seen.
	file := `{
  "name": "hand-edited",
  "kind": "crossref",
  "is_active": true,
  "adapter_params": {"keywords": ["quantum"]},
  "schedule": {"interval_minutes": 120, "enabled": true},
  "filters": {"relevance_threshold": 0.5},
  "max_papers_per_run": 25
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hand-edited.json"), []byte(file), 0o644))

	imported, exported, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Zero(t, exported)

	got, err := repo.Get(context.Background(), "hand-edited")
	require.NoError(t, err)
	assert.Equal(t, domain.KindCrossref, got.Kind)
	assert.Equal(t, 25, got.MaxPapersPerRun)
}

func TestReconcileExportsDBRows(t *testing.T) {
	store, repo, dir := newTestStore(t)
	require.NoError(t, repo.Create(context.Background(), validConfig("db-only")))

	imported, exported, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, imported)
	assert.Equal(t, 1, exported)

	_, err = os.Stat(filepath.Join(dir, "db-only.json"))
	assert.NoError(t, err)
}

func TestReconcileSkipsInvalidFiles(t *testing.T) {
	store, repo, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	imported, _, err := store.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, imported)

	_, err = repo.Get(context.Background(), "broken")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
