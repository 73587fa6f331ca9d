// Package configstore is the file+DB hybrid for source configs. The DB
// row is canonical; one JSON file per source mirrors it for hand editing.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/domain"
)

// fileConfig is the on-disk schema. Timestamps stay in the DB only.
type fileConfig struct {
	Name            string            `json:"name"`
	Kind            domain.SourceKind `json:"kind"`
	IsActive        bool              `json:"is_active"`
	AdapterParams   json.RawMessage   `json:"adapter_params,omitempty"`
	Schedule        domain.Schedule   `json:"schedule"`
	Filters         domain.Filters    `json:"filters"`
	MaxPapersPerRun int               `json:"max_papers_per_run"`
	FanOut          bool              `json:"fan_out,omitempty"`
}

// Store serializes all writes globally and keeps file and DB in step:
// a write lands in both or, on file failure, is rolled back from the DB.
type Store struct {
	repo domain.SourceConfigRepository
	dir  string
	log  *logrus.Entry

	mu sync.Mutex
}

func New(repo domain.SourceConfigRepository, dir string, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sources dir: %w", err)
	}
	return &Store{repo: repo, dir: dir, log: log}, nil
}

func (s *Store) Create(ctx context.Context, cfg *domain.SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Create(ctx, cfg); err != nil {
		return err
	}
	if err := s.writeFile(cfg); err != nil {
		if rbErr := s.repo.Delete(ctx, cfg.Name); rbErr != nil {
			s.log.WithError(rbErr).WithField("source", cfg.Name).Error("rollback after file write failure")
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (*domain.SourceConfig, error) {
	return s.repo.Get(ctx, name)
}

func (s *Store) Update(ctx context.Context, cfg *domain.SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.Get(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, cfg); err != nil {
		return err
	}
	if err := s.writeFile(cfg); err != nil {
		if rbErr := s.repo.Update(ctx, prev); rbErr != nil {
			s.log.WithError(rbErr).WithField("source", cfg.Name).Error("rollback after file write failure")
		}
		return err
	}
	return nil
}

func (s *Store) List(ctx context.Context, activeOnly bool) ([]*domain.SourceConfig, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Delete(ctx, name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing source file %s: %w", name, err)
	}
	return nil
}

// Reconcile runs at startup: files unknown to the DB are imported, DB
// rows without a file get one written out. Returns (imported, exported).
func (s *Store) Reconcile(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("reading sources dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cfg, err := s.readFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.WithError(err).WithField("file", entry.Name()).Warn("skipping unreadable source file")
			continue
		}
		_, err = s.repo.Get(ctx, cfg.Name)
		if errors.Is(err, domain.ErrNotFound) {
			if err := cfg.Validate(); err != nil {
				s.log.WithError(err).WithField("source", cfg.Name).Warn("skipping invalid source file")
				continue
			}
			if err := s.repo.Create(ctx, cfg); err != nil {
				return imported, 0, err
			}
			imported++
			continue
		}
		if err != nil {
			return imported, 0, err
		}
	}

	exported := 0
	configs, err := s.repo.List(ctx, false)
	if err != nil {
		return imported, 0, err
	}
	for _, cfg := range configs {
		if _, err := os.Stat(s.path(cfg.Name)); err == nil {
			continue
		}
		if err := s.writeFile(cfg); err != nil {
			return imported, exported, err
		}
		exported++
	}

	if imported > 0 || exported > 0 {
		s.log.WithFields(logrus.Fields{"imported": imported, "exported": exported}).
			Info("reconciled source configs")
	}
	return imported, exported, nil
}

func (s *Store) path(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) writeFile(cfg *domain.SourceConfig) error {
	raw, err := json.MarshalIndent(fileConfig{
		Name:            cfg.Name,
		Kind:            cfg.Kind,
		IsActive:        cfg.IsActive,
		AdapterParams:   cfg.AdapterParams,
		Schedule:        cfg.Schedule,
		Filters:         cfg.Filters,
		MaxPapersPerRun: cfg.MaxPapersPerRun,
		FanOut:          cfg.FanOut,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding source %s: %w", cfg.Name, err)
	}
	tmp := s.path(cfg.Name) + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing source file %s: %w", cfg.Name, err)
	}
	return os.Rename(tmp, s.path(cfg.Name))
}

func (s *Store) readFile(path string) (*domain.SourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if fc.Name == "" {
		fc.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &domain.SourceConfig{
		Name:            fc.Name,
		Kind:            fc.Kind,
		IsActive:        fc.IsActive,
		AdapterParams:   fc.AdapterParams,
		Schedule:        fc.Schedule,
		Filters:         fc.Filters,
		MaxPapersPerRun: fc.MaxPapersPerRun,
		FanOut:          fc.FanOut,
	}, nil
}
