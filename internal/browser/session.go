package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionCookie is the persisted subset of a browser cookie.
type SessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// SessionData is the serialized state of a browser context: cookies plus
// localStorage of the last visited origin.
type SessionData struct {
	Cookies      []SessionCookie   `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// SessionStore persists sessions as one JSON file per id under a
// directory. Writes go through a temp file and rename.
type SessionStore struct {
	dir    string
	maxAge time.Duration
	log    *logrus.Entry
}

func NewSessionStore(dir string, maxAge time.Duration, log *logrus.Entry) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &SessionStore{dir: dir, maxAge: maxAge, log: log}, nil
}

func (s *SessionStore) path(id string) string {
	// Session ids come from configs; keep them to a single path element.
	id = strings.ReplaceAll(id, string(filepath.Separator), "_")
	return filepath.Join(s.dir, id+".json")
}

func (s *SessionStore) Save(id string, data *SessionData) error {
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now()
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	return os.Rename(tmp, s.path(id))
}

// Load returns the stored session, or nil if it does not exist or has
// aged out.
func (s *SessionStore) Load(id string) (*SessionData, error) {
	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	if s.maxAge > 0 && time.Since(data.CreatedAt) > s.maxAge {
		return nil, nil
	}
	return &data, nil
}

func (s *SessionStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Sweep removes session files older than the max age and returns how many
// it evicted.
func (s *SessionStore) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var data SessionData
		if err := json.Unmarshal(raw, &data); err != nil || time.Since(data.CreatedAt) > s.maxAge {
			if err := os.Remove(full); err == nil {
				evicted++
			}
		}
	}
	if evicted > 0 {
		s.log.WithField("evicted", evicted).Info("swept expired browser sessions")
	}
	return evicted, nil
}
