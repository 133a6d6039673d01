// Package profiles keeps the JSON-file registry of profiles. Each profile
// names an identity whose app-server child runs with a private codex home.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultID is the reserved, non-deletable profile id.
const DefaultID = "default"

// ErrNotFound is returned when a profile id is unknown.
var ErrNotFound = errors.New("profile not found")

// ErrReserved is returned when trying to delete the default profile.
var ErrReserved = errors.New("the default profile cannot be deleted")

// Profile is one entry in the registry.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CodexHome string `json:"codexHome"`
	CreatedAt int64  `json:"createdAt"`
}

// Store is a JSON-file backed registry with a guaranteed default entry.
type Store struct {
	path             string
	defaultCodexHome string

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStore loads (or creates) the registry at path. defaultCodexHome is
// used for the guaranteed "default" entry when the file does not already
// define one.
func NewStore(path, defaultCodexHome string) (*Store, error) {
	s := &Store{
		path:             path,
		defaultCodexHome: defaultCodexHome,
		profiles:         make(map[string]Profile),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads the registry file from disk, ensuring the default entry
// exists. Called at startup and by the file watcher.
func (s *Store) Reload() error {
	var loaded []Profile
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("parse %s: %w", s.path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First run; the default entry is created below.
	default:
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	profiles := make(map[string]Profile, len(loaded)+1)
	for _, p := range loaded {
		if strings.TrimSpace(p.ID) == "" {
			continue
		}
		profiles[p.ID] = p
	}

	needsSave := false
	if _, ok := profiles[DefaultID]; !ok {
		profiles[DefaultID] = Profile{
			ID:        DefaultID,
			Name:      "Default",
			CodexHome: s.defaultCodexHome,
			CreatedAt: time.Now().UnixMilli(),
		}
		needsSave = true
	}

	s.mu.Lock()
	s.profiles = profiles
	s.mu.Unlock()

	if needsSave {
		if err := s.save(); err != nil {
			return err
		}
		log.Info().Str("path", s.path).Msg("profile registry created with default entry")
	}
	return nil
}

// List returns all profiles ordered by creation time, default first.
func (s *Store) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == DefaultID) != (out[j].ID == DefaultID) {
			return out[i].ID == DefaultID
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get looks up one profile by id.
func (s *Store) Get(id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Create adds a profile with a fresh id and persists the registry.
func (s *Store) Create(name, codexHome string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, errors.New("profile name is required")
	}

	p := Profile{
		ID:        uuid.NewString(),
		Name:      name,
		CodexHome: codexHome,
		CreatedAt: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Delete removes a profile. The default entry is refused.
func (s *Store) Delete(id string) error {
	if id == DefaultID {
		return ErrReserved
	}

	s.mu.Lock()
	_, ok := s.profiles[id]
	if ok {
		delete(s.profiles, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.save()
}

// save writes the registry atomically: temp file in the same directory,
// then rename over the target.
func (s *Store) save() error {
	s.mu.RLock()
	list := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		list = append(list, p)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt < list[j].CreatedAt })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profiles-*.json")
	if err != nil {
		return fmt.Errorf("create temp profiles file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp profiles file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace profiles file: %w", err)
	}
	return nil
}

// Path returns the registry file location.
func (s *Store) Path() string {
	return s.path
}
