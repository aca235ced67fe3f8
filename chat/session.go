package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

type sessionFile struct {
	Current  string `json:"current_session_id"`
	Previous string `json:"previous_session_id"`
}

// SessionStore owns the conversation token. The current and previous ids
// are kept in a JSON file so a restart resumes the same conversation. An
// empty path keeps them in memory only.
type SessionStore struct {
	path string

	mu       sync.Mutex
	current  string
	previous string
}

func OpenSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{path: path}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	s.current, s.previous = f.Current, f.Previous
	return s, nil
}

// SessionID returns the current token, creating one on first use.
func (s *SessionStore) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		s.current = uuid.NewString()
		s.saveLocked()
	}
	return s.current
}

func (s *SessionStore) Previous() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous
}

// Adopt switches to id when the backend hands out a different session.
func (s *SessionStore) Adopt(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || id == s.current {
		return nil
	}
	s.previous, s.current = s.current, id
	return s.saveLocked()
}

// Reset starts a new conversation. If id is empty a fresh token is
// generated.
func (s *SessionStore) Reset(id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous, s.current = s.current, id
	return id, s.saveLocked()
}

func (s *SessionStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	data, err := json.MarshalIndent(sessionFile{Current: s.current, Previous: s.previous}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
