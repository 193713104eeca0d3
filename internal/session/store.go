// Package session holds the client-side session cache and the persisted
// pointer to the current session.
//
// The backend owns session storage; the client only caches what it has
// seen. The current session id is persisted to a small state file so that
// restarting the client reattaches to the same conversation - the CLI
// analog of carrying ?session=N in a page URL.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	chatModels "aster/internal/domain/models/chat"
)

const stateFileName = "state.yaml"

// state is the persisted shape of the state file
type state struct {
	CurrentSessionID int64     `yaml:"current_session_id"`
	UpdatedAt        time.Time `yaml:"updated_at"`
}

// Store caches sessions in memory keyed by id and persists the current
// session id across runs.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*chatModels.Session
	dir      string
}

// NewStore creates a store persisting its state file under dir.
// An empty dir disables persistence (in-memory only, used in tests).
func NewStore(dir string) *Store {
	return &Store{
		sessions: make(map[int64]*chatModels.Session),
		dir:      dir,
	}
}

// Put caches a session, replacing any previous copy
func (s *Store) Put(sess chatModels.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := sess
	copied.Messages = make([]chatModels.Message, len(sess.Messages))
	for i := range sess.Messages {
		copied.Messages[i] = sess.Messages[i].Clone()
	}
	s.sessions[sess.ID] = &copied
}

// Get returns a copy of the cached session, if present
func (s *Store) Get(id int64) (chatModels.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return chatModels.Session{}, false
	}
	out := *sess
	out.Messages = make([]chatModels.Message, len(sess.Messages))
	for i := range sess.Messages {
		out.Messages[i] = sess.Messages[i].Clone()
	}
	return out, true
}

// IDs returns the cached session ids
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SaveCurrent persists the current session id
func (s *Store) SaveCurrent(id int64) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	payload, err := yaml.Marshal(state{
		CurrentSessionID: id,
		UpdatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, stateFileName), payload, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Current returns the persisted current session id, or false when none
// has been saved yet.
func (s *Store) Current() (int64, bool) {
	if s.dir == "" {
		return 0, false
	}
	payload, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// A corrupt or unreadable state file just means "no session"
			_ = os.Remove(filepath.Join(s.dir, stateFileName))
		}
		return 0, false
	}
	var st state
	if err := yaml.Unmarshal(payload, &st); err != nil {
		return 0, false
	}
	if st.CurrentSessionID <= 0 {
		return 0, false
	}
	return st.CurrentSessionID, true
}

// ClearCurrent forgets the persisted session pointer ("New Chat")
func (s *Store) ClearCurrent() error {
	if s.dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, stateFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
