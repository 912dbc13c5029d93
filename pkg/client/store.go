package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatrelay/pkg/constants"
)

// PendingEntry is a message this client sent that the server has not yet
// confirmed as delivered or failed.
type PendingEntry struct {
	MessageID   string    `json:"messageId"`
	Text        string    `json:"text"`
	Sender      string    `json:"sender"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Timestamp   time.Time `json:"timestamp"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// Snapshot is the persisted outbox state.
type Snapshot struct {
	Pending []PendingEntry `json:"pending"`
}

// Store persists the outbox so outstanding retries survive a restart.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// FileStore keeps the snapshot in a JSON file. Writes go to a temporary
// file that is renamed over the target.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns an empty snapshot when the file does not exist yet.
func (s *FileStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	data, err := os.ReadFile(s.path) // #nosec G304 - path chosen by the user running the client
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("failed to read outbox: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode outbox: %w", err)
	}
	return snap, nil
}

func (s *FileStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode outbox: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), constants.DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create outbox directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write temporary outbox: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename outbox: %w", err)
	}
	return nil
}

// MemoryStore keeps the snapshot in process. It is used when no outbox
// file is configured.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

func (s *MemoryStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Pending: append([]PendingEntry(nil), s.snap.Pending...)}, nil
}

func (s *MemoryStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Pending: append([]PendingEntry(nil), snap.Pending...)}
	return nil
}
