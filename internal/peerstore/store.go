package peerstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/srg/blesync/internal/link"
	"gopkg.in/yaml.v3"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// State is the on-disk representation of the remembered peer.
type State struct {
	Version int               `yaml:"version"`
	SavedAt time.Time         `yaml:"saved_at"`
	Peer    link.PeerIdentity `yaml:"peer"`
}

// FileStore persists the remembered peer to a YAML file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the zero identity when the file does not exist.
func (s *FileStore) Load() (link.PeerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return link.PeerIdentity{}, nil
	}
	if err != nil {
		return link.PeerIdentity{}, fmt.Errorf("failed to read peer state %s: %w", s.path, err)
	}

	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return link.PeerIdentity{}, fmt.Errorf("failed to parse peer state %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return link.PeerIdentity{}, fmt.Errorf("peer state %s has unsupported version %d", s.path, state.Version)
	}
	return state.Peer, nil
}

// Save writes the peer atomically: a temp file is renamed over the target.
func (s *FileStore) Save(peer link.PeerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(&State{
		Version: StateVersion,
		SavedAt: time.Now().UTC(),
		Peer:    peer,
	})
	if err != nil {
		return fmt.Errorf("failed to encode peer state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write peer state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace peer state: %w", err)
	}
	return nil
}

// Clear removes the state file. Clearing a missing file is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove peer state: %w", err)
	}
	return nil
}

// MemoryStore keeps the peer in memory. Used when no state file is configured.
type MemoryStore struct {
	mu   sync.Mutex
	peer link.PeerIdentity
}

// NewMemoryStore returns a store pre-populated with peer.
func NewMemoryStore(peer link.PeerIdentity) *MemoryStore {
	return &MemoryStore{peer: peer}
}

func (s *MemoryStore) Load() (link.PeerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, nil
}

func (s *MemoryStore) Save(peer link.PeerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = link.PeerIdentity{}
	return nil
}

var (
	_ link.PeerStore = (*FileStore)(nil)
	_ link.PeerStore = (*MemoryStore)(nil)
)
