package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the single writer for the persisted snapshot. Every
// read-modify-write runs under the store lock; the lock is never held across
// subprocess or network I/O because mutation closures only touch the state
// value.
type Store struct {
	mu     sync.Mutex
	path   string
	cur    *State
	onSave func(reason string, snap *State)
}

// NewStore opens (or initializes) the snapshot at path. A missing file yields
// a fresh empty state persisted immediately; a present file is normalized and
// rewritten once when normalization changed anything.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.cur = &State{Version: SchemaVersion, Projects: []*Project{}, Chats: []*Chat{}}
		if _, err := Normalize(s.cur); err != nil {
			return nil, err
		}
		if err := s.write(s.cur); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
		}
		changed, err := Normalize(&st)
		if err != nil {
			return nil, err
		}
		s.cur = &st
		if changed {
			if err := s.write(&st); err != nil {
				return nil, err
			}
			// No publish: OnSave is not wired yet during construction, and
			// subscribers bootstrap from the snapshot hello anyway.
		}
	}
	return s, nil
}

// OnSave registers the save-then-publish hook. Called exactly once after a
// successful write, outside the store lock.
func (s *Store) OnSave(fn func(reason string, snap *State)) {
	s.mu.Lock()
	s.onSave = fn
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(s.cur)
}

// Mutate applies fn to a working copy, persists it, and publishes the reason.
// If fn returns an error nothing is written. The returned state is a copy
// callers may keep.
func (s *Store) Mutate(reason string, fn func(st *State) error) (*State, error) {
	s.mu.Lock()
	work := deepCopy(s.cur)
	if err := fn(work); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.write(work); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.cur = work
	hook := s.onSave
	snap := deepCopy(work)
	s.mu.Unlock()

	if hook != nil {
		hook(reason, snap)
	}
	return snap, nil
}

// write persists via temp-file-then-rename so readers never observe a torn
// snapshot.
func (s *Store) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func deepCopy(st *State) *State {
	data, err := json.Marshal(st)
	if err != nil {
		// The state is plain data; marshal cannot fail for valid snapshots.
		panic(fmt.Sprintf("state deep copy: %v", err))
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("state deep copy: %v", err))
	}
	return &out
}
