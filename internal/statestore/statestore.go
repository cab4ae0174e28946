// Package statestore persists team state as JSON under a root directory,
// one file per team, written atomically so a crash never leaves a torn
// snapshot on disk.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/fsutil"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// Store reads and writes team state snapshots under Root.
type Store struct {
	root string
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Path returns the snapshot path for a team.
func (s *Store) Path(teamID string) string {
	return filepath.Join(s.root, "teams", teamID, "state.json")
}

// AuditLogPath returns the NDJSON audit log path for a team.
func (s *Store) AuditLogPath(teamID string) string {
	return filepath.Join(s.root, "teams", teamID, "audit.ndjson")
}

// Save writes the state snapshot atomically.
func (s *Store) Save(state *team.State) error {
	if state == nil || state.Team.ID == "" {
		return fmt.Errorf("statestore: refusing to save state without a team id")
	}
	if err := fsutil.AtomicWriteJSON(s.Path(state.Team.ID), state); err != nil {
		return fmt.Errorf("statestore: save team %s: %w", state.Team.ID, err)
	}
	return nil
}

// Load reads one team's snapshot.
func (s *Store) Load(teamID string) (*team.State, error) {
	data, err := os.ReadFile(s.Path(teamID))
	if err != nil {
		return nil, fmt.Errorf("statestore: read team %s: %w", teamID, err)
	}

	var state team.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("statestore: unmarshal team %s: %w", teamID, err)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]*team.TaskRuntime)
	}
	return &state, nil
}

// List returns the ids of all persisted teams, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "teams"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: list teams: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.Path(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
