package skill

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EngineVersion is recorded in the state file so future engines can migrate.
const EngineVersion = "1"

const (
	stateDirName  = ".coreclaw"
	stateFileName = "state.json"
	baseDirName   = "base"
	backupDirName = "backup"
)

// AppliedSkill is one entry in the state file.
type AppliedSkill struct {
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	AppliedAt      time.Time         `json:"appliedAt"`
	Files          map[string]string `json:"files"` // rel path -> sha256 of applied content
	AddedFiles     []string          `json:"addedFiles,omitempty"`
	ModifiedFiles  []string          `json:"modifiedFiles,omitempty"`
	AddedDeps      map[string]string `json:"addedDeps,omitempty"`
	AddedEnv       []string          `json:"addedEnv,omitempty"`
	Depends        []string          `json:"depends,omitempty"`
	MergeConflicts []string          `json:"mergeConflicts,omitempty"`
}

// State is the persisted engine state for one project root.
type State struct {
	EngineVersion       string         `json:"engineVersion"`
	AppliedSkills       []AppliedSkill `json:"appliedSkills"`
	CustomModifications []string       `json:"customModifications,omitempty"`
}

func (s *State) find(name string) *AppliedSkill {
	for i := range s.AppliedSkills {
		if s.AppliedSkills[i].Name == name {
			return &s.AppliedSkills[i]
		}
	}
	return nil
}

func (s *State) remove(name string) {
	for i := range s.AppliedSkills {
		if s.AppliedSkills[i].Name == name {
			s.AppliedSkills = append(s.AppliedSkills[:i], s.AppliedSkills[i+1:]...)
			return
		}
	}
}

// loadState reads the project's state file; a missing file yields an empty
// state.
func loadState(root string) (*State, error) {
	path := filepath.Join(root, stateDirName, stateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{EngineVersion: EngineVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skill state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse skill state: %w", err)
	}
	if s.EngineVersion == "" {
		s.EngineVersion = EngineVersion
	}
	return &s, nil
}

// saveState writes the state file via tmp+rename.
func saveState(root string, s *State) error {
	dir := filepath.Join(root, stateDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode skill state: %w", err)
	}

	path := filepath.Join(dir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write skill state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace skill state: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
