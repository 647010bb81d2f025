// Package skill implements installable skill packs: directories carrying a
// manifest plus file payloads, applied to a project tree with snapshot-based
// rollback and three-way merging of modified files.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file inside a skill directory.
const ManifestName = "skill.yaml"

// FileOp is a pre-merge filesystem operation executed against the project
// tree before any adds or modifies.
type FileOp struct {
	Op   string `yaml:"op"` // delete, rename or move
	From string `yaml:"from"`
	To   string `yaml:"to,omitempty"`
}

// Packages declares the dependency and environment surface a skill adds.
type Packages struct {
	Deps map[string]string `yaml:"deps,omitempty"` // name -> version
	Env  []string          `yaml:"env,omitempty"`  // env-var names
}

// Manifest describes a skill pack. Sources for Adds live under <dir>/add/,
// sources for Modifies under <dir>/modify/.
type Manifest struct {
	Skill       string   `yaml:"skill"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	Adds        []string `yaml:"adds,omitempty"`
	Modifies    []string `yaml:"modifies,omitempty"`
	Packages    Packages `yaml:"packages,omitempty"`
	Depends     []string `yaml:"depends,omitempty"`
	Conflicts   []string `yaml:"conflicts,omitempty"`
	Test        string   `yaml:"test,omitempty"`
	PostApply   []string `yaml:"post_apply,omitempty"`
	FileOps     []FileOp `yaml:"file_ops,omitempty"`
}

// ReadManifest loads and validates the manifest of a skill directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read skill manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse skill manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Skill == "" {
		return fmt.Errorf("skill manifest: missing skill name")
	}
	if m.Version == "" {
		return fmt.Errorf("skill manifest: missing version")
	}
	for _, rel := range append(append([]string{}, m.Adds...), m.Modifies...) {
		if err := checkRelPath(rel); err != nil {
			return fmt.Errorf("skill manifest: %w", err)
		}
	}
	for i, op := range m.FileOps {
		switch op.Op {
		case "delete":
			if op.From == "" {
				return fmt.Errorf("skill manifest: file_ops[%d]: delete needs from", i)
			}
		case "rename", "move":
			if op.From == "" || op.To == "" {
				return fmt.Errorf("skill manifest: file_ops[%d]: %s needs from and to", i, op.Op)
			}
		default:
			return fmt.Errorf("skill manifest: file_ops[%d]: unknown op %q", i, op.Op)
		}
	}
	return nil
}

// touchedFiles is every project-relative path the skill writes or moves.
func (m *Manifest) touchedFiles() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(rel string) {
		if rel != "" && !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	for _, rel := range m.Adds {
		add(rel)
	}
	for _, rel := range m.Modifies {
		add(rel)
	}
	for _, op := range m.FileOps {
		add(op.From)
		add(op.To)
	}
	return out
}

// checkRelPath rejects absolute paths and traversal outside the project root.
func checkRelPath(rel string) error {
	if rel == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return fmt.Errorf("absolute path %q not allowed", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes project root", rel)
	}
	return nil
}
