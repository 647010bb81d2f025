package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coreclaw/coreclaw/internal/log"
)

// Options tunes the engine for the project's packaging conventions.
type Options struct {
	PackageFile    string   // project manifest receiving added deps
	EnvFile        string   // env-example file receiving added var names
	InstallCommand []string // run after deps were added; empty skips install
}

// DefaultOptions matches the layout of the worker skill packs.
func DefaultOptions() Options {
	return Options{
		PackageFile: "package.json",
		EnvFile:     ".env.example",
	}
}

// Result reports the outcome of an apply. Success is false when the apply
// was rolled back or when merge conflicts were written.
type Result struct {
	Skill          string   `json:"skill"`
	Version        string   `json:"version"`
	Success        bool     `json:"success"`
	AddedFiles     []string `json:"addedFiles,omitempty"`
	ModifiedFiles  []string `json:"modifiedFiles,omitempty"`
	MergeConflicts []string `json:"mergeConflicts,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Engine applies and removes skill packs for one project root. Callers must
// not run two operations on the same root concurrently; the base and backup
// trees are a single slot.
type Engine struct {
	root   string
	opts   Options
	backup *backupSet
}

// NewEngine creates a skill engine rooted at the project directory.
func NewEngine(root string, opts Options) *Engine {
	if opts.PackageFile == "" {
		opts.PackageFile = DefaultOptions().PackageFile
	}
	if opts.EnvFile == "" {
		opts.EnvFile = DefaultOptions().EnvFile
	}
	return &Engine{root: root, opts: opts, backup: newBackupSet(root)}
}

// List returns the applied skills in application order.
func (e *Engine) List() ([]AppliedSkill, error) {
	state, err := loadState(e.root)
	if err != nil {
		return nil, err
	}
	return state.AppliedSkills, nil
}

// Apply installs the skill at dir. Any failure during the mutation steps
// restores the project to its pre-apply state. Merge conflicts do not roll
// back: the conflict-marked files are written and recorded, with Success
// false so callers surface them.
func (e *Engine) Apply(dir string) (*Result, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	state, err := loadState(e.root)
	if err != nil {
		return nil, err
	}
	if err := preflight(manifest, state); err != nil {
		return nil, err
	}

	touched := manifest.touchedFiles()
	if len(manifest.Packages.Deps) > 0 {
		touched = append(touched, e.opts.PackageFile)
	}
	if len(manifest.Packages.Env) > 0 {
		touched = append(touched, e.opts.EnvFile)
	}
	if err := e.backup.create(touched); err != nil {
		return nil, err
	}

	log.Info(log.CatSkill, "applying skill",
		"skill", manifest.Skill, "version", manifest.Version, "files", len(touched))

	// Every failure from here until the state file is written rolls the
	// project back to its pre-apply tree.
	rollback := func(cause error) (*Result, error) {
		log.ErrorErr(log.CatSkill, "skill apply failed, rolling back", cause, "skill", manifest.Skill)
		if restoreErr := e.backup.restore(); restoreErr != nil {
			log.ErrorErr(log.CatSkill, "rollback incomplete", restoreErr, "skill", manifest.Skill)
		}
		_ = e.backup.clear()
		return &Result{
			Skill:   manifest.Skill,
			Version: manifest.Version,
			Error:   cause.Error(),
		}, cause
	}

	conflicts, err := e.applySteps(dir, manifest)
	if err != nil {
		return rollback(err)
	}

	record := AppliedSkill{
		Name:           manifest.Skill,
		Version:        manifest.Version,
		AppliedAt:      time.Now().UTC(),
		Files:          make(map[string]string, len(touched)),
		AddedFiles:     append([]string(nil), manifest.Adds...),
		ModifiedFiles:  append([]string(nil), manifest.Modifies...),
		AddedDeps:      manifest.Packages.Deps,
		AddedEnv:       manifest.Packages.Env,
		Depends:        append([]string(nil), manifest.Depends...),
		MergeConflicts: conflicts,
	}
	for _, rel := range touched {
		hash, err := hashFile(filepath.Join(e.root, rel))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return rollback(fmt.Errorf("hash %s: %w", rel, err))
		}
		record.Files[rel] = hash
	}

	state.AppliedSkills = append(state.AppliedSkills, record)
	if err := saveState(e.root, state); err != nil {
		return rollback(err)
	}
	if err := e.backup.clear(); err != nil {
		return nil, err
	}

	log.Info(log.CatSkill, "skill applied",
		"skill", manifest.Skill, "conflicts", len(conflicts))
	return &Result{
		Skill:          manifest.Skill,
		Version:        manifest.Version,
		Success:        len(conflicts) == 0,
		AddedFiles:     record.AddedFiles,
		ModifiedFiles:  record.ModifiedFiles,
		MergeConflicts: conflicts,
	}, nil
}

// preflight checks apply preconditions and joins all failures into one error.
func preflight(m *Manifest, state *State) error {
	var problems []string
	if state.find(m.Skill) != nil {
		problems = append(problems, fmt.Sprintf("skill %s is already applied", m.Skill))
	}
	for _, dep := range m.Depends {
		if state.find(dep) == nil {
			problems = append(problems, fmt.Sprintf("required skill %s is not applied", dep))
		}
	}
	for _, conflict := range m.Conflicts {
		if state.find(conflict) != nil {
			problems = append(problems, fmt.Sprintf("conflicting skill %s is applied", conflict))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("cannot apply %s: %s", m.Skill, strings.Join(problems, "; "))
	}
	return nil
}

// applySteps runs the mutation steps (file ops, adds, modifies, packages,
// commands). The caller handles rollback on error.
func (e *Engine) applySteps(dir string, m *Manifest) (conflicts []string, err error) {
	if err := e.runFileOps(m.FileOps); err != nil {
		return nil, err
	}

	for _, rel := range m.Adds {
		src := filepath.Join(dir, "add", rel)
		if _, err := os.Stat(src); err != nil {
			return nil, fmt.Errorf("adds source %s: %w", rel, err)
		}
		if err := copyFile(src, filepath.Join(e.root, rel)); err != nil {
			return nil, fmt.Errorf("add %s: %w", rel, err)
		}
	}

	// Base snapshots are written only after every modify merged, so a failed
	// apply leaves the base tree untouched.
	pendingBase := make(map[string][]byte)
	for _, rel := range m.Modifies {
		conflicted, baseContent, err := e.modifyFile(dir, rel)
		if err != nil {
			return nil, err
		}
		if conflicted {
			conflicts = append(conflicts, rel)
		}
		if baseContent != nil {
			pendingBase[rel] = baseContent
		}
	}
	for rel, content := range pendingBase {
		basePath := filepath.Join(e.root, stateDirName, baseDirName, rel)
		if err := os.MkdirAll(filepath.Dir(basePath), 0o750); err != nil {
			return nil, fmt.Errorf("create base dir: %w", err)
		}
		if err := os.WriteFile(basePath, content, 0o600); err != nil {
			return nil, fmt.Errorf("write base snapshot %s: %w", rel, err)
		}
	}

	depsAdded, err := e.mergePackages(m.Packages)
	if err != nil {
		return nil, err
	}

	if depsAdded && len(e.opts.InstallCommand) > 0 {
		if err := e.runCommand(strings.Join(e.opts.InstallCommand, " ")); err != nil {
			return nil, fmt.Errorf("dependency install: %w", err)
		}
	}
	for _, cmd := range m.PostApply {
		if err := e.runCommand(cmd); err != nil {
			return nil, fmt.Errorf("post_apply %q: %w", cmd, err)
		}
	}
	if m.Test != "" {
		if err := e.runCommand(m.Test); err != nil {
			return nil, fmt.Errorf("skill test %q: %w", m.Test, err)
		}
	}

	sort.Strings(conflicts)
	return conflicts, nil
}

// modifyFile three-way merges one file. It returns whether the merge
// conflicted and, when the file had no base snapshot yet, the content to
// snapshot after all modifies succeed.
func (e *Engine) modifyFile(dir, rel string) (bool, []byte, error) {
	skillData, err := os.ReadFile(filepath.Join(dir, "modify", rel))
	if err != nil {
		return false, nil, fmt.Errorf("modifies source %s: %w", rel, err)
	}

	target := filepath.Join(e.root, rel)
	currentData, err := os.ReadFile(target)
	currentExists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return false, nil, fmt.Errorf("read %s: %w", rel, err)
	}

	basePath := filepath.Join(e.root, stateDirName, baseDirName, rel)
	baseData, err := os.ReadFile(basePath)
	baseKnown := err == nil
	if err != nil && !os.IsNotExist(err) {
		return false, nil, fmt.Errorf("read base snapshot %s: %w", rel, err)
	}

	var newBase []byte
	if !baseKnown && currentExists {
		// First skill to touch this file; the current content becomes base.
		baseData = currentData
		baseKnown = true
		newBase = currentData
	}

	merged, conflicted := threeWayMerge(string(baseData), string(currentData), string(skillData), baseKnown)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return false, nil, fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, []byte(merged), 0o600); err != nil {
		return false, nil, fmt.Errorf("write %s: %w", rel, err)
	}
	if conflicted {
		log.Warn(log.CatSkill, "merge conflict written", "file", rel)
	}
	return conflicted, newBase, nil
}

func (e *Engine) runFileOps(ops []FileOp) error {
	for _, op := range ops {
		from := filepath.Join(e.root, op.From)
		switch op.Op {
		case "delete":
			if err := os.Remove(from); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("file_ops delete %s: %w", op.From, err)
			}
		case "rename", "move":
			to := filepath.Join(e.root, op.To)
			if err := os.MkdirAll(filepath.Dir(to), 0o750); err != nil {
				return fmt.Errorf("file_ops %s %s: %w", op.Op, op.To, err)
			}
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("file_ops %s %s: %w", op.Op, op.From, err)
			}
		}
	}
	return nil
}

// mergePackages adds declared deps to the package file and declared env-var
// names to the env-example file. Returns whether any dep was new.
func (e *Engine) mergePackages(p Packages) (bool, error) {
	depsAdded := false
	if len(p.Deps) > 0 {
		added, err := mergeDepsFile(filepath.Join(e.root, e.opts.PackageFile), p.Deps)
		if err != nil {
			return false, err
		}
		depsAdded = added
	}

	if len(p.Env) > 0 {
		if err := appendEnvNames(filepath.Join(e.root, e.opts.EnvFile), p.Env); err != nil {
			return false, err
		}
	}
	return depsAdded, nil
}

// mergeDepsFile merges name->version pairs into the "dependencies" object of
// a JSON package file, creating the file if needed. Existing entries keep
// their version.
func mergeDepsFile(path string, deps map[string]string) (bool, error) {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	section, _ := doc["dependencies"].(map[string]any)
	if section == nil {
		section = map[string]any{}
	}
	added := false
	for name, version := range deps {
		if _, exists := section[name]; !exists {
			section[name] = version
			added = true
		}
	}
	if !added {
		return false, nil
	}
	doc["dependencies"] = section

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// appendEnvNames appends each missing env-var name as a `NAME=` line.
func appendEnvNames(path string, names []string) error {
	existing := map[string]bool{}
	data, err := os.ReadFile(path)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			name, _, found := strings.Cut(strings.TrimSpace(line), "=")
			if found {
				existing[name] = true
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var sb strings.Builder
	sb.Write(data)
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		sb.WriteString("\n")
	}
	appended := false
	for _, name := range names {
		if !existing[name] {
			sb.WriteString(name + "=\n")
			appended = true
		}
	}
	if !appended {
		return nil
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (e *Engine) runCommand(cmdline string) error {
	cmd := exec.Command("sh", "-c", cmdline)
	cmd.Dir = e.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		snippet := strings.TrimSpace(string(out))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("%w: %s", err, snippet)
	}
	return nil
}

// Uninstall removes an applied skill: files with a base snapshot are
// restored, files the skill introduced are deleted with empty directories
// pruned, and added deps are removed from the package file.
func (e *Engine) Uninstall(name string) error {
	state, err := loadState(e.root)
	if err != nil {
		return err
	}
	record := state.find(name)
	if record == nil {
		return fmt.Errorf("skill %s is not applied", name)
	}
	for _, other := range state.AppliedSkills {
		if other.Name == name {
			continue
		}
		for _, dep := range other.Depends {
			if dep == name {
				return fmt.Errorf("cannot remove %s: skill %s depends on it", name, other.Name)
			}
		}
	}

	touched := make([]string, 0, len(record.Files)+1)
	for rel := range record.Files {
		touched = append(touched, rel)
	}
	sort.Strings(touched)
	if len(record.AddedDeps) > 0 {
		touched = append(touched, e.opts.PackageFile)
	}
	if err := e.backup.create(touched); err != nil {
		return err
	}

	rollback := func(cause error) error {
		log.ErrorErr(log.CatSkill, "skill uninstall failed, rolling back", cause, "skill", name)
		if restoreErr := e.backup.restore(); restoreErr != nil {
			log.ErrorErr(log.CatSkill, "rollback incomplete", restoreErr, "skill", name)
		}
		_ = e.backup.clear()
		return cause
	}

	if err := e.uninstallSteps(record); err != nil {
		return rollback(err)
	}

	state.remove(name)
	if err := saveState(e.root, state); err != nil {
		return rollback(err)
	}
	if err := e.backup.clear(); err != nil {
		return err
	}
	log.Info(log.CatSkill, "skill removed", "skill", name)
	return nil
}

func (e *Engine) uninstallSteps(record *AppliedSkill) error {
	rels := make([]string, 0, len(record.Files))
	for rel := range record.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		if rel == e.opts.PackageFile || rel == e.opts.EnvFile {
			continue
		}
		target := filepath.Join(e.root, rel)
		basePath := filepath.Join(e.root, stateDirName, baseDirName, rel)

		if _, err := os.Stat(basePath); err == nil {
			if err := copyFile(basePath, target); err != nil {
				return fmt.Errorf("restore %s: %w", rel, err)
			}
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat base snapshot %s: %w", rel, err)
		}

		// The skill introduced this file.
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
		pruneEmptyDirs(e.root, filepath.Dir(target))
	}

	if len(record.AddedDeps) > 0 {
		if err := removeDeps(filepath.Join(e.root, e.opts.PackageFile), record.AddedDeps); err != nil {
			return err
		}
	}
	return nil
}

// removeDeps drops the named dependencies from the package file.
func removeDeps(path string, deps map[string]string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	section, _ := doc["dependencies"].(map[string]any)
	if section == nil {
		return nil
	}
	for name := range deps {
		delete(section, name)
	}
	doc["dependencies"] = section

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
