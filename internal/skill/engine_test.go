package skill

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeSkill lays out a skill directory from a manifest body plus payload
// files under add/ and modify/.
func writeSkill(t *testing.T, manifest string, adds, modifies map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o600))
	for rel, content := range adds {
		path := filepath.Join(dir, "add", rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	for rel, content := range modifies {
		path := filepath.Join(dir, "modify", rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func readProjectFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

// treeSnapshot maps rel path -> content for everything outside .coreclaw.
func treeSnapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	snap := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if rel == stateDirName || strings.HasPrefix(rel, stateDirName+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			snap[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		snap[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return snap
}

func TestEngine_ApplyAdds(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, `skill: greeter
version: 1.0.0
adds:
  - prompts/greeting.md
  - config/greeter.yaml
`, map[string]string{
		"prompts/greeting.md": "Say hello warmly.\n",
		"config/greeter.yaml": "tone: warm\n",
	}, nil)

	eng := NewEngine(root, Options{})
	res, err := eng.Apply(dir)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.ElementsMatch(t, []string{"prompts/greeting.md", "config/greeter.yaml"}, res.AddedFiles)

	require.Equal(t, "Say hello warmly.\n", readProjectFile(t, root, "prompts/greeting.md"))

	applied, err := eng.List()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, "greeter", applied[0].Name)
	require.Len(t, applied[0].Files, 2)
	for _, hash := range applied[0].Files {
		require.Len(t, hash, 64)
	}

	// Backup slot is cleared after a successful apply.
	_, err = os.Stat(filepath.Join(root, stateDirName, backupDirName))
	require.True(t, os.IsNotExist(err))
}

func TestEngine_ApplyThenUninstallRestoresTree(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "README.md", "project readme\n")
	before := treeSnapshot(t, root)

	dir := writeSkill(t, `skill: greeter
version: 1.0.0
adds:
  - prompts/nested/deep/greeting.md
`, map[string]string{
		"prompts/nested/deep/greeting.md": "Say hello warmly.\n",
	}, nil)

	eng := NewEngine(root, Options{})
	_, err := eng.Apply(dir)
	require.NoError(t, err)
	require.NoError(t, eng.Uninstall("greeter"))

	// Byte-identical tree, introduced directories pruned.
	require.Equal(t, before, treeSnapshot(t, root))

	applied, err := eng.List()
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestEngine_ModifyMergesAndSnapshotsBase(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "prompts/system.md", "original prompt\n")

	dir := writeSkill(t, `skill: sharpen
version: 2.1.0
modifies:
  - prompts/system.md
`, nil, map[string]string{
		"prompts/system.md": "sharpened prompt\n",
	})

	eng := NewEngine(root, Options{})
	res, err := eng.Apply(dir)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Empty(t, res.MergeConflicts)

	require.Equal(t, "sharpened prompt\n", readProjectFile(t, root, "prompts/system.md"))

	base, err := os.ReadFile(filepath.Join(root, stateDirName, baseDirName, "prompts/system.md"))
	require.NoError(t, err)
	require.Equal(t, "original prompt\n", string(base))

	// Uninstall restores the base snapshot.
	require.NoError(t, eng.Uninstall("sharpen"))
	require.Equal(t, "original prompt\n", readProjectFile(t, root, "prompts/system.md"))
}

func TestEngine_FailedPostApplyRollsBack(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "prompts/system.md", "original prompt\n")

	dir := writeSkill(t, `skill: broken
version: 0.1.0
adds:
  - added.txt
modifies:
  - prompts/system.md
post_apply:
  - "exit 1"
`, map[string]string{
		"added.txt": "should vanish\n",
	}, map[string]string{
		"prompts/system.md": "skill prompt\n",
	})

	eng := NewEngine(root, Options{})
	res, err := eng.Apply(dir)
	require.Error(t, err)
	require.NotNil(t, res)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	_, statErr := os.Stat(filepath.Join(root, "added.txt"))
	require.True(t, os.IsNotExist(statErr))
	require.Equal(t, "original prompt\n", readProjectFile(t, root, "prompts/system.md"))

	applied, listErr := eng.List()
	require.NoError(t, listErr)
	require.Empty(t, applied)
}

func TestEngine_FailedTestCommandRollsBack(t *testing.T) {
	root := t.TempDir()

	dir := writeSkill(t, `skill: tested
version: 0.1.0
adds:
  - added.txt
test: "false"
`, map[string]string{"added.txt": "content\n"}, nil)

	eng := NewEngine(root, Options{})
	_, err := eng.Apply(dir)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, "added.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestEngine_FailedUninstallStateWriteRollsBack(t *testing.T) {
	root := t.TempDir()

	dir := writeSkill(t, `skill: greeter
version: 1.0.0
adds:
  - prompts/greeting.md
`, map[string]string{"prompts/greeting.md": "Say hello warmly.\n"}, nil)

	eng := NewEngine(root, Options{})
	_, err := eng.Apply(dir)
	require.NoError(t, err)

	// Block the state file's tmp+rename write so uninstall fails after the
	// files were already removed.
	tmp := filepath.Join(root, stateDirName, stateFileName+".tmp")
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "block"), 0o750))

	require.Error(t, eng.Uninstall("greeter"))

	// The removed file is back and the skill is still recorded as applied.
	require.Equal(t, "Say hello warmly.\n", readProjectFile(t, root, "prompts/greeting.md"))
	applied, err := eng.List()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, "greeter", applied[0].Name)

	// Unblocked, the uninstall goes through.
	require.NoError(t, os.RemoveAll(tmp))
	require.NoError(t, eng.Uninstall("greeter"))
	_, statErr := os.Stat(filepath.Join(root, "prompts", "greeting.md"))
	require.True(t, os.IsNotExist(statErr))
}

func TestEngine_PreflightJoinsProblems(t *testing.T) {
	root := t.TempDir()

	applied := writeSkill(t, "skill: base-pack\nversion: 1.0.0\n", nil, nil)
	eng := NewEngine(root, Options{})
	_, err := eng.Apply(applied)
	require.NoError(t, err)

	dir := writeSkill(t, `skill: picky
version: 1.0.0
depends:
  - missing-pack
conflicts:
  - base-pack
`, nil, nil)

	_, err = eng.Apply(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "required skill missing-pack is not applied")
	require.Contains(t, err.Error(), "conflicting skill base-pack is applied")

	// Re-applying an applied skill is refused.
	_, err = eng.Apply(applied)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already applied")
}

func TestEngine_DependedUponSkillCannotBeRemoved(t *testing.T) {
	root := t.TempDir()
	eng := NewEngine(root, Options{})

	baseDir := writeSkill(t, "skill: base-pack\nversion: 1.0.0\n", nil, nil)
	_, err := eng.Apply(baseDir)
	require.NoError(t, err)

	childDir := writeSkill(t, "skill: child\nversion: 1.0.0\ndepends:\n  - base-pack\n", nil, nil)
	_, err = eng.Apply(childDir)
	require.NoError(t, err)

	err = eng.Uninstall("base-pack")
	require.Error(t, err)
	require.Contains(t, err.Error(), "child depends on it")

	require.NoError(t, eng.Uninstall("child"))
	require.NoError(t, eng.Uninstall("base-pack"))
}

func TestEngine_PackagesAndEnvMerged(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "package.json",
		`{"dependencies":{"left-pad":"1.0.0"}}`)
	writeProjectFile(t, root, ".env.example", "EXISTING_VAR=\n")

	dir := writeSkill(t, `skill: mailer
version: 1.0.0
packages:
  deps:
    nodemailer: "6.9.0"
  env:
    - SMTP_HOST
    - EXISTING_VAR
`, nil, nil)

	eng := NewEngine(root, Options{})
	res, err := eng.Apply(dir)
	require.NoError(t, err)
	require.True(t, res.Success)

	var pkg map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(readProjectFile(t, root, "package.json")), &pkg))
	require.Equal(t, "6.9.0", pkg["dependencies"]["nodemailer"])
	require.Equal(t, "1.0.0", pkg["dependencies"]["left-pad"])

	env := readProjectFile(t, root, ".env.example")
	require.Contains(t, env, "SMTP_HOST=")
	// Already-present names are not duplicated.
	require.Equal(t, 1, strings.Count(env, "EXISTING_VAR="))

	require.NoError(t, eng.Uninstall("mailer"))
	require.NoError(t, json.Unmarshal([]byte(readProjectFile(t, root, "package.json")), &pkg))
	require.NotContains(t, pkg["dependencies"], "nodemailer")
	require.Equal(t, "1.0.0", pkg["dependencies"]["left-pad"])
}

func TestEngine_FileOps(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "old/name.txt", "keep this content\n")
	writeProjectFile(t, root, "obsolete.txt", "bye\n")

	dir := writeSkill(t, `skill: reorg
version: 1.0.0
file_ops:
  - {op: move, from: old/name.txt, to: new/name.txt}
  - {op: delete, from: obsolete.txt}
`, nil, nil)

	eng := NewEngine(root, Options{})
	res, err := eng.Apply(dir)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Equal(t, "keep this content\n", readProjectFile(t, root, "new/name.txt"))
	_, statErr := os.Stat(filepath.Join(root, "obsolete.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestEngine_ManifestValidation(t *testing.T) {
	root := t.TempDir()
	eng := NewEngine(root, Options{})

	for name, manifest := range map[string]string{
		"missing name":    "version: 1.0.0\n",
		"missing version": "skill: x\n",
		"absolute path":   "skill: x\nversion: 1.0.0\nadds:\n  - /etc/passwd\n",
		"traversal":       "skill: x\nversion: 1.0.0\nadds:\n  - ../outside.txt\n",
		"bad file op":     "skill: x\nversion: 1.0.0\nfile_ops:\n  - {op: explode, from: a}\n",
	} {
		dir := writeSkill(t, manifest, nil, nil)
		_, err := eng.Apply(dir)
		require.Error(t, err, name)
	}
}
