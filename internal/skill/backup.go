package skill

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// backupManifest lists every file a backup covers. Files listed here but
// absent from the backup tree did not exist before the operation.
type backupManifest struct {
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// backupSet snapshots a set of project files so a failed operation can be
// undone. One backup slot exists per project root.
type backupSet struct {
	root string // project root
	dir  string // <root>/.coreclaw/backup
}

func newBackupSet(root string) *backupSet {
	return &backupSet{
		root: root,
		dir:  filepath.Join(root, stateDirName, backupDirName),
	}
}

// create snapshots the given project-relative files. Existing files are
// copied into the backup tree; missing ones are only listed in the manifest
// so restore knows to delete them.
func (b *backupSet) create(files []string) error {
	if err := b.clear(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	for _, rel := range files {
		src := filepath.Join(b.root, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if err := copyFile(src, filepath.Join(b.dir, rel)); err != nil {
			return fmt.Errorf("backup %s: %w", rel, err)
		}
	}

	manifest := backupManifest{Files: files, CreatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.dir, "_manifest.json"), data, 0o600); err != nil {
		return fmt.Errorf("write backup manifest: %w", err)
	}
	return nil
}

// restore puts every file in the backup manifest back to its pre-operation
// state: copied back if it existed, deleted if it did not.
func (b *backupSet) restore() error {
	data, err := os.ReadFile(filepath.Join(b.dir, "_manifest.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup manifest: %w", err)
	}

	var manifest backupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse backup manifest: %w", err)
	}

	var firstErr error
	for _, rel := range manifest.Files {
		saved := filepath.Join(b.dir, rel)
		target := filepath.Join(b.root, rel)

		if _, err := os.Stat(saved); os.IsNotExist(err) {
			// File did not exist before; remove whatever the operation left.
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", rel, err)
			}
			pruneEmptyDirs(b.root, filepath.Dir(target))
			continue
		}
		if err := copyFile(saved, target); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	return firstErr
}

// clear discards the backup slot.
func (b *backupSet) clear() error {
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("clear backup: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// pruneEmptyDirs removes now-empty directories from dir up to, but not
// including, root.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || len(dir) <= len(root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
