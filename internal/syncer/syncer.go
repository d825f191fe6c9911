// Package syncer materializes a desired file set in the target directory
// with atomic, idempotent writes.
package syncer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/metlos/cm-bump/internal/store"
	"github.com/metlos/cm-bump/pkg/logging"
)

// tmpPrefix marks in-flight writes. Files with this prefix are never part
// of the manifest and leftovers from a crashed run are swept at startup.
const tmpPrefix = ".cm-bump-"

// Syncer applies a desired file set to a target directory. It is the only
// writer of that directory; writes go through a temp file and an atomic
// rename so a concurrent reader never sees partial content.
//
// Syncer is not safe for concurrent use. The sync loop is its single
// caller.
type Syncer struct {
	dir string

	// manifest maps relative paths to the digest last applied to disk.
	// Rebuilt from disk at startup, updated only on successful operations.
	manifest map[string]string
}

// New validates the target directory and builds the initial manifest by
// hashing the files already present. A missing or unwritable directory is
// a fatal configuration error.
func New(dir string) (*Syncer, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to check the target directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("target path %q is not a directory", dir)
	}
	if err := checkWritable(dir); err != nil {
		return nil, fmt.Errorf("target directory %q is not writable: %w", dir, err)
	}

	s := &Syncer{
		dir:      dir,
		manifest: make(map[string]string),
	}
	if err := s.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan the target directory %q: %w", dir, err)
	}

	return s, nil
}

// checkWritable probes the directory with a throwaway temp file. Stat-based
// permission checks lie under fsGroup and root-squash setups.
func checkWritable(dir string) error {
	probe, err := os.CreateTemp(dir, tmpPrefix+"probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// scan walks the target directory, hashing regular files into the manifest
// and sweeping stale temp files from a previous run.
func (s *Syncer) scan() error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			logging.Debug("Syncer", "Removing stale temp file %s", path)
			if err := os.Remove(path); err != nil {
				logging.Warn("Syncer", "Failed to remove stale temp file %s: %v", path, err)
			}
			return nil
		}

		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		s.manifest[filepath.ToSlash(rel)] = store.Fingerprint(content)
		return nil
	})
}

// Manifest returns a copy of the current path-to-digest manifest.
func (s *Syncer) Manifest() map[string]string {
	out := make(map[string]string, len(s.manifest))
	for path, digest := range s.manifest {
		out[path] = digest
	}
	return out
}

// Apply brings the target directory in line with desired and reports
// whether anything on disk actually changed. Unchanged digests are skipped
// entirely; that skip is what keeps a metadata-only update from bumping
// the payload.
//
// Individual failures do not abort the pass: the remaining operations are
// still attempted, the manifest keeps the pre-failure state for the failed
// paths, and the collected error tells the caller the cycle should run
// again.
func (s *Syncer) Apply(desired store.FileSet) (bool, error) {
	changed := false
	var errs []error

	// Deletions first, so a key moving between objects cannot transiently
	// collide with its own old file.
	for _, path := range sortedKeys(s.manifest) {
		if _, keep := desired[path]; keep {
			continue
		}
		logging.Debug("Syncer", "Deleting config file %s", path)
		if err := s.remove(path); err != nil {
			logging.Error("Syncer", err, "Failed to delete the config file %q", path)
			errs = append(errs, err)
			continue
		}
		delete(s.manifest, path)
		changed = true
	}

	for _, path := range sortedFileSetKeys(desired) {
		entry := desired[path]
		if !filepath.IsLocal(filepath.FromSlash(path)) {
			err := fmt.Errorf("config key %q escapes the target directory", path)
			logging.Error("Syncer", err, "Refusing to write the config file %q", path)
			errs = append(errs, err)
			continue
		}
		if s.manifest[path] == entry.Digest {
			logging.Debug("Syncer", "Config file %s unchanged, skipping", path)
			continue
		}
		if err := s.write(path, entry.Content); err != nil {
			logging.Error("Syncer", err, "Failed to update the config file %q", path)
			errs = append(errs, err)
			continue
		}
		logging.Debug("Syncer", "Updated config file %s", path)
		s.manifest[path] = entry.Digest
		changed = true
	}

	return changed, errors.Join(errs...)
}

// write places content at the relative path via temp file plus rename. If
// the parent directory vanished between MkdirAll and the rename (a delete
// in the same pass pruned it), the write is retried once.
func (s *Syncer) write(path string, content []byte) error {
	dest := filepath.Join(s.dir, filepath.FromSlash(path))

	err := s.writeOnce(dest, content)
	if errors.Is(err, fs.ErrNotExist) {
		err = s.writeOnce(dest, content)
	}
	return err
}

func (s *Syncer) writeOnce(dest string, content []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, dest)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// remove deletes the file at the relative path and prunes parent
// directories it leaves empty, up to (but never including) the target
// directory.
func (s *Syncer) remove(path string) error {
	dest := filepath.Join(s.dir, filepath.FromSlash(path))
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	for dir := filepath.Dir(dest); dir != s.dir && strings.HasPrefix(dir, s.dir); dir = filepath.Dir(dir) {
		// Fails on non-empty directories, which ends the pruning.
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFileSetKeys(m store.FileSet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
