// Package store caches the currently known config maps and reduces them
// into the desired state of the target directory.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	corev1 "k8s.io/api/core/v1"

	"github.com/metlos/cm-bump/pkg/logging"
)

// Entry is one config file: its raw content and a digest of it. The digest
// is what change detection compares, so metadata-only ConfigMap updates do
// not count as changes.
type Entry struct {
	Content []byte
	Digest  string
}

// Fingerprint returns the hex-encoded SHA-256 digest of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ConfigObject is the cached form of a watched ConfigMap: its identity and
// the file entries derived from its data.
type ConfigObject struct {
	Namespace       string
	Name            string
	ResourceVersion string
	Files           map[string]Entry
}

// NewConfigObject converts a ConfigMap into its cached form. Both Data and
// BinaryData keys become file entries; BinaryData wins on a duplicate key,
// matching the API server's validation that forbids such duplicates anyway.
func NewConfigObject(cm *corev1.ConfigMap) *ConfigObject {
	files := make(map[string]Entry, len(cm.Data)+len(cm.BinaryData))
	for key, value := range cm.Data {
		content := []byte(value)
		files[key] = Entry{Content: content, Digest: Fingerprint(content)}
	}
	for key, value := range cm.BinaryData {
		content := make([]byte, len(value))
		copy(content, value)
		files[key] = Entry{Content: content, Digest: Fingerprint(content)}
	}

	return &ConfigObject{
		Namespace:       cm.Namespace,
		Name:            cm.Name,
		ResourceVersion: cm.ResourceVersion,
		Files:           files,
	}
}

// FileSet is the desired state of the target directory: relative file path
// to entry.
type FileSet map[string]Entry

// Store is the in-memory cache of all currently known config objects.
// It is mutated by the watch controller and read by the sync loop via
// Snapshot; it performs no I/O itself.
type Store struct {
	mu      sync.Mutex
	objects map[string]*ConfigObject
}

func New() *Store {
	return &Store{
		objects: make(map[string]*ConfigObject),
	}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// Upsert inserts or replaces an object by identity.
func (s *Store) Upsert(obj *ConfigObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key(obj.Namespace, obj.Name)] = obj
}

// Delete removes an object by identity. Deleting an unknown object is a
// no-op; a watch recovering from an outage may replay deletions.
func (s *Store) Delete(namespace, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key(namespace, name))
}

// Replace swaps the entire cache for the given set of objects. Used after a
// full re-list, which is authoritative: anything not in the list is gone.
func (s *Store) Replace(objs []*ConfigObject) {
	fresh := make(map[string]*ConfigObject, len(objs))
	for _, obj := range objs {
		fresh[key(obj.Namespace, obj.Name)] = obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = fresh
}

// Len returns the number of cached objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Snapshot reduces all cached objects into a single flat FileSet. When two
// objects carry the same key, the object with the lexicographically
// smallest name wins; the loser is logged. The rule is deterministic and
// independent of map iteration order.
func (s *Store) Snapshot() FileSet {
	s.mu.Lock()
	names := make([]string, 0, len(s.objects))
	for k := range s.objects {
		names = append(names, k)
	}
	sort.Strings(names)

	desired := make(FileSet)
	owners := make(map[string]string)
	for _, n := range names {
		obj := s.objects[n]
		for file, entry := range obj.Files {
			if owner, taken := owners[file]; taken {
				logging.Warn("Store", "Key %q of config map %s shadowed by %s", file, n, owner)
				continue
			}
			owners[file] = n
			desired[file] = entry
		}
	}
	s.mu.Unlock()

	return desired
}
