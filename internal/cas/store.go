// Package cas implements the on-disk, content-addressable object store:
// sharded object storage, fileset manifests, refs, and the tmp scratch
// area they're all atomically published through.
//
// Every write goes through write-to-tmp-with-exclusive-create followed
// by rename-over-final-path, adapted from the disk-backed blob cache
// this package is descended from. Object writes additionally dedup: if
// the destination already exists (by direct stat, or by losing an
// EEXIST race on rename), the incoming tmp file is discarded and the
// existing object is left untouched. Manifests and refs are always
// rewritten, last-writer-wins.
package cas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

const dirPerm = 0o755

// Store is a content-addressable store rooted at a directory containing
// objects/, filesets/, refs/, and tmp/ subtrees.
type Store struct {
	root string

	objectsDir  string
	filesetsDir string
	refsDir     string
	tmpDir      string

	commits singleflight.Group
}

// Open creates (if necessary) the store's directory layout rooted at
// dir and returns a ready Store.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cas: store directory is empty")
	}
	s := &Store{
		root:        dir,
		objectsDir:  filepath.Join(dir, "objects"),
		filesetsDir: filepath.Join(dir, "filesets"),
		refsDir:     filepath.Join(dir, "refs"),
		tmpDir:      filepath.Join(dir, "tmp"),
	}
	for _, d := range []string{s.objectsDir, s.filesetsDir, s.refsDir, s.tmpDir} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, fmt.Errorf("cas: create %s: %w", d, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// TmpDir returns the store's scratch directory, used by both object
// commits and the spool tee for its own temp files.
func (s *Store) TmpDir() string { return s.tmpDir }

// TempFile creates a new exclusive-create scratch file under the
// store's tmp directory. The caller is responsible for eventually
// either committing it (CommitObject) or removing it.
func (s *Store) TempFile(prefix string) (*os.File, error) {
	return os.CreateTemp(s.tmpDir, prefix+"-*")
}

// objectPath returns the sharded path for a raw-content digest:
// objects/<hash[0:2]>/<hash[2:]>.
func (s *Store) objectPath(hash digest.Digest) string {
	hex := hash.Encoded()
	return filepath.Join(s.objectsDir, hex[:2], hex[2:])
}

// HasObject reports whether an object for hash is already committed.
func (s *Store) HasObject(hash digest.Digest) bool {
	_, err := os.Stat(s.objectPath(hash))
	return err == nil
}

// CommitObject atomically publishes tmpPath as the stored object for
// hash. If the object already exists, tmpPath is discarded and the
// existing object is left unchanged (dedup). Concurrent commits of the
// same hash within this process collapse through a singleflight group so
// that only one rename (and one dedup-stat) happens per hash per race,
// though correctness does not depend on it: the rename itself is
// EEXIST-tolerant. A caller whose commit was collapsed into another's
// removes its own tmpPath.
func (s *Store) CommitObject(hash digest.Digest, tmpPath string) error {
	v, err, _ := s.commits.Do(hash.String(), func() (any, error) {
		return tmpPath, s.commitObject(hash, tmpPath)
	})
	if used, _ := v.(string); used != tmpPath {
		_ = os.Remove(tmpPath)
	}
	return err
}

func (s *Store) commitObject(hash digest.Digest, tmpPath string) error {
	final := s.objectPath(hash)

	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(tmpPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(final), dirPerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cas: create object shard dir: %w", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			_ = os.Remove(tmpPath)
			return nil
		}
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cas: commit object %s: %w", hash, err)
	}
	return nil
}

// OpenObject opens the stored (Brotli-compressed) bytes for hash.
func (s *Store) OpenObject(hash digest.Digest) (*os.File, error) {
	f, err := os.Open(s.objectPath(hash)) //nolint:gosec // path derived from a validated digest, not raw user input
	if err != nil {
		return nil, err
	}
	return f, nil
}

// filesetPath returns filesets/<id[0:2]>/<id[2:]>.json.
func (s *Store) filesetPath(id digest.Digest) string {
	hex := id.Encoded()
	return filepath.Join(s.filesetsDir, hex[:2], hex[2:]+".json")
}

// PutManifest atomically writes the manifest bytes for fileset id,
// overwriting any existing manifest (manifests are deterministic
// functions of their contents, so last-writer-wins is harmless in
// practice, but spec requires the write regardless).
func (s *Store) PutManifest(id digest.Digest, data []byte) error {
	final := s.filesetPath(id)
	if err := os.MkdirAll(filepath.Dir(final), dirPerm); err != nil {
		return fmt.Errorf("cas: create fileset shard dir: %w", err)
	}
	return writeAtomic(s.tmpDir, final, data)
}

// GetManifest reads the raw manifest bytes for fileset id.
func (s *Store) GetManifest(id digest.Digest) ([]byte, error) {
	return os.ReadFile(s.filesetPath(id)) //nolint:gosec // path derived from a validated digest
}

// refPath returns refs/<name>.
func (s *Store) refPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\\x00") {
		return "", fmt.Errorf("cas: invalid ref name %q", name)
	}
	return filepath.Join(s.refsDir, name), nil
}

// PutRef atomically writes name's ref file to contain id's
// algorithm-prefixed digest string ("sha256:<hex>"), overwriting any
// existing ref (last-writer-wins).
func (s *Store) PutRef(name string, id digest.Digest) error {
	path, err := s.refPath(name)
	if err != nil {
		return err
	}
	return writeAtomic(s.tmpDir, path, []byte(id.String()+"\n"))
}

// GetRef reads and trims name's ref file, returning its fileset id.
func (s *Store) GetRef(name string) (digest.Digest, error) {
	path, err := s.refPath(name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path) //nolint:gosec // name is validated by refPath
	if err != nil {
		return "", err
	}
	d, err := digest.Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("cas: ref %s: %w", name, err)
	}
	return d, nil
}

// writeAtomic writes data to a fresh exclusive-create temp file under
// tmpDir, then renames it over final, replacing any existing file.
func writeAtomic(tmpDir, final string, data []byte) error {
	tmp, err := os.CreateTemp(tmpDir, "write-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
