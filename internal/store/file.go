package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

const stateExt = ".json"

// FileStore keeps one JSON file per instance at <dir>/<kind>/<session>.json.
//
// Writes go to a temp file in the same directory which is fsynced, renamed
// over the target, and followed by an fsync of the directory. A crash at any
// point leaves either the old file or the new one.
type FileStore struct {
	dir    string
	logger *zap.Logger

	// mu makes the version check and the rename one step within a process.
	mu sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating it with 0700.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger.Named("filestore")}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// PathFor returns the record path for key.
func (s *FileStore) PathFor(key protocol.Key) string {
	return filepath.Join(s.dir, key.Kind, key.SessionID+stateExt)
}

// Load reads and decodes the record for key.
func (s *FileStore) Load(ctx context.Context, key protocol.Key) (*protocol.State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.PathFor(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
		}
		return nil, &protocol.StateLoadError{Key: key, Err: err}
	}
	return Decode(key, data)
}

// Save atomically replaces the record for st.
func (s *FileStore) Save(ctx context.Context, st *protocol.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	next, data, err := prepare(st)
	if err != nil {
		return err
	}
	key := st.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.storedVersion(key)
	if err != nil {
		return err
	}
	if stored != st.Version {
		return conflict(key, stored, st.Version)
	}

	path := s.PathFor(key)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("saving state %s: %w", key, err)
	}
	st.Version = next.Version
	s.logger.Debug("state saved",
		zap.String("key", key.String()),
		zap.Int64("version", st.Version),
		zap.String("status", string(st.Status)),
	)
	return nil
}

// storedVersion returns the version on disk, or 0 when there is no record.
// A corrupt record surfaces as a *protocol.StateLoadError so it is never
// overwritten blindly.
func (s *FileStore) storedVersion(key protocol.Key) (int64, error) {
	data, err := os.ReadFile(s.PathFor(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &protocol.StateLoadError{Key: key, Err: err}
	}
	cur, err := Decode(key, data)
	if err != nil {
		return 0, err
	}
	return cur.Version, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	// CreateTemp opens with 0600 and O_EXCL.
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 -- directory under the configured state root
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether a record file exists for key.
func (s *FileStore) Exists(_ context.Context, key protocol.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.PathFor(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat state %s: %w", key, err)
	}
}

// Delete removes the record for key.
func (s *FileStore) Delete(_ context.Context, key protocol.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.PathFor(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
		}
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	return syncDir(filepath.Dir(s.PathFor(key)))
}

// List walks the kind directories. Temp files left by an interrupted write
// start with a dot and are ignored.
func (s *FileStore) List(_ context.Context, kind string) ([]protocol.Key, error) {
	var kinds []string
	if kind != "" {
		kinds = []string{kind}
	} else {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", s.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				kinds = append(kinds, e.Name())
			}
		}
	}

	var keys []protocol.Key
	for _, k := range kinds {
		entries, err := os.ReadDir(filepath.Join(s.dir, k))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("listing kind %s: %w", k, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, stateExt) {
				continue
			}
			keys = append(keys, protocol.Key{Kind: k, SessionID: strings.TrimSuffix(name, stateExt)})
		}
	}
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []protocol.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].SessionID < keys[j].SessionID
	})
}
