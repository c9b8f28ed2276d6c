package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/narvanalabs/camfleet/internal/models"
)

// fileFormatVersion is written into every registry document. Version 0 is the
// bare JSON array written by early releases.
const fileFormatVersion = 1

const lockPollInterval = 20 * time.Millisecond

// fileDocument is the on-disk registry layout.
type fileDocument struct {
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Nodes     []*models.Node `json:"nodes"`
}

// FileBackend stores the registry as a single JSON file. Writes hold an
// exclusive flock on a sibling lock file and replace the document with
// write-temp, fsync, rename, so readers see either the old or the new file.
type FileBackend struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewFileBackend creates a backend rooted at path. The parent directory is
// created if missing.
func NewFileBackend(path string, lockTimeout time.Duration, logger *slog.Logger) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	return &FileBackend{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: lockTimeout,
		logger:      logger,
	}, nil
}

// Path returns the registry file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the registry. A missing file is an empty registry; a file that
// does not parse is an error, never an empty registry.
func (b *FileBackend) Load(ctx context.Context) ([]*models.Node, error) {
	unlock, err := b.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b.removeStaleTemps()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Info("registry file not found, starting empty", "path", b.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	return decodeDocument(data)
}

func decodeDocument(data []byte) ([]*models.Node, error) {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var nodes []*models.Node
		if err := json.Unmarshal(data, &nodes); err != nil {
			return nil, fmt.Errorf("registry file is corrupt: %w", err)
		}
		return nodes, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry file is corrupt: %w", err)
	}
	if doc.Version > fileFormatVersion {
		return nil, fmt.Errorf("registry file version %d is newer than supported version %d", doc.Version, fileFormatVersion)
	}
	return doc.Nodes, nil
}

func firstNonSpace(data []byte) byte {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c
		}
	}
	return 0
}

// Write replaces the registry file with nodes.
func (b *FileBackend) Write(ctx context.Context, nodes []*models.Node) error {
	unlock, err := b.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if nodes == nil {
		nodes = []*models.Node{}
	}
	data, err := json.MarshalIndent(fileDocument{
		Version:   fileFormatVersion,
		UpdatedAt: time.Now().UTC(),
		Nodes:     nodes,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return writeAtomic(b.path, append(data, '\n'))
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// renames it over path and syncs the directory so the rename is durable.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening registry directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing registry directory: %w", err)
	}
	return nil
}

// lock takes the advisory write lock, polling until the lock timeout or ctx
// expires.
func (b *FileBackend) lock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(b.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	deadline := time.Now().Add(b.lockTimeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("locking registry: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s held by another writer", ErrLockTimeout, b.lockPath)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			b.logger.Warn("failed to release registry lock", "path", b.lockPath, "error", err)
		}
		f.Close()
	}, nil
}

// removeStaleTemps deletes temp files left behind by a crash mid-write.
// Callers hold the lock.
func (b *FileBackend) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(b.path), "."+filepath.Base(b.path)+".tmp-*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			b.logger.Info("removed stale registry temp file", "path", m)
		}
	}
}

// Ping checks that the registry directory is writable.
func (b *FileBackend) Ping(ctx context.Context) error {
	return unix.Access(filepath.Dir(b.path), unix.W_OK)
}

// Close is a no-op; the file is only open during Load and Write.
func (b *FileBackend) Close() error {
	return nil
}
