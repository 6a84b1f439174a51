package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"digiqc/internal/domain"
)

// MemoryPersister keeps the queue for the lifetime of the process only.
type MemoryPersister struct {
	mu    sync.Mutex
	items []domain.SyncItem
}

func NewMemoryPersister(items ...domain.SyncItem) *MemoryPersister {
	return &MemoryPersister{items: cloneItems(items)}
}

func (m *MemoryPersister) Load(context.Context) ([]domain.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneItems(m.items), nil
}

func (m *MemoryPersister) Apply(_ context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = merge(m.items, c)
	return nil
}

const (
	fileLockTimeout = 3 * time.Second
	fileLockRetry   = 100 * time.Millisecond
)

type queueFile struct {
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Items     []domain.SyncItem `json:"items"`
}

// FilePersister stores the queue as a JSON document guarded by a sibling
// .lock file. Apply re-reads the document under the lock, so several
// processes on the device can share it.
type FilePersister struct {
	path string
	lock *flock.Flock
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path, lock: flock.New(path + ".lock")}
}

func (f *FilePersister) Path() string { return f.path }

func (f *FilePersister) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, fileLockTimeout)
	defer cancel()
	locked, err := f.lock.TryLockContext(ctx, fileLockRetry)
	if err != nil {
		return fmt.Errorf("acquire queue file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire queue file lock %s", f.path+".lock")
	}
	defer func() { _ = f.lock.Unlock() }()
	return fn()
}

func (f *FilePersister) Load(ctx context.Context) ([]domain.SyncItem, error) {
	var items []domain.SyncItem
	err := f.withLock(ctx, func() error {
		var err error
		items, err = f.read()
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (f *FilePersister) Apply(ctx context.Context, c Change) error {
	return f.withLock(ctx, func() error {
		items, err := f.read()
		if err != nil {
			return err
		}
		return f.write(merge(items, c))
	})
}

func (f *FilePersister) read() ([]domain.SyncItem, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc queueFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return doc.Items, nil
}

func (f *FilePersister) write(items []domain.SyncItem) error {
	data, err := json.MarshalIndent(queueFile{Version: 1, UpdatedAt: time.Now().UTC(), Items: items}, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
