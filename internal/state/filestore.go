package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
	"github.com/nestorselin/web3-own-copy/internal/store/memory"
)

const lockRetry = 25 * time.Millisecond

// FileStore is a deposit.Store backed by a JSON snapshot file. Every call
// re-reads the file under an OS file lock, so a daemon and one-shot CLI
// commands can share the same ledger. A mutation is written to disk before it
// is reported as applied. It suits a low deposit rate; use the postgres store
// otherwise.
type FileStore struct {
	path string
	lock *flock.Flock

	// flock.Flock tracks its held state per instance, not per goroutine
	mu sync.Mutex
}

func Open(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	s := &FileStore{path: path, lock: flock.New(path + ".lock")}
	if err := s.read(context.Background(), func(*memory.Store) error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Create(ctx context.Context, rec *deposit.Record) error {
	return s.write(ctx, func(m *memory.Store) (bool, error) {
		if err := m.Create(ctx, rec); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *FileStore) Get(ctx context.Context, id string) (*deposit.Record, error) {
	var rec *deposit.Record
	err := s.read(ctx, func(m *memory.Store) error {
		var err error
		rec, err = m.Get(ctx, id)
		return err
	})
	return rec, err
}

func (s *FileStore) FindByStatus(ctx context.Context, status deposit.Status) ([]*deposit.Record, error) {
	var out []*deposit.Record
	err := s.read(ctx, func(m *memory.Store) error {
		var err error
		out, err = m.FindByStatus(ctx, status)
		return err
	})
	return out, err
}

func (s *FileStore) FindNotStatus(ctx context.Context, status deposit.Status) ([]*deposit.Record, error) {
	var out []*deposit.Record
	err := s.read(ctx, func(m *memory.Store) error {
		var err error
		out, err = m.FindNotStatus(ctx, status)
		return err
	})
	return out, err
}

func (s *FileStore) FindByHandle(ctx context.Context, handle int64) (*deposit.Record, error) {
	var rec *deposit.Record
	err := s.read(ctx, func(m *memory.Store) error {
		var err error
		rec, err = m.FindByHandle(ctx, handle)
		return err
	})
	return rec, err
}

func (s *FileStore) HasPending(ctx context.Context) (bool, error) {
	var ok bool
	err := s.read(ctx, func(m *memory.Store) error {
		var err error
		ok, err = m.HasPending(ctx)
		return err
	})
	return ok, err
}

func (s *FileStore) UpdateStatus(ctx context.Context, id string, expected, next deposit.Status) (bool, error) {
	var swapped bool
	err := s.write(ctx, func(m *memory.Store) (bool, error) {
		var err error
		swapped, err = m.UpdateStatus(ctx, id, expected, next)
		return swapped, err
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *FileStore) UpdateHandle(ctx context.Context, id string, handle int64) (bool, error) {
	var bound bool
	err := s.write(ctx, func(m *memory.Store) (bool, error) {
		var err error
		bound, err = m.UpdateHandle(ctx, id, handle)
		return bound, err
	})
	if err != nil {
		return false, err
	}
	return bound, nil
}

func (s *FileStore) SetTransferID(ctx context.Context, id, transferID string) error {
	return s.write(ctx, func(m *memory.Store) (bool, error) {
		if err := m.SetTransferID(ctx, id, transferID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// read loads the ledger under a shared lock and hands fn a private copy.
func (s *FileStore) read(ctx context.Context, fn func(*memory.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.lock.TryRLockContext(ctx, lockRetry)
	if err != nil || !ok {
		return fmt.Errorf("lock ledger %s: %w", s.path, lockErr(ctx, err))
	}
	defer func() { _ = s.lock.Unlock() }()

	m, err := s.load()
	if err != nil {
		return err
	}
	return fn(m)
}

// write loads the ledger under an exclusive lock, applies fn to a private
// copy and saves it when fn reports a change. Nothing is kept in memory, so
// a failed save leaves the ledger as it was.
func (s *FileStore) write(ctx context.Context, fn func(*memory.Store) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		return fmt.Errorf("lock ledger %s: %w", s.path, lockErr(ctx, err))
	}
	defer func() { _ = s.lock.Unlock() }()

	m, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(m)
	if err != nil || !changed {
		return err
	}
	if err := SaveSnapshot(s.path, Snapshot{Records: m.Snapshot()}); err != nil {
		return fmt.Errorf("persist ledger %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) load() (*memory.Store, error) {
	snap, _, err := LoadSnapshot(s.path)
	if err != nil {
		return nil, err
	}
	m := memory.New()
	m.Restore(snap.Records)
	return m, nil
}

func lockErr(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	return ctx.Err()
}
