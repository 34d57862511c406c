package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

// Store keeps deposit records in process memory. Records handed out are
// copies; callers never alias stored state.
type Store struct {
	mu sync.RWMutex

	records map[string]*deposit.Record
	// handle -> record id
	handles map[int64]string

	now func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[string]*deposit.Record),
		handles: make(map[int64]string),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Create(_ context.Context, rec *deposit.Record) error {
	if rec == nil || rec.ID == "" {
		return deposit.ErrRecordNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return deposit.ErrAlreadyExists
	}
	cp := rec.Clone()
	if cp.Status == "" {
		cp.Status = deposit.StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.records[cp.ID] = cp
	if cp.Handle != nil {
		s.handles[*cp.Handle] = cp.ID
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*deposit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[id]; ok {
		return rec.Clone(), nil
	}
	return nil, deposit.ErrRecordNotFound
}

func (s *Store) FindByStatus(_ context.Context, status deposit.Status) ([]*deposit.Record, error) {
	return s.filter(func(r *deposit.Record) bool { return r.Status == status }), nil
}

func (s *Store) FindNotStatus(_ context.Context, status deposit.Status) ([]*deposit.Record, error) {
	return s.filter(func(r *deposit.Record) bool { return r.Status != status }), nil
}

func (s *Store) FindByHandle(_ context.Context, handle int64) (*deposit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.handles[handle]
	if !ok {
		return nil, deposit.ErrRecordNotFound
	}
	return s.records[id].Clone(), nil
}

func (s *Store) HasPending(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.Status == deposit.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, expected, next deposit.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, deposit.ErrRecordNotFound
	}
	swapped, err := deposit.Apply(rec, expected, next)
	if swapped {
		rec.UpdatedAt = s.now()
	}
	return swapped, err
}

func (s *Store) UpdateHandle(_ context.Context, id string, handle int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, deposit.ErrRecordNotFound
	}
	if rec.Handle != nil {
		return false, nil
	}
	h := handle
	rec.Handle = &h
	rec.UpdatedAt = s.now()
	s.handles[handle] = id
	return true, nil
}

func (s *Store) SetTransferID(_ context.Context, id, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return deposit.ErrRecordNotFound
	}
	rec.TransferID = transferID
	rec.UpdatedAt = s.now()
	return nil
}

// Snapshot returns copies of all records ordered by creation time.
func (s *Store) Snapshot() []*deposit.Record {
	return s.filter(func(*deposit.Record) bool { return true })
}

// Restore replaces the store contents with recs.
func (s *Store) Restore(recs []*deposit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*deposit.Record, len(recs))
	s.handles = make(map[int64]string, len(recs))
	for _, r := range recs {
		if r == nil || r.ID == "" {
			continue
		}
		cp := r.Clone()
		s.records[cp.ID] = cp
		if cp.Handle != nil {
			s.handles[*cp.Handle] = cp.ID
		}
	}
}

func (s *Store) filter(keep func(*deposit.Record) bool) []*deposit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*deposit.Record, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
