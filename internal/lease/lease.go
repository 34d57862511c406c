package lease

import (
	"context"
	"strings"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

// Locker hands out short-lived exclusive claims on a key. The notification
// path and the sweep both claim an intermediate address before the
// "check balance, transfer, mark" sequence so only one of them forwards.
type Locker interface {
	// TryAcquire returns ok=false without blocking when the key is held.
	// release is safe to call more than once.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// AddressKey is the key every forwarding path claims for address.
func AddressKey(address string) string {
	return "deposit:addr:" + strings.ToLower(strings.TrimSpace(address))
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryLease
	seq  uint64
	now  func() time.Time
}

type memoryLease struct {
	token   uint64
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryLease), now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return func() {}, false, nil
	}
	m.seq++
	token := m.seq
	m.held[key] = memoryLease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// An expired lease may have been re-acquired by someone else.
			if cur, ok := m.held[key]; ok && cur.token == token {
				delete(m.held, key)
			}
		})
	}, true, nil
}
