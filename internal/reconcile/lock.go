package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockKey guards every mutating reconciliation pass.
const LockKey = "storygraph:lock:reconcile"

// Locker is an advisory lock with a lease. Acquire reports ok=false when
// another holder has the key; err is reserved for backend failures.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// LocalLocker is a process-local Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

var _ Locker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]lease), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}

	token := uuid.New().String()
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	release := func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
