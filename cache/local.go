package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type localEntry struct {
	val     []byte
	expires time.Time
}

type localLock struct {
	token   string
	expires time.Time
}

// counterRatio sizes the counter LRU relative to the entry LRU.
const counterRatio = 4

// Local is an in-process Tier. Entries live in an expiring LRU. Counters
// live in a separate bounded LRU; an evicted counter raises floor, and a
// missing counter reads as floor, so a counter never goes backwards.
type Local struct {
	entries *lru.LRU[string, localEntry]
	now     func() time.Time

	mu       sync.Mutex
	counters *simplelru.LRU[string, int64]
	floor    int64
	locks    map[string]localLock
}

// LocalOption configures a Local tier.
type LocalOption func(*Local)

// WithLocalClock replaces time.Now, for tests.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// NewLocal creates a tier holding at most size entries. maxTTL caps the
// lifetime of any entry regardless of the ttl passed to Set.
func NewLocal(size int, maxTTL time.Duration, opts ...LocalOption) *Local {
	if size <= 0 {
		size = 10_000
	}
	l := &Local{
		entries: lru.NewLRU[string, localEntry](size, nil, maxTTL),
		now:     time.Now,
		locks:   make(map[string]localLock),
	}
	// Eviction runs inside Add, which is always called under l.mu.
	l.counters, _ = simplelru.NewLRU[string, int64](size*counterRatio, func(_ string, v int64) {
		l.floor = max(l.floor, v)
	})
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := l.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.entries.Remove(key)
		return nil, ErrMiss
	}
	return e.val, nil
}

func (l *Local) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := localEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	}
	l.entries.Add(key, e)
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.entries.Remove(key)
	return nil
}

func (l *Local) Incr(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.counter(key) + 1
	l.counters.Add(key, v)
	return v, nil
}

func (l *Local) Counter(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter(key), nil
}

func (l *Local) counter(key string) int64 {
	if v, ok := l.counters.Get(key); ok {
		return v
	}
	return l.floor
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.locks[key]; held && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := lockToken()
	l.locks[key] = localLock{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.locks[key]; ok && cur.token == token {
			delete(l.locks, key)
		}
		return nil
	}, true, nil
}

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Close() error {
	l.entries.Purge()
	return nil
}
