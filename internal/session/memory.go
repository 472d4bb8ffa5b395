package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
	leases   map[string]struct{}
	// lost maps a session id to when its pending transfer was discarded.
	lost map[string]time.Time
}

// MemoryStore is an in-process Store split into independently locked shards.
type MemoryStore struct {
	shards  []*shard
	timeout time.Duration
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithShards sets the shard count.
func WithShards(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.shards = make([]*shard, n)
		}
	}
}

// NewMemoryStore creates a store whose sessions expire after timeout of
// inactivity.
func NewMemoryStore(timeout time.Duration, opts ...MemoryOption) *MemoryStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &MemoryStore{
		shards:  make([]*shard, defaultShards),
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			sessions: make(map[string]*Session),
			leases:   make(map[string]struct{}),
			lost:     make(map[string]time.Time),
		}
	}
	return m
}

func (m *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id, userID string) (Lookup, error) {
	now := m.now()
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var lk Lookup
	if s, ok := sh.sessions[id]; ok {
		if !s.expired(now, m.timeout) {
			if s.UserID != userID {
				return Lookup{}, ErrNotOwner
			}
			s.LastActivity = now
			return Lookup{Session: s.Clone()}, nil
		}
		lk.Expired = true
		sh.discard(id, s, now)
	}

	if at, ok := sh.lost[id]; ok {
		delete(sh.lost, id)
		lk.LostPending = now.Sub(at) <= lostPendingTTL
	}

	s := newSession(id, userID, now)
	sh.sessions[id] = s
	lk.Session = s.Clone()
	lk.Created = true
	return lk, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok || s.expired(m.now(), m.timeout) {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// live returns the session if it has not expired. An expired one is
// discarded on the spot so it cannot be revived before the sweeper runs.
// The caller holds sh.mu.
func (m *MemoryStore) live(sh *shard, id string, now time.Time) (*Session, bool) {
	s, ok := sh.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expired(now, m.timeout) {
		sh.discard(id, s, now)
		return nil, false
	}
	return s, true
}

// discard drops a session, remembering a staged transfer it took with it.
func (sh *shard) discard(id string, s *Session, now time.Time) {
	if s.Pending != nil {
		sh.lost[id] = now
	}
	delete(sh.sessions, id)
}

func (m *MemoryStore) Update(ctx context.Context, id string, mutate func(*Session) error) error {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := m.now()
	s, ok := m.live(sh, id, now)
	if !ok {
		return ErrNotFound
	}
	next := s.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.LastActivity = now
	sh.sessions[id] = next
	return nil
}

func (m *MemoryStore) SetPending(ctx context.Context, id string, p PendingTransfer) error {
	return m.Update(ctx, id, func(s *Session) error {
		s.Pending = &p
		return nil
	})
}

func (m *MemoryStore) TakePending(ctx context.Context, id string) (*PendingTransfer, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := m.now()
	s, ok := m.live(sh, id, now)
	if !ok {
		return nil, ErrNotFound
	}
	p := s.Pending
	s.Pending = nil
	s.LastActivity = now
	return p, nil
}

func (m *MemoryStore) Clear(ctx context.Context, id string) error {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, id)
	delete(sh.lost, id)
	return nil
}

// Sweep removes idle sessions. Sessions with a turn in flight are skipped.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	removed := 0
	for _, sh := range m.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if _, busy := sh.leases[id]; busy || !s.expired(now, m.timeout) {
				continue
			}
			sh.discard(id, s, now)
			removed++
		}
		for id, at := range sh.lost {
			if now.Sub(at) > lostPendingTTL {
				delete(sh.lost, id)
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (m *MemoryStore) Active(ctx context.Context) (int, error) {
	now := m.now()
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if !s.expired(now, m.timeout) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

func (m *MemoryStore) Acquire(ctx context.Context, id string) (func(), error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, busy := sh.leases[id]; busy {
		return nil, ErrBusy
	}
	sh.leases[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			sh.mu.Lock()
			delete(sh.leases, id)
			sh.mu.Unlock()
		})
	}, nil
}
