package session

import (
	"container/list"
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type memEntry struct {
	userID string
	elem   *list.Element

	// guarded by MemoryStore.mu
	lastTouched time.Time

	mu      sync.Mutex
	turns   []Turn
	evicted bool
}

// MemoryStore is a bounded in-process Store. Expiry is checked lazily on
// access and the least recently used session is evicted at capacity.
type MemoryStore struct {
	opts  Options
	clock Clock

	mu       sync.Mutex
	sessions map[string]*memEntry
	lru      *list.List // front is most recently used
}

func NewMemoryStore(opts Options) *MemoryStore {
	return NewMemoryStoreWithClock(opts, realClock{})
}

// NewMemoryStoreWithClock creates a MemoryStore with a custom clock (for testing).
func NewMemoryStoreWithClock(opts Options, clock Clock) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		clock:    clock,
		sessions: make(map[string]*memEntry),
		lru:      list.New(),
	}
}

func (m *MemoryStore) Context(_ context.Context, userID string) []Turn {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return []Turn{}
	}
	if expired(e.lastTouched, m.clock.Now(), m.opts.TTL) {
		m.removeLocked(e)
		m.mu.Unlock()
		return []Turn{}
	}
	m.lru.MoveToFront(e.elem)
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

func (m *MemoryStore) Add(_ context.Context, userID string, role Role, content string) error {
	for {
		e := m.touch(userID)

		e.mu.Lock()
		if e.evicted {
			// Lost a race with eviction or Clear; start a fresh session.
			e.mu.Unlock()
			continue
		}
		e.turns = truncate(append(e.turns, Turn{Role: role, Content: content}), m.opts.Window)
		e.mu.Unlock()
		return nil
	}
}

func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[userID]; ok {
		m.removeLocked(e)
	}
	return nil
}

// Len returns the number of sessions currently held, including expired
// sessions that have not been accessed since expiring.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// touch returns the live entry for userID, creating it if needed, and
// restarts its expiry timer.
func (m *MemoryStore) touch(userID string) *memEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.sessions[userID]
	if ok && expired(e.lastTouched, now, m.opts.TTL) {
		m.removeLocked(e)
		ok = false
	}
	if !ok {
		e = &memEntry{userID: userID}
		e.elem = m.lru.PushFront(e)
		m.sessions[userID] = e
		for len(m.sessions) > m.opts.Capacity {
			oldest := m.lru.Back().Value.(*memEntry)
			m.removeLocked(oldest)
		}
	} else {
		m.lru.MoveToFront(e.elem)
	}
	e.lastTouched = now
	return e
}

// removeLocked drops e from the table. m.mu must be held.
func (m *MemoryStore) removeLocked(e *memEntry) {
	delete(m.sessions, e.userID)
	m.lru.Remove(e.elem)
	e.mu.Lock()
	e.evicted = true
	e.turns = nil
	e.mu.Unlock()
}
