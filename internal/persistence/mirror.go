package persistence

import (
	"slices"
	"sync"
	"time"
)

const mirrorMaxEntries = 10000

type mirrorEntry struct {
	task     *Task
	cachedAt time.Time
}

// mirror is the in-memory copy of recently touched tasks. Terminal tasks
// never change again and are served as long as they stay cached;
// non-terminal ones are only trusted for freshness, since another worker
// process may have moved them.
type mirror struct {
	mu        sync.RWMutex
	entries   map[string]mirrorEntry
	freshness time.Duration
}

func newMirror(freshness time.Duration) *mirror {
	return &mirror{entries: make(map[string]mirrorEntry), freshness: freshness}
}

func (m *mirror) get(id string, now time.Time) (*Task, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.task.Status.Terminal() && now.Sub(e.cachedAt) >= m.freshness {
		return nil, false
	}
	return e.task.clone(), true
}

func (m *mirror) put(t *Task, now time.Time) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= mirrorMaxEntries {
		if _, exists := m.entries[t.ID]; !exists {
			m.evictLocked()
		}
	}
	m.entries[t.ID] = mirrorEntry{task: t.clone(), cachedAt: now}
}

func (m *mirror) drop(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
}

// evictLocked drops the oldest tenth of the cache.
func (m *mirror) evictLocked() {
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(m.entries))
	for id, e := range m.entries {
		all = append(all, aged{id: id, at: e.cachedAt})
	}
	slices.SortFunc(all, func(a, b aged) int { return a.at.Compare(b.at) })
	n := max(len(all)/10, 1)
	for _, a := range all[:n] {
		delete(m.entries, a.id)
	}
}

func (m *mirror) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
