package offline

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is the fallback used when the SQLite database cannot be opened.
// It holds the same data shape as the durable store, scoped implicitly by
// its slot in the Registry.
type memStore struct {
	mu       sync.Mutex
	records  map[string]Record
	lastSync time.Time
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (m *memStore) Sync(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range records {
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		m.records[r.Key] = r
	}
	if now.After(m.lastSync) {
		m.lastSync = now
	}
	return nil
}

func (m *memStore) Get(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	return r, ok
}

func (m *memStore) Search(query string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(query)
	var results []Record
	for _, r := range m.records {
		if strings.Contains(strings.ToLower(r.Key), q) || strings.Contains(strings.ToLower(r.Content), q) {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].Key < results[j].Key
	})
	if len(results) > 50 {
		results = results[:50]
	}
	return results
}

func (m *memStore) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	if len(results) > 100 {
		results = results[:100]
	}
	return results
}

func (m *memStore) RemoveKeys(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.records, k)
	}
	return nil
}

func (m *memStore) SetLastSync(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastSync) {
		m.lastSync = t
	}
	return nil
}

func (m *memStore) LastSyncAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

func (m *memStore) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSync.IsZero() {
		return true
	}
	return time.Since(m.lastSync) > staleAfter
}

func (m *memStore) Close() error { return nil }
