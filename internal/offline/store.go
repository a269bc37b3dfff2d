// Package offline provides the durable fallback cache of memory records used
// when the remote service is unreachable. It prefers an embedded SQLite
// database in the per-user data directory and degrades to a process-wide
// in-memory store when the database cannot be opened. The store is never
// allowed to fail a caller: read errors surface as absent results.
package offline

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// staleAfter is how long after the last successful sync the cached data is
// considered stale. Advisory only; stale data is still served.
const staleAfter = 5 * time.Minute

// Scope identifies the (organization, project) namespace a store is bound to.
type Scope struct {
	Org     string
	Project string
}

// Record is a denormalized snapshot of a remote memory record.
type Record struct {
	Key       string
	Content   string
	Metadata  string // JSON object stored as text
	Tags      string // JSON array stored as text
	Priority  int
	UpdatedAt time.Time
}

// Store is the offline cache bound to a single scope.
//
// Sync, RemoveKeys, and SetLastSync report errors so that delta sync can
// refuse to advance its checkpoint; all read operations fail open and report
// absence instead of errors.
type Store interface {
	// Sync upserts the batch wholesale and advances the sync checkpoint,
	// atomically in durable mode.
	Sync(records []Record) error
	// Get returns the record for key, or ok=false.
	Get(key string) (Record, bool)
	// Search matches query case-insensitively against key or content,
	// ordered by priority descending, capped at 50.
	Search(query string) []Record
	// List returns all records ordered by updated_at descending, capped at 100.
	List() []Record
	// RemoveKeys deletes the given keys.
	RemoveKeys(keys []string) error
	// SetLastSync advances the sync checkpoint. Never regresses.
	SetLastSync(t time.Time) error
	// LastSyncAt returns the checkpoint, zero if never synced.
	LastSyncAt() time.Time
	// IsStale reports whether the last sync is older than the staleness window.
	IsStale() bool
	Close() error
}

// Open binds a store for the given scope. It attempts the durable SQLite
// store under dataDir; on any construction failure it binds the in-memory
// store from reg instead. The choice is made once, for the store's lifetime.
func Open(dataDir string, scope Scope, reg *Registry) Store {
	s, err := openSQLite(dataDir, scope)
	if err != nil {
		slog.Info("durable offline cache unavailable, using in-memory fallback", "error", err)
		return reg.store(scope)
	}
	return s
}

// Registry owns the in-memory fallback stores, keyed by scope. It stands in
// for process-global state so the composition root controls its lifetime.
type Registry struct {
	mu     sync.Mutex
	stores map[Scope]*memStore
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[Scope]*memStore)}
}

func (r *Registry) store(scope Scope) *memStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[scope]; ok {
		return s
	}
	s := newMemStore()
	r.stores[scope] = s
	return s
}

// ResponseForPath satisfies a GET request path from the store, shaped like
// the network response would have been: single-key paths produce
// {"memory": …}, list and search paths produce {"memories": […]}. ok=false
// means the path is unknown or the record is absent.
func ResponseForPath(s Store, rawPath string) ([]byte, bool) {
	u, err := url.Parse(rawPath)
	if err != nil {
		return nil, false
	}
	path := strings.TrimSuffix(u.Path, "/")

	switch {
	case path == "/memories/search":
		return marshalList(s.Search(u.Query().Get("q")))
	case path == "/memories":
		return marshalList(s.List())
	case strings.HasPrefix(path, "/memories/"):
		key := strings.TrimPrefix(path, "/memories/")
		if key == "" || strings.Contains(key, "/") {
			return nil, false
		}
		rec, ok := s.Get(key)
		if !ok {
			return nil, false
		}
		return marshalOne(rec)
	}
	return nil, false
}

type recordJSON struct {
	Key       string          `json:"key"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Tags      json.RawMessage `json:"tags,omitempty"`
	Priority  int             `json:"priority"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toJSON(r Record) recordJSON {
	j := recordJSON{
		Key:       r.Key,
		Content:   r.Content,
		Priority:  r.Priority,
		UpdatedAt: r.UpdatedAt,
	}
	if json.Valid([]byte(r.Metadata)) {
		j.Metadata = json.RawMessage(r.Metadata)
	}
	if json.Valid([]byte(r.Tags)) {
		j.Tags = json.RawMessage(r.Tags)
	}
	return j
}

func marshalOne(r Record) ([]byte, bool) {
	b, err := json.Marshal(map[string]any{"memory": toJSON(r)})
	if err != nil {
		return nil, false
	}
	return b, true
}

func marshalList(recs []Record) ([]byte, bool) {
	out := make([]recordJSON, len(recs))
	for i, r := range recs {
		out[i] = toJSON(r)
	}
	b, err := json.Marshal(map[string]any{"memories": out})
	if err != nil {
		return nil, false
	}
	return b, true
}
