package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	s, err := openSQLite(":memory:", Scope{Org: "acme", Project: "web"})
	if err != nil {
		t.Fatalf("openSQLite(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs openSQLite twice on the same database and
// verifies the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	scope := Scope{Org: "acme", Project: "web"}

	s1, err := openSQLite(dir, scope)
	if err != nil {
		t.Fatalf("first openSQLite failed: %v", err)
	}
	s1.Close()

	s2, err := openSQLite(dir, scope)
	if err != nil {
		t.Fatalf("second openSQLite failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if count != 1 {
		t.Errorf("schema_version rows = %d, want 1", count)
	}
}

// TestSyncUpsertLastWriteWins syncs the same key twice and verifies the second
// write replaces the first without growing the table.
func TestSyncUpsertLastWriteWins(t *testing.T) {
	s := openTestStore(t)

	if err := s.Sync([]Record{{Key: "deploy", Content: "v1", Priority: 1}}); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if err := s.Sync([]Record{{Key: "deploy", Content: "v2", Priority: 3}}); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	got, ok := s.Get("deploy")
	if !ok {
		t.Fatal("Get returned ok=false")
	}
	if got.Content != "v2" {
		t.Errorf("Content = %q, want %q", got.Content, "v2")
	}
	if got.Priority != 3 {
		t.Errorf("Priority = %d, want 3", got.Priority)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memory_records").Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

// TestSyncAssignsUpdatedAt verifies records without a timestamp get one.
func TestSyncAssignsUpdatedAt(t *testing.T) {
	s := openTestStore(t)

	before := time.Now().UTC().Add(-time.Second)
	if err := s.Sync([]Record{{Key: "k", Content: "c"}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got, ok := s.Get("k")
	if !ok {
		t.Fatal("Get returned ok=false")
	}
	if got.UpdatedAt.Before(before) {
		t.Errorf("UpdatedAt = %v, want a current timestamp", got.UpdatedAt)
	}
}

// TestScopeIsolation opens two stores with different scopes over the same
// database file and verifies neither sees the other's records.
func TestScopeIsolation(t *testing.T) {
	dir := t.TempDir()

	web, err := openSQLite(dir, Scope{Org: "acme", Project: "web"})
	if err != nil {
		t.Fatalf("openSQLite web: %v", err)
	}
	defer web.Close()

	api, err := openSQLite(dir, Scope{Org: "acme", Project: "api"})
	if err != nil {
		t.Fatalf("openSQLite api: %v", err)
	}
	defer api.Close()

	if err := web.Sync([]Record{{Key: "shared-key", Content: "web data"}}); err != nil {
		t.Fatalf("Sync web: %v", err)
	}
	if err := api.Sync([]Record{{Key: "shared-key", Content: "api data"}}); err != nil {
		t.Fatalf("Sync api: %v", err)
	}

	if got, _ := web.Get("shared-key"); got.Content != "web data" {
		t.Errorf("web store Content = %q, want %q", got.Content, "web data")
	}
	if got, _ := api.Get("shared-key"); got.Content != "api data" {
		t.Errorf("api store Content = %q, want %q", got.Content, "api data")
	}
	if n := len(web.List()); n != 1 {
		t.Errorf("web store lists %d records, want 1", n)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)

	if _, ok := s.Get("does-not-exist"); ok {
		t.Error("expected ok=false for a missing key")
	}
}

// TestSearchOrderAndCap verifies case-insensitive matching on key and content,
// priority-descending order, and the result cap.
func TestSearchOrderAndCap(t *testing.T) {
	s := openTestStore(t)

	batch := []Record{
		{Key: "deploy-runbook", Content: "steps to ship", Priority: 5},
		{Key: "style-guide", Content: "how we DEPLOY services", Priority: 9},
		{Key: "unrelated", Content: "nothing here", Priority: 7},
	}
	if err := s.Sync(batch); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := s.Search("Deploy")
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Key != "style-guide" || got[1].Key != "deploy-runbook" {
		t.Errorf("order = [%s %s], want priority descending", got[0].Key, got[1].Key)
	}

	var bulk []Record
	for i := 0; i < 60; i++ {
		bulk = append(bulk, Record{Key: fmt.Sprintf("deploy-%02d", i), Content: "filler"})
	}
	if err := s.Sync(bulk); err != nil {
		t.Fatalf("Sync bulk: %v", err)
	}
	if got := s.Search("deploy"); len(got) != 50 {
		t.Errorf("got %d results, want the cap of 50", len(got))
	}
}

// TestListRecentFirst verifies updated_at-descending order.
func TestListRecentFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var batch []Record
	for i := 0; i < 5; i++ {
		batch = append(batch, Record{
			Key:       fmt.Sprintf("rec-%02d", i),
			Content:   "c",
			UpdatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	if err := s.Sync(batch); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := s.List()
	if len(got) != 5 {
		t.Fatalf("got %d records, want 5", len(got))
	}
	if got[0].Key != "rec-04" {
		t.Errorf("first record = %q, want %q", got[0].Key, "rec-04")
	}
	for i := 1; i < len(got); i++ {
		if got[i].UpdatedAt.After(got[i-1].UpdatedAt) {
			t.Errorf("not in descending order: [%d]=%v > [%d]=%v", i, got[i].UpdatedAt, i-1, got[i-1].UpdatedAt)
		}
	}
}

func TestRemoveKeys(t *testing.T) {
	s := openTestStore(t)

	batch := []Record{
		{Key: "a", Content: "1"},
		{Key: "b", Content: "2"},
		{Key: "c", Content: "3"},
	}
	if err := s.Sync(batch); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := s.RemoveKeys([]string{"a", "c", "never-existed"}); err != nil {
		t.Fatalf("RemoveKeys: %v", err)
	}

	if _, ok := s.Get("a"); ok {
		t.Error("key a should be removed")
	}
	if _, ok := s.Get("b"); !ok {
		t.Error("key b should survive")
	}
	if err := s.RemoveKeys(nil); err != nil {
		t.Errorf("RemoveKeys(nil): %v", err)
	}
}

// TestCheckpointMonotonic verifies the sync checkpoint never moves backwards,
// neither through SetLastSync nor through a later Sync batch.
func TestCheckpointMonotonic(t *testing.T) {
	s := openTestStore(t)

	future := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := s.SetLastSync(future); err != nil {
		t.Fatalf("SetLastSync: %v", err)
	}
	if got := s.LastSyncAt(); !got.Equal(future) {
		t.Fatalf("checkpoint = %v, want %v", got, future)
	}

	if err := s.SetLastSync(future.Add(-time.Minute)); err != nil {
		t.Fatalf("SetLastSync (older): %v", err)
	}
	if got := s.LastSyncAt(); !got.Equal(future) {
		t.Errorf("checkpoint regressed to %v", got)
	}

	// A Sync stamps the local clock, which is before the future checkpoint.
	if err := s.Sync([]Record{{Key: "k", Content: "c"}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := s.LastSyncAt(); !got.Equal(future) {
		t.Errorf("checkpoint regressed to %v after Sync", got)
	}
}

func TestIsStale(t *testing.T) {
	s := openTestStore(t)

	if !s.IsStale() {
		t.Error("a never-synced store should be stale")
	}

	if err := s.SetLastSync(time.Now().UTC()); err != nil {
		t.Fatalf("SetLastSync: %v", err)
	}
	if s.IsStale() {
		t.Error("a just-synced store should not be stale")
	}
}

func TestIsStaleAfterWindow(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetLastSync(time.Now().UTC().Add(-staleAfter - time.Minute)); err != nil {
		t.Fatalf("SetLastSync: %v", err)
	}
	if !s.IsStale() {
		t.Error("a store synced before the staleness window should be stale")
	}
}

// TestResponseForPath checks the response shapes the offline fallback
// produces for each request path.
func TestResponseForPath(t *testing.T) {
	s := openTestStore(t)

	batch := []Record{
		{Key: "deploy", Content: "ship it", Metadata: `{"env":"prod"}`, Tags: `["ops"]`, Priority: 2},
		{Key: "style", Content: "gofmt"},
	}
	if err := s.Sync(batch); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	body, ok := ResponseForPath(s, "/memories/deploy")
	if !ok {
		t.Fatal("single-key path returned ok=false")
	}
	var single struct {
		Memory struct {
			Key      string          `json:"key"`
			Content  string          `json:"content"`
			Metadata json.RawMessage `json:"metadata"`
		} `json:"memory"`
	}
	if err := json.Unmarshal(body, &single); err != nil {
		t.Fatalf("unmarshaling single response: %v", err)
	}
	if single.Memory.Key != "deploy" || single.Memory.Content != "ship it" {
		t.Errorf("memory = %+v", single.Memory)
	}
	if string(single.Memory.Metadata) != `{"env":"prod"}` {
		t.Errorf("metadata = %s, want the stored JSON object", single.Memory.Metadata)
	}

	body, ok = ResponseForPath(s, "/memories")
	if !ok {
		t.Fatal("list path returned ok=false")
	}
	var list struct {
		Memories []json.RawMessage `json:"memories"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshaling list response: %v", err)
	}
	if len(list.Memories) != 2 {
		t.Errorf("list holds %d memories, want 2", len(list.Memories))
	}

	body, ok = ResponseForPath(s, "/memories/search?q=gofmt")
	if !ok {
		t.Fatal("search path returned ok=false")
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshaling search response: %v", err)
	}
	if len(list.Memories) != 1 {
		t.Errorf("search holds %d memories, want 1", len(list.Memories))
	}

	if _, ok := ResponseForPath(s, "/memories/absent"); ok {
		t.Error("missing key should return ok=false")
	}
	if _, ok := ResponseForPath(s, "/health"); ok {
		t.Error("unknown path should return ok=false")
	}
	if _, ok := ResponseForPath(s, "/memories/a/b"); ok {
		t.Error("nested path should return ok=false")
	}
}

// TestOpenFallsBackToMemory points Open at an unusable data directory and
// verifies the registry-backed store takes over, shared per scope.
func TestOpenFallsBackToMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("writing blocker file: %v", err)
	}

	reg := NewRegistry()
	scope := Scope{Org: "acme", Project: "web"}

	s1 := Open(blocker, scope, reg)
	if _, ok := s1.(*memStore); !ok {
		t.Fatalf("store type = %T, want *memStore", s1)
	}
	if err := s1.Sync([]Record{{Key: "k", Content: "v"}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// The same scope binds to the same in-memory store.
	s2 := Open(blocker, scope, reg)
	if got, ok := s2.Get("k"); !ok || got.Content != "v" {
		t.Errorf("second Open lost the record: %+v ok=%t", got, ok)
	}

	// A different scope starts empty.
	s3 := Open(blocker, Scope{Org: "acme", Project: "api"}, reg)
	if _, ok := s3.Get("k"); ok {
		t.Error("different scope should not see the record")
	}
}

// TestMemStoreMirrorsSQLite runs the search and list semantics against the
// fallback store.
func TestMemStoreMirrorsSQLite(t *testing.T) {
	m := newMemStore()

	batch := []Record{
		{Key: "deploy-runbook", Content: "steps", Priority: 5},
		{Key: "style-guide", Content: "deploy notes", Priority: 9},
		{Key: "unrelated", Content: "nothing"},
	}
	if err := m.Sync(batch); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := m.Search("DEPLOY")
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Key != "style-guide" {
		t.Errorf("first result = %q, want highest priority first", got[0].Key)
	}

	if n := len(m.List()); n != 3 {
		t.Errorf("list holds %d records, want 3", n)
	}
	if err := m.RemoveKeys([]string{"unrelated"}); err != nil {
		t.Fatalf("RemoveKeys: %v", err)
	}
	if _, ok := m.Get("unrelated"); ok {
		t.Error("removed key still present")
	}
	if m.LastSyncAt().IsZero() {
		t.Error("Sync should have stamped the checkpoint")
	}
}
