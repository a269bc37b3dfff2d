package offline

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore is the durable offline cache. All rows are scoped by the bound
// (org, project) so multiple scopes can share one database file.
type sqliteStore struct {
	db    *sql.DB
	scope Scope
}

// openSQLite opens (or creates) the cache database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func openSQLite(dataDir string, scope Scope) (*sqliteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "membank.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &sqliteStore{db: db, scope: scope}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *sqliteStore) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// Sync upserts each record wholesale and advances the checkpoint, all in one
// transaction so a failed batch leaves no partial state behind.
func (s *sqliteStore) Sync(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning sync transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(`
			INSERT INTO memory_records (org, project, key, content, metadata, tags, priority, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(org, project, key) DO UPDATE SET
				content = excluded.content,
				metadata = excluded.metadata,
				tags = excluded.tags,
				priority = excluded.priority,
				updated_at = excluded.updated_at`,
			s.scope.Org, s.scope.Project, r.Key, r.Content, r.Metadata, r.Tags,
			r.Priority, updatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("upserting record %q: %w", r.Key, err)
		}
	}

	if err := upsertCheckpoint(tx, s.scope, time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertCheckpoint(e execer, scope Scope, t time.Time) error {
	// The WHERE clause keeps the checkpoint monotonically non-decreasing.
	_, err := e.Exec(`
		INSERT INTO sync_checkpoints (org, project, last_sync_at) VALUES (?, ?, ?)
		ON CONFLICT(org, project) DO UPDATE SET last_sync_at = excluded.last_sync_at
		WHERE excluded.last_sync_at > last_sync_at`,
		scope.Org, scope.Project, t.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("advancing sync checkpoint: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(key string) (Record, bool) {
	var r Record
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT key, content, metadata, tags, priority, updated_at
		FROM memory_records WHERE org = ? AND project = ? AND key = ?`,
		s.scope.Org, s.scope.Project, key,
	).Scan(&r.Key, &r.Content, &r.Metadata, &r.Tags, &r.Priority, &updatedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.Debug("offline cache get failed", "key", key, "error", err)
		}
		return Record{}, false
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return r, true
}

func (s *sqliteStore) Search(query string) []Record {
	// LIKE is case-insensitive for ASCII in SQLite; lower() covers the keys.
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.Query(`
		SELECT key, content, metadata, tags, priority, updated_at
		FROM memory_records
		WHERE org = ? AND project = ? AND (lower(key) LIKE ? OR lower(content) LIKE ?)
		ORDER BY priority DESC, key ASC
		LIMIT 50`,
		s.scope.Org, s.scope.Project, pattern, pattern,
	)
	if err != nil {
		slog.Debug("offline cache search failed", "error", err)
		return nil
	}
	return scanRecords(rows)
}

func (s *sqliteStore) List() []Record {
	rows, err := s.db.Query(`
		SELECT key, content, metadata, tags, priority, updated_at
		FROM memory_records
		WHERE org = ? AND project = ?
		ORDER BY updated_at DESC
		LIMIT 100`,
		s.scope.Org, s.scope.Project,
	)
	if err != nil {
		slog.Debug("offline cache list failed", "error", err)
		return nil
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) []Record {
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var r Record
		var updatedAt string
		if err := rows.Scan(&r.Key, &r.Content, &r.Metadata, &r.Tags, &r.Priority, &updatedAt); err != nil {
			slog.Debug("offline cache scan failed", "error", err)
			return results
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		slog.Debug("offline cache rows failed", "error", err)
	}
	return results
}

func (s *sqliteStore) RemoveKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.Repeat(",?", len(keys)-1)
	args := make([]any, 0, len(keys)+2)
	args = append(args, s.scope.Org, s.scope.Project)
	for _, k := range keys {
		args = append(args, k)
	}

	_, err := s.db.Exec(`DELETE FROM memory_records WHERE org = ? AND project = ? AND key IN (?`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("removing keys: %w", err)
	}
	return nil
}

func (s *sqliteStore) SetLastSync(t time.Time) error {
	return upsertCheckpoint(s.db, s.scope, t)
}

func (s *sqliteStore) LastSyncAt() time.Time {
	var lastSync string
	err := s.db.QueryRow(`SELECT last_sync_at FROM sync_checkpoints WHERE org = ? AND project = ?`,
		s.scope.Org, s.scope.Project,
	).Scan(&lastSync)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.Debug("offline cache checkpoint read failed", "error", err)
		}
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, lastSync)
	return t
}

func (s *sqliteStore) IsStale() bool {
	last := s.LastSyncAt()
	if last.IsZero() {
		return true
	}
	return time.Since(last) > staleAfter
}
