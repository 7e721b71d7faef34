package d3

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// SQLiteStore
// ============================================================================

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteStore is the default on-device Store, one database file per device.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) the database at path and applies the
// embedded migrations.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageError("open sqlite db", err)
	}
	// A single connection serialises writers; SQLite allows one at a time anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storageError("ping sqlite db", err)
	}
	if err := applyMigrations(db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, storageError("run migrations", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, p Partition, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (partition, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (partition, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(p), key, value, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return storageError("put", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, p Partition, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE partition = ? AND key = ?`, string(p), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageError("get", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, p Partition, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE partition = ? AND key = ?`, string(p), key,
	); err != nil {
		return storageError("delete", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, p Partition) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE partition = ? ORDER BY key`, string(p),
	)
	if err != nil {
		return nil, storageError("list", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, storageError("list scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list rows", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendQueue(ctx context.Context, rec QueueRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (kind, created_at, payload) VALUES (?, ?, ?)`,
		rec.Kind, rec.CreatedAt, []byte(rec.Payload),
	)
	if err != nil {
		return 0, storageError("append queue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageError("append queue id", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListQueue(ctx context.Context) ([]QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, created_at, payload FROM queue ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, storageError("list queue", err)
	}
	defer rows.Close()

	var out []QueueRecord
	for rows.Next() {
		var (
			rec     QueueRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.CreatedAt, &payload); err != nil {
			return nil, storageError("list queue scan", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list queue rows", err)
	}
	return out, nil
}

func (s *SQLiteStore) RemoveQueue(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return storageError("remove queue", err)
	}
	return nil
}

// ── Migrations ───────────────────────────────────────────

func applyMigrations(db *sql.DB, migrations fs.FS, root string) error {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var found int
		err := db.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}

		content, err := fs.ReadFile(migrations, root+"/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upMigration(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func upMigration(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, upMarker)
	if start == -1 {
		return content
	}
	rest := content[start+len(upMarker):]
	if end := strings.Index(rest, downMarker); end != -1 {
		return rest[:end]
	}
	return rest
}
