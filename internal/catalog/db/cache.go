// Package db provides the local SQLite cache of catalog metadata.
//
// The cache holds the current snapshot of every known catalog resource so
// that search never touches the network. It is written only by the sync layer
// (and by JSONL import) and read by the query layer.
//
// Architecture:
//   - Database file: <cache_dir>/metadata.db
//   - WAL mode: readers never block the single writer
//   - Schema: resources (keyed by index_name), sync_state (one row)
//   - Each refresh page is written in its own transaction
//
// The cache is a single-writer resource. Concurrent refreshes from separate
// processes are not coordinated here.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/ext/unicode"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/schema"
)

// DB wraps the SQLite connection pool of the metadata cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the cache database at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	cache, err := db.Open(filepath.Join(cacheDir, "metadata.db"))
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(path string) (*DB, error) {
	const op = "db.Open"

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "create cache directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection. Registering the
	// unicode extension makes lower() and LIKE fold non-ASCII text.
	conn, err := driver.Open(dsn(path), unicode.Register)
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "ping database %s: %w", path, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// dsn builds the file: URI for path, escaping characters such as '?' and
// '#' that would otherwise end the path.
func dsn(path string) string {
	u := url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     filepath.ToSlash(path),
		RawQuery: "_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)",
	}
	return u.String()
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return apperrors.Errorf(apperrors.ErrCache, "db.Close", "close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// This is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS resources (
		index_name  TEXT PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		org         TEXT NOT NULL DEFAULT '[]',  -- JSON array
		org_type    TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		sector      TEXT NOT NULL DEFAULT '[]',  -- JSON array
		fields      TEXT NOT NULL DEFAULT '[]',  -- JSON array of column ids
		created_at  TEXT,
		updated_at  TEXT,

		-- generation of the full refresh that last wrote the row
		sync_gen    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		generation   INTEGER NOT NULL DEFAULT 0,
		mode         TEXT NOT NULL DEFAULT '',
		next_offset  INTEGER NOT NULL DEFAULT 0,
		total        INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_resources_updated ON resources(updated_at);
	CREATE INDEX IF NOT EXISTS idx_resources_created ON resources(created_at);
	CREATE INDEX IF NOT EXISTS idx_resources_org_type ON resources(org_type);
	CREATE INDEX IF NOT EXISTS idx_resources_source ON resources(source);
	CREATE INDEX IF NOT EXISTS idx_resources_gen ON resources(sync_gen);
	`

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return apperrors.Errorf(apperrors.ErrCache, "db.InitSchema", "initialize schema: %w", err)
	}
	return nil
}

const upsertResourceSQL = `
	INSERT INTO resources (
		index_name, title, description, org, org_type, source,
		sector, fields, created_at, updated_at, sync_gen
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(index_name) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		org = excluded.org,
		org_type = excluded.org_type,
		source = excluded.source,
		sector = excluded.sector,
		fields = excluded.fields,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_gen = excluded.sync_gen
	`

// mergeResourceSQL is upsertResourceSQL without the generation update: an
// existing row keeps the generation of the run that last saw it remotely.
const mergeResourceSQL = `
	INSERT INTO resources (
		index_name, title, description, org, org_type, source,
		sector, fields, created_at, updated_at, sync_gen
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(index_name) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		org = excluded.org,
		org_type = excluded.org_type,
		source = excluded.source,
		sector = excluded.sector,
		fields = excluded.fields,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertResource inserts or replaces one resource, stamping it with the
// given refresh generation.
func (db *DB) UpsertResource(ctx context.Context, r *schema.Resource, gen int64) error {
	if err := upsertResource(ctx, db.conn, upsertResourceSQL, r, gen); err != nil {
		return apperrors.E(apperrors.ErrCache, "db.UpsertResource", err)
	}
	return nil
}

func upsertResource(ctx context.Context, ex execer, query string, r *schema.Resource, gen int64) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid resource: %w", err)
	}

	orgJSON, err := marshalList(r.Org)
	if err != nil {
		return err
	}
	sectorJSON, err := marshalList(r.Sector)
	if err != nil {
		return err
	}
	fieldsJSON, err := marshalList(r.Fields)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, query,
		r.IndexName,
		r.Title,
		r.Desc,
		orgJSON,
		r.OrgType,
		r.Source,
		sectorJSON,
		fieldsJSON,
		timeToNullString(r.Created),
		timeToNullString(r.Updated),
		gen,
	)
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", r.IndexName, err)
	}
	return nil
}

// WritePage upserts a page of resources and, when state is non-nil, saves
// the sync state in the same transaction. Either the whole page is visible
// afterwards or none of it is.
func (db *DB) WritePage(ctx context.Context, resources []*schema.Resource, gen int64, state *SyncState) error {
	const op = "db.WritePage"

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrCache, op, "begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range resources {
		if err := upsertResource(ctx, tx, upsertResourceSQL, r, gen); err != nil {
			return apperrors.E(apperrors.ErrCache, op, err)
		}
	}

	if state != nil {
		if err := saveSyncState(ctx, tx, state); err != nil {
			return apperrors.E(apperrors.ErrCache, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Errorf(apperrors.ErrCache, op, "commit page: %w", err)
	}
	return nil
}

// MergePage upserts a page of resources in one transaction. New rows are
// stamped with gen; rows already cached keep their generation, so a row a
// running full refresh has already written is not swept when it completes.
func (db *DB) MergePage(ctx context.Context, resources []*schema.Resource, gen int64) error {
	const op = "db.MergePage"

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrCache, op, "begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range resources {
		if err := upsertResource(ctx, tx, mergeResourceSQL, r, gen); err != nil {
			return apperrors.E(apperrors.ErrCache, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Errorf(apperrors.ErrCache, op, "commit page: %w", err)
	}
	return nil
}

// CompleteRun removes every row not written by generation gen and marks
// state as completed, atomically. It returns the number of removed rows.
func (db *DB) CompleteRun(ctx context.Context, gen int64, state *SyncState) (int64, error) {
	const op = "db.CompleteRun"

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Errorf(apperrors.ErrCache, op, "begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE sync_gen != ?`, gen)
	if err != nil {
		return 0, apperrors.Errorf(apperrors.ErrCache, op, "delete stale resources: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := saveSyncState(ctx, tx, state); err != nil {
		return 0, apperrors.E(apperrors.ErrCache, op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Errorf(apperrors.ErrCache, op, "commit: %w", err)
	}
	return removed, nil
}

// DeleteResource removes one resource. Returns nil if it doesn't exist.
func (db *DB) DeleteResource(ctx context.Context, indexName string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM resources WHERE index_name = ?`, indexName); err != nil {
		return apperrors.Errorf(apperrors.ErrCache, "db.DeleteResource", "delete resource %s: %w", indexName, err)
	}
	return nil
}

// Count returns the number of cached resources.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM resources").Scan(&count); err != nil {
		return 0, apperrors.Errorf(apperrors.ErrCache, "db.Count", "count resources: %w", err)
	}
	return count, nil
}

// GetResource returns the cached resource with the given identifier.
// Returns an apperrors.ErrNotFound error if it is not cached.
func (db *DB) GetResource(ctx context.Context, indexName string) (*schema.Resource, error) {
	const op = "db.GetResource"

	row := db.conn.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE index_name = ?`, indexName)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Errorf(apperrors.ErrNotFound, op, "resource %s is not cached", indexName)
	}
	if err != nil {
		return nil, apperrors.E(apperrors.ErrCache, op, err)
	}
	return r, nil
}

// UpdatedTimes returns the cached update time of each identifier that is
// present in the cache. Unknown identifiers are absent from the map; known
// resources without an update time map to nil.
func (db *DB) UpdatedTimes(ctx context.Context, ids []string) (map[string]*time.Time, error) {
	const op = "db.UpdatedTimes"

	out := make(map[string]*time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT index_name, updated_at FROM resources WHERE index_name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "query update times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var updated sql.NullString
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, apperrors.Errorf(apperrors.ErrCache, op, "scan update time: %w", err)
		}
		out[id] = nullStringToTime(updated)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "iterate update times: %w", err)
	}
	return out, nil
}

// EachResource calls fn for every cached resource ordered by index_name.
// Iteration stops at the first error returned by fn.
func (db *DB) EachResource(ctx context.Context, fn func(*schema.Resource) error) error {
	const op = "db.EachResource"

	rows, err := db.conn.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY index_name`)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrCache, op, "query resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return apperrors.E(apperrors.ErrCache, op, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.Errorf(apperrors.ErrCache, op, "iterate resources: %w", err)
	}
	return nil
}

const resourceColumns = `index_name, title, description, org, org_type, source,
	sector, fields, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanResource(s scanner) (*schema.Resource, error) {
	var r schema.Resource
	var orgJSON, sectorJSON, fieldsJSON string
	var created, updated sql.NullString

	err := s.Scan(
		&r.IndexName,
		&r.Title,
		&r.Desc,
		&orgJSON,
		&r.OrgType,
		&r.Source,
		&sectorJSON,
		&fieldsJSON,
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan resource: %w", err)
	}

	if r.Org, err = unmarshalList(orgJSON); err != nil {
		return nil, fmt.Errorf("decode org of %s: %w", r.IndexName, err)
	}
	if r.Sector, err = unmarshalList(sectorJSON); err != nil {
		return nil, fmt.Errorf("decode sector of %s: %w", r.IndexName, err)
	}
	if r.Fields, err = unmarshalList(fieldsJSON); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", r.IndexName, err)
	}
	r.Created = nullStringToTime(created)
	r.Updated = nullStringToTime(updated)

	return &r, nil
}

func scanResources(rows *sql.Rows) ([]*schema.Resource, error) {
	resources := []*schema.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return resources, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalList(s string) ([]string, error) {
	items := []string{}
	if s == "" || s == "null" {
		return items, nil
	}
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// timeToNullString converts a time pointer to a nullable RFC3339 UTC string.
// UTC keeps lexical and chronological order identical.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
