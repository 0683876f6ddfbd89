/*
store.go - Server Store (§4.9)

PURPOSE:
  The central store every device's sync client talks to. Differs from
  the device-local store (store/sqlite) in three ways:

  1. Every table carries a server_updated_at column, stamped by the
     server on each accepted write - this, not the device's own
     updated_at, is the cursor GET /sync/download walks.
  2. Writes are upserts keyed on id alone (ids are 128-bit random,
     assigned once by the originating device and never reused), but
     device_id is immutable once set - an upsert never rewrites it.
  3. Conflicts are resolved last-writer-wins on a strict updated_at >
     stored comparison (§4.4): the incoming row's own updated_at, not
     the server's receive time, decides whether it wins.

GROUNDING:
  Schema/migrate shape and sync.RWMutex concurrency mirror
  store/sqlite/sqlite.go; the upsert-guarded-by-strict-greater-than
  comparison is the same LWW rule the local store's UpsertRecord uses
  when applying a download.

SEE ALSO:
  - handlers.go: translates RecordDTO <-> the column maps used here
  - dependency_scheduler.go: drains server_dependency_queue
*/
package server

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/domain/pos"
)

// Store is the central, multi-device sync store.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	scheduler *core.Scheduler
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db, scheduler: pos.Schema()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Scheduler exposes the fixed tier order, shared with domain/pos.
func (s *Store) Scheduler() *core.Scheduler { return s.scheduler }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_cursor ON devices(server_updated_at);

	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'customer',
		contact TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_parties_cursor ON parties(server_updated_at);

	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		unit_price TEXT NOT NULL DEFAULT '0',
		category TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_catalog_items_cursor ON catalog_items(server_updated_at);

	CREATE TABLE IF NOT EXISTS work_units (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		party_id TEXT NOT NULL REFERENCES parties(id),
		catalog_item_id TEXT REFERENCES catalog_items(id),
		description TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL DEFAULT '1',
		unit_price TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'open'
	);
	CREATE INDEX IF NOT EXISTS idx_work_units_cursor ON work_units(server_updated_at);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		party_id TEXT NOT NULL REFERENCES parties(id),
		work_unit_id TEXT REFERENCES work_units(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'cash',
		reference TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_payments_cursor ON payments(server_updated_at);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		party_id TEXT NOT NULL DEFAULT '',
		debit TEXT NOT NULL DEFAULT '0',
		credit TEXT NOT NULL DEFAULT '0',
		balance TEXT NOT NULL DEFAULT '0',
		reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_cursor ON ledger_entries(server_updated_at);

	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_update
	BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		server_updated_at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_type TEXT NOT NULL DEFAULT 'device',
		action TEXT NOT NULL,
		subject_table TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_cursor ON audit_log(server_updated_at);

	CREATE TRIGGER IF NOT EXISTS trg_audit_no_update
	BEFORE UPDATE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS trg_audit_no_delete
	BEFORE DELETE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;

	-- Mirrors the device-local dependency queue (§4.8): rows this server
	-- could not place because a referenced row hadn't arrived yet from
	-- another device.
	CREATE TABLE IF NOT EXISTS server_dependency_queue (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		missing_refs_json TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 10,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TEXT NOT NULL,
		last_retry_at TEXT,
		UNIQUE(table_name, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_server_dependency_queue_status ON server_dependency_queue(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		"0001_initial", time.Now().UTC().Format(time.RFC3339))
	return err
}

// Rejected describes one record the server would not place.
type Rejected struct {
	ID     string
	Reason string
}

// UpsertRecord writes one record into table, stamping server_updated_at
// to now. Append-only tables use INSERT ... ON CONFLICT DO NOTHING
// (§4.9); mutable tables use last-writer-wins, guarded by a strict
// updated_at > stored comparison so a stale replay can never regress a
// newer row. device_id and created_at are never included in the SET
// clause, so they cannot be altered by a later upsert.
func (s *Store) UpsertRecord(ctx context.Context, table string, cols map[string]any, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols = cloneCols(cols)
	cols["server_updated_at"] = now.UTC().Format(time.RFC3339)

	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = cols[n]
		// An absent optional reference arrives as ""; store it as NULL so
		// the foreign key is not checked against an empty id.
		if (n == "catalog_item_id" || n == "work_unit_id") && cols[n] == "" {
			args[i] = nil
		}
	}

	var stmt string
	if s.scheduler.IsAppendOnly(table) {
		stmt = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO NOTHING`,
			table, strings.Join(names, ","), strings.Join(placeholders, ","))
	} else {
		setClauses := make([]string, 0, len(names))
		for _, n := range names {
			if n == "id" || n == "device_id" || n == "created_at" {
				continue
			}
			setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", n, n))
		}
		stmt = fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s)
			 ON CONFLICT(id) DO UPDATE SET %s
			 WHERE excluded.updated_at > %s.updated_at`,
			table, strings.Join(names, ","), strings.Join(placeholders, ","),
			strings.Join(setClauses, ", "), table)
	}

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return classify(err)
	}
	return nil
}

// DownloadSince returns every row across table whose server_updated_at
// exceeds since, oldest first, capped at limit. Rows originated by
// excludeDevice are skipped (§4.9: a device never downloads its own
// writes back) unless excludeDevice is empty.
func (s *Store) DownloadSince(ctx context.Context, table string, since time.Time, limit int, excludeDevice string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE server_updated_at > ?`, table)
	args := []any{since.UTC().Format(time.RFC3339)}
	if excludeDevice != "" {
		stmt += ` AND device_id != ?`
		args = append(args, excludeDevice)
	}
	stmt += ` ORDER BY server_updated_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// FetchByIDs returns the rows of table matching ids, and reports which
// ids were not found (§4.9 /dependencies/fetch).
func (s *Store) FetchByIDs(ctx context.Context, table string, ids []string) ([]map[string]any, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE id IN (%s)`, table, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	found, err := scanRows(rows)
	if err != nil {
		return nil, nil, err
	}
	foundIDs := make(map[string]bool, len(found))
	for _, r := range found {
		foundIDs[fmt.Sprint(r["id"])] = true
	}
	var missing []string
	for _, id := range ids {
		if !foundIDs[id] {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			if b, ok := raw[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = raw[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func cloneCols(cols map[string]any) map[string]any {
	out := make(map[string]any, len(cols)+1)
	for k, v := range cols {
		out[k] = v
	}
	return out
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", core.ErrDependencyMissing, msg)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", core.ErrDuplicateIdempotencyKey, msg)
	case strings.Contains(msg, "append-only"):
		return fmt.Errorf("%w: %s", core.ErrImmutableEntry, msg)
	default:
		return err
	}
}
