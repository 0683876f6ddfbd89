/*
Package sqlite provides the SQLite-backed device-local store.

PURPOSE:
  Implements core.Store (§4.1 Local Store) on top of mattn/go-sqlite3,
  plus every table-agnostic helper the sync machinery needs: pending-row
  enumeration, bulk status transitions, the dependency queue, and a
  generic upsert used when applying downloaded rows.

APPEND-ONLY ENFORCEMENT:
  Defense in depth, same as the teacher: domain/pos never issues an
  UPDATE/DELETE against ledger_entries or audit_log, AND the schema
  itself carries BEFORE UPDATE/DELETE triggers that RAISE(ABORT, ...),
  so a bug anywhere in the call chain cannot silently corrupt history.

KEY TABLES:
  devices, parties, catalog_items, work_units, payments:  mutable,
    last-writer-wins rows (tiers 1-3).
  ledger_entries, audit_log:  append-only (tiers 4-5).
  dependency_queue:  rows blocked on an absent foreign key (§4.8).
  schema_migrations:  applied-migration registry.

CONCURRENCY:
  sync.RWMutex, same reasoning as the teacher: SQLite serializes writers
  regardless, the mutex just keeps Go-level read/write sections honest
  and avoids "database is locked" churn under WAL.

WAL MODE:
  Opened with _journal_mode=WAL and _foreign_keys=on (§4.1): concurrent
  readers don't block the writer, and FK violations are surfaced as
  ordinary sqlite3 errors the dependency queue classifies.

SEE ALSO:
  - core/store.go: the Store/Scanner interfaces this type implements
  - core/tier.go: TableSpec definitions matching this schema
  - syncclient/queue.go, syncclient/orchestrator.go: callers of the
    dependency queue and generic upsert helpers (server/store.go has its
    own server-side equivalents)
*/
package sqlite

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
)

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (creating if absent) a SQLite store at dbPath. Use ":memory:"
// for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	-- Tier 1: devices
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		label TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL
	);

	-- Tier 1: parties (customers, vendors, staff)
	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'customer',
		contact TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	);

	-- Tier 1: catalog_items
	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		unit_price TEXT NOT NULL DEFAULT '0',
		category TEXT NOT NULL DEFAULT ''
	);

	-- Tier 2: work_units (jobs, tickets, orders)
	CREATE TABLE IF NOT EXISTS work_units (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		party_id TEXT NOT NULL REFERENCES parties(id),
		catalog_item_id TEXT REFERENCES catalog_items(id),
		description TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL DEFAULT '1',
		unit_price TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'open'
	);

	CREATE INDEX IF NOT EXISTS idx_work_units_party ON work_units(party_id);

	-- Tier 3: payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		party_id TEXT NOT NULL REFERENCES parties(id),
		work_unit_id TEXT REFERENCES work_units(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'cash',
		reference TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_party ON payments(party_id);

	-- Tier 4: ledger_entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		entry_type TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		party_id TEXT NOT NULL DEFAULT '',
		debit TEXT NOT NULL DEFAULT '0',
		credit TEXT NOT NULL DEFAULT '0',
		balance TEXT NOT NULL DEFAULT '0',
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_party ON ledger_entries(party_id, created_at, id);

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

	-- Tier 5: audit_log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		actor_id TEXT NOT NULL,
		actor_type TEXT NOT NULL DEFAULT 'device',
		action TEXT NOT NULL,
		subject_table TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);

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

	-- Dependency queue (§4.8): rows blocked on an absent foreign key
	CREATE TABLE IF NOT EXISTS dependency_queue (
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

	CREATE INDEX IF NOT EXISTS idx_dependency_queue_status ON dependency_queue(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		"0001_initial", time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// core.Store
// =============================================================================

func (s *Store) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (s *Store) Query(ctx context.Context, stmt string, fn func(core.Scanner) error, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// WithTx runs fn within one transaction. The *sql.Tx is wrapped so fn's
// Store.Exec/Query calls participate in the same transaction and the
// outer RWMutex is not re-entered.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore implements core.Store over an in-flight *sql.Tx, without
// re-acquiring Store's mutex (the caller already holds it via WithTx).
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (t *txStore) Query(ctx context.Context, stmt string, fn func(core.Scanner) error, args ...any) error {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *txStore) WithTx(ctx context.Context, fn func(core.Store) error) error {
	// Nested transactions are flattened: the caller is already inside one.
	return fn(t)
}

// =============================================================================
// SYNC UTILITIES (table-agnostic helpers, §5 Sync Utilities)
// =============================================================================

// EnumeratePending walks up to limit PENDING rows of table, oldest
// updated_at first, invoking fn per row.
func (s *Store) EnumeratePending(ctx context.Context, table string, limit int, fn func(core.Scanner) error) error {
	if !validTable(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	stmt := fmt.Sprintf(
		`SELECT * FROM %s WHERE sync_status = 'PENDING' ORDER BY updated_at ASC, id ASC LIMIT ?`, table)
	return s.Query(ctx, stmt, fn, limit)
}

// PendingRows returns up to limit PENDING rows of table as column-name
// maps, oldest updated_at first. Used by the sync orchestrator to build
// upload payloads without hardcoding each table's column list (§4.7).
func (s *Store) PendingRows(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	if !validTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE sync_status = 'PENDING' ORDER BY updated_at ASC, id ASC LIMIT ?`, table),
		limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// RowExists reports whether a row with the given id exists in table,
// used by the dependency queue to check whether a prerequisite has
// since arrived without attempting a speculative insert.
func (s *Store) RowExists(ctx context.Context, table, id string) (bool, error) {
	if !validTable(table) {
		return false, fmt.Errorf("unknown table %q", table)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), id)
	if err := row.Scan(&n); err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// scanRows converts *sql.Rows into column-name -> value maps, the same
// dynamic-payload shape the server store uses (server/store.go).
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

// MarkSynced transitions rows to SYNCED after a successful upload.
func (s *Store) MarkSynced(ctx context.Context, table string, ids []string) error {
	return s.bulkTransition(ctx, table, ids, core.StatusSynced)
}

// MarkFailed transitions rows to FAILED after a rejected upload.
func (s *Store) MarkFailed(ctx context.Context, table string, ids []string) error {
	return s.bulkTransition(ctx, table, ids, core.StatusFailed)
}

func (s *Store) bulkTransition(ctx context.Context, table string, ids []string, status core.SyncStatus) error {
	if !validTable(table) || len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	stmt := fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id IN (%s)`, table, strings.Join(placeholders, ","))
	_, err := s.Exec(ctx, stmt, args...)
	return err
}

// ResetFailedToPending requeues every FAILED row of table for another
// upload attempt.
func (s *Store) ResetFailedToPending(ctx context.Context, table string) error {
	if !validTable(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	stmt := fmt.Sprintf(`UPDATE %s SET sync_status = 'PENDING' WHERE sync_status = 'FAILED'`, table)
	_, err := s.Exec(ctx, stmt)
	return err
}

// CountByStatus returns the row count per sync_status for table, used to
// populate the pending_total metric (§4.12).
func (s *Store) CountByStatus(ctx context.Context, table string) (map[string]int, error) {
	if !validTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	counts := map[string]int{}
	stmt := fmt.Sprintf(`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, table)
	err := s.Query(ctx, stmt, func(row core.Scanner) error {
		var status string
		var n int
		if err := row.Scan(&status, &n); err != nil {
			return err
		}
		counts[status] = n
		return nil
	})
	return counts, err
}

// UpsertRecord applies a generic insert-or-replace-if-newer write, used
// when the sync client applies a downloaded row (§4.1, §4.7) to a
// mutable (non-append-only) table. cols must include "id" and
// "updated_at"; the update only takes effect if the incoming
// updated_at is strictly greater than the stored one (last-writer-wins,
// §4.4).
func (s *Store) UpsertRecord(ctx context.Context, table string, cols map[string]any) error {
	if !validTable(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	setClauses := make([]string, 0, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = cols[n]
		// An absent optional reference arrives as ""; store it as NULL so
		// the foreign key is not checked against an empty id.
		if (n == "catalog_item_id" || n == "work_unit_id") && cols[n] == "" {
			args[i] = nil
		}
		if n != "id" {
			setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", n, n))
		}
	}

	stmt := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT(id) DO UPDATE SET %s
		 WHERE excluded.updated_at > %s.updated_at`,
		table, strings.Join(names, ","), strings.Join(placeholders, ","),
		strings.Join(setClauses, ", "), table,
	)
	_, err := s.Exec(ctx, stmt, args...)
	return err
}

var syncedTables = map[string]bool{
	"devices": true, "parties": true, "catalog_items": true,
	"work_units": true, "payments": true, "ledger_entries": true, "audit_log": true,
}

func validTable(table string) bool { return syncedTables[table] }

// =============================================================================
// DEPENDENCY QUEUE (§4.8)
// =============================================================================

// QueueItem is one row blocked on an absent foreign key.
type QueueItem struct {
	ID              string
	TableName       string
	RecordID        string
	PayloadJSON     string
	MissingRefsJSON string
	RetryCount      int
	MaxRetries      int
	Status          string // PENDING, COMPLETED, FAILED
	CreatedAt       time.Time
	LastRetryAt     *time.Time
}

// Enqueue inserts or updates a blocked row. table_name+record_id is
// unique, so re-enqueuing the same record (e.g. it was blocked again on
// a different missing ref) updates the existing row instead of
// duplicating it, incrementing its retry_count.
func (s *Store) Enqueue(ctx context.Context, item QueueItem) error {
	var lastRetry any
	if item.LastRetryAt != nil {
		lastRetry = item.LastRetryAt.UTC().Format(time.RFC3339)
	}
	_, err := s.Exec(ctx, `
		INSERT INTO dependency_queue
			(id, table_name, record_id, payload_json, missing_refs_json,
			 retry_count, max_retries, status, created_at, last_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			missing_refs_json = excluded.missing_refs_json,
			retry_count = dependency_queue.retry_count + 1,
			status = excluded.status,
			last_retry_at = excluded.last_retry_at`,
		item.ID, item.TableName, item.RecordID, item.PayloadJSON, item.MissingRefsJSON,
		item.RetryCount, item.MaxRetries, item.Status,
		item.CreatedAt.UTC().Format(time.RFC3339), lastRetry,
	)
	return err
}

// ListByStatus returns queue items in a given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]QueueItem, error) {
	var items []QueueItem
	err := s.Query(ctx, `
		SELECT id, table_name, record_id, payload_json, missing_refs_json,
		       retry_count, max_retries, status, created_at, last_retry_at
		FROM dependency_queue
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`,
		func(row core.Scanner) error {
			var it QueueItem
			var createdAt string
			var lastRetry sql.NullString
			if err := row.Scan(&it.ID, &it.TableName, &it.RecordID, &it.PayloadJSON, &it.MissingRefsJSON,
				&it.RetryCount, &it.MaxRetries, &it.Status, &createdAt, &lastRetry); err != nil {
				return err
			}
			it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
			if lastRetry.Valid {
				t, _ := time.Parse(time.RFC3339, lastRetry.String)
				it.LastRetryAt = &t
			}
			items = append(items, it)
			return nil
		}, status, limit)
	return items, err
}

// UpdateStatus advances a queue item's retry bookkeeping.
func (s *Store) UpdateStatus(ctx context.Context, id string, status string, retryCount int, lastRetryAt time.Time) error {
	_, err := s.Exec(ctx,
		`UPDATE dependency_queue SET status = ?, retry_count = ?, last_retry_at = ? WHERE id = ?`,
		status, retryCount, lastRetryAt.UTC().Format(time.RFC3339), id)
	return err
}

// PurgeCompletedBefore deletes COMPLETED queue items older than cutoff
// (§4.8's 7-day retention window).
func (s *Store) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.Exec(ctx,
		`DELETE FROM dependency_queue WHERE status = 'COMPLETED' AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

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
