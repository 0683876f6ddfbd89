/*
store.go - Persistence interface shared by the Local Store and the Server Store

PURPOSE:
  Defines the narrow interface between sync-generic logic and whatever
  relational store backs it (device-local sqlite, the server's sqlite/
  postgres). Mirrors the teacher's generic.Store / generic.TxStore split:
  a handful of primitives (§4.1 Exec/Query/WithTx), with everything
  domain-specific (parties, work units, ledger entries) living in
  store/sqlite as concrete methods, not interface members.

KEY INTERFACES:
  Store:  exec/query/run_in_transaction, the three operations §4.1 grants
          to the rest of the core.
  Ledger: append-only transaction log, built on top of Store (ledger.go).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: device-local store
  The central server store (server/store.go) is a separate type with its
  own methods; it does not implement Store, and keys rows on id alone.

SEE ALSO:
  - ledger.go: higher-level ledger built on Store
  - store/sqlite/sqlite.go: generic metadata helpers (PendingRows,
    MarkSynced/MarkFailed, CountByStatus) on the device-local store
*/
package core

import "context"

// Store is the minimal persistence contract the sync engine depends on.
// IMPORTANT for synchronized tables: all writes beyond the initial INSERT
// must go through the table's own validated mutation path (domain/pos);
// Store itself does not enforce domain rules, only transactional scope.
type Store interface {
	// Exec runs a data-modifying statement and returns the affected row count.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)

	// Query runs a read statement and scans rows via fn, one row at a time.
	Query(ctx context.Context, stmt string, fn func(Scanner) error, args ...any) error

	// WithTx executes fn within a single all-or-nothing transaction scope.
	// If fn returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Scanner is the subset of *sql.Rows the generic layer needs to read a row
// without importing database/sql into every caller.
type Scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// AUDIT LOG - separate from the ledger, insert-only, textual references only
// =============================================================================

// AuditAction identifies what kind of event an audit row records.
type AuditAction string

const (
	AuditRecordCreated  AuditAction = "record_created"
	AuditRecordUpdated  AuditAction = "record_updated"
	AuditPaymentTaken   AuditAction = "payment_taken"
	AuditLedgerAdjusted AuditAction = "ledger_adjusted"
)

// AuditEntry is one row of the append-only audit log (tier 5, §3.2).
// References are textual (table name + id as strings) rather than foreign
// keys, since audit rows may outlive the tables they describe.
type AuditEntry struct {
	Metadata
	ActorID      string
	ActorType    string // "device", "system"
	Action       AuditAction
	SubjectTable string
	SubjectID    RecordID
	Detail       string
}

func (a AuditEntry) TableName() string { return "audit_log" }
func (a AuditEntry) Meta() Metadata    { return a.Metadata }
func (a AuditEntry) Validate() error {
	if a.ActorID == "" || a.Action == "" || a.SubjectTable == "" {
		return &RefNotFoundError{Table: "audit_log", Field: "actor_id/action/subject_table"}
	}
	return nil
}
func (a AuditEntry) Columns() map[string]any {
	return map[string]any{
		"id":            string(a.ID),
		"device_id":     string(a.DeviceID),
		"created_at":    a.CreatedAt,
		"updated_at":    a.UpdatedAt,
		"sync_status":   string(a.SyncStatus),
		"actor_id":      a.ActorID,
		"actor_type":    a.ActorType,
		"action":        string(a.Action),
		"subject_table": a.SubjectTable,
		"subject_id":    string(a.SubjectID),
		"detail":        a.Detail,
	}
}
func (a AuditEntry) ForeignRefs() map[string]RecordID { return nil }
