/*
record.go - Sync metadata and the Record capability

PURPOSE:
  Defines the five metadata fields every synchronized table's rows carry
  (§3.1) and the narrow capability each domain record type implements so the
  generic sync machinery never needs to know concrete table shapes.

DESIGN PRINCIPLES (mirrors generic.ResourceType in the teacher repo):
  1. The sync engine is domain-agnostic: it knows Metadata, SyncStatus, and
     the Record interface, never "parties" or "payments" directly.
  2. Domain packages (domain/pos) implement Record for each table.
  3. Unknown fields on an incoming wire payload are tolerated, but
     server-only fields (server_updated_at) are stripped before any write.

SEE ALSO:
  - tier.go: fixed topological order over tables
  - domain/pos: concrete Record implementations
*/
package core

import "time"

// SyncStatus is the local-only lifecycle state of a synchronized row.
// Never transmitted as authoritative — the server has no concept of it.
type SyncStatus string

const (
	StatusPending SyncStatus = "PENDING"
	StatusSynced  SyncStatus = "SYNCED"
	StatusFailed  SyncStatus = "FAILED"
)

// Metadata is the five sync-discipline fields every synchronized row carries.
type Metadata struct {
	ID         RecordID
	DeviceID   DeviceID
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SyncStatus SyncStatus
}

// Touch advances UpdatedAt to now and resets SyncStatus to PENDING, as every
// mutating call must (§4.2 step 5). CreatedAt, DeviceID, and ID are untouched.
func (m *Metadata) Touch(now time.Time) {
	m.UpdatedAt = now
	m.SyncStatus = StatusPending
}

// NewMetadata builds the metadata for a freshly created row.
func NewMetadata(device DeviceID, now time.Time) Metadata {
	return Metadata{
		ID:         NewRecordID(),
		DeviceID:   device,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: StatusPending,
	}
}

// Record is the capability every synchronized table's domain type
// implements. The sync engine interacts with records only through this
// interface — it never imports domain/pos.
type Record interface {
	// TableName is the synchronized table this record belongs to.
	TableName() string

	// Validate checks the record's own invariants, independent of any store.
	Validate() error

	// Columns returns a column-name -> value map suitable for a generic
	// upsert, with server-only fields (server_updated_at) never included.
	Columns() map[string]any

	// ForeignRefs returns, for each foreign key this record carries, the
	// foreign-key field name (e.g. "party_id") mapped to the referenced
	// id. Unset optional references are omitted.
	ForeignRefs() map[string]RecordID

	// Meta returns the record's sync metadata.
	Meta() Metadata
}
