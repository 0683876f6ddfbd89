/*
types.go - Money and ledger entry types

PURPOSE:
  Domain-agnostic types for the financial ledger (§4.3): a decimal money
  type (to avoid floating-point drift, same reasoning as the teacher's
  Amount type), the ledger entry type enumeration, and the LedgerEntry
  record itself.

DESIGN PRINCIPLES (carried from the teacher's generic/types.go):
  1. Precision: uses decimal.Decimal, never float64, for money.
  2. Immutability: ledger entries are never modified, only reversed via a
     new ADJUSTMENT entry referencing the original (§4.3).
  3. Auditability: every entry carries reference_type/reference_id.

SEE ALSO:
  - ledger.go: running-balance computation and append-only guards
  - domain/pos: concrete tables that write ledger entries
*/
package core

import "github.com/shopspring/decimal"

// Money is a decimal amount, serialized with up to two fractional digits on
// the wire (§6.1) and stored as DECIMAL(15,2) by the server store.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(v float64) Money { return Money{Value: decimal.NewFromFloat(v)} }

func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: d}
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) IsZero() bool      { return m.Value.IsZero() }
func (m Money) IsNegative() bool  { return m.Value.IsNegative() }
func (m Money) String() string    { return m.Value.StringFixed(2) }

// LedgerEntryType enumerates the kinds of balance-affecting events the
// ledger records (§4.3).
type LedgerEntryType string

const (
	EntryJobCreated      LedgerEntryType = "JOB_CREATED"
	EntryPaymentReceived LedgerEntryType = "PAYMENT_RECEIVED"
	EntryPaymentMade     LedgerEntryType = "PAYMENT_MADE"
	EntryExpenseRecorded LedgerEntryType = "EXPENSE_RECORDED"
	EntryAdjustment      LedgerEntryType = "ADJUSTMENT"
	EntryOpeningBalance  LedgerEntryType = "OPENING_BALANCE"
)

// LedgerEntry is one append-only row of the double-entry ledger (tier 4).
// Running Balance is computed at write time as previous-balance + Debit -
// Credit, ordered (created_at, id) ascending, where previous is the last
// ledger row for the same party (or the global cash ledger if PartyID is
// empty).
type LedgerEntry struct {
	Metadata
	EntryType     LedgerEntryType
	ReferenceType string // e.g. "work_units", "payments"
	ReferenceID   RecordID
	PartyID       RecordID // empty means the global cash ledger
	Debit         Money
	Credit        Money
	Balance       Money
	Reason        string
}

func (e LedgerEntry) TableName() string { return "ledger_entries" }
func (e LedgerEntry) Meta() Metadata    { return e.Metadata }

func (e LedgerEntry) Validate() error {
	if e.Debit.IsNegative() || e.Credit.IsNegative() {
		return &RefNotFoundError{Table: "ledger_entries", Field: "debit/credit"}
	}
	if e.EntryType == "" || e.ReferenceType == "" || e.ReferenceID == "" {
		return &RefNotFoundError{Table: "ledger_entries", Field: "entry_type/reference"}
	}
	return nil
}

func (e LedgerEntry) Columns() map[string]any {
	return map[string]any{
		"id":             string(e.ID),
		"device_id":      string(e.DeviceID),
		"created_at":     e.CreatedAt,
		"updated_at":     e.UpdatedAt,
		"sync_status":    string(e.SyncStatus),
		"entry_type":     string(e.EntryType),
		"reference_type": e.ReferenceType,
		"reference_id":   string(e.ReferenceID),
		"party_id":       string(e.PartyID),
		"debit":          e.Debit.Value.String(),
		"credit":         e.Credit.Value.String(),
		"balance":        e.Balance.Value.String(),
		"reason":         e.Reason,
	}
}

func (e LedgerEntry) ForeignRefs() map[string]RecordID {
	refs := map[string]RecordID{}
	if e.PartyID != "" {
		refs["party_id"] = e.PartyID
	}
	return refs
}
