/*
ledger.go - Append-only transaction log

PURPOSE:
  The ledger is the immutable source of truth for every balance change
  (§4.3). Every job created, payment taken, expense recorded, and
  correction is represented as a LedgerEntry row. A party's outstanding
  balance is never stored as a canonical field - it is always derived by
  replaying ledger entries in (created_at, id) order.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no UPDATE, no DELETE, enforced by store-level triggers
     (store/sqlite/sqlite.go) in addition to this package never issuing one.
  2. IMMUTABLE: once written, an entry is never modified.
  3. AUDITABLE: every entry carries reference_type/reference_id back to
     the row that caused it.

CORRECTIONS:
  A mistake is never edited. Instead, append an ADJUSTMENT entry whose
  Debit/Credit undo the error, referencing the original entry's id in
  ReferenceID. Both entries remain in the ledger; only the net balance
  changes.

SEE ALSO:
  - store.go: Store/Scanner primitives this package is built on
  - domain/pos: callers that construct LedgerEntry values
*/
package core

import (
	"context"
	"fmt"
	"time"
)

// Ledger is the source of truth for all balance changes. Corrections are
// made via ADJUSTMENT entries, never edits.
type Ledger interface {
	// Append adds one entry within the caller's transaction. The caller is
	// responsible for wrapping this in the same Store.WithTx as the
	// primary-row write it accompanies, so both commit or neither does.
	Append(ctx context.Context, tx Store, entry LedgerEntry) error

	// EntriesForParty returns all entries for a party, oldest first.
	EntriesForParty(ctx context.Context, partyID RecordID) ([]LedgerEntry, error)

	// BalanceFor returns a party's current outstanding balance: the running
	// Balance of its most recent ledger entry, which Append derived as the
	// previous balance plus debit minus credit. Never cached as a canonical
	// value outside the ledger (§4.3, §4.4).
	BalanceFor(ctx context.Context, partyID RecordID) (Money, error)
}

// DefaultLedger is the sqlite-backed Ledger implementation.
type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

// Append inserts entry within tx, computing its running Balance as the
// previous balance for entry.PartyID plus Debit minus Credit. tx must be
// the Store handed to the caller's WithTx callback, not l.Store directly,
// so the insert shares the caller's transaction.
func (l *DefaultLedger) Append(ctx context.Context, tx Store, entry LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	prev, err := l.balanceWithin(ctx, tx, entry.PartyID)
	if err != nil {
		return err
	}
	entry.Balance = prev.Add(entry.Debit).Sub(entry.Credit)

	cols := entry.Columns()
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries
			(id, device_id, created_at, updated_at, sync_status,
			 entry_type, reference_type, reference_id, party_id,
			 debit, credit, balance, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols["id"], cols["device_id"], cols["created_at"], cols["updated_at"], cols["sync_status"],
		cols["entry_type"], cols["reference_type"], cols["reference_id"], cols["party_id"],
		cols["debit"], cols["credit"], cols["balance"], cols["reason"],
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l *DefaultLedger) EntriesForParty(ctx context.Context, partyID RecordID) ([]LedgerEntry, error) {
	return l.entriesWithin(ctx, l.Store, partyID)
}

func (l *DefaultLedger) BalanceFor(ctx context.Context, partyID RecordID) (Money, error) {
	return l.balanceWithin(ctx, l.Store, partyID)
}

func (l *DefaultLedger) entriesWithin(ctx context.Context, s Store, partyID RecordID) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.Query(ctx, `
		SELECT id, device_id, created_at, updated_at, sync_status,
		       entry_type, reference_type, reference_id, party_id,
		       debit, credit, balance, reason
		FROM ledger_entries
		WHERE party_id = ?
		ORDER BY created_at ASC, id ASC`,
		func(row Scanner) error {
			var e LedgerEntry
			var id, deviceID, createdAt, updatedAt, syncStatus, entryType, refType, refID, debit, credit, balance string
			if err := row.Scan(&id, &deviceID, &createdAt, &updatedAt, &syncStatus,
				&entryType, &refType, &refID, &e.PartyID, &debit, &credit, &balance, &e.Reason); err != nil {
				return err
			}
			// Timestamps are TEXT: local writes carry the sqlite driver's
			// time layout, downloaded rows carry RFC 3339.
			for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
				if t, err := time.Parse(layout, createdAt); err == nil {
					e.CreatedAt = t
				}
				if t, err := time.Parse(layout, updatedAt); err == nil {
					e.UpdatedAt = t
				}
			}
			e.ID = RecordID(id)
			e.DeviceID = DeviceID(deviceID)
			e.SyncStatus = SyncStatus(syncStatus)
			e.EntryType = LedgerEntryType(entryType)
			e.ReferenceType = refType
			e.ReferenceID = RecordID(refID)
			e.Debit = MustParseMoney(debit)
			e.Credit = MustParseMoney(credit)
			e.Balance = MustParseMoney(balance)
			entries = append(entries, e)
			return nil
		}, string(partyID))
	if err != nil {
		return nil, fmt.Errorf("load ledger entries: %w", err)
	}
	return entries, nil
}

func (l *DefaultLedger) balanceWithin(ctx context.Context, s Store, partyID RecordID) (Money, error) {
	balance := Money{}
	var found string
	err := s.Query(ctx, `
		SELECT balance FROM ledger_entries
		WHERE party_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		func(row Scanner) error {
			return row.Scan(&found)
		}, string(partyID))
	if err != nil {
		return Money{}, fmt.Errorf("load running balance: %w", err)
	}
	if found != "" {
		balance = MustParseMoney(found)
	}
	return balance, nil
}
