package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldsync/posync/core"
)

// Payment is money taken from a party (tier 3, §3.5). Recording one is a
// financial mutation: TakePayment writes a PAYMENT_RECEIVED (credit)
// ledger entry alongside the primary row. No operation here records a
// payment made to a party.
type Payment struct {
	core.Metadata
	PartyID    core.RecordID
	WorkUnitID core.RecordID // optional
	Amount     core.Money
	Method     string // "cash", "card", "transfer"
	Reference  string
}

func (p Payment) TableName() string   { return "payments" }
func (p Payment) Meta() core.Metadata { return p.Metadata }

func (p Payment) Validate() error {
	if p.PartyID == "" {
		return fmt.Errorf("payment requires a party")
	}
	if p.Amount.IsNegative() || p.Amount.IsZero() {
		return fmt.Errorf("payment amount must be positive")
	}
	return nil
}

func (p Payment) Columns() map[string]any {
	var workUnitID any // NULL when no work unit is referenced
	if p.WorkUnitID != "" {
		workUnitID = string(p.WorkUnitID)
	}
	return map[string]any{
		"id": string(p.ID), "device_id": string(p.DeviceID),
		"created_at": p.CreatedAt, "updated_at": p.UpdatedAt,
		"sync_status": string(p.SyncStatus),
		"party_id":    string(p.PartyID), "work_unit_id": workUnitID,
		"amount": p.Amount.String(), "method": p.Method, "reference": p.Reference,
	}
}

func (p Payment) ForeignRefs() map[string]core.RecordID {
	refs := map[string]core.RecordID{"party_id": p.PartyID}
	if p.WorkUnitID != "" {
		refs["work_unit_id"] = p.WorkUnitID
	}
	return refs
}

// TakePayment inserts a payment and its PAYMENT_RECEIVED ledger entry
// within a single transaction.
func TakePayment(ctx context.Context, store core.Store, device core.DeviceID, now time.Time,
	partyID, workUnitID core.RecordID, amount core.Money, method, reference string) (Payment, error) {

	p := Payment{
		Metadata:   core.NewMetadata(device, now),
		PartyID:    partyID,
		WorkUnitID: workUnitID,
		Amount:     amount,
		Method:     method,
		Reference:  reference,
	}
	if err := p.Validate(); err != nil {
		return Payment{}, err
	}

	err := store.WithTx(ctx, func(tx core.Store) error {
		if err := insertRecord(ctx, tx, p); err != nil {
			return err
		}
		ledger := core.NewLedger(tx)
		entry := core.LedgerEntry{
			Metadata:      core.NewMetadata(device, now),
			EntryType:     core.EntryPaymentReceived,
			ReferenceType: p.TableName(),
			ReferenceID:   p.ID,
			PartyID:       p.PartyID,
			Credit:        p.Amount,
		}
		if err := ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		return writeAudit(ctx, tx, device, now, core.AuditPaymentTaken, p.TableName(), p.ID, "payment recorded")
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// AdjustLedger appends a correcting ADJUSTMENT entry referencing an
// existing ledger entry without altering it (§4.3 Corrections). The
// original entry's id is never touched - only a new row is appended.
func AdjustLedger(ctx context.Context, store core.Store, device core.DeviceID, now time.Time,
	original core.LedgerEntry, debit, credit core.Money, reason string) (core.LedgerEntry, error) {

	entry := core.LedgerEntry{
		Metadata:      core.NewMetadata(device, now),
		EntryType:     core.EntryAdjustment,
		ReferenceType: original.TableName(),
		ReferenceID:   original.ID,
		PartyID:       original.PartyID,
		Debit:         debit,
		Credit:        credit,
		Reason:        reason,
	}

	var appended core.LedgerEntry
	err := store.WithTx(ctx, func(tx core.Store) error {
		ledger := core.NewLedger(tx)
		if err := ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		appended = entry
		return writeAudit(ctx, tx, device, now, core.AuditLedgerAdjusted, "ledger_entries", original.ID, reason)
	})
	if err != nil {
		return core.LedgerEntry{}, err
	}
	return appended, nil
}
