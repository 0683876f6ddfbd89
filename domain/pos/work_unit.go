package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldsync/posync/core"
)

// WorkUnit is a job, ticket, or order line attributed to a party
// (tier 2, §3.5). Creating one is a financial mutation: it writes a
// JOB_CREATED ledger entry alongside the primary row (§4.3).
type WorkUnit struct {
	core.Metadata
	PartyID       core.RecordID
	CatalogItemID core.RecordID // optional
	Description   string
	Quantity      core.Money
	UnitPrice     core.Money
	Total         core.Money
	Status        string // "open", "completed", "cancelled"
}

func (w WorkUnit) TableName() string   { return "work_units" }
func (w WorkUnit) Meta() core.Metadata { return w.Metadata }

func (w WorkUnit) Validate() error {
	if w.PartyID == "" {
		return fmt.Errorf("work unit requires a party")
	}
	if w.Quantity.IsNegative() || w.UnitPrice.IsNegative() {
		return fmt.Errorf("work unit quantity/unit price cannot be negative")
	}
	return nil
}

func (w WorkUnit) Columns() map[string]any {
	var catalogItemID any // NULL when no catalog item is referenced
	if w.CatalogItemID != "" {
		catalogItemID = string(w.CatalogItemID)
	}
	return map[string]any{
		"id": string(w.ID), "device_id": string(w.DeviceID),
		"created_at": w.CreatedAt, "updated_at": w.UpdatedAt,
		"sync_status": string(w.SyncStatus),
		"party_id":    string(w.PartyID), "catalog_item_id": catalogItemID,
		"description": w.Description, "quantity": w.Quantity.String(),
		"unit_price": w.UnitPrice.String(), "total": w.Total.String(), "status": w.Status,
	}
}

func (w WorkUnit) ForeignRefs() map[string]core.RecordID {
	refs := map[string]core.RecordID{"party_id": w.PartyID}
	if w.CatalogItemID != "" {
		refs["catalog_item_id"] = w.CatalogItemID
	}
	return refs
}

// CreateWorkUnit inserts a work unit and its JOB_CREATED ledger entry
// within a single transaction (§4.2 step 4, §4.3): both commit, or
// neither does.
func CreateWorkUnit(ctx context.Context, store core.Store, device core.DeviceID, now time.Time,
	partyID, catalogItemID core.RecordID, description string, quantity, unitPrice core.Money) (WorkUnit, error) {

	w := WorkUnit{
		Metadata:      core.NewMetadata(device, now),
		PartyID:       partyID,
		CatalogItemID: catalogItemID,
		Description:   description,
		Quantity:      quantity,
		UnitPrice:     unitPrice,
		Total:         core.Money{Value: quantity.Value.Mul(unitPrice.Value)},
		Status:        "open",
	}
	if err := w.Validate(); err != nil {
		return WorkUnit{}, err
	}

	err := store.WithTx(ctx, func(tx core.Store) error {
		if err := insertRecord(ctx, tx, w); err != nil {
			return err
		}
		ledger := core.NewLedger(tx)
		entry := core.LedgerEntry{
			Metadata:      core.NewMetadata(device, now),
			EntryType:     core.EntryJobCreated,
			ReferenceType: w.TableName(),
			ReferenceID:   w.ID,
			PartyID:       w.PartyID,
			Debit:         w.Total,
		}
		if err := ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		return writeAudit(ctx, tx, device, now, core.AuditRecordCreated, w.TableName(), w.ID, "work unit created")
	})
	if err != nil {
		return WorkUnit{}, err
	}
	return w, nil
}

// UpdateWorkUnit mutates status/description only; financial fields
// (quantity, unit price, total) are immutable after creation - a
// correction goes through the ledger as an ADJUSTMENT, never an edit
// to the original total (§4.3).
func UpdateWorkUnit(ctx context.Context, store core.Store, device core.DeviceID, now time.Time, existing WorkUnit, description, status string) (WorkUnit, error) {
	existing.Description, existing.Status = description, status
	existing.Touch(now)

	err := store.WithTx(ctx, func(tx core.Store) error {
		_, err := tx.Exec(ctx, `
			UPDATE work_units SET updated_at = ?, sync_status = ?, description = ?, status = ?
			WHERE id = ?`,
			existing.UpdatedAt, string(existing.SyncStatus), existing.Description, existing.Status, string(existing.ID))
		if err != nil {
			return fmt.Errorf("update work unit: %w", err)
		}
		return writeAudit(ctx, tx, device, now, core.AuditRecordUpdated, existing.TableName(), existing.ID, "work unit updated")
	})
	if err != nil {
		return WorkUnit{}, err
	}
	return existing, nil
}
