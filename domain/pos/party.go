package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldsync/posync/core"
)

// Party is a customer, vendor, or staff member a work unit or payment
// can be attributed to (tier 1, §3.5).
type Party struct {
	core.Metadata
	Name    string
	Kind    string // "customer", "vendor", "staff"
	Contact string
	Notes   string
}

func (p Party) TableName() string   { return "parties" }
func (p Party) Meta() core.Metadata { return p.Metadata }

func (p Party) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("party name required")
	}
	return nil
}

func (p Party) Columns() map[string]any {
	return map[string]any{
		"id": string(p.ID), "device_id": string(p.DeviceID),
		"created_at": p.CreatedAt, "updated_at": p.UpdatedAt,
		"sync_status": string(p.SyncStatus),
		"name":        p.Name, "kind": p.Kind, "contact": p.Contact, "notes": p.Notes,
	}
}

func (p Party) ForeignRefs() map[string]core.RecordID { return nil }

// CreateParty inserts a new party row, stamping it with device and a
// fresh id (§4.2 step 1-2).
func CreateParty(ctx context.Context, store core.Store, device core.DeviceID, now time.Time, name, kind, contact, notes string) (Party, error) {
	p := Party{
		Metadata: core.NewMetadata(device, now),
		Name:     name, Kind: kind, Contact: contact, Notes: notes,
	}
	if err := p.Validate(); err != nil {
		return Party{}, err
	}

	err := store.WithTx(ctx, func(tx core.Store) error {
		if err := insertRecord(ctx, tx, p); err != nil {
			return err
		}
		return writeAudit(ctx, tx, device, now, core.AuditRecordCreated, p.TableName(), p.ID, "party created")
	})
	if err != nil {
		return Party{}, err
	}
	return p, nil
}

// UpdateParty mutates an existing party's fields. id/device_id/
// created_at are never touched; updated_at advances and sync_status
// resets to PENDING (§4.2 step 5).
func UpdateParty(ctx context.Context, store core.Store, device core.DeviceID, now time.Time, existing Party, name, kind, contact, notes string) (Party, error) {
	existing.Name, existing.Kind, existing.Contact, existing.Notes = name, kind, contact, notes
	existing.Touch(now)
	if err := existing.Validate(); err != nil {
		return Party{}, err
	}

	err := store.WithTx(ctx, func(tx core.Store) error {
		_, err := tx.Exec(ctx, `
			UPDATE parties SET updated_at = ?, sync_status = ?, name = ?, kind = ?, contact = ?, notes = ?
			WHERE id = ?`,
			existing.UpdatedAt, string(existing.SyncStatus), existing.Name, existing.Kind, existing.Contact, existing.Notes,
			string(existing.ID))
		if err != nil {
			return fmt.Errorf("update party: %w", err)
		}
		return writeAudit(ctx, tx, device, now, core.AuditRecordUpdated, existing.TableName(), existing.ID, "party updated")
	})
	if err != nil {
		return Party{}, err
	}
	return existing, nil
}
