package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldsync/posync/core"
)

// CatalogItem is a sellable item or service (tier 1, §3.5).
type CatalogItem struct {
	core.Metadata
	Name      string
	SKU       string
	UnitPrice core.Money
	Category  string
}

func (c CatalogItem) TableName() string   { return "catalog_items" }
func (c CatalogItem) Meta() core.Metadata { return c.Metadata }

func (c CatalogItem) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("catalog item name required")
	}
	if c.UnitPrice.IsNegative() {
		return fmt.Errorf("catalog item unit price cannot be negative")
	}
	return nil
}

func (c CatalogItem) Columns() map[string]any {
	return map[string]any{
		"id": string(c.ID), "device_id": string(c.DeviceID),
		"created_at": c.CreatedAt, "updated_at": c.UpdatedAt,
		"sync_status": string(c.SyncStatus),
		"name":        c.Name, "sku": c.SKU, "unit_price": c.UnitPrice.String(), "category": c.Category,
	}
}

func (c CatalogItem) ForeignRefs() map[string]core.RecordID { return nil }

func CreateCatalogItem(ctx context.Context, store core.Store, device core.DeviceID, now time.Time, name, sku string, unitPrice core.Money, category string) (CatalogItem, error) {
	c := CatalogItem{
		Metadata: core.NewMetadata(device, now),
		Name:     name, SKU: sku, UnitPrice: unitPrice, Category: category,
	}
	if err := c.Validate(); err != nil {
		return CatalogItem{}, err
	}

	err := store.WithTx(ctx, func(tx core.Store) error {
		if err := insertRecord(ctx, tx, c); err != nil {
			return err
		}
		return writeAudit(ctx, tx, device, now, core.AuditRecordCreated, c.TableName(), c.ID, "catalog item created")
	})
	if err != nil {
		return CatalogItem{}, err
	}
	return c, nil
}

func UpdateCatalogItem(ctx context.Context, store core.Store, device core.DeviceID, now time.Time, existing CatalogItem, name, sku string, unitPrice core.Money, category string) (CatalogItem, error) {
	existing.Name, existing.SKU, existing.UnitPrice, existing.Category = name, sku, unitPrice, category
	existing.Touch(now)
	if err := existing.Validate(); err != nil {
		return CatalogItem{}, err
	}

	err := store.WithTx(ctx, func(tx core.Store) error {
		_, err := tx.Exec(ctx, `
			UPDATE catalog_items SET updated_at = ?, sync_status = ?, name = ?, sku = ?, unit_price = ?, category = ?
			WHERE id = ?`,
			existing.UpdatedAt, string(existing.SyncStatus), existing.Name, existing.SKU, existing.UnitPrice.String(), existing.Category,
			string(existing.ID))
		if err != nil {
			return fmt.Errorf("update catalog item: %w", err)
		}
		return writeAudit(ctx, tx, device, now, core.AuditRecordUpdated, existing.TableName(), existing.ID, "catalog item updated")
	})
	if err != nil {
		return CatalogItem{}, err
	}
	return existing, nil
}
