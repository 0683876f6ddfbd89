/*
Package pos implements the Mutation API (§4.2): the only path by which
local rows are created or updated. Every mutation here:

  1. Obtains the caller's device id and a fresh timestamp.
  2. Assigns a new RecordID on create; never touches id/device_id/
     created_at on update.
  3. Writes the primary row and, for financial mutations, a ledger row
     and an audit row in the same store transaction.
  4. Sets sync_status = PENDING, whether creating or updating.

Balances are never stored as a canonical field - see balance.go.
*/
package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldsync/posync/core"
)

// Device is the tier-1 record identifying a registered point-of-sale
// terminal. Unlike every other table, a device's own id IS its device_id.
type Device struct {
	core.Metadata
	Label        string
	RegisteredAt time.Time
}

func (d Device) TableName() string { return "devices" }
func (d Device) Meta() core.Metadata { return d.Metadata }

func (d Device) Validate() error {
	if d.Label == "" {
		return fmt.Errorf("device label required")
	}
	return nil
}

func (d Device) Columns() map[string]any {
	return map[string]any{
		"id":            string(d.ID),
		"device_id":     string(d.DeviceID),
		"created_at":    d.CreatedAt,
		"updated_at":    d.UpdatedAt,
		"sync_status":   string(d.SyncStatus),
		"label":         d.Label,
		"registered_at": d.RegisteredAt,
	}
}

func (d Device) ForeignRefs() map[string]core.RecordID { return nil }

// RegisterDevice creates the local device row. Called once, at first
// launch (§6.5); the resulting DeviceID is what every subsequent
// mutation stamps onto new rows.
func RegisterDevice(ctx context.Context, store core.Store, label string, now time.Time) (Device, error) {
	device := core.NewDeviceID()
	meta := core.NewMetadata(device, now)
	meta.ID = core.RecordID(device)

	d := Device{Metadata: meta, Label: label, RegisteredAt: now}
	if err := d.Validate(); err != nil {
		return Device{}, err
	}

	_, err := store.Exec(ctx, `
		INSERT INTO devices (id, device_id, created_at, updated_at, sync_status, label, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), string(d.DeviceID), d.CreatedAt, d.UpdatedAt, string(d.SyncStatus),
		d.Label, d.RegisteredAt)
	if err != nil {
		return Device{}, fmt.Errorf("register device: %w", err)
	}
	return d, nil
}

// CurrentDevice loads the process-global device identity (§9): a local
// store holds exactly one devices row, read lazily at first use and
// never mutated thereafter. Returns ok=false if the store has not been
// registered yet.
func CurrentDevice(ctx context.Context, store core.Store) (device Device, ok bool, err error) {
	err = store.Query(ctx, `SELECT id, device_id, created_at, updated_at, sync_status, label, registered_at FROM devices LIMIT 1`,
		func(row core.Scanner) error {
			var id, deviceID, syncStatus, label string
			var createdAt, updatedAt, registeredAt string
			if scanErr := row.Scan(&id, &deviceID, &createdAt, &updatedAt, &syncStatus, &label, &registeredAt); scanErr != nil {
				return scanErr
			}
			// Timestamps are TEXT: local writes carry the sqlite driver's
			// time layout, downloaded rows carry RFC 3339.
			parseTime := func(s string) time.Time {
				for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
					if t, err := time.Parse(layout, s); err == nil {
						return t
					}
				}
				return time.Time{}
			}
			device = Device{
				Metadata: core.Metadata{
					ID:         core.RecordID(id),
					DeviceID:   core.DeviceID(deviceID),
					CreatedAt:  parseTime(createdAt),
					UpdatedAt:  parseTime(updatedAt),
					SyncStatus: core.SyncStatus(syncStatus),
				},
				Label:        label,
				RegisteredAt: parseTime(registeredAt),
			}
			ok = true
			return nil
		})
	return device, ok, err
}
