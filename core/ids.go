/*
ids.go - Identity primitives for synchronized records

PURPOSE:
  Every synchronized row carries a 128-bit random identifier (§3.1 of the
  spec). This file is the single place that mints them, so the format is
  consistent across every domain table and the wire protocol's "lowercase
  hex UUIDs" contract.

SEE ALSO:
  - record.go: Metadata struct that embeds an ID
  - server/store.go: server tables are keyed on id alone, not on
    (id, device_id); an upsert never rewrites device_id
*/
package core

import "github.com/google/uuid"

// RecordID is a 128-bit random identifier, globally unique with
// overwhelming probability. Rendered as a lowercase hex UUID on the wire.
type RecordID string

// NewRecordID mints a fresh random identifier.
func NewRecordID() RecordID {
	return RecordID(uuid.NewString())
}

// DeviceID identifies the device that originated a row. Chosen once at
// first initialization (see domain/pos.RegisterDevice and CurrentDevice)
// and never mutated.
type DeviceID string

// NewDeviceID mints a fresh device identifier.
func NewDeviceID() DeviceID {
	return DeviceID(uuid.NewString())
}
