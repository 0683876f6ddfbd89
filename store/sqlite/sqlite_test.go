package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldsync/posync/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertParty(t *testing.T, store *Store, id core.RecordID, name string, now time.Time) {
	t.Helper()
	_, err := store.Exec(context.Background(), `
		INSERT INTO parties (id, device_id, created_at, updated_at, sync_status, name, kind, contact, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), "device-1", now, now, "PENDING", name, "customer", "", "")
	if err != nil {
		t.Fatalf("failed to insert party: %v", err)
	}
}

func insertLedgerEntry(t *testing.T, store *Store, id core.RecordID, now time.Time) {
	t.Helper()
	_, err := store.Exec(context.Background(), `
		INSERT INTO ledger_entries
			(id, device_id, created_at, updated_at, sync_status, entry_type, reference_type, reference_id, party_id, debit, credit, balance, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), "device-1", now, now, "PENDING", "JOB_CREATED", "work_units", "wu-1", "", "10", "0", "10", "")
	if err != nil {
		t.Fatalf("failed to insert ledger entry: %v", err)
	}
}

func TestLedgerEntries_RejectUpdate(t *testing.T) {
	// GIVEN: an append-only ledger row
	// WHEN: an UPDATE is attempted directly against the table
	// THEN: the store-level trigger aborts it
	store := newStore(t)
	ctx := context.Background()
	id := core.NewRecordID()
	insertLedgerEntry(t, store, id, time.Now().UTC())

	_, err := store.Exec(ctx, `UPDATE ledger_entries SET reason = 'edited' WHERE id = ?`, string(id))
	if err == nil {
		t.Fatal("expected UPDATE against ledger_entries to be rejected")
	}
	if !errors.Is(err, core.ErrImmutableEntry) {
		t.Errorf("expected ErrImmutableEntry, got %v", err)
	}
}

func TestLedgerEntries_RejectDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := core.NewRecordID()
	insertLedgerEntry(t, store, id, time.Now().UTC())

	_, err := store.Exec(ctx, `DELETE FROM ledger_entries WHERE id = ?`, string(id))
	if err == nil {
		t.Fatal("expected DELETE against ledger_entries to be rejected")
	}
	if !errors.Is(err, core.ErrImmutableEntry) {
		t.Errorf("expected ErrImmutableEntry, got %v", err)
	}
}

func TestAuditLog_RejectUpdateAndDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := core.NewRecordID()
	_, err := store.Exec(ctx, `
		INSERT INTO audit_log (id, device_id, created_at, updated_at, sync_status, actor_id, actor_type, action, subject_table, subject_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), "device-1", now, now, "PENDING", "device-1", "device", "record_created", "parties", "p-1", "")
	if err != nil {
		t.Fatalf("failed to insert audit entry: %v", err)
	}

	if _, err := store.Exec(ctx, `UPDATE audit_log SET detail = 'x' WHERE id = ?`, string(id)); err == nil {
		t.Error("expected UPDATE against audit_log to be rejected")
	}
	if _, err := store.Exec(ctx, `DELETE FROM audit_log WHERE id = ?`, string(id)); err == nil {
		t.Error("expected DELETE against audit_log to be rejected")
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that inserts a party then fails
	// WHEN: WithTx returns an error
	// THEN: the insert is rolled back, not committed
	store := newStore(t)
	ctx := context.Background()
	id := core.NewRecordID()

	err := store.WithTx(ctx, func(tx core.Store) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO parties (id, device_id, created_at, updated_at, sync_status, name, kind, contact, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(id), "device-1", time.Now().UTC(), time.Now().UTC(), "PENDING", "Rollback Party", "customer", "", ""); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to propagate the callback error")
	}

	exists, err := store.RowExists(ctx, "parties", string(id))
	if err != nil {
		t.Fatalf("RowExists failed: %v", err)
	}
	if exists {
		t.Error("expected rolled-back party to not exist")
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := core.NewRecordID()

	err := store.WithTx(ctx, func(tx core.Store) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO parties (id, device_id, created_at, updated_at, sync_status, name, kind, contact, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(id), "device-1", time.Now().UTC(), time.Now().UTC(), "PENDING", "Committed Party", "customer", "", "")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	exists, err := store.RowExists(ctx, "parties", string(id))
	if err != nil {
		t.Fatalf("RowExists failed: %v", err)
	}
	if !exists {
		t.Error("expected committed party to exist")
	}
}

func TestUpsertRecord_LastWriterWins(t *testing.T) {
	// GIVEN: an existing party
	// WHEN: UpsertRecord is called with an older updated_at, then a newer one
	// THEN: only the newer write takes effect
	store := newStore(t)
	ctx := context.Background()
	id := core.NewRecordID()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	insertParty(t, store, id, "Original Name", base)

	older := base.Add(-time.Hour)
	err := store.UpsertRecord(ctx, "parties", map[string]any{
		"id": string(id), "device_id": "device-2", "created_at": base, "updated_at": older,
		"sync_status": "SYNCED", "name": "Stale Name", "kind": "customer", "contact": "", "notes": "",
	})
	if err != nil {
		t.Fatalf("upsert with older timestamp failed: %v", err)
	}

	var name string
	err = store.Query(ctx, `SELECT name FROM parties WHERE id = ?`, func(row core.Scanner) error {
		return row.Scan(&name)
	}, string(id))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if name != "Original Name" {
		t.Errorf("expected stale write to be ignored, got name=%q", name)
	}

	newer := base.Add(time.Hour)
	err = store.UpsertRecord(ctx, "parties", map[string]any{
		"id": string(id), "device_id": "device-2", "created_at": base, "updated_at": newer,
		"sync_status": "SYNCED", "name": "Updated Name", "kind": "customer", "contact": "", "notes": "",
	})
	if err != nil {
		t.Fatalf("upsert with newer timestamp failed: %v", err)
	}

	err = store.Query(ctx, `SELECT name FROM parties WHERE id = ?`, func(row core.Scanner) error {
		return row.Scan(&name)
	}, string(id))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if name != "Updated Name" {
		t.Errorf("expected newer write to apply, got name=%q", name)
	}
}

func TestPendingRows_ReturnsOnlyPending(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pendingID := core.NewRecordID()
	insertParty(t, store, pendingID, "Pending Party", now)

	syncedID := core.NewRecordID()
	insertParty(t, store, syncedID, "Synced Party", now)
	if err := store.MarkSynced(ctx, "parties", []string{string(syncedID)}); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	rows, err := store.PendingRows(ctx, "parties", 10)
	if err != nil {
		t.Fatalf("PendingRows failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 pending row, got %d", len(rows))
	}
	if rows[0]["id"] != string(pendingID) {
		t.Errorf("expected pending row to be %s, got %v", pendingID, rows[0]["id"])
	}
}

func TestRowExists(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := core.NewRecordID()
	insertParty(t, store, id, "Exists Party", time.Now().UTC())

	exists, err := store.RowExists(ctx, "parties", string(id))
	if err != nil {
		t.Fatalf("RowExists failed: %v", err)
	}
	if !exists {
		t.Error("expected party to exist")
	}

	exists, err = store.RowExists(ctx, "parties", string(core.NewRecordID()))
	if err != nil {
		t.Fatalf("RowExists failed: %v", err)
	}
	if exists {
		t.Error("expected unknown id to not exist")
	}
}

func TestDependencyQueue_EnqueueAndResolve(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item := QueueItem{
		ID:              string(core.NewRecordID()),
		TableName:       "work_units",
		RecordID:        "wu-1",
		PayloadJSON:     `{"id":"wu-1"}`,
		MissingRefsJSON: `{"parties":["p-missing"]}`,
		Status:          "PENDING",
		MaxRetries:      10,
		CreatedAt:       now,
	}
	if err := store.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending, err := store.ListByStatus(ctx, "PENDING", 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending queue item, got %d", len(pending))
	}

	if err := store.UpdateStatus(ctx, item.ID, "COMPLETED", 1, now); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	purged, err := store.PurgeCompletedBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeCompletedBefore failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged row, got %d", purged)
	}
}

func TestCountByStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id1, id2 := core.NewRecordID(), core.NewRecordID()
	insertParty(t, store, id1, "P1", now)
	insertParty(t, store, id2, "P2", now)
	if err := store.MarkSynced(ctx, "parties", []string{string(id1)}); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	counts, err := store.CountByStatus(ctx, "parties")
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts["SYNCED"] != 1 || counts["PENDING"] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}
