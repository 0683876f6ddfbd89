package pos_test

import (
	"context"
	"testing"
	"time"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/domain/pos"
	"github.com/fieldsync/posync/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateParty(t *testing.T) {
	// GIVEN: a fresh store and device
	// WHEN: CreateParty is called
	// THEN: the row is persisted with PENDING sync status and the device's id
	store := newStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()

	party, err := pos.CreateParty(ctx, store, device, now, "Acme Co", "customer", "acme@example.com", "")
	if err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}
	if party.DeviceID != device {
		t.Errorf("expected device id %s, got %s", device, party.DeviceID)
	}
	if party.SyncStatus != core.StatusPending {
		t.Errorf("expected PENDING sync status, got %s", party.SyncStatus)
	}
}

func TestCreateWorkUnit_WritesLedgerEntryAtomically(t *testing.T) {
	// GIVEN: a party
	// WHEN: CreateWorkUnit is called with quantity 2 and unit price 15
	// THEN: a work unit with total 30 exists and a JOB_CREATED ledger entry
	//       of debit 30 raises the party's balance to 30
	store := newStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()

	party, err := pos.CreateParty(ctx, store, device, now, "Jane Customer", "customer", "", "")
	if err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}

	wu, err := pos.CreateWorkUnit(ctx, store, device, now, party.ID, "", "haircut", core.NewMoney(2), core.NewMoney(15))
	if err != nil {
		t.Fatalf("CreateWorkUnit failed: %v", err)
	}
	if wu.Total.String() != "30.00" {
		t.Errorf("expected total 30.00, got %s", wu.Total.String())
	}

	balance, err := pos.PartyBalance(ctx, store, party.ID)
	if err != nil {
		t.Fatalf("PartyBalance failed: %v", err)
	}
	if balance.String() != "30.00" {
		t.Errorf("expected balance 30.00, got %s", balance.String())
	}
}

func TestCreateWorkUnit_RejectsUnknownParty(t *testing.T) {
	// GIVEN: a party id that was never created
	// WHEN: CreateWorkUnit references it
	// THEN: the foreign key constraint rejects the insert and nothing commits
	store := newStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()

	_, err := pos.CreateWorkUnit(ctx, store, device, now, core.NewRecordID(), "", "ghost job", core.NewMoney(1), core.NewMoney(1))
	if err == nil {
		t.Fatal("expected CreateWorkUnit to fail for an unknown party")
	}
}

func TestTakePayment_CreditsLedger(t *testing.T) {
	// GIVEN: a party with an outstanding balance from a work unit
	// WHEN: TakePayment records a payment of 10
	// THEN: the balance drops by exactly 10
	store := newStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()

	party, err := pos.CreateParty(ctx, store, device, now, "Payer", "customer", "", "")
	if err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}
	if _, err := pos.CreateWorkUnit(ctx, store, device, now, party.ID, "", "job", core.NewMoney(1), core.NewMoney(50)); err != nil {
		t.Fatalf("CreateWorkUnit failed: %v", err)
	}

	if _, err := pos.TakePayment(ctx, store, device, now.Add(time.Minute), party.ID, "", core.NewMoney(10), "cash", "rcpt-1"); err != nil {
		t.Fatalf("TakePayment failed: %v", err)
	}

	balance, err := pos.PartyBalance(ctx, store, party.ID)
	if err != nil {
		t.Fatalf("PartyBalance failed: %v", err)
	}
	if balance.String() != "40.00" {
		t.Errorf("expected balance 40.00, got %s", balance.String())
	}
}

func TestTakePayment_RejectsZeroOrNegativeAmount(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()

	party, err := pos.CreateParty(ctx, store, device, now, "Payer", "customer", "", "")
	if err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}

	if _, err := pos.TakePayment(ctx, store, device, now, party.ID, "", core.NewMoney(0), "cash", ""); err == nil {
		t.Error("expected zero payment amount to be rejected")
	}
	if _, err := pos.TakePayment(ctx, store, device, now, party.ID, "", core.NewMoney(-5), "cash", ""); err == nil {
		t.Error("expected negative payment amount to be rejected")
	}
}

func TestAdjustLedger_AppendsCorrectionWithoutEditingOriginal(t *testing.T) {
	// GIVEN: an original JOB_CREATED ledger entry
	// WHEN: AdjustLedger appends a correcting credit
	// THEN: the original entry's own debit/credit are untouched and the
	//       party's derived balance reflects both rows net
	store := newStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()

	party, err := pos.CreateParty(ctx, store, device, now, "Adjustee", "customer", "", "")
	if err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}
	wu, err := pos.CreateWorkUnit(ctx, store, device, now, party.ID, "", "overcharged job", core.NewMoney(1), core.NewMoney(100))
	if err != nil {
		t.Fatalf("CreateWorkUnit failed: %v", err)
	}

	entries, err := pos.PartyLedger(ctx, store, party.ID)
	if err != nil {
		t.Fatalf("PartyLedger failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry before adjustment, got %d", len(entries))
	}
	original := entries[0]

	if _, err := pos.AdjustLedger(ctx, store, device, now.Add(time.Minute), original, core.Money{}, core.NewMoney(20), "billing correction"); err != nil {
		t.Fatalf("AdjustLedger failed: %v", err)
	}

	entries, err = pos.PartyLedger(ctx, store, party.ID)
	if err != nil {
		t.Fatalf("PartyLedger failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries after adjustment, got %d", len(entries))
	}
	if entries[0].Debit.String() != "100.00" {
		t.Errorf("expected original entry debit unchanged at 100.00, got %s", entries[0].Debit.String())
	}

	balance, err := pos.PartyBalance(ctx, store, party.ID)
	if err != nil {
		t.Fatalf("PartyBalance failed: %v", err)
	}
	if balance.String() != "80.00" {
		t.Errorf("expected balance 80.00 after correction, got %s", balance.String())
	}
	_ = wu
}

func TestCurrentDevice_NotRegisteredReturnsFalse(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, ok, err := pos.CurrentDevice(ctx, store)
	if err != nil {
		t.Fatalf("CurrentDevice failed: %v", err)
	}
	if ok {
		t.Error("expected ok=false on a store with no registered device")
	}
}

func TestCurrentDevice_ReturnsRegisteredIdentity(t *testing.T) {
	// GIVEN: a device registered once
	// WHEN: CurrentDevice is called
	// THEN: it returns the same identity, and a second registration is
	//       never needed to read it back
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	registered, err := pos.RegisterDevice(ctx, store, "terminal-1", now)
	if err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}

	loaded, ok, err := pos.CurrentDevice(ctx, store)
	if err != nil {
		t.Fatalf("CurrentDevice failed: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after registration")
	}
	if loaded.DeviceID != registered.DeviceID {
		t.Errorf("expected device id %s, got %s", registered.DeviceID, loaded.DeviceID)
	}
	if loaded.Label != "terminal-1" {
		t.Errorf("expected label terminal-1, got %s", loaded.Label)
	}
}
