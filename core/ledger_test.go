package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedParty(t *testing.T, store core.Store, device core.DeviceID, now time.Time) core.RecordID {
	id := core.NewRecordID()
	_, err := store.Exec(context.Background(), `
		INSERT INTO parties (id, device_id, created_at, updated_at, sync_status, name, kind, contact, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), string(device), now, now, string(core.StatusPending), "Test Party", "customer", "", "")
	require.NoError(t, err, "seed party")
	return id
}

func TestLedger_Append_ComputesRunningBalance(t *testing.T) {
	// GIVEN: a party with no prior ledger entries
	// WHEN: a debit of 50 is appended, then a credit of 20
	// THEN: the running balance is 50, then 30

	store := newTestStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()
	partyID := seedParty(t, store, device, now)

	err := store.WithTx(ctx, func(tx core.Store) error {
		ledger := core.NewLedger(tx)
		return ledger.Append(ctx, tx, core.LedgerEntry{
			Metadata:      core.NewMetadata(device, now),
			EntryType:     core.EntryJobCreated,
			ReferenceType: "work_units",
			ReferenceID:   core.NewRecordID(),
			PartyID:       partyID,
			Debit:         core.NewMoney(50),
		})
	})
	require.NoError(t, err, "first append should succeed")

	err = store.WithTx(ctx, func(tx core.Store) error {
		ledger := core.NewLedger(tx)
		return ledger.Append(ctx, tx, core.LedgerEntry{
			Metadata:      core.NewMetadata(device, now.Add(time.Second)),
			EntryType:     core.EntryPaymentReceived,
			ReferenceType: "payments",
			ReferenceID:   core.NewRecordID(),
			PartyID:       partyID,
			Credit:        core.NewMoney(20),
		})
	})
	require.NoError(t, err, "second append should succeed")

	ledger := core.NewLedger(store)
	balance, err := ledger.BalanceFor(ctx, partyID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", balance.String())

	entries, err := ledger.EntriesForParty(ctx, partyID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "50.00", entries[0].Balance.String())
	assert.Equal(t, "30.00", entries[1].Balance.String())
}

func TestLedger_Append_RejectsNegativeAmounts(t *testing.T) {
	// GIVEN: a ledger entry with a negative debit
	// WHEN: Append is called
	// THEN: it is rejected before any row is written

	store := newTestStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()
	partyID := seedParty(t, store, device, now)

	err := store.WithTx(ctx, func(tx core.Store) error {
		ledger := core.NewLedger(tx)
		return ledger.Append(ctx, tx, core.LedgerEntry{
			Metadata:      core.NewMetadata(device, now),
			EntryType:     core.EntryAdjustment,
			ReferenceType: "ledger_entries",
			ReferenceID:   core.NewRecordID(),
			PartyID:       partyID,
			Debit:         core.NewMoney(-5),
		})
	})
	assert.Error(t, err, "negative debit should be rejected")
}

func TestLedger_BalanceFor_NoEntries_IsZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	device := core.NewDeviceID()
	now := time.Now().UTC()
	partyID := seedParty(t, store, device, now)

	ledger := core.NewLedger(store)
	balance, err := ledger.BalanceFor(ctx, partyID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}
