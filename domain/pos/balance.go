package pos

import (
	"context"

	"github.com/fieldsync/posync/core"
)

// PartyBalance returns a party's outstanding balance, derived by
// replaying the ledger (§4.4): never a materialized field, always
// sum(debit) - sum(credit) over every ledger_entries row for that
// party, read back as the running Balance of the most recent entry.
func PartyBalance(ctx context.Context, store core.Store, partyID core.RecordID) (core.Money, error) {
	ledger := core.NewLedger(store)
	return ledger.BalanceFor(ctx, partyID)
}

// PartyLedger returns every ledger entry for a party, oldest first, for
// statement/history views.
func PartyLedger(ctx context.Context, store core.Store, partyID core.RecordID) ([]core.LedgerEntry, error) {
	ledger := core.NewLedger(store)
	return ledger.EntriesForParty(ctx, partyID)
}
