package pos

import "github.com/fieldsync/posync/core"

// Schema is the fixed tier order the Tier Scheduler (core.Scheduler)
// walks for both upload and download (§4.5). Ties within a tier are
// broken by the order they appear here.
func Schema() *core.Scheduler {
	return core.NewScheduler([]core.TableSpec{
		{Name: "devices", Tier: 1},
		{Name: "parties", Tier: 1},
		{Name: "catalog_items", Tier: 1},
		{Name: "work_units", Tier: 2, Refs: map[string]string{
			"party_id":        "parties",
			"catalog_item_id": "catalog_items",
		}},
		{Name: "payments", Tier: 3, Refs: map[string]string{
			"party_id":     "parties",
			"work_unit_id": "work_units",
		}},
		{Name: "ledger_entries", Tier: 4, AppendOnly: true, Refs: map[string]string{
			"party_id": "parties",
		}},
		{Name: "audit_log", Tier: 5, AppendOnly: true},
	})
}
