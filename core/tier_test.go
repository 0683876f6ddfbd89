package core_test

import (
	"testing"

	"github.com/fieldsync/posync/core"
)

func testSchema() *core.Scheduler {
	return core.NewScheduler([]core.TableSpec{
		{Name: "devices", Tier: 1},
		{Name: "parties", Tier: 1},
		{Name: "work_units", Tier: 2, Refs: map[string]string{"party_id": "parties"}},
		{Name: "ledger_entries", Tier: 4, AppendOnly: true, Refs: map[string]string{"party_id": "parties"}},
	})
}

func TestScheduler_TableOrder(t *testing.T) {
	// GIVEN: a scheduler built from tables in tier-ascending order
	// WHEN: TableOrder is read back
	// THEN: it preserves the exact insertion order
	s := testSchema()
	want := []string{"devices", "parties", "work_units", "ledger_entries"}
	got := s.TableOrder()
	if len(got) != len(want) {
		t.Fatalf("expected %d tables, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("position %d: expected %q, got %q", i, name, got[i])
		}
	}
}

func TestScheduler_Tier(t *testing.T) {
	s := testSchema()
	if tier := s.Tier("work_units"); tier != 2 {
		t.Errorf("expected work_units tier 2, got %d", tier)
	}
	if tier := s.Tier("unknown_table"); tier != -1 {
		t.Errorf("expected unknown table tier -1, got %d", tier)
	}
}

func TestScheduler_IsAppendOnly(t *testing.T) {
	s := testSchema()
	if !s.IsAppendOnly("ledger_entries") {
		t.Error("ledger_entries should be append-only")
	}
	if s.IsAppendOnly("parties") {
		t.Error("parties should not be append-only")
	}
	if s.IsAppendOnly("unknown_table") {
		t.Error("unknown table should not be append-only")
	}
}

func TestScheduler_Refs(t *testing.T) {
	s := testSchema()
	refs := s.Refs("work_units")
	if refs["party_id"] != "parties" {
		t.Errorf("expected work_units.party_id -> parties, got %q", refs["party_id"])
	}
	if refs := s.Refs("devices"); refs != nil {
		t.Errorf("expected devices to have no refs, got %v", refs)
	}
}

func TestScheduler_Spec(t *testing.T) {
	s := testSchema()
	spec, ok := s.Spec("ledger_entries")
	if !ok {
		t.Fatal("expected ledger_entries spec to be found")
	}
	if spec.Tier != 4 || !spec.AppendOnly {
		t.Errorf("unexpected spec: %+v", spec)
	}
	if _, ok := s.Spec("nonexistent"); ok {
		t.Error("expected nonexistent table to be absent")
	}
}
