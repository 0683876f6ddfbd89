/*
tier.go - Tier Scheduler

PURPOSE:
  A fixed, compile-time topological order over synchronized tables (§3.2,
  §4.5). A row in tier N may reference only rows in tiers <= N. Both upload
  and download walk tables in this order so that, intra-device, a row's
  prerequisites are always seen before the row itself.

  Also exports, per table, a map of foreign-key field -> referenced table.
  The dependency queue (syncclient/queue.go) and the server's
  /dependencies/fetch endpoint both use this to resolve prerequisites.

GROUNDING:
  The fixed-order-plus-priority shape mirrors the teacher's
  ConsumptionPriority-ordered policy assignments; here the ordering is over
  tables, not per-entity policies, because referential integrity (not
  consumption order) is what must be respected.
*/
package core

// TableSpec describes one synchronized table's place in the tier order.
type TableSpec struct {
	Name string
	Tier int
	// Refs maps a foreign-key field name to the table it references.
	Refs map[string]string
	// AppendOnly marks ledger/audit-style tables: INSERT ... ON CONFLICT DO
	// NOTHING server-side, UPDATE/DELETE rejected by store triggers.
	AppendOnly bool
}

// Scheduler holds the fixed tier order for one schema.
type Scheduler struct {
	order []TableSpec
	byName map[string]TableSpec
}

// NewScheduler builds a Scheduler from tables listed in tier (then
// insertion) order. Ties within a tier are broken by insertion order, so
// callers must pass tables in their intended tier-ascending sequence.
func NewScheduler(tables []TableSpec) *Scheduler {
	s := &Scheduler{
		order:  append([]TableSpec(nil), tables...),
		byName: make(map[string]TableSpec, len(tables)),
	}
	for _, t := range tables {
		s.byName[t.Name] = t
	}
	return s
}

// TableOrder returns every synchronized table name in tier-ascending order.
func (s *Scheduler) TableOrder() []string {
	names := make([]string, len(s.order))
	for i, t := range s.order {
		names[i] = t.Name
	}
	return names
}

// Tier returns the tier number for a table, or -1 if unknown.
func (s *Scheduler) Tier(table string) int {
	t, ok := s.byName[table]
	if !ok {
		return -1
	}
	return t.Tier
}

// IsAppendOnly reports whether a table is insert-only (ledger, audit).
func (s *Scheduler) IsAppendOnly(table string) bool {
	t, ok := s.byName[table]
	return ok && t.AppendOnly
}

// Refs returns the field -> referenced-table map for a table.
func (s *Scheduler) Refs(table string) map[string]string {
	t, ok := s.byName[table]
	if !ok {
		return nil
	}
	return t.Refs
}

// Spec returns the full TableSpec for a table.
func (s *Scheduler) Spec(table string) (TableSpec, bool) {
	t, ok := s.byName[table]
	return t, ok
}
