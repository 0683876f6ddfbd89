package pos

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fieldsync/posync/core"
)

// insertRecord performs a generic column-map INSERT for any core.Record,
// used by every Create* constructor in this package so the SQL text
// lives in one place instead of being duplicated per table.
func insertRecord(ctx context.Context, store core.Store, rec core.Record) error {
	cols := rec.Columns()
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = cols[n]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		rec.TableName(), strings.Join(names, ","), strings.Join(placeholders, ","))
	_, err := store.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.TableName(), err)
	}
	return nil
}

// writeAudit appends one tier-5 audit row (§3.2, §4.2 step 4) within the
// caller's transaction.
func writeAudit(ctx context.Context, store core.Store, device core.DeviceID, now time.Time,
	action core.AuditAction, subjectTable string, subjectID core.RecordID, detail string) error {

	entry := core.AuditEntry{
		Metadata:     core.NewMetadata(device, now),
		ActorID:      string(device),
		ActorType:    "device",
		Action:       action,
		SubjectTable: subjectTable,
		SubjectID:    subjectID,
		Detail:       detail,
	}
	return insertRecord(ctx, store, entry)
}
