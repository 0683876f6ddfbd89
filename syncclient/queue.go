/*
queue.go - Dependency Queue (local) (§4.8)

PURPOSE:
  When a downloaded row references a row the local store does not yet
  have, insertion is deferred rather than the whole download pass
  aborted: the row is parked in the persistent dependency_queue table
  and resolution is retried later, walking the queue in tier order so
  a freshly-resolved prerequisite can unblock its dependents in the
  same pass (a cascading resolution).

RESOLUTION LOOP:
  For each PENDING item, tier-ascending:
    1. try the insert again
    2. on success: mark COMPLETED
    3. on FK failure: optionally ask /dependencies/fetch for the
       missing rows, insert any returned, then retry the original
    4. retry_count >= max_retries -> FAILED, surfaced via
       core.QueueExhaustedError

SEE ALSO:
  - store/sqlite/sqlite.go: Enqueue/ListByStatus/UpdateStatus/PurgeCompletedBefore
  - orchestrator.go: calls Resolve after each download pass
*/
package syncclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/metrics"
	"github.com/fieldsync/posync/store/sqlite"
)

// RetryBackoff is the fixed schedule §6.5 mandates (retry_backoff_ms),
// not exponential-with-jitter: a table indexed by attempt count.
var RetryBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// DependencyQueue resolves rows blocked on a not-yet-arrived prerequisite.
type DependencyQueue struct {
	Store      *sqlite.Store
	Transport  *Transport
	Schema     *core.Scheduler
	PurgeAfter time.Duration
	MaxRetries int
}

// NewDependencyQueue builds a queue with the §4.8 default 7-day retention
// and §6.5 default max_retries of 10.
func NewDependencyQueue(store *sqlite.Store, transport *Transport, schema *core.Scheduler) *DependencyQueue {
	return &DependencyQueue{
		Store:      store,
		Transport:  transport,
		Schema:     schema,
		PurgeAfter: 7 * 24 * time.Hour,
		MaxRetries: 10,
	}
}

// Enqueue parks a record that failed to insert due to an unresolved
// reference. Re-enqueuing the same (table, id) bumps retry_count and
// refreshes the stored payload rather than duplicating the row.
func (q *DependencyQueue) Enqueue(ctx context.Context, table string, cols map[string]any, missing map[string][]string) error {
	payload, err := json.Marshal(cols)
	if err != nil {
		return err
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return err
	}
	id, _ := cols["id"].(string)
	return q.Store.Enqueue(ctx, sqlite.QueueItem{
		ID:              string(core.NewRecordID()),
		TableName:       table,
		RecordID:        id,
		PayloadJSON:     string(payload),
		MissingRefsJSON: string(missingJSON),
		Status:          "PENDING",
		MaxRetries:      q.MaxRetries,
		CreatedAt:       time.Now().UTC(),
	})
}

// ResolutionSummary reports the outcome of one resolution pass.
type ResolutionSummary struct {
	Completed    int
	Failed       int
	StillPending int
}

// Resolve walks every PENDING queue item in tier order, retrying the
// insert and optionally fetching missing prerequisites from the server.
func (q *DependencyQueue) Resolve(ctx context.Context) (ResolutionSummary, error) {
	var summary ResolutionSummary
	log := logging.WithComponent("syncclient.queue")

	items, err := q.Store.ListByStatus(ctx, "PENDING", 500)
	if err != nil {
		return summary, err
	}

	byTable := map[string][]sqlite.QueueItem{}
	for _, item := range items {
		byTable[item.TableName] = append(byTable[item.TableName], item)
	}

	now := time.Now().UTC()
	for _, table := range q.Schema.TableOrder() {
		for _, item := range byTable[table] {
			if item.LastRetryAt != nil {
				if now.Sub(*item.LastRetryAt) < backoffFor(item.RetryCount) {
					summary.StillPending++
					continue
				}
			}
			if q.resolveOne(ctx, item, now, &summary) {
				continue
			}
		}
	}

	if purged, err := q.Store.PurgeCompletedBefore(ctx, now.Add(-q.PurgeAfter)); err != nil {
		log.Error().Err(err).Msg("failed to purge completed queue items")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("purged completed dependency queue items")
	}

	return summary, nil
}

func (q *DependencyQueue) resolveOne(ctx context.Context, item sqlite.QueueItem, now time.Time, summary *ResolutionSummary) bool {
	log := logging.WithComponent("syncclient.queue")

	var cols map[string]any
	if err := json.Unmarshal([]byte(item.PayloadJSON), &cols); err != nil {
		log.Error().Err(err).Str("table", item.TableName).Msg("corrupt queued payload, marking failed")
		_ = q.Store.UpdateStatus(ctx, item.ID, "FAILED", item.RetryCount, now)
		summary.Failed++
		return true
	}

	if err := q.Store.UpsertRecord(ctx, item.TableName, cols); err == nil {
		_ = q.Store.UpdateStatus(ctx, item.ID, "COMPLETED", item.RetryCount, now)
		summary.Completed++
		metrics.SyncRunsTotal.WithLabelValues("dependency_resolve", "ok").Inc()
		return true
	}

	if q.Transport != nil {
		var missing map[string][]string
		_ = json.Unmarshal([]byte(item.MissingRefsJSON), &missing)
		if refs := refsFromMissing(missing); len(refs) > 0 {
			if fetched, err := q.Transport.FetchDependencies(ctx, refs); err == nil {
				for _, rec := range fetched.Records {
					_ = q.Store.UpsertRecord(ctx, rec.Table, stripServerOnly(rec.Columns))
				}
				if err := q.Store.UpsertRecord(ctx, item.TableName, cols); err == nil {
					_ = q.Store.UpdateStatus(ctx, item.ID, "COMPLETED", item.RetryCount, now)
					summary.Completed++
					return true
				}
			}
		}
	}

	retryCount := item.RetryCount + 1
	status := "PENDING"
	if retryCount >= item.MaxRetries {
		status = "FAILED"
		err := &core.QueueExhaustedError{Table: item.TableName, RecordID: core.RecordID(item.RecordID), Attempts: retryCount}
		log.Warn().Str("table", item.TableName).Str("record_id", item.RecordID).
			Int("attempts", retryCount).Msg(err.Error())
		summary.Failed++
	} else {
		summary.StillPending++
	}
	_ = q.Store.UpdateStatus(ctx, item.ID, status, retryCount, now)
	return status == "FAILED"
}

func refsFromMissing(missing map[string][]string) []RecordRef {
	var refs []RecordRef
	for table, ids := range missing {
		for _, id := range ids {
			refs = append(refs, RecordRef{Table: table, ID: id})
		}
	}
	return refs
}

func backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(RetryBackoff) {
		return RetryBackoff[len(RetryBackoff)-1]
	}
	return RetryBackoff[retryCount]
}
