/*
orchestrator.go - Sync Orchestrator (§4.7)

PURPOSE:
  The single state machine per device coordinating upload-pending,
  download-new, and full-sync passes against the Server Sync API. A
  process-wide single-flight flag rejects overlapping invocations
  rather than queueing or blocking them.

STATE MACHINE:
  idle -> uploading -> downloading -> idle

ORDERING:
  Both phases walk tables in the Tier Scheduler's fixed order (§4.5),
  so a row's prerequisites are always uploaded/downloaded before the
  row itself, intra-device. Inter-device gaps are handled by the
  dependency queue (queue.go).

GROUNDING:
  Background-goroutine and single-flight shape grounded in the
  teacher's api/scheduler.go; the push/pull, last-writer-wins upsert,
  and cursor-pagination flow is grounded in
  erauner12-toolbridge-api/internal/service/syncservice/notes_service.go
  from the reference pack's other_examples/.

SEE ALSO:
  - transport.go: the HTTP calls this orchestrator makes
  - queue.go: where an unresolved download reference is parked
*/
package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/metrics"
	"github.com/fieldsync/posync/store/sqlite"
)

// State is the orchestrator's current phase.
type State string

const (
	StateIdle        State = "idle"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
)

// PhaseError names one (table, phase) failure accumulated during a pass.
type PhaseError struct {
	Table string
	Phase string
	Err   error
}

func (e PhaseError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Table, e.Phase, e.Err)
}

// UploadSummary reports the outcome of one upload-pending pass.
type UploadSummary struct {
	Synced int
	Queued int
	Failed int
	Errors []PhaseError
}

// DownloadSummary reports the outcome of one download-new pass.
type DownloadSummary struct {
	Applied  int
	Enqueued int
	Errors   []PhaseError
}

// SyncSummary is the combined result of a full sync (upload then download).
type SyncSummary struct {
	Upload   UploadSummary
	Download DownloadSummary
}

// Orchestrator drives upload/download passes against one server for one
// local store.
type Orchestrator struct {
	Store     *sqlite.Store
	Transport *Transport
	Schema    *core.Scheduler
	Queue     *DependencyQueue
	BatchSize int

	mu        sync.Mutex
	state     State
	watermark time.Time
}

// NewOrchestrator builds an orchestrator with the §6.5 default batch
// size of 500 and a zero-value (epoch) watermark, so the first download
// pass fetches everything the server has.
func NewOrchestrator(store *sqlite.Store, transport *Transport, schema *core.Scheduler) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		Transport: transport,
		Schema:    schema,
		Queue:     NewDependencyQueue(store, transport, schema),
		BatchSize: 500,
		state:     StateIdle,
	}
}

// acquire enters a phase if no other phase is running, returning a
// release function. Returns core.ErrAlreadyInProgress otherwise.
func (o *Orchestrator) acquire(state State) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return nil, core.ErrAlreadyInProgress
	}
	o.state = state
	return func() {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
	}, nil
}

// UploadPending uploads up to BatchSize PENDING rows per table, tier
// order, and applies the server's per-record verdict locally.
func (o *Orchestrator) UploadPending(ctx context.Context) (UploadSummary, error) {
	release, err := o.acquire(StateUploading)
	if err != nil {
		return UploadSummary{}, err
	}
	defer release()
	return o.uploadPending(ctx)
}

func (o *Orchestrator) uploadPending(ctx context.Context) (UploadSummary, error) {
	log := logging.WithComponent("syncclient.orchestrator")
	var summary UploadSummary
	start := time.Now()
	defer func() { metrics.UploadDuration.Observe(time.Since(start).Seconds()) }()

	for _, table := range o.Schema.TableOrder() {
		select {
		case <-ctx.Done():
			summary.Errors = append(summary.Errors, PhaseError{Table: table, Phase: "upload", Err: ctx.Err()})
			return summary, nil
		default:
		}

		rows, err := o.Store.PendingRows(ctx, table, o.BatchSize)
		if err != nil {
			summary.Errors = append(summary.Errors, PhaseError{Table: table, Phase: "upload", Err: err})
			continue
		}
		if len(rows) == 0 {
			continue
		}

		records := make([]RecordDTO, 0, len(rows))
		for _, row := range rows {
			records = append(records, RecordDTO{Table: table, Columns: stripLocalOnly(row)})
		}

		result, err := o.Transport.Upload(ctx, records)
		if err != nil {
			ids := idsOf(rows)
			_ = o.Store.MarkFailed(ctx, table, ids)
			summary.Failed += len(ids)
			summary.Errors = append(summary.Errors, PhaseError{Table: table, Phase: "upload", Err: err})
			log.Error().Err(err).Str("table", table).Msg("upload failed")
			continue
		}

		var syncedIDs []string
		for _, ref := range result.Accepted {
			syncedIDs = append(syncedIDs, ref.ID)
		}
		if err := o.Store.MarkSynced(ctx, table, syncedIDs); err != nil {
			summary.Errors = append(summary.Errors, PhaseError{Table: table, Phase: "upload", Err: err})
		}
		summary.Synced += len(syncedIDs)

		var failedIDs []string
		for _, rej := range result.Rejected {
			if rej.Reason == "dependency missing, queued for retry" {
				summary.Queued++
				continue
			}
			failedIDs = append(failedIDs, rej.ID)
		}
		if err := o.Store.MarkFailed(ctx, table, failedIDs); err != nil {
			summary.Errors = append(summary.Errors, PhaseError{Table: table, Phase: "upload", Err: err})
		}
		summary.Failed += len(failedIDs)
	}

	outcome := "ok"
	if len(summary.Errors) > 0 {
		outcome = "error"
	}
	metrics.SyncRunsTotal.WithLabelValues("upload", outcome).Inc()
	return summary, nil
}

// DownloadNew fetches every record newer than the in-memory watermark,
// tier order, applying inserts/updates locally and deferring rows whose
// prerequisites are not yet present to the dependency queue.
func (o *Orchestrator) DownloadNew(ctx context.Context) (DownloadSummary, error) {
	release, err := o.acquire(StateDownloading)
	if err != nil {
		return DownloadSummary{}, err
	}
	defer release()
	return o.downloadNew(ctx)
}

func (o *Orchestrator) downloadNew(ctx context.Context) (DownloadSummary, error) {
	var summary DownloadSummary
	start := time.Now()
	defer func() { metrics.DownloadDuration.Observe(time.Since(start).Seconds()) }()

	cursor := o.watermark
	for {
		select {
		case <-ctx.Done():
			summary.Errors = append(summary.Errors, PhaseError{Table: "*", Phase: "download", Err: ctx.Err()})
			return summary, nil
		default:
		}

		result, err := o.Transport.Download(ctx, cursor, o.BatchSize)
		if err != nil {
			summary.Errors = append(summary.Errors, PhaseError{Table: "*", Phase: "download", Err: err})
			metrics.SyncRunsTotal.WithLabelValues("download", "error").Inc()
			return summary, nil
		}

		for _, rec := range result.Records {
			// server_updated_at is server-only (§4.9); the page's cursor
			// comes from result.NextCursor below, so stripServerOnly drops
			// the column before the row is upserted locally.
			cols := stripServerOnly(rec.Columns)
			cols["sync_status"] = string(core.StatusSynced)

			if err := o.Store.UpsertRecord(ctx, rec.Table, cols); err != nil {
				missing := map[string][]string{}
				for field, refTable := range o.Schema.Refs(rec.Table) {
					if id, ok := cols[field]; ok && id != "" && id != nil {
						if exists, _ := o.Store.RowExists(ctx, refTable, fmt.Sprint(id)); !exists {
							missing[refTable] = append(missing[refTable], fmt.Sprint(id))
						}
					}
				}
				if qerr := o.Queue.Enqueue(ctx, rec.Table, cols, missing); qerr != nil {
					summary.Errors = append(summary.Errors, PhaseError{Table: rec.Table, Phase: "download", Err: qerr})
				} else {
					summary.Enqueued++
				}
				continue
			}
			summary.Applied++
		}

		advanced := false
		if result.NextCursor != "" {
			if t, err := time.Parse(time.RFC3339, result.NextCursor); err == nil && t.After(cursor) {
				cursor = t
				advanced = true
			}
		}

		if !result.HasMore || !advanced {
			break
		}
	}
	o.watermark = cursor

	if resolved, err := o.Queue.Resolve(ctx); err == nil {
		summary.Applied += resolved.Completed
	}

	outcome := "ok"
	if len(summary.Errors) > 0 {
		outcome = "error"
	}
	metrics.SyncRunsTotal.WithLabelValues("download", outcome).Inc()
	return summary, nil
}

// FullSync runs UploadPending followed by DownloadNew under one
// single-flight acquisition, matching §4.7's "upload-pending then
// download-new" composition.
func (o *Orchestrator) FullSync(ctx context.Context) (SyncSummary, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return SyncSummary{}, core.ErrAlreadyInProgress
	}
	o.state = StateUploading
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
	}()

	var summary SyncSummary
	upload, err := o.uploadPending(ctx)
	summary.Upload = upload
	if err != nil {
		return summary, err
	}

	o.mu.Lock()
	o.state = StateDownloading
	o.mu.Unlock()

	download, err := o.downloadNew(ctx)
	summary.Download = download
	return summary, err
}

func stripLocalOnly(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if k == "sync_status" {
			continue
		}
		out[k] = v
	}
	return out
}

func stripServerOnly(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if k == "server_updated_at" {
			continue
		}
		out[k] = v
	}
	return out
}

func idsOf(rows []map[string]any) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
