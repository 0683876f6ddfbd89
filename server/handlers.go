/*
handlers.go - HTTP handlers for the Server Sync API (§4.9, §6)

ENDPOINTS:
  POST /sync/upload          Accept a batch of records from one device
  GET  /sync/download        Return records newer than ?since=
  POST /dependencies/fetch   Resolve specific (table, id) refs
  GET  /health                Liveness probe
  GET  /metrics                Prometheus scrape endpoint

ERROR HANDLING:
  A per-record failure (FK violation, immutable-entry violation) never
  fails the whole batch: it is reported in the response's Rejected list
  and, for a missing dependency, queued server-side for later retry
  (§4.8 mirrored server-side).

SEE ALSO:
  - dto.go: request/response shapes
  - store.go: UpsertRecord/DownloadSince/FetchByIDs
*/
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/metrics"
)

// Handler holds the dependencies every route needs.
type Handler struct {
	Store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{Store: store}
}

// Upload handles POST /sync/upload.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.WithComponent("server.handlers")

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	now := time.Now().UTC()
	resp := UploadResponse{}

	for _, rec := range req.Records {
		if !h.Store.scheduler.IsAppendOnly(rec.Table) {
			if _, ok := h.Store.scheduler.Spec(rec.Table); !ok {
				resp.Rejected = append(resp.Rejected, RejectedRecordDTO{
					Table: rec.Table, ID: idOf(rec.Columns), Reason: "unknown table",
				})
				continue
			}
		}

		err := h.Store.UpsertRecord(ctx, rec.Table, rec.Columns, now)
		if err != nil {
			if errors.Is(err, core.ErrDependencyMissing) {
				if qerr := h.enqueueDependency(ctx, rec, now); qerr != nil {
					log.Error().Err(qerr).Msg("failed to enqueue blocked record")
				}
				resp.Rejected = append(resp.Rejected, RejectedRecordDTO{
					Table: rec.Table, ID: idOf(rec.Columns), Reason: "dependency missing, queued for retry",
				})
				continue
			}
			resp.Rejected = append(resp.Rejected, RejectedRecordDTO{
				Table: rec.Table, ID: idOf(rec.Columns), Reason: err.Error(),
			})
			continue
		}
		resp.Accepted = append(resp.Accepted, RecordRefDTO{Table: rec.Table, ID: idOf(rec.Columns)})
	}

	metrics.SyncRunsTotal.WithLabelValues("upload", "ok").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) enqueueDependency(ctx context.Context, rec RecordDTO, now time.Time) error {
	payload, err := json.Marshal(rec.Columns)
	if err != nil {
		return err
	}
	return h.Store.Enqueue(ctx, QueueItem{
		ID:          string(core.NewRecordID()),
		TableName:   rec.Table,
		RecordID:    idOf(rec.Columns),
		PayloadJSON: string(payload),
		Status:      "PENDING",
		MaxRetries:  10,
		CreatedAt:   now,
	})
}

// Download handles GET /sync/download?since=RFC3339&limit=N.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp", err)
			return
		}
		since = parsed
	}
	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	deviceID := r.Header.Get("X-Device-ID")

	resp := DownloadResponse{}
	cursor := since
	for _, table := range h.Store.scheduler.TableOrder() {
		// Fetch one extra row per table so a table sitting exactly at the
		// limit can be told apart from one with more rows still to page.
		rows, err := h.Store.DownloadSince(ctx, table, since, limit+1, deviceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read "+table, err)
			return
		}
		if len(rows) > limit {
			resp.HasMore = true
			rows = rows[:limit]
		}
		for _, row := range rows {
			resp.Records = append(resp.Records, RecordDTO{Table: table, Columns: row})
			if ua, ok := row["server_updated_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, ua); err == nil && t.After(cursor) {
					cursor = t
				}
			}
		}
	}
	resp.NextCursor = cursor.UTC().Format(time.RFC3339)
	resp.ServerTime = time.Now().UTC().Format(time.RFC3339)

	metrics.SyncRunsTotal.WithLabelValues("download", "ok").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// FetchDependencies handles POST /dependencies/fetch.
func (h *Handler) FetchDependencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DependencyFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	byTable := map[string][]string{}
	for _, ref := range req.Refs {
		byTable[ref.Table] = append(byTable[ref.Table], ref.ID)
	}

	resp := DependencyFetchResponse{}
	for table, ids := range byTable {
		found, missing, err := h.Store.FetchByIDs(ctx, table, ids)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to fetch "+table, err)
			return
		}
		for _, row := range found {
			resp.Records = append(resp.Records, RecordDTO{Table: table, Columns: row})
		}
		for _, id := range missing {
			resp.Missing = append(resp.Missing, RecordRefDTO{Table: table, ID: id})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

func idOf(cols map[string]any) string {
	if v, ok := cols["id"]; ok {
		return toString(v)
	}
	return ""
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
