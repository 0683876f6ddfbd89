/*
transport.go - HTTP Transport (§4.6)

PURPOSE:
  The single place that speaks to the Server Sync API. Every request
  carries the device identity and client clock; every response is
  either parsed JSON or a structured rejection error. No retries
  happen here — that policy lives one layer up, in the orchestrator
  and the dependency queue.

GROUNDING:
  No pack repo ships an HTTP *client* library (chi/cors appear only
  server-side throughout the pack); net/http + context.WithTimeout
  expresses the spec's exact contract (fixed header set, 30s deadline,
  no retries, no extra pooling) without pulling in retry/backoff
  behavior the spec explicitly excludes at this layer.

SEE ALSO:
  - orchestrator.go: calls Upload/Download/FetchDependencies
  - server/handlers.go, server/dto.go: the counterpart this talks to
*/
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldsync/posync/core"
)

// Transport is the HTTP client bound to one server and one device.
type Transport struct {
	ServerURL  string
	DeviceID   core.DeviceID
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewTransport builds a Transport with the §6.5 default 30-second
// per-request deadline.
func NewTransport(serverURL string, deviceID core.DeviceID) *Transport {
	return &Transport{
		ServerURL:  serverURL,
		DeviceID:   deviceID,
		HTTPClient: &http.Client{},
		Timeout:    30 * time.Second,
	}
}

// RecordDTO mirrors server.RecordDTO on the wire; duplicated here
// rather than imported so the client package never depends on the
// server package.
type RecordDTO struct {
	Table   string         `json:"table"`
	Columns map[string]any `json:"columns"`
}

type uploadRequest struct {
	DeviceID string      `json:"device_id"`
	Records  []RecordDTO `json:"records"`
}

type recordRef struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

type rejectedRecord struct {
	Table  string `json:"table"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// UploadResult is the parsed response of POST /sync/upload.
type UploadResult struct {
	Accepted []recordRef      `json:"accepted"`
	Rejected []rejectedRecord `json:"rejected"`
}

// Upload posts a batch of records, each naming its own table, to
// /sync/upload. The orchestrator calls it once per table, in tier order.
func (t *Transport) Upload(ctx context.Context, records []RecordDTO) (*UploadResult, error) {
	var result UploadResult
	body := uploadRequest{DeviceID: string(t.DeviceID), Records: records}
	if err := t.do(ctx, http.MethodPost, "/sync/upload", body, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DownloadResult is the parsed response of GET /sync/download.
type DownloadResult struct {
	Records    []RecordDTO `json:"records"`
	HasMore    bool        `json:"has_more"`
	NextCursor string      `json:"next_cursor"`
	ServerTime string      `json:"server_time"`
}

// Download fetches every record newer than since, across every
// synchronized table, capped at limit rows per table server-side.
func (t *Transport) Download(ctx context.Context, since time.Time, limit int) (*DownloadResult, error) {
	query := fmt.Sprintf("?since=%s&limit=%d", since.UTC().Format(time.RFC3339), limit)
	var result DownloadResult
	if err := t.do(ctx, http.MethodGet, "/sync/download"+query, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DependencyFetchResult is the parsed response of POST /dependencies/fetch.
type DependencyFetchResult struct {
	Records []RecordDTO `json:"records"`
	Missing []recordRef `json:"missing"`
}

// FetchDependencies asks the server to resolve a set of (table, id) refs.
func (t *Transport) FetchDependencies(ctx context.Context, refs []recordRef) (*DependencyFetchResult, error) {
	var result DependencyFetchResult
	body := struct {
		Refs []recordRef `json:"refs"`
	}{Refs: refs}
	if err := t.do(ctx, http.MethodPost, "/dependencies/fetch", body, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RecordRef identifies a record by table and id, for callers in other
// files of this package that build dependency-fetch requests.
type RecordRef = recordRef

func (t *Transport) do(ctx context.Context, method, path string, reqBody any, _ any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.ServerURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", string(t.DeviceID))
	req.Header.Set("X-Client-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return core.ErrRequestTimeout
		}
		return fmt.Errorf("%w: %s", core.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			message = errBody.Error
		}
		return &core.ServerRejectedError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
