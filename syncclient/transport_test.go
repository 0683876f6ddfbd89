package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldsync/posync/core"
)

func TestTransport_Upload_SendsDeviceAndTimestampHeaders(t *testing.T) {
	// GIVEN: a server that records the request it receives
	// WHEN: Upload is called
	// THEN: X-Device-ID and X-Client-Timestamp are present and well-formed
	var gotDeviceID, gotTimestamp string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDeviceID = r.Header.Get("X-Device-ID")
		gotTimestamp = r.Header.Get("X-Client-Timestamp")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(UploadResult{})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-abc"))
	_, err := transport.Upload(context.Background(), []RecordDTO{{Table: "parties", Columns: map[string]any{"id": "p-1"}}})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if gotDeviceID != "device-abc" {
		t.Errorf("expected X-Device-ID device-abc, got %q", gotDeviceID)
	}
	if _, err := time.Parse(time.RFC3339, gotTimestamp); err != nil {
		t.Errorf("expected RFC3339 X-Client-Timestamp, got %q: %v", gotTimestamp, err)
	}
}

func TestTransport_Upload_ParsesAcceptedAndRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(UploadResult{
			Accepted: []recordRef{{Table: "parties", ID: "p-1"}},
			Rejected: []rejectedRecord{{Table: "work_units", ID: "wu-1", Reason: "dependency missing, queued for retry"}},
		})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-abc"))
	result, err := transport.Upload(context.Background(), nil)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0].ID != "p-1" {
		t.Errorf("unexpected accepted list: %+v", result.Accepted)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].Reason != "dependency missing, queued for retry" {
		t.Errorf("unexpected rejected list: %+v", result.Rejected)
	}
}

func TestTransport_NonTwoXX_ReturnsServerRejectedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "malformed record"})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-abc"))
	_, err := transport.Upload(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	var rejected *core.ServerRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *core.ServerRejectedError, got %T: %v", err, err)
	}
	if rejected.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rejected.StatusCode)
	}
	if rejected.Retryable() {
		t.Error("expected a 400 to not be retryable")
	}
}

func TestTransport_ServerUnreachable_ReturnsNetworkUnreachable(t *testing.T) {
	transport := NewTransport("http://127.0.0.1:1", core.DeviceID("device-abc"))
	transport.Timeout = 2 * time.Second
	_, err := transport.Upload(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
	if !errors.Is(err, core.ErrNetworkUnreachable) {
		t.Errorf("expected ErrNetworkUnreachable, got %v", err)
	}
}

func TestTransport_Timeout_ReturnsRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(UploadResult{})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-abc"))
	transport.Timeout = 10 * time.Millisecond
	_, err := transport.Upload(context.Background(), nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !errors.Is(err, core.ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestTransport_Download_EncodesSinceAndLimit(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(DownloadResult{})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-abc"))
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := transport.Download(context.Background(), since, 500); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if gotQuery != "since=2026-01-01T00:00:00Z&limit=500" {
		t.Errorf("unexpected query string: %q", gotQuery)
	}
}
