package syncclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldsync/posync/core"
	"github.com/fieldsync/posync/store/sqlite"
)

func TestScheduler_StartStop_RunsAtLeastOneFullSync(t *testing.T) {
	// GIVEN: a scheduler ticking faster than the test's patience
	// WHEN: Start runs for a couple of ticks then Stop is called
	// THEN: a scheduled full sync reached the server at least once and Stop returned
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	defer store.Close()

	var uploadCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploadCalls++
		json.NewEncoder(w).Encode(UploadResult{})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-scheduler"))
	orchestrator := NewOrchestrator(store, transport, schemaForTest())

	scheduler := NewScheduler(orchestrator)
	scheduler.SyncInterval = 10 * time.Millisecond
	scheduler.QueueCheckInterval = 10 * time.Millisecond

	scheduler.Start()
	time.Sleep(50 * time.Millisecond)
	scheduler.Stop()

	if uploadCalls == 0 {
		t.Error("expected at least one scheduled full sync to reach the server")
	}
}

func TestScheduler_Stop_IsIdempotent(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	defer store.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(UploadResult{})
	}))
	defer server.Close()

	transport := NewTransport(server.URL, core.DeviceID("device-scheduler"))
	orchestrator := NewOrchestrator(store, transport, schemaForTest())
	scheduler := NewScheduler(orchestrator)
	scheduler.SyncInterval = time.Hour
	scheduler.QueueCheckInterval = time.Hour

	scheduler.Start()
	scheduler.Stop()
	scheduler.Stop() // must not panic or double-close s.stop
}

func schemaForTest() *core.Scheduler {
	return core.NewScheduler([]core.TableSpec{
		{Name: "parties", Tier: 1},
		{Name: "work_units", Tier: 2, Refs: map[string]string{"party_id": "parties"}},
	})
}
