/*
dependency_scheduler.go - Background retry loop for the server-side
dependency queue (§4.8 mirrored server-side)

PURPOSE:
  Records rejected during /sync/upload because a foreign key pointed at a
  row from another device that hadn't arrived yet are parked in
  server_dependency_queue rather than dropped. This scheduler periodically
  retries them now that more devices may have uploaded their prerequisites,
  with the same exponential backoff and retry ceiling as the device-local
  queue, plus a retention purge for entries that finished.

DESIGN:
  - Runs a background goroutine on a configurable tick interval
  - Each tick: re-attempts every PENDING item's stored payload
  - Success -> status COMPLETED; failure -> retry_count++, backoff delay
    recorded via last_retry_at; retry_count >= max_retries -> FAILED
  - The end of each tick purges COMPLETED items created more than
    PurgeAfter (default 7 days) ago

GROUNDING:
  Shape (ticker + stop chan + wg + mu, Start/Stop/run) mirrors the
  teacher's ReconciliationScheduler in api/scheduler.go.

SEE ALSO:
  - queue.go: QueueItem storage
  - syncclient/queue.go: the device-local mirror of this loop
*/
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/metrics"
)

// RetryBackoff mirrors §4.8's schedule: 1s, 2s, 4s, 8s, 16s, then the
// ceiling repeats until MaxRetries is reached.
var RetryBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// DependencyScheduler periodically resolves the server-side dependency
// queue and purges stale completed entries.
type DependencyScheduler struct {
	Store         *Store
	CheckInterval time.Duration
	PurgeAfter    time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   bool
}

// NewDependencyScheduler builds a scheduler with the §4.8 defaults: a
// 30-second check interval and a 7-day retention window.
func NewDependencyScheduler(store *Store) *DependencyScheduler {
	return &DependencyScheduler{
		Store:         store,
		CheckInterval: 30 * time.Second,
		PurgeAfter:    7 * 24 * time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins the background loop.
func (s *DependencyScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	logging.WithComponent("server.dependency_scheduler").
		Info().Dur("interval", s.CheckInterval).Msg("dependency scheduler started")
}

// Stop halts the background loop and waits for it to exit.
func (s *DependencyScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
}

func (s *DependencyScheduler) run() {
	defer s.wg.Done()

	s.tick()
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *DependencyScheduler) tick() {
	ctx := context.Background()
	log := logging.WithComponent("server.dependency_scheduler")

	items, err := s.Store.ListQueueByStatus(ctx, "PENDING", 200)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending queue items")
		return
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(len(items)))

	now := time.Now().UTC()
	for _, item := range items {
		if item.LastRetryAt != nil {
			wait := backoffFor(item.RetryCount)
			if now.Sub(*item.LastRetryAt) < wait {
				continue
			}
		}

		var cols map[string]any
		if err := json.Unmarshal([]byte(item.PayloadJSON), &cols); err != nil {
			log.Error().Err(err).Str("table", item.TableName).Msg("corrupt queued payload, marking failed")
			_ = s.Store.UpdateQueueStatus(ctx, item.ID, "FAILED", item.RetryCount, now)
			continue
		}

		if err := s.Store.UpsertRecord(ctx, item.TableName, cols, now); err != nil {
			retryCount := item.RetryCount + 1
			status := "PENDING"
			if retryCount >= item.MaxRetries {
				status = "FAILED"
				log.Warn().Str("table", item.TableName).Str("record_id", item.RecordID).
					Int("attempts", retryCount).Msg("dependency queue item exhausted retries")
			}
			_ = s.Store.UpdateQueueStatus(ctx, item.ID, status, retryCount, now)
			continue
		}

		_ = s.Store.UpdateQueueStatus(ctx, item.ID, "COMPLETED", item.RetryCount, now)
		metrics.SyncRunsTotal.WithLabelValues("dependency_resolve", "ok").Inc()
	}

	if purged, err := s.Store.PurgeCompletedBefore(ctx, now.Add(-s.PurgeAfter)); err != nil {
		log.Error().Err(err).Msg("failed to purge completed queue items")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("purged completed dependency queue items")
	}
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
