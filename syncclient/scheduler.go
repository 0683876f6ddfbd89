/*
scheduler.go - Background sync scheduler

PURPOSE:
  Drives the Sync Orchestrator on a timer so the device keeps itself
  current without a UI-triggered action: periodic full syncs, plus a
  tighter-interval pass purely for dependency-queue resolution so
  cascading resolutions (§4.8) don't wait for the next full sync.

GROUNDING:
  ticker + stop chan + wg + mu shape mirrors the teacher's
  ReconciliationScheduler in api/scheduler.go.

SEE ALSO:
  - orchestrator.go: FullSync, the operation this schedules
  - queue.go: Resolve, run on the tighter interval
*/
package syncclient

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/metrics"
)

// Scheduler periodically drives full syncs and dependency-queue
// resolution passes for one device.
type Scheduler struct {
	Orchestrator       *Orchestrator
	SyncInterval       time.Duration
	QueueCheckInterval time.Duration

	syncTicker  *time.Ticker
	queueTicker *time.Ticker
	stop        chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	done        bool
}

// NewScheduler builds a scheduler with reasonable defaults: a full sync
// every 5 minutes, a dependency-queue check every 30 seconds.
func NewScheduler(orchestrator *Orchestrator) *Scheduler {
	return &Scheduler{
		Orchestrator:       orchestrator,
		SyncInterval:       5 * time.Minute,
		QueueCheckInterval: 30 * time.Second,
		stop:               make(chan struct{}),
	}
}

// Start begins the background loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncTicker = time.NewTicker(s.SyncInterval)
	s.queueTicker = time.NewTicker(s.QueueCheckInterval)
	s.wg.Add(1)
	go s.run()

	logging.WithComponent("syncclient.scheduler").Info().
		Dur("sync_interval", s.SyncInterval).
		Dur("queue_check_interval", s.QueueCheckInterval).
		Msg("sync scheduler started")
}

// Stop halts the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.syncTicker.Stop()
	s.queueTicker.Stop()
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.syncTicker.C:
			s.runFullSync()
		case <-s.queueTicker.C:
			s.runQueueCheck()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runFullSync() {
	log := logging.WithComponent("syncclient.scheduler")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	summary, err := s.Orchestrator.FullSync(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("scheduled full sync did not run")
		return
	}
	log.Info().
		Int("uploaded", summary.Upload.Synced).
		Int("upload_failed", summary.Upload.Failed).
		Int("downloaded", summary.Download.Applied).
		Int("enqueued", summary.Download.Enqueued).
		Msg("scheduled full sync complete")

	s.reportGauges(ctx)
}

func (s *Scheduler) runQueueCheck() {
	log := logging.WithComponent("syncclient.scheduler")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.Orchestrator.Queue.Resolve(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("dependency queue check failed")
		return
	}
	if result.Completed > 0 || result.Failed > 0 {
		log.Info().Int("completed", result.Completed).Int("failed", result.Failed).
			Int("still_pending", result.StillPending).Msg("dependency queue resolved")
	}
}

func (s *Scheduler) reportGauges(ctx context.Context) {
	for _, table := range s.Orchestrator.Schema.TableOrder() {
		counts, err := s.Orchestrator.Store.CountByStatus(ctx, table)
		if err != nil {
			continue
		}
		metrics.PendingTotal.WithLabelValues(table).Set(float64(counts["PENDING"]))
	}
}
