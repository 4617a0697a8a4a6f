package drain

import (
	"context"
	"log"
	"time"

	"github.com/pulsecrm/campaign-engine/internal/pkg/distlock"
)

// StaleStore is the store operation the recovery worker needs.
type StaleStore interface {
	RequeueStale(ctx context.Context, staleAge time.Duration) (int64, error)
}

// RecoveryWorker requeues rows stuck in processing. A drainer that crashes
// after claiming leaves its rows in processing forever; this worker resets
// them to pending once their claim is older than staleAge, which may resend
// to recipients whose row was marked after a crash mid-send.
type RecoveryWorker struct {
	store    StaleStore
	lock     distlock.Lock
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery worker. lock may be nil; when set,
// replicated workers coordinate so only one runs each scan.
func NewRecoveryWorker(store StaleStore, lock distlock.Lock, interval, staleAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	return &RecoveryWorker{store: store, lock: lock, interval: interval, staleAge: staleAge}
}

// Start begins the recovery loop. It blocks until ctx is cancelled.
func (w *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s)", w.interval, w.staleAge)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *RecoveryWorker) scan(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if w.lock != nil {
		acquired, err := w.lock.Acquire(queryCtx)
		if err != nil {
			log.Printf("[QueueRecovery] Lock acquire failed: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := w.lock.Release(queryCtx); err != nil {
				log.Printf("[QueueRecovery] Lock release failed: %v", err)
			}
		}()
	}

	n, err := w.store.RequeueStale(queryCtx, w.staleAge)
	if err != nil {
		log.Printf("[QueueRecovery] Requeue scan failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[QueueRecovery] Requeued %d stale rows", n)
	}
}
