// Package jobs holds the registry's background jobs.
//
// key_expiry.go implements KeyExpiryJob, which periodically marks API keys past their
// expires_at as inactive. Verification already refuses expired keys, so the job only keeps
// is_active truthful for listings and for the per-owner active key limit.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carp-registry/carp/internal/telemetry"
)

// ExpiredKeyStore is implemented by repositories.APIKeyRepository.
type ExpiredKeyStore interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// KeyExpiryJob deactivates expired API keys on an interval.
type KeyExpiryJob struct {
	store    ExpiredKeyStore
	interval time.Duration
	now      func() time.Time

	started  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewKeyExpiryJob creates the job. A non-positive interval defaults to 15 minutes.
func NewKeyExpiryJob(store ExpiredKeyStore, interval time.Duration) *KeyExpiryJob {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &KeyExpiryJob{
		store:    store,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until ctx is cancelled or Stop
// is called. It blocks; run it in its own goroutine.
func (j *KeyExpiryJob) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("api key expiry job started", "interval", j.interval)
	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopChan:
			slog.Info("api key expiry job stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit and waits for it if it is running. Safe to call more than once.
func (j *KeyExpiryJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
	if j.started.Load() {
		<-j.done
	}
}

// RunOnce performs a single sweep and returns how many keys were deactivated.
func (j *KeyExpiryJob) RunOnce(ctx context.Context) int64 {
	n, err := j.store.DeactivateExpired(ctx, j.now())
	if err != nil {
		slog.Error("api key expiry sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		telemetry.APIKeysExpiredTotal.Add(float64(n))
		slog.Info("deactivated expired api keys", "count", n)
	}
	return n
}
