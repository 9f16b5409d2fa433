package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/storage/badger"
)

// gcDiscardRatio reclaims a value log file once half of it is garbage.
const gcDiscardRatio = 0.5

// StartBackground launches the hub, the ingestion scheduler and, for the
// badger backend, value log GC. All of them stop when ctx is cancelled.
func (a *App) StartBackground(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()
	a.Logger.Info("websocket hub started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Scheduler.Run(ctx)
	}()

	wg.Add(1)
	go RunBadgerGC(ctx, a.Store, config.BadgerGCInterval, a.Logger, wg)
}

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk space.
// BadgerDB uses LSM trees which accumulate overwritten snapshots in the value log.
func RunBadgerGC(ctx context.Context, store storage.Store, interval time.Duration, logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		logger.Debug("storage is not badger, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("badger GC scheduler started", "interval", interval.String())

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := badgerStore.RunGC(gcDiscardRatio); err != nil {
				logger.Warn("badger GC failed", "error", err)
				continue
			}
			logger.Debug("badger GC completed", "duration", time.Since(start).Round(time.Millisecond).String())
		case <-ctx.Done():
			logger.Info("stopping badger GC scheduler")
			return
		}
	}
}

// WaitWithDeadline waits for wg, giving up after d. It reports whether
// everything stopped in time.
func WaitWithDeadline(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
