package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"courtside-live/internal/relay"
)

type endedPurger interface {
	PurgeEnded(ctx context.Context, olderThan time.Duration) ([]string, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startArtifactPurgeWorker runs the janitor: every interval it removes
// stream records that have been ended longer than the retention window and
// deletes their segment directories under outputRoot.
func startArtifactPurgeWorker(ctx context.Context, logger *slog.Logger, store endedPurger, outputRoot string, retention, interval time.Duration) func() {
	return startArtifactPurgeWorkerWithTicker(ctx, logger, store, outputRoot, retention, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startArtifactPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store endedPurger,
	outputRoot string,
	retention, interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				keys, err := store.PurgeEnded(workerCtx, retention)
				if err != nil {
					if logger != nil {
						logger.Error("failed to purge ended streams", "error", err)
					}
					continue
				}
				for _, key := range keys {
					if err := relay.RemoveArtifacts(outputRoot, key); err != nil && logger != nil {
						logger.Warn("failed to remove stream artifacts", "streamKey", key, "error", err)
					}
				}
				if len(keys) > 0 && logger != nil {
					logger.Info("purged ended streams", "count", len(keys))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
