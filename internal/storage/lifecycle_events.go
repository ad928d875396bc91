package storage

import (
	"context"
	"errors"
	"log/slog"

	"courtside-live/internal/broadcast"
	"courtside-live/internal/models"
)

// LifecycleWorker consumes queue events and applies them to storage. It keeps
// the persisted stream records aligned with lifecycle events published by any
// replica, not just the one hosting the pipeline.
type LifecycleWorker struct {
	queue  broadcast.Queue
	store  Repository
	logger *slog.Logger
}

func NewLifecycleWorker(store Repository, queue broadcast.Queue, logger *slog.Logger) *LifecycleWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleWorker{queue: queue, store: store, logger: logger}
}

// Run blocks until the context is cancelled, applying stream lifecycle events
// as they arrive.
func (w *LifecycleWorker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.apply(ctx, evt); err != nil && w.logger != nil {
				w.logger.Error("failed to apply stream event",
					"type", string(evt.Type),
					"streamKey", evt.StreamKey,
					"error", err)
			}
		}
	}
}

func (w *LifecycleWorker) apply(ctx context.Context, evt broadcast.Event) error {
	var status string
	switch evt.Type {
	case broadcast.EventTypeStarted:
		status = models.StreamStatusActive
	case broadcast.EventTypeEnded:
		status = models.StreamStatusEnded
	default:
		return nil
	}
	_, err := w.store.SetStreamStatus(ctx, evt.StreamKey, status)
	if errors.Is(err, ErrStreamNotFound) {
		// Record already deleted; nothing to reconcile.
		return nil
	}
	return err
}
