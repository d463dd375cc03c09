// Package worker drains the audit outbox to the message broker in the
// background, decoupling broker availability from request latency.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"idlink/pkg/platform/audit"
)

// Source exposes the pending side of the outbox.
type Source interface {
	ListUnpublished(ctx context.Context, limit int) ([]audit.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Publisher delivers one outbox payload to the broker.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

const (
	defaultInterval  = time.Second
	defaultBatchSize = 100
)

// Worker polls the outbox and publishes pending entries. At-least-once:
// entries are marked published only after the broker acknowledges, so a crash
// between publish and mark causes a redelivery, never a loss.
type Worker struct {
	source    Source
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

func New(source Source, publisher Publisher, logger *slog.Logger) *Worker {
	return &Worker{
		source:    source,
		publisher: publisher,
		logger:    logger,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
}

// Run drains the outbox until ctx is cancelled. Broker or store failures are
// logged and retried on the next tick rather than stopping the worker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) error {
	entries, err := w.source.ListUnpublished(ctx, w.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	published := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if err := w.publisher.Publish(ctx, entry.Key, entry.Payload); err != nil {
			// Stop at the first failure to preserve per-key ordering.
			w.logger.WarnContext(ctx, "outbox publish failed, will retry",
				"entry_id", entry.ID.String(),
				"error", err,
			)
			break
		}
		published = append(published, entry.ID)
	}
	if len(published) == 0 {
		return nil
	}
	return w.source.MarkPublished(ctx, published)
}
