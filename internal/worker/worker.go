// Package worker runs the background retry loops: redelivering webhook
// events whose processing failed transiently, and driving dunning
// retries for failed payments. Claims take a short lease on each row
// (FOR UPDATE SKIP LOCKED inside the claim, a pushed-out retry time
// after it) so multiple instances can run side by side without
// processing the same event twice.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/service"
	"github.com/wclausen/mimir/internal/store"
	"github.com/wclausen/mimir/internal/telemetry"
)

// Config holds worker configuration.
type Config struct {
	// WorkerID uniquely identifies this worker instance in logs.
	WorkerID string

	// PollInterval is how often to check for due work.
	PollInterval time.Duration

	// BatchSize is the maximum number of events claimed per poll.
	BatchSize int
}

// Worker drains the webhook retry queue and the dunning schedule.
type Worker struct {
	config    Config
	store     store.Store
	processor service.EventProcessor
	edgeCases service.EdgeCaseService
	logger    *slog.Logger
}

// NewWorker creates a new background worker.
func NewWorker(st store.Store, processor service.EventProcessor, edgeCases service.EdgeCaseService, config Config, logger *slog.Logger) (*Worker, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("event processor is required")
	}
	if edgeCases == nil {
		return nil, fmt.Errorf("edge case service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 15 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 20
	}

	return &Worker{
		config:    config,
		store:     st,
		processor: processor,
		edgeCases: edgeCases,
		logger:    logger,
	}, nil
}

// Start runs the poll loop until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"worker_id", w.config.WorkerID,
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down", "worker_id", w.config.WorkerID)
			return ctx.Err()

		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce drains one batch from each queue. Claim errors are logged
// and left for the next poll.
func (w *Worker) runOnce(ctx context.Context) {
	if err := w.retryWebhookEvents(ctx); err != nil {
		w.logger.Error("webhook retry pass failed", "error", err)
	}
	if err := w.retryDunning(ctx); err != nil {
		w.logger.Error("dunning pass failed", "error", err)
	}
}

// retryWebhookEvents reprocesses events whose retry timer has elapsed.
func (w *Worker) retryWebhookEvents(ctx context.Context) error {
	events, err := w.store.ClaimRetryableWebhookEvents(ctx, time.Now(), w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim retryable events: %w", err)
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.reprocess(ctx, event)
	}
	return nil
}

// reprocess runs one retry attempt for a webhook event and records
// the outcome. A permanent failure or an exhausted attempt budget
// moves the event to the dead-letter queue.
func (w *Worker) reprocess(ctx context.Context, event domain.WebhookEvent) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookRetried.WithLabelValues(event.EventType).Inc()
	}

	procErr := w.processor.Process(ctx, event)
	if procErr == nil {
		if err := w.store.MarkWebhookEventApplied(ctx, event.EventID); err != nil {
			w.logger.Error("failed to mark event applied", "event_id", event.EventID, "error", err)
			return
		}
		w.logger.Info("webhook event applied on retry",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"attempts", event.Attempts+1)
		if telemetry.Business != nil {
			telemetry.Business.WebhookProcessed.WithLabelValues(event.EventType).Inc()
		}
		return
	}

	attempts := event.Attempts + 1
	if service.IsPermanent(procErr) || attempts >= service.MaxProcessAttempts {
		w.deadLetter(ctx, event, attempts, procErr)
		return
	}

	nextAttempt := time.Now().Add(service.RetryBackoff(attempts))
	if err := w.store.MarkWebhookEventRetrying(ctx, event.EventID, attempts, nextAttempt, procErr.Error()); err != nil {
		w.logger.Error("failed to reschedule event", "event_id", event.EventID, "error", err)
		return
	}
	w.logger.Warn("webhook event retry failed, rescheduled",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"attempts", attempts,
		"next_attempt_at", nextAttempt,
		"error", procErr)
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(event.EventType, "transient").Inc()
	}
}

func (w *Worker) deadLetter(ctx context.Context, event domain.WebhookEvent, attempts int, procErr error) {
	if err := w.store.MarkWebhookEventDeadLettered(ctx, event.EventID, procErr.Error()); err != nil {
		w.logger.Error("failed to dead-letter event", "event_id", event.EventID, "error", err)
		return
	}
	w.logger.Error("webhook event dead-lettered",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"attempts", attempts,
		"error", procErr)
	telemetry.CaptureError(procErr, map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"attempts":   attempts,
	})
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(event.EventType, "permanent").Inc()
		telemetry.Business.WebhookDeadLettered.WithLabelValues(event.EventType).Inc()
	}
}

// retryDunning drives payment retries for open failed-payment cases.
func (w *Worker) retryDunning(ctx context.Context) error {
	cases, err := w.store.ClaimDueEdgeCases(ctx, time.Now(), w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due edge cases: %w", err)
	}

	for _, event := range cases {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if event.Kind != domain.EdgeCaseFailedPayment {
			continue
		}
		if err := w.edgeCases.RetryFailedPayment(ctx, event); err != nil {
			w.logger.Error("dunning retry failed",
				"edge_case_id", event.ID,
				"subscription_id", event.SubscriptionID,
				"error", err)
		}
	}
	return nil
}
