// Package worker consumes ingested transactions from the event bus and
// scores them asynchronously. It backs the fire-and-forget ingestion
// path; the HTTP /score endpoint remains the synchronous path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker subscribes to ingested-transaction events and runs the full
// scoring pipeline on each one.
type Worker struct {
	store        domain.Store
	bus          domain.EventBus
	orchestrator *scoring.Orchestrator
	embedder     domain.Embedder
	collector    *metrics.Collector
	logger       *slog.Logger

	mu   sync.Mutex
	subs []domain.Subscription
}

// New creates a worker. collector may be nil.
func New(store domain.Store, bus domain.EventBus, orchestrator *scoring.Orchestrator, embedder domain.Embedder, collector *metrics.Collector, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:        store,
		bus:          bus,
		orchestrator: orchestrator,
		embedder:     embedder,
		collector:    collector,
		logger:       logger,
	}
}

// Start subscribes to the tenant's ingestion topic. Call once per tenant.
func (w *Worker) Start(ctx context.Context, tenantID string) error {
	sub, err := w.bus.Subscribe(ctx, tenantID, domain.TopicTransactionIngested, w.handleIngested)
	if err != nil {
		return fmt.Errorf("failed to subscribe for tenant %s: %w", tenantID, err)
	}

	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()

	w.logger.Info("ingestion worker started", "tenant_id", tenantID)
	return nil
}

// Stop unsubscribes from all topics.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Warn("unsubscribe failed", "topic", sub.Topic(), "error", err)
		}
	}
	w.subs = nil
}

func (w *Worker) handleIngested(ctx context.Context, msg *domain.Message) error {
	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		w.logger.Error("failed to decode ingested transaction",
			"message_id", msg.ID, "error", err)
		return err
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.TenantID = msg.TenantID
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = tx.Timestamp
	}

	return w.process(ctx, &tx)
}

// process runs the same pipeline as the synchronous endpoint: persist,
// embed, score, persist the assessment, publish results.
func (w *Worker) process(ctx context.Context, tx *domain.Transaction) error {
	start := time.Now()
	tenantID := tx.TenantID

	if err := w.store.SaveTransaction(ctx, tenantID, tx); err != nil {
		if w.collector != nil && errors.Is(err, domain.ErrStoreUnavailable) {
			w.collector.RecordStoreFailure()
		}
		return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
	}

	if vec, err := w.embedder.Embed(ctx, tx.Description()); err != nil {
		w.logger.Warn("embedding skipped", "tx_id", tx.ID, "error", err)
	} else if err := w.store.SetTransactionEmbedding(ctx, tenantID, tx.ID, vec); err != nil {
		w.logger.Warn("failed to store embedding", "tx_id", tx.ID, "error", err)
	}

	a, err := w.orchestrator.Score(ctx, tx)
	if err != nil && !errors.Is(err, scoring.ErrPartialAgentFailure) {
		if w.collector != nil && errors.Is(err, domain.ErrStoreUnavailable) {
			w.collector.RecordStoreFailure()
		}
		return fmt.Errorf("scoring failed for %s: %w", tx.ID, err)
	}

	if err := w.store.SaveAssessment(ctx, tenantID, a); err != nil {
		w.logger.Error("failed to save assessment",
			"assessment_id", a.ID, "error", err)
	}

	w.publish(ctx, tenantID, a)

	if w.collector != nil {
		w.collector.RecordAssessment(tenantID, a, time.Since(start))
	}

	w.logger.Info("transaction scored",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"decision", a.Decision,
		"risk_score", a.RiskScore,
	)
	return nil
}

func (w *Worker) publish(ctx context.Context, tenantID string, a *domain.Assessment) {
	payload, err := json.Marshal(a)
	if err != nil {
		w.logger.Error("failed to marshal assessment", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, tenantID, domain.TopicTransactionScored, payload); err != nil {
		w.logger.Warn("failed to publish scored event", "tx_id", a.TxID, "error", err)
	}

	if a.RingDetected {
		ring, _ := json.Marshal(map[string]any{
			"ringId": a.RingID,
			"txId":   a.TxID,
		})
		if err := w.bus.Publish(ctx, tenantID, domain.TopicRingDetected, ring); err != nil {
			w.logger.Warn("failed to publish ring event", "ring_id", a.RingID, "error", err)
		}
	}

	if a.Decision == domain.DecisionBlock {
		alert, _ := json.Marshal(map[string]any{
			"txId":      a.TxID,
			"riskScore": a.RiskScore,
			"reasoning": a.Reasoning,
		})
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, alert); err != nil {
			w.logger.Warn("failed to publish alert", "tx_id", a.TxID, "error", err)
		}
	}
}
