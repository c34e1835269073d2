// Package worker provides async signup scoring off the event bus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/serving"
)

// Worker scores signup events asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	scorer *serving.Scorer

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(eb domain.EventBus, repo domain.Repository, scorer *serving.Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eb,
		repo:   repo,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing signup events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := bus.SubscribeSignups(w.ctx, w.bus, "_global", w.processSignup)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := bus.SubscribeSignups(w.ctx, w.bus, tenantID, w.processSignup)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicSignupReceived,
	)

	return nil
}

// processSignup scores one signup event through the full pipeline. The
// event's tenant is already resolved by the subscription envelope.
func (w *Worker) processSignup(ctx context.Context, ev *domain.SignupEvent) error {
	start := time.Now()

	req := &domain.ScoreRequest{
		Email:    ev.Email,
		TenantID: ev.TenantID,
		SourceID: ev.SourceID,
		Patterns: ev.Patterns,
		Domain:   ev.Domain,
	}

	decision, err := w.scorer.Score(ctx, req)
	if err != nil {
		slog.Error("scoring failed",
			"tenant_id", ev.TenantID,
			"error", err,
		)
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveDecision(ctx, ev.TenantID, decision); err != nil {
			slog.Error("failed to save decision",
				"decision_id", decision.ID,
				"error", err,
			)
		}
	}

	if err := bus.PublishDecision(ctx, w.bus, decision); err != nil {
		slog.Error("failed to publish decision",
			"decision_id", decision.ID,
			"error", err,
		)
	}

	if domain.ShouldAlert(decision) {
		if err := bus.PublishAlert(ctx, w.bus, decision); err != nil {
			slog.Error("failed to publish alert",
				"decision_id", decision.ID,
				"error", err,
			)
		}
	}

	slog.Info("signup processed",
		"decision_id", decision.ID,
		"tenant_id", ev.TenantID,
		"outcome", decision.Outcome,
		"final_risk", decision.FinalRisk,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
