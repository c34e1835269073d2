package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Typed envelopes over the raw byte-payload EventBus. Producers and
// consumers of the scoring topics go through these so the wire shape of
// each topic is defined in exactly one place.

// PublishSignup publishes a signup onto TopicSignupReceived for async scoring.
func PublishSignup(ctx context.Context, eb domain.EventBus, tenantID string, ev *domain.SignupEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode signup event: %w", err)
	}
	return eb.Publish(ctx, tenantID, domain.TopicSignupReceived, payload)
}

// SubscribeSignups registers a typed handler on TopicSignupReceived. Events
// with no tenant of their own inherit the message's tenant, so handlers
// always see a routable event.
func SubscribeSignups(ctx context.Context, eb domain.EventBus, tenantID string, fn func(context.Context, *domain.SignupEvent) error) (domain.Subscription, error) {
	return eb.Subscribe(ctx, tenantID, domain.TopicSignupReceived, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.SignupEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("failed to decode signup event %s: %w", msg.ID, err)
		}
		if ev.TenantID == "" {
			ev.TenantID = msg.TenantID
		}
		return fn(ctx, &ev)
	})
}

// PublishDecision publishes a finished decision onto TopicDecision under the
// decision's own tenant.
func PublishDecision(ctx context.Context, eb domain.EventBus, d *domain.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision %s: %w", d.ID, err)
	}
	return eb.Publish(ctx, d.TenantID, domain.TopicDecision, payload)
}

// PublishAlert publishes a blocking decision onto TopicAlert.
func PublishAlert(ctx context.Context, eb domain.EventBus, d *domain.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", d.ID, err)
	}
	return eb.Publish(ctx, d.TenantID, domain.TopicAlert, payload)
}

// SubscribeDecisions registers a typed handler on TopicDecision.
func SubscribeDecisions(ctx context.Context, eb domain.EventBus, tenantID string, fn func(context.Context, *domain.Decision) error) (domain.Subscription, error) {
	return eb.Subscribe(ctx, tenantID, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var d domain.Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return fmt.Errorf("failed to decode decision %s: %w", msg.ID, err)
		}
		return fn(ctx, &d)
	})
}

// PublishRun publishes a training run onto one of the model lifecycle
// topics (TopicModelPromoted, TopicModelRejected).
func PublishRun(ctx context.Context, eb domain.EventBus, tenantID, topic string, run *domain.TrainingRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode training run %s: %w", run.ID, err)
	}
	return eb.Publish(ctx, tenantID, topic, payload)
}
