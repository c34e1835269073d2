package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/serving"
)

// degradedScorer builds a scorer with no loaded models. Scoring still works
// end to end; every decision comes back degraded fail-open.
func degradedScorer(t *testing.T) *serving.Scorer {
	t.Helper()
	models := serving.NewModelCache(emptyRegistry{}, nil)
	return serving.NewScorer(domain.DefaultScoringConfig(), models, nil, nil, nil)
}

type emptyRegistry struct{}

func (emptyRegistry) Put(context.Context, string, string, *domain.ModelBundle) error { return nil }
func (emptyRegistry) Get(context.Context, string, string) (*domain.ModelBundle, error) {
	return nil, domain.ErrBundleNotFound
}
func (emptyRegistry) Promote(context.Context, string, *domain.ModelBundle) error { return nil }
func (emptyRegistry) Ping(context.Context) error                                 { return nil }
func (emptyRegistry) Close() error                                               { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorkerProcessesSignups(t *testing.T) {
	b := bus.NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()
	tenantID := "tenant-001"

	var decisions atomic.Int32
	var lastPayload atomic.Value
	_, err := b.Subscribe(ctx, tenantID, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		lastPayload.Store(msg.Payload)
		decisions.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	w := NewWorker(b, nil, degradedScorer(t))
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := bus.PublishSignup(ctx, b, tenantID, &domain.SignupEvent{Email: "alice.smith@example.com"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool { return decisions.Load() == 1 }, "timeout waiting for decision")

	var d domain.Decision
	if err := json.Unmarshal(lastPayload.Load().([]byte), &d); err != nil {
		t.Fatalf("failed to parse decision payload: %v", err)
	}
	if d.Candidate != "alice.smith" {
		t.Errorf("expected candidate alice.smith, got %q", d.Candidate)
	}
	if d.TenantID != tenantID {
		t.Errorf("expected tenant %s, got %s", tenantID, d.TenantID)
	}
	if !d.Metadata.Degraded {
		t.Error("expected degraded decision with no models loaded")
	}
}

func TestWorkerPublishesAlerts(t *testing.T) {
	b := bus.NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()
	tenantID := "tenant-001"

	var alerts atomic.Int32
	_, err := b.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	w := NewWorker(b, nil, degradedScorer(t))
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// An unparseable address short-circuits to block, which alerts.
	if err := bus.PublishSignup(ctx, b, tenantID, &domain.SignupEvent{Email: "not an address"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool { return alerts.Load() == 1 }, "timeout waiting for alert")

	// A degraded allow must not alert.
	_ = bus.PublishSignup(ctx, b, tenantID, &domain.SignupEvent{Email: "bob.jones@example.com"})
	time.Sleep(100 * time.Millisecond)

	if alerts.Load() != 1 {
		t.Errorf("expected 1 alert, got %d", alerts.Load())
	}
}

func TestWorkerTenantIsolation(t *testing.T) {
	b := bus.NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	var decisions atomic.Int32
	_, _ = b.Subscribe(ctx, "tenant-001", domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		decisions.Add(1)
		return nil
	})

	w := NewWorker(b, nil, degradedScorer(t))
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Signup on another tenant's topic is not picked up.
	_ = bus.PublishSignup(ctx, b, "tenant-002", &domain.SignupEvent{Email: "alice@example.com"})
	time.Sleep(100 * time.Millisecond)

	if decisions.Load() != 0 {
		t.Errorf("expected no decisions for unwatched tenant, got %d", decisions.Load())
	}
}

func TestWorkerStopAndStats(t *testing.T) {
	b := bus.NewChannelBus(100)
	defer b.Close()

	w := NewWorker(b, nil, degradedScorer(t))
	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}
	for _, topic := range stats.Topics {
		if topic != domain.TopicSignupReceived {
			t.Errorf("expected topic %s, got %s", domain.TopicSignupReceived, topic)
		}
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}

func TestWorkerBadPayload(t *testing.T) {
	b := bus.NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()
	tenantID := "tenant-001"

	var decisions atomic.Int32
	_, _ = b.Subscribe(ctx, tenantID, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		decisions.Add(1)
		return nil
	})

	w := NewWorker(b, nil, degradedScorer(t))
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	_ = b.Publish(ctx, tenantID, domain.TopicSignupReceived, []byte("{not json"))
	time.Sleep(100 * time.Millisecond)

	if decisions.Load() != 0 {
		t.Errorf("expected no decision for malformed payload, got %d", decisions.Load())
	}

	// The worker keeps running and handles the next good message.
	_ = bus.PublishSignup(ctx, b, tenantID, &domain.SignupEvent{Email: "carol.brown@example.com"})
	waitFor(t, func() bool { return decisions.Load() == 1 }, "timeout waiting for decision after bad payload")
}
