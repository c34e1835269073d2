package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/integrity"
)

// fakeRepo persists runs in memory and serves a configurable history.
type fakeRepo struct {
	mu      sync.Mutex
	runs    []*domain.TrainingRun
	history *domain.TrainingHistory
}

func (r *fakeRepo) SaveDecision(context.Context, string, *domain.Decision) error { return nil }
func (r *fakeRepo) GetDecision(context.Context, string, string) (*domain.Decision, error) {
	return nil, nil
}

func (r *fakeRepo) SaveTrainingRun(_ context.Context, _ string, run *domain.TrainingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRepo) ListTrainingRuns(context.Context, string, int) ([]*domain.TrainingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, nil
}

func (r *fakeRepo) GetTrainingHistory(context.Context, string) (*domain.TrainingHistory, error) {
	if r.history == nil {
		return &domain.TrainingHistory{}, nil
	}
	return r.history, nil
}

func (r *fakeRepo) SavePolicyConfig(context.Context, string, *domain.PolicyConfig) error { return nil }
func (r *fakeRepo) ListPolicyConfigs(context.Context, string) ([]*domain.PolicyConfig, error) {
	return nil, nil
}
func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

// fakeCache implements just enough of the cache contract for the lock.
type fakeCache struct {
	mu     sync.Mutex
	locked map[string]bool
	deny   bool
}

func newFakeCache() *fakeCache { return &fakeCache{locked: make(map[string]bool)} }

func (c *fakeCache) Get(context.Context, string, string) ([]byte, error) { return nil, nil }
func (c *fakeCache) Set(context.Context, string, string, []byte, time.Duration) error {
	return nil
}
func (c *fakeCache) Delete(context.Context, string, string) error { return nil }
func (c *fakeCache) IncrementCounter(context.Context, string, string, time.Duration) (int64, error) {
	return 0, nil
}

func (c *fakeCache) AcquireLock(_ context.Context, tenantID, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deny || c.locked[tenantID+":"+key] {
		return false, nil
	}
	c.locked[tenantID+":"+key] = true
	return true, nil
}

func (c *fakeCache) ReleaseLock(_ context.Context, tenantID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locked, tenantID+":"+key)
	return nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) Close() error               { return nil }

// memRegistry stores bundles by slot and rotates on promote.
type memRegistry struct {
	mu    sync.Mutex
	slots map[string]*domain.ModelBundle
}

func newMemRegistry() *memRegistry {
	return &memRegistry{slots: make(map[string]*domain.ModelBundle)}
}

func (r *memRegistry) Put(_ context.Context, _ string, key string, b *domain.ModelBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[key] = b
	return nil
}

func (r *memRegistry) Get(_ context.Context, _ string, key string) (*domain.ModelBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.slots[key]
	if !ok {
		return nil, domain.ErrBundleNotFound
	}
	return b, nil
}

func (r *memRegistry) Promote(_ context.Context, _ string, b *domain.ModelBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prod, ok := r.slots[domain.SlotProduction]; ok {
		r.slots[domain.SlotBackup1] = prod
	}
	r.slots[domain.SlotProduction] = b
	return nil
}

func (r *memRegistry) Ping(context.Context) error { return nil }
func (r *memRegistry) Close() error               { return nil }

// batch builds a separable training batch of distinct local-parts: legit
// draws from the a-m alphabet, fraud from n-z plus digits, so holdout
// validation is exact and the dedupe pass drops nothing.
func batch(legitCount, fraudCount int) []domain.TrainingSample {
	legitWords := []string{"alice", "bob", "carol", "dave", "emma", "frank", "grace", "helen"}
	fraudWords := []string{"xqzwvn", "zz99xx", "wv7x9q", "nporst", "uvwxyz", "qq88rr"}

	samples := make([]domain.TrainingSample, 0, legitCount+fraudCount)
	for i := 0; i < legitCount; i++ {
		n := len(legitWords)
		samples = append(samples, domain.TrainingSample{
			Text:             fmt.Sprintf("%s.%s.%s", legitWords[i%n], legitWords[(i/n)%n], legitWords[(i/(n*n))%n]),
			Label:            domain.ClassLegit,
			ConfidenceWeight: 0.1,
		})
	}
	for i := 0; i < fraudCount; i++ {
		n := len(fraudWords)
		samples = append(samples, domain.TrainingSample{
			Text:             fmt.Sprintf("%s%s%s", fraudWords[i%n], fraudWords[(i/n)%n], fraudWords[(i/(n*n))%n]),
			Label:            domain.ClassFraud,
			ConfidenceWeight: 0.9,
		})
	}
	return samples
}

func newTestPipeline(repo *fakeRepo, registry *memRegistry, cache *fakeCache) *Pipeline {
	guard := integrity.NewGuard(domain.AnomalyConfig{SafeThreshold: 0.5, ExpectedLegitRatio: 0.85})
	return NewPipeline(domain.DefaultTrainingConfig(), domain.DefaultScoringConfig(),
		guard, repo, registry, cache, nil, nil)
}

func TestTrain(t *testing.T) {
	ctx := context.Background()

	t.Run("FullRunPromotes", func(t *testing.T) {
		repo := &fakeRepo{}
		registry := newMemRegistry()
		p := newTestPipeline(repo, registry, newFakeCache())

		run, err := p.Train(ctx, "tenant-001", batch(400, 100), domain.TrainingModeFull)
		if err != nil {
			t.Fatalf("Train failed: %v", err)
		}
		if run.Status != domain.RunStatusPromoted {
			t.Fatalf("expected promoted, got %s", run.Status)
		}
		if run.BundleVersion != 1 {
			t.Errorf("expected bundle version 1, got %d", run.BundleVersion)
		}
		if run.Metrics == nil || run.Metrics.Accuracy < 0.90 {
			t.Errorf("expected passing metrics, got %+v", run.Metrics)
		}
		if run.LegitCount != 400 || run.FraudCount != 100 {
			t.Errorf("expected 400/100 filtered counts, got %d/%d", run.LegitCount, run.FraudCount)
		}

		prod, err := registry.Get(ctx, "tenant-001", domain.SlotProduction)
		if err != nil {
			t.Fatalf("expected production bundle: %v", err)
		}
		if err := integrity.VerifyBundle(prod); err != nil {
			t.Errorf("promoted bundle fails integrity gate: %v", err)
		}
		if prod.Metadata.TrainingMode != domain.TrainingModeFull {
			t.Errorf("expected full mode, got %s", prod.Metadata.TrainingMode)
		}

		// The run record is persisted.
		if len(repo.runs) != 1 || repo.runs[0].ID != run.ID {
			t.Errorf("expected run to be persisted, got %d runs", len(repo.runs))
		}
	})

	t.Run("IncrementalBumpsVersion", func(t *testing.T) {
		repo := &fakeRepo{}
		registry := newMemRegistry()
		p := newTestPipeline(repo, registry, newFakeCache())

		// Incremental with no production bundle falls back to full.
		run, err := p.Train(ctx, "tenant-001", batch(400, 100), domain.TrainingModeIncremental)
		if err != nil {
			t.Fatalf("first Train failed: %v", err)
		}
		if run.BundleVersion != 1 {
			t.Fatalf("expected version 1, got %d", run.BundleVersion)
		}
		prod, _ := registry.Get(ctx, "tenant-001", domain.SlotProduction)
		if prod.Metadata.TrainingMode != domain.TrainingModeFull {
			t.Errorf("expected fallback to full, got %s", prod.Metadata.TrainingMode)
		}

		repo.history = &domain.TrainingHistory{
			RunCount:           1,
			AverageSampleCount: 500,
			ExpectedLegitRatio: 0.8,
		}

		run, err = p.Train(ctx, "tenant-001", batch(400, 100), domain.TrainingModeIncremental)
		if err != nil {
			t.Fatalf("second Train failed: %v", err)
		}
		if run.BundleVersion != 2 {
			t.Errorf("expected version 2, got %d", run.BundleVersion)
		}
		prod, _ = registry.Get(ctx, "tenant-001", domain.SlotProduction)
		if prod.Metadata.TrainingMode != domain.TrainingModeIncremental {
			t.Errorf("expected incremental mode, got %s", prod.Metadata.TrainingMode)
		}
	})

	t.Run("InsufficientData", func(t *testing.T) {
		repo := &fakeRepo{}
		p := newTestPipeline(repo, newMemRegistry(), newFakeCache())

		run, err := p.Train(ctx, "tenant-001", batch(400, 50), domain.TrainingModeFull)
		if !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("expected ErrInsufficientData, got %v", err)
		}
		if run.Status != domain.RunStatusInsufficientData {
			t.Errorf("expected insufficient_data status, got %s", run.Status)
		}
		// Rejected runs are persisted too.
		if len(repo.runs) != 1 {
			t.Errorf("expected rejected run to be persisted, got %d runs", len(repo.runs))
		}
	})

	t.Run("AmbiguousSamplesFiltered", func(t *testing.T) {
		samples := batch(400, 100)
		for i := range samples {
			// Mid-band confidence on every sample: nothing survives.
			samples[i].ConfidenceWeight = 0.5
		}

		p := newTestPipeline(&fakeRepo{}, newMemRegistry(), newFakeCache())
		run, err := p.Train(ctx, "tenant-001", samples, domain.TrainingModeFull)
		if !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("expected ErrInsufficientData, got %v", err)
		}
		if run.LegitCount != 0 || run.FraudCount != 0 {
			t.Errorf("expected all samples filtered, got %d/%d", run.LegitCount, run.FraudCount)
		}
	})

	t.Run("AnomalyGateRejects", func(t *testing.T) {
		// Inverted class balance plus a batch where every local-part is
		// distinct yet collapses to the same two pattern shapes.
		samples := make([]domain.TrainingSample, 0, 300)
		for i := 0; i < 100; i++ {
			samples = append(samples, domain.TrainingSample{
				Text:             fmt.Sprintf("abc.def%d", i),
				Label:            domain.ClassLegit,
				ConfidenceWeight: 0.1,
			})
		}
		for i := 0; i < 200; i++ {
			samples = append(samples, domain.TrainingSample{
				Text:             fmt.Sprintf("aaaa%04d", i),
				Label:            domain.ClassFraud,
				ConfidenceWeight: 0.9,
			})
		}

		repo := &fakeRepo{}
		p := newTestPipeline(repo, newMemRegistry(), newFakeCache())

		run, err := p.Train(ctx, "tenant-001", samples, domain.TrainingModeFull)
		if !errors.Is(err, ErrAnomalyDetected) {
			t.Fatalf("expected ErrAnomalyDetected, got %v", err)
		}
		if run.Status != domain.RunStatusAnomalyDetected {
			t.Errorf("expected anomaly_detected status, got %s", run.Status)
		}
		if run.AnomalyReport == nil || run.AnomalyReport.Safe {
			t.Errorf("expected unsafe anomaly report, got %+v", run.AnomalyReport)
		}
	})

	t.Run("LockHeld", func(t *testing.T) {
		cache := newFakeCache()
		cache.deny = true
		p := newTestPipeline(&fakeRepo{}, newMemRegistry(), cache)

		_, err := p.Train(ctx, "tenant-001", batch(400, 100), domain.TrainingModeFull)
		if !errors.Is(err, ErrTrainingLocked) {
			t.Fatalf("expected ErrTrainingLocked, got %v", err)
		}
	})

	t.Run("LockReleasedAfterRun", func(t *testing.T) {
		cache := newFakeCache()
		p := newTestPipeline(&fakeRepo{}, newMemRegistry(), cache)

		if _, err := p.Train(ctx, "tenant-001", batch(400, 100), domain.TrainingModeFull); err != nil {
			t.Fatalf("Train failed: %v", err)
		}
		// A second run must be able to take the lock again.
		if _, err := p.Train(ctx, "tenant-001", batch(400, 100), domain.TrainingModeFull); err != nil {
			t.Fatalf("second Train failed: %v", err)
		}
	})
}

func TestHoldoutSplit(t *testing.T) {
	samples := batch(100, 0)

	t.Run("StrideSplit", func(t *testing.T) {
		train, hold := holdoutSplit(samples, 0.2)
		if len(hold) != 20 || len(train) != 80 {
			t.Errorf("expected 80/20 split, got %d/%d", len(train), len(hold))
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		_, a := holdoutSplit(samples, 0.2)
		_, b := holdoutSplit(samples, 0.2)
		if len(a) != len(b) {
			t.Fatalf("split sizes differ: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i].Text != b[i].Text {
				t.Fatalf("split not deterministic at index %d", i)
			}
		}
	})

	t.Run("DegenerateFractions", func(t *testing.T) {
		for _, fraction := range []float64{0, 1, -0.5, 1.5} {
			train, hold := holdoutSplit(samples, fraction)
			if len(hold) != 0 || len(train) != len(samples) {
				t.Errorf("fraction %v: expected no holdout, got %d/%d", fraction, len(train), len(hold))
			}
		}
	})

	t.Run("TinyInput", func(t *testing.T) {
		train, hold := holdoutSplit(samples[:1], 0.2)
		if len(hold) != 0 || len(train) != 1 {
			t.Errorf("expected single sample kept for training, got %d/%d", len(train), len(hold))
		}
	})
}

func TestFilter(t *testing.T) {
	p := newTestPipeline(&fakeRepo{}, newMemRegistry(), newFakeCache())

	// "bob" and "zz99" sit in the ambiguous confidence band; the mailto
	// form normalizes to a repeat of alice and is deduplicated; the rest of
	// the rejects are excluded, malformed, or unlabeled.
	samples := []domain.TrainingSample{
		{Text: "Alice@Example.COM", Label: domain.ClassLegit, ConfidenceWeight: 0.1},
		{Text: "mailto:<alice@elsewhere.test>", Label: domain.ClassLegit, ConfidenceWeight: 0.1},
		{Text: "bob", Label: domain.ClassLegit, ConfidenceWeight: 0.5},
		{Text: "xq7zw", Label: domain.ClassFraud, ConfidenceWeight: 0.9},
		{Text: "zz99", Label: domain.ClassFraud, ConfidenceWeight: 0.5},
		{Text: "carol..v@example.com", Label: domain.ClassLegit, ConfidenceWeight: 0.1},
		{Text: "skip.me", Label: domain.ClassLegit, ConfidenceWeight: 0.1, SourceExclude: true},
		{Text: "not a local part", Label: domain.ClassLegit, ConfidenceWeight: 0.1},
		{Text: "mystery", Label: "unknown", ConfidenceWeight: 0.1},
	}

	out := p.filter(samples)
	if len(out) != 3 {
		t.Fatalf("expected 3 surviving samples, got %d", len(out))
	}
	if out[0].Text != "alice" {
		t.Errorf("expected normalized local-part 'alice', got %q", out[0].Text)
	}
	if out[1].Text != "xq7zw" {
		t.Errorf("expected 'xq7zw', got %q", out[1].Text)
	}
	if out[2].Text != "carol.v" {
		t.Errorf("expected collapsed 'carol.v', got %q", out[2].Text)
	}
}
