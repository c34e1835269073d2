package integrity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ngram"
)

// memRegistry is an in-memory ModelRegistry for gate tests.
type memRegistry struct {
	slots map[string]*domain.ModelBundle
	err   error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{slots: make(map[string]*domain.ModelBundle)}
}

func (r *memRegistry) Put(_ context.Context, _ string, key string, b *domain.ModelBundle) error {
	r.slots[key] = b
	return nil
}

func (r *memRegistry) Get(_ context.Context, _ string, key string) (*domain.ModelBundle, error) {
	if r.err != nil {
		return nil, r.err
	}
	b, ok := r.slots[key]
	if !ok {
		return nil, domain.ErrBundleNotFound
	}
	return b, nil
}

func (r *memRegistry) Promote(_ context.Context, _ string, b *domain.ModelBundle) error {
	r.slots[domain.SlotProduction] = b
	return nil
}

func (r *memRegistry) Ping(context.Context) error { return nil }
func (r *memRegistry) Close() error               { return nil }

func testBundle(t *testing.T, version int64) *domain.ModelBundle {
	t.Helper()
	now := time.Now()

	bundle := &domain.ModelBundle{
		Version: version,
		Orders:  []int{2},
		Metadata: domain.BundleMetadata{
			CreatedAt: now,
		},
	}

	legit := ngram.New(2, 0.01)
	fraud := ngram.New(2, 0.01)
	for _, s := range []string{"alice.smith", "bob.jones"} {
		if err := legit.Add(s, 1); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	for _, s := range []string{"xq7zw9", "zz99xx"} {
		if err := fraud.Add(s, 1); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	legitArt, err := legit.ToArtifact(version, domain.ClassLegit, now)
	if err != nil {
		t.Fatalf("ToArtifact failed: %v", err)
	}
	fraudArt, err := fraud.ToArtifact(version, domain.ClassFraud, now)
	if err != nil {
		t.Fatalf("ToArtifact failed: %v", err)
	}
	bundle.Artifacts = []domain.ModelArtifact{legitArt, fraudArt}
	return bundle
}

func TestVerifyBundle(t *testing.T) {
	t.Run("ValidBundle", func(t *testing.T) {
		if err := VerifyBundle(testBundle(t, 1)); err != nil {
			t.Errorf("expected valid bundle, got: %v", err)
		}
	})

	t.Run("NilBundle", func(t *testing.T) {
		if err := VerifyBundle(nil); err == nil {
			t.Error("expected error for nil bundle")
		}
	})

	t.Run("InvalidVersion", func(t *testing.T) {
		b := testBundle(t, 1)
		b.Version = 0
		if err := VerifyBundle(b); err == nil {
			t.Error("expected error for version 0")
		}
	})

	t.Run("NoOrders", func(t *testing.T) {
		b := testBundle(t, 1)
		b.Orders = nil
		if err := VerifyBundle(b); err == nil {
			t.Error("expected error for bundle without orders")
		}
	})

	t.Run("MissingClassArtifact", func(t *testing.T) {
		b := testBundle(t, 1)
		b.Artifacts = b.Artifacts[:1]
		if err := VerifyBundle(b); err == nil {
			t.Error("expected error for missing fraud artifact")
		}
	})

	t.Run("TamperedTransitions", func(t *testing.T) {
		b := testBundle(t, 1)
		for ctx := range b.Artifacts[0].Transitions {
			for ch := range b.Artifacts[0].Transitions[ctx] {
				b.Artifacts[0].Transitions[ctx][ch] += 5
				break
			}
			break
		}
		if err := VerifyBundle(b); err == nil {
			t.Error("expected checksum failure for tampered transitions")
		}
	})

	t.Run("VocabularySizeMismatch", func(t *testing.T) {
		b := testBundle(t, 1)
		b.Artifacts[0].VocabularySize++
		if err := VerifyBundle(b); err == nil {
			t.Error("expected error for vocabulary size mismatch")
		}
	})

	t.Run("ImplausibleVocabulary", func(t *testing.T) {
		b := testBundle(t, 1)
		b.Artifacts[0].VocabularySize = maxVocabularySize + 1
		if err := VerifyBundle(b); err == nil {
			t.Error("expected error for oversized vocabulary")
		}
	})
}

func TestLoadUsable(t *testing.T) {
	ctx := context.Background()

	t.Run("ProductionFirst", func(t *testing.T) {
		reg := newMemRegistry()
		reg.slots[domain.SlotProduction] = testBundle(t, 3)
		reg.slots[domain.SlotBackup1] = testBundle(t, 2)

		bundle, slot, err := LoadUsable(ctx, reg, "tenant-001", nil)
		if err != nil {
			t.Fatalf("LoadUsable failed: %v", err)
		}
		if slot != domain.SlotProduction {
			t.Errorf("expected production slot, got %s", slot)
		}
		if bundle.Version != 3 {
			t.Errorf("expected version 3, got %d", bundle.Version)
		}
	})

	t.Run("FallsBackPastCorruption", func(t *testing.T) {
		corrupt := testBundle(t, 3)
		corrupt.Artifacts[0].Checksum = "0000"

		reg := newMemRegistry()
		reg.slots[domain.SlotProduction] = corrupt
		reg.slots[domain.SlotBackup1] = testBundle(t, 2)

		bundle, slot, err := LoadUsable(ctx, reg, "tenant-001", nil)
		if err != nil {
			t.Fatalf("LoadUsable failed: %v", err)
		}
		if slot != domain.SlotBackup1 {
			t.Errorf("expected backup-1, got %s", slot)
		}
		if bundle.Version != 2 {
			t.Errorf("expected version 2, got %d", bundle.Version)
		}
	})

	t.Run("SkipsEmptySlots", func(t *testing.T) {
		reg := newMemRegistry()
		reg.slots[domain.SlotBackup3] = testBundle(t, 1)

		_, slot, err := LoadUsable(ctx, reg, "tenant-001", nil)
		if err != nil {
			t.Fatalf("LoadUsable failed: %v", err)
		}
		if slot != domain.SlotBackup3 {
			t.Errorf("expected backup-3, got %s", slot)
		}
	})

	t.Run("AllSlotsExhausted", func(t *testing.T) {
		corrupt := testBundle(t, 1)
		corrupt.Orders = nil

		reg := newMemRegistry()
		reg.slots[domain.SlotProduction] = corrupt

		_, _, err := LoadUsable(ctx, reg, "tenant-001", nil)
		if !errors.Is(err, ErrNoUsableModel) {
			t.Errorf("expected ErrNoUsableModel, got %v", err)
		}
	})

	t.Run("RegistryErrorPropagates", func(t *testing.T) {
		reg := newMemRegistry()
		reg.err = errors.New("connection refused")

		_, _, err := LoadUsable(ctx, reg, "tenant-001", nil)
		if err == nil || errors.Is(err, ErrNoUsableModel) {
			t.Errorf("expected the storage error to propagate, got %v", err)
		}
	})
}
