package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRegistry(t *testing.T) domain.ModelRegistry {
	t.Helper()

	f, err := os.CreateTemp("", "kestrel-registry-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	reg, err := NewRegistry(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: f.Name(),
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	return reg
}

func bundleV(version int64) *domain.ModelBundle {
	return &domain.ModelBundle{
		Version:  version,
		TenantID: "tenant-001",
		Orders:   []int{2, 3},
	}
}

func TestRegistryPutGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		if err := reg.Put(ctx, "tenant-001", domain.SlotProduction, bundleV(3)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := reg.Get(ctx, "tenant-001", domain.SlotProduction)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 3 {
			t.Errorf("expected version 3, got %d", got.Version)
		}
		if len(got.Orders) != 2 || got.Orders[0] != 2 || got.Orders[1] != 3 {
			t.Errorf("orders did not survive round trip: %v", got.Orders)
		}
	})

	t.Run("PutOverwritesSlot", func(t *testing.T) {
		if err := reg.Put(ctx, "tenant-001", domain.SlotProduction, bundleV(4)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := reg.Get(ctx, "tenant-001", domain.SlotProduction)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 4 {
			t.Errorf("expected version 4 after overwrite, got %d", got.Version)
		}
	})

	t.Run("EmptySlot", func(t *testing.T) {
		_, err := reg.Get(ctx, "tenant-001", domain.SlotBackup3)
		if !errors.Is(err, domain.ErrBundleNotFound) {
			t.Errorf("expected ErrBundleNotFound, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := reg.Get(ctx, "tenant-002", domain.SlotProduction)
		if !errors.Is(err, domain.ErrBundleNotFound) {
			t.Errorf("expected ErrBundleNotFound for other tenant, got %v", err)
		}
	})

	t.Run("NilBundleRejected", func(t *testing.T) {
		if err := reg.Put(ctx, "tenant-001", domain.SlotProduction, nil); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRegistryPromote(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	slotVersion := func(t *testing.T, slot string) int64 {
		t.Helper()
		b, err := reg.Get(ctx, "tenant-001", slot)
		if errors.Is(err, domain.ErrBundleNotFound) {
			return 0
		}
		if err != nil {
			t.Fatalf("Get %s failed: %v", slot, err)
		}
		return b.Version
	}

	t.Run("FirstPromote", func(t *testing.T) {
		if err := reg.Promote(ctx, "tenant-001", bundleV(1)); err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		if v := slotVersion(t, domain.SlotProduction); v != 1 {
			t.Errorf("expected production v1, got v%d", v)
		}
		if v := slotVersion(t, domain.SlotBackup1); v != 0 {
			t.Errorf("expected empty backup-1, got v%d", v)
		}
	})

	t.Run("RotationShiftsBackups", func(t *testing.T) {
		for v := int64(2); v <= 4; v++ {
			if err := reg.Promote(ctx, "tenant-001", bundleV(v)); err != nil {
				t.Fatalf("Promote v%d failed: %v", v, err)
			}
		}

		want := map[string]int64{
			domain.SlotProduction: 4,
			domain.SlotBackup1:    3,
			domain.SlotBackup2:    2,
			domain.SlotBackup3:    1,
		}
		for slot, v := range want {
			if got := slotVersion(t, slot); got != v {
				t.Errorf("slot %s: expected v%d, got v%d", slot, v, got)
			}
		}
	})

	t.Run("OldestFallsOff", func(t *testing.T) {
		if err := reg.Promote(ctx, "tenant-001", bundleV(5)); err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		if v := slotVersion(t, domain.SlotBackup3); v != 2 {
			t.Errorf("expected backup-3 v2 after v1 fell off, got v%d", v)
		}
	})
}

func TestRotateSlots(t *testing.T) {
	t.Run("NoProductionKeepsBackups", func(t *testing.T) {
		current := map[string]*domain.ModelBundle{
			domain.SlotBackup1: bundleV(7),
			domain.SlotBackup2: bundleV(6),
		}

		next := RotateSlots(current, bundleV(9))
		if next[domain.SlotProduction].Version != 9 {
			t.Errorf("expected production v9, got %+v", next[domain.SlotProduction])
		}
		if next[domain.SlotBackup1].Version != 7 || next[domain.SlotBackup2].Version != 6 {
			t.Error("expected backups untouched when no production existed")
		}
		if _, ok := next[domain.SlotBackup3]; ok {
			t.Error("expected backup-3 to stay empty")
		}
	})

	t.Run("FullRotation", func(t *testing.T) {
		current := map[string]*domain.ModelBundle{
			domain.SlotProduction: bundleV(4),
			domain.SlotBackup1:    bundleV(3),
			domain.SlotBackup2:    bundleV(2),
			domain.SlotBackup3:    bundleV(1),
		}

		next := RotateSlots(current, bundleV(5))
		want := map[string]int64{
			domain.SlotProduction: 5,
			domain.SlotBackup1:    4,
			domain.SlotBackup2:    3,
			domain.SlotBackup3:    2,
		}
		for slot, v := range want {
			if next[slot] == nil || next[slot].Version != v {
				t.Errorf("slot %s: expected v%d, got %+v", slot, v, next[slot])
			}
		}
	})

	t.Run("EmptyRegistry", func(t *testing.T) {
		next := RotateSlots(nil, bundleV(1))
		if len(next) != 1 || next[domain.SlotProduction].Version != 1 {
			t.Errorf("expected only production slot, got %+v", next)
		}
	})
}
