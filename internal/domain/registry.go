package domain

import (
	"context"
	"errors"
)

// Registry slot keys. Promotion shifts each backup down one slot and copies
// the previous production bundle into backup slot 1 before the production
// write, so the newest rollback target is never lost mid-rotation.
const (
	SlotProduction = "production"
	SlotBackup1    = "backup-1"
	SlotBackup2    = "backup-2"
	SlotBackup3    = "backup-3"

	MaxBackupSlots = 3
)

// BackupSlots returns the backup slot keys in fallback order, newest first.
func BackupSlots() []string {
	return []string{SlotBackup1, SlotBackup2, SlotBackup3}
}

// ErrBundleNotFound is returned when a registry slot is empty.
var ErrBundleNotFound = errors.New("model bundle not found")

// ModelRegistry is the narrow external-storage contract for versioned model
// artifacts. The backing store is an implementation detail.
type ModelRegistry interface {
	// Put stores a bundle under an explicit slot key.
	Put(ctx context.Context, tenantID string, key string, bundle *ModelBundle) error

	// Get retrieves the bundle at a slot key, or ErrBundleNotFound.
	Get(ctx context.Context, tenantID string, key string) (*ModelBundle, error)

	// Promote rotates the backup slots and installs the bundle as
	// production. The whole operation is atomic: a failed promote leaves
	// every slot exactly as it was.
	Promote(ctx context.Context, tenantID string, bundle *ModelBundle) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
