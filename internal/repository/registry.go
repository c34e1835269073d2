package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRegistry implements domain.ModelRegistry on the same database/sql
// backends as the repository. Bundles are stored as JSON payloads, one row
// per slot.
type SQLRegistry struct {
	db     *sql.DB
	driver string
}

// NewRegistry creates a registry and runs the bundle schema migration.
func NewRegistry(cfg domain.RepositoryConfig) (domain.ModelRegistry, error) {
	db, driver, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaModelBundles); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLRegistry{db: db, driver: driver}, nil
}

// Put stores a bundle under an explicit slot key.
func (r *SQLRegistry) Put(ctx context.Context, tenantID string, key string, bundle *domain.ModelBundle) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if bundle == nil {
		return fmt.Errorf("%w: bundle is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to serialize bundle: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.rebind(upsertBundleQuery),
		tenantID, key, bundle.Version, string(payload), time.Now().UTC())
	return err
}

// Get retrieves the bundle at a slot key, or domain.ErrBundleNotFound.
func (r *SQLRegistry) Get(ctx context.Context, tenantID string, key string) (*domain.ModelBundle, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT payload
		FROM model_bundles
		WHERE tenant_id = ? AND slot = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}

	var bundle domain.ModelBundle
	if err := json.Unmarshal([]byte(payload), &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle in slot %s: %w", key, err)
	}
	return &bundle, nil
}

// Promote rotates the backup slots and installs the bundle as production,
// all inside one transaction. A failure at any point rolls every slot back.
func (r *SQLRegistry) Promote(ctx context.Context, tenantID string, bundle *domain.ModelBundle) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if bundle == nil {
		return fmt.Errorf("%w: bundle is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin promote transaction: %w", err)
	}
	defer tx.Rollback()

	current := make(map[string]*domain.ModelBundle)
	for _, slot := range append([]string{domain.SlotProduction}, domain.BackupSlots()...) {
		b, err := r.getTx(ctx, tx, tenantID, slot)
		if errors.Is(err, domain.ErrBundleNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		current[slot] = b
	}

	now := time.Now().UTC()
	for slot, b := range RotateSlots(current, bundle) {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to serialize bundle for slot %s: %w", slot, err)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(upsertBundleQuery),
			tenantID, slot, b.Version, string(payload), now); err != nil {
			return fmt.Errorf("failed to write slot %s: %w", slot, err)
		}
	}

	return tx.Commit()
}

// RotateSlots computes the registry end state after promoting incoming:
// production retires to backup 1, each backup shifts down one slot, and the
// oldest backup falls off. When no production bundle exists yet the backups
// stay where they are. Pure function over the current slot map.
func RotateSlots(current map[string]*domain.ModelBundle, incoming *domain.ModelBundle) map[string]*domain.ModelBundle {
	next := map[string]*domain.ModelBundle{
		domain.SlotProduction: incoming,
	}

	backups := domain.BackupSlots()
	prod, hadProduction := current[domain.SlotProduction]
	for i, slot := range backups {
		var b *domain.ModelBundle
		var ok bool
		if hadProduction {
			if i == 0 {
				b, ok = prod, true
			} else {
				b, ok = current[backups[i-1]]
			}
		} else {
			b, ok = current[slot]
		}
		if ok && b != nil {
			next[slot] = b
		}
	}

	return next
}

// Ping checks database connectivity.
func (r *SQLRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

const upsertBundleQuery = `
	INSERT INTO model_bundles (tenant_id, slot, version, payload, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, slot) DO UPDATE SET
		version = excluded.version,
		payload = excluded.payload,
		updated_at = excluded.updated_at
`

func (r *SQLRegistry) getTx(ctx context.Context, tx *sql.Tx, tenantID, slot string) (*domain.ModelBundle, error) {
	query := `
		SELECT payload
		FROM model_bundles
		WHERE tenant_id = ? AND slot = ?
	`

	var payload string
	err := tx.QueryRowContext(ctx, r.rebind(query), tenantID, slot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}

	var bundle domain.ModelBundle
	if err := json.Unmarshal([]byte(payload), &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle in slot %s: %w", slot, err)
	}
	return &bundle, nil
}

func (r *SQLRegistry) rebind(query string) string {
	return rebindFor(r.driver, query)
}
