package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ngram"
)

// ErrNoUsableModel is returned when production and every backup slot failed
// the corruption gate.
var ErrNoUsableModel = errors.New("no usable model bundle in any slot")

// maxVocabularySize bounds a plausible local-part alphabet. A vocabulary
// beyond this is corrupt or adversarial, not organic.
const maxVocabularySize = 4096

// VerifyBundle runs the full corruption gate over a bundle: schema shape,
// artifact completeness per order and class, and checksum recomputation.
// A nil error means every artifact can be loaded for serving.
func VerifyBundle(b *domain.ModelBundle) error {
	if b == nil {
		return fmt.Errorf("bundle is nil")
	}
	if b.Version < 1 {
		return fmt.Errorf("bundle has invalid version %d", b.Version)
	}
	if len(b.Orders) == 0 {
		return fmt.Errorf("bundle v%d declares no orders", b.Version)
	}

	for _, order := range b.Orders {
		for _, class := range []string{domain.ClassLegit, domain.ClassFraud} {
			a := b.Artifact(class, order)
			if a == nil {
				return fmt.Errorf("bundle v%d: missing %s artifact at order %d", b.Version, class, order)
			}
			if err := verifyArtifact(a); err != nil {
				return fmt.Errorf("bundle v%d %s order %d: %w", b.Version, class, order, err)
			}
		}
	}
	return nil
}

func verifyArtifact(a *domain.ModelArtifact) error {
	if a.Order < 1 {
		return fmt.Errorf("invalid order %d", a.Order)
	}
	if len(a.Transitions) == 0 {
		return fmt.Errorf("no transitions")
	}
	if a.VocabularySize <= 0 || a.VocabularySize > maxVocabularySize {
		return fmt.Errorf("implausible vocabulary size %d", a.VocabularySize)
	}
	if a.VocabularySize != len(a.Vocabulary) {
		return fmt.Errorf("vocabulary size %d does not match list length %d", a.VocabularySize, len(a.Vocabulary))
	}
	if err := ngram.VerifyChecksum(*a); err != nil {
		return err
	}
	// The count invariants are enforced by the model loader itself.
	if _, err := ngram.FromArtifact(*a); err != nil {
		return err
	}
	return nil
}

// LoadUsable fetches the first bundle that passes the corruption gate,
// trying production first and then each backup slot newest-first. It returns
// the bundle and the slot it was loaded from. Corrupt slots are logged and
// skipped; only when every slot is empty or corrupt does it fail with
// ErrNoUsableModel.
func LoadUsable(ctx context.Context, registry domain.ModelRegistry, tenantID string, logger *slog.Logger) (*domain.ModelBundle, string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	slots := append([]string{domain.SlotProduction}, domain.BackupSlots()...)
	for _, slot := range slots {
		bundle, err := registry.Get(ctx, tenantID, slot)
		if errors.Is(err, domain.ErrBundleNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read slot %s: %w", slot, err)
		}

		if err := VerifyBundle(bundle); err != nil {
			logger.Warn("model bundle failed integrity check, trying next slot",
				"slot", slot,
				"tenant_id", tenantID,
				"error", err)
			continue
		}

		if slot != domain.SlotProduction {
			logger.Warn("serving from backup model slot",
				"slot", slot,
				"tenant_id", tenantID,
				"version", bundle.Version)
		}
		return bundle, slot, nil
	}

	return nil, "", ErrNoUsableModel
}
