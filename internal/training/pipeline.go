// Package training implements the guarded model training pipeline: filter,
// anomaly gate, train or merge, holdout validation, and atomic promotion.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/ngram"
)

// Terminal pipeline failures, one per rejection gate.
var (
	ErrTrainingLocked   = errors.New("another training run holds the lock")
	ErrInsufficientData = errors.New("not enough samples per class")
	ErrAnomalyDetected  = errors.New("training batch failed the anomaly gate")
	ErrValidationFailed = errors.New("candidate models failed holdout validation")
)

// lockKey names the single-writer training lock in the cache.
const lockKey = "training-lock"

// Pipeline runs guarded training runs. Every run, accepted or rejected, is
// persisted so the anomaly guard has a rolling history to compare against.
type Pipeline struct {
	cfg      domain.TrainingConfig
	scoring  domain.ScoringConfig
	guard    *integrity.Guard
	repo     domain.Repository
	registry domain.ModelRegistry
	cache    domain.Cache
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewPipeline wires a pipeline. bus may be nil; promotion events are then
// skipped.
func NewPipeline(
	cfg domain.TrainingConfig,
	scoring domain.ScoringConfig,
	guard *integrity.Guard,
	repo domain.Repository,
	registry domain.ModelRegistry,
	cache domain.Cache,
	bus domain.EventBus,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		scoring:  scoring,
		guard:    guard,
		repo:     repo,
		registry: registry,
		cache:    cache,
		bus:      bus,
		logger:   logger,
	}
}

// Train executes one guarded run. mode is TrainingModeFull or
// TrainingModeIncremental; incremental falls back to full when no production
// bundle exists yet. The returned run is also persisted, whatever its status.
func (p *Pipeline) Train(ctx context.Context, tenantID string, samples []domain.TrainingSample, mode string) (*domain.TrainingRun, error) {
	acquired, err := p.cache.AcquireLock(ctx, tenantID, lockKey, time.Duration(p.cfg.LockTTL)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire training lock: %w", err)
	}
	if !acquired {
		return nil, ErrTrainingLocked
	}
	defer func() {
		if err := p.cache.ReleaseLock(ctx, tenantID, lockKey); err != nil {
			p.logger.Warn("failed to release training lock", "tenant_id", tenantID, "error", err)
		}
	}()

	run := &domain.TrainingRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		StartedAt: time.Now().UTC(),
	}

	filtered := p.filter(samples)
	legit, fraud := splitByClass(filtered)
	run.LegitCount = len(legit)
	run.FraudCount = len(fraud)

	if len(legit) < p.cfg.MinSamplesPerClass || len(fraud) < p.cfg.MinSamplesPerClass {
		return p.finish(ctx, run, domain.RunStatusInsufficientData, ErrInsufficientData)
	}

	history, err := p.repo.GetTrainingHistory(ctx, tenantID)
	if err != nil {
		return p.finish(ctx, run, domain.RunStatusError, fmt.Errorf("failed to load training history: %w", err))
	}

	report := p.guard.CheckAnomaly(filtered, history)
	run.AnomalyReport = &report
	if !report.Safe {
		p.logger.Warn("training batch rejected by anomaly gate",
			"tenant_id", tenantID,
			"run_id", run.ID,
			"anomaly_score", report.Score)
		return p.finish(ctx, run, domain.RunStatusAnomalyDetected, ErrAnomalyDetected)
	}

	legitTrain, legitHold := holdoutSplit(legit, p.cfg.HoldoutFraction)
	fraudTrain, fraudHold := holdoutSplit(fraud, p.cfg.HoldoutFraction)
	holdout := append(append([]domain.TrainingSample{}, legitHold...), fraudHold...)

	base, version, err := p.baseBundle(ctx, tenantID, mode)
	if err != nil {
		return p.finish(ctx, run, domain.RunStatusError, err)
	}
	if base == nil {
		mode = domain.TrainingModeFull
	}

	pairs, err := p.buildPairs(base, legitTrain, fraudTrain, mode)
	if err != nil {
		return p.finish(ctx, run, domain.RunStatusError, err)
	}

	scorer, err := ensemble.New(pairs)
	if err != nil {
		return p.finish(ctx, run, domain.RunStatusError, fmt.Errorf("failed to build candidate scorer: %w", err))
	}

	metrics := Validate(scorer, holdout)
	run.Metrics = &metrics
	if !meetsBounds(metrics, p.cfg) {
		p.logger.Warn("candidate models failed holdout validation",
			"tenant_id", tenantID,
			"run_id", run.ID,
			"accuracy", metrics.Accuracy,
			"precision", metrics.Precision,
			"recall", metrics.Recall,
			"false_positive_rate", metrics.FalsePositiveRate)
		p.publish(ctx, tenantID, domain.TopicModelRejected, run)
		return p.finish(ctx, run, domain.RunStatusValidationFailed, ErrValidationFailed)
	}

	bundle, err := p.buildBundle(pairs, version, tenantID, run, mode, len(legitTrain), len(fraudTrain), &metrics)
	if err != nil {
		return p.finish(ctx, run, domain.RunStatusError, err)
	}

	if err := p.registry.Promote(ctx, tenantID, bundle); err != nil {
		return p.finish(ctx, run, domain.RunStatusError, fmt.Errorf("failed to promote bundle: %w", err))
	}
	run.BundleVersion = bundle.Version

	p.logger.Info("model bundle promoted",
		"tenant_id", tenantID,
		"run_id", run.ID,
		"version", bundle.Version,
		"mode", mode,
		"accuracy", metrics.Accuracy)
	p.publish(ctx, tenantID, domain.TopicModelPromoted, run)

	return p.finish(ctx, run, domain.RunStatusPromoted, nil)
}

// filter normalizes sample text, applies the high-confidence filter, and
// deduplicates: fraud labels need ConfidenceWeight at or above the fraud
// bound, legit labels at or below the legit bound, and everything in between
// is discarded as too ambiguous to learn from. Repeats of a local-part that
// already passed keep only the first occurrence, so a flooded batch cannot
// weight one address by volume.
func (p *Pipeline) filter(samples []domain.TrainingSample) []domain.TrainingSample {
	out := make([]domain.TrainingSample, 0, len(samples))
	seen := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		if s.SourceExclude {
			continue
		}
		text, ok := NormalizeLocalPart(s.Text)
		if !ok {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		switch s.Label {
		case domain.ClassFraud:
			if s.ConfidenceWeight < p.cfg.FraudConfidenceMin {
				continue
			}
		case domain.ClassLegit:
			if s.ConfidenceWeight > p.cfg.LegitConfidenceMax {
				continue
			}
		default:
			continue
		}
		s.Text = text
		seen[text] = struct{}{}
		out = append(out, s)
	}
	return out
}

// baseBundle loads the production bundle for incremental mode. A missing
// production slot is not an error; it downgrades the run to full training.
func (p *Pipeline) baseBundle(ctx context.Context, tenantID, mode string) (*domain.ModelBundle, int64, error) {
	bundle, err := p.registry.Get(ctx, tenantID, domain.SlotProduction)
	if errors.Is(err, domain.ErrBundleNotFound) {
		return nil, 1, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load production bundle: %w", err)
	}
	if err := integrity.VerifyBundle(bundle); err != nil {
		p.logger.Warn("production bundle failed integrity check, training from scratch",
			"tenant_id", tenantID, "error", err)
		return nil, bundle.Version + 1, nil
	}
	if mode != domain.TrainingModeIncremental {
		return nil, bundle.Version + 1, nil
	}
	return bundle, bundle.Version + 1, nil
}

// buildPairs trains the per-order class models, merging into the base
// bundle's models when running incrementally.
func (p *Pipeline) buildPairs(base *domain.ModelBundle, legit, fraud []domain.TrainingSample, mode string) ([]ensemble.Pair, error) {
	pairs := make([]ensemble.Pair, 0, len(p.scoring.Orders))
	for _, order := range p.scoring.Orders {
		legitModel, err := p.trainClass(order, legit, domain.ClassLegit)
		if err != nil {
			return nil, err
		}
		fraudModel, err := p.trainClass(order, fraud, domain.ClassFraud)
		if err != nil {
			return nil, err
		}

		if mode == domain.TrainingModeIncremental && base != nil {
			legitModel, err = p.merge(base, domain.ClassLegit, order, legitModel)
			if err != nil {
				return nil, err
			}
			fraudModel, err = p.merge(base, domain.ClassFraud, order, fraudModel)
			if err != nil {
				return nil, err
			}
		}

		pairs = append(pairs, ensemble.Pair{Order: order, Legit: legitModel, Fraud: fraudModel})
	}
	return pairs, nil
}

// trainClass accumulates one class model. Fraud samples contribute their
// confidence weight directly; legit samples contribute the complement, so
// the most certainly legit samples (lowest fraud confidence) weigh most.
func (p *Pipeline) trainClass(order int, samples []domain.TrainingSample, class string) (*ngram.Model, error) {
	m := ngram.New(order, p.scoring.SmoothingEpsilon)
	for _, s := range samples {
		weight := s.ConfidenceWeight
		if class == domain.ClassLegit {
			weight = 1 - s.ConfidenceWeight
		}
		if err := m.Add(s.Text, weight); err != nil {
			return nil, fmt.Errorf("failed to train %s order-%d model: %w", class, order, err)
		}
	}
	return m, nil
}

func (p *Pipeline) merge(base *domain.ModelBundle, class string, order int, observed *ngram.Model) (*ngram.Model, error) {
	art := base.Artifact(class, order)
	if art == nil {
		// The production bundle predates this order; nothing to merge into.
		return observed, nil
	}
	baseModel, err := ngram.FromArtifact(*art)
	if err != nil {
		return nil, fmt.Errorf("failed to load base %s order-%d model: %w", class, order, err)
	}
	merged, err := ngram.MergeEMA(baseModel, observed, p.cfg.EMARate)
	if err != nil {
		return nil, fmt.Errorf("failed to merge %s order-%d model: %w", class, order, err)
	}
	return merged, nil
}

func (p *Pipeline) buildBundle(
	pairs []ensemble.Pair,
	version int64,
	tenantID string,
	run *domain.TrainingRun,
	mode string,
	legitCount, fraudCount int,
	metrics *domain.ValidationMetrics,
) (*domain.ModelBundle, error) {
	now := time.Now().UTC()
	bundle := &domain.ModelBundle{
		Version:  version,
		TenantID: tenantID,
		Orders:   make([]int, 0, len(pairs)),
		Metadata: domain.BundleMetadata{
			CreatedAt:         now,
			RunID:             run.ID,
			LegitSampleCount:  legitCount,
			FraudSampleCount:  fraudCount,
			TrainingMode:      mode,
			ValidationMetrics: metrics,
		},
	}

	for _, pair := range pairs {
		bundle.Orders = append(bundle.Orders, pair.Order)

		legitArt, err := pair.Legit.ToArtifact(version, domain.ClassLegit, now)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize legit order-%d model: %w", pair.Order, err)
		}
		fraudArt, err := pair.Fraud.ToArtifact(version, domain.ClassFraud, now)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize fraud order-%d model: %w", pair.Order, err)
		}
		bundle.Artifacts = append(bundle.Artifacts, legitArt, fraudArt)
	}
	return bundle, nil
}

// finish persists the run record and returns it along with the gate error.
func (p *Pipeline) finish(ctx context.Context, run *domain.TrainingRun, status string, cause error) (*domain.TrainingRun, error) {
	run.Status = status
	run.FinishedAt = time.Now().UTC()
	if err := p.repo.SaveTrainingRun(ctx, run.TenantID, run); err != nil {
		p.logger.Error("failed to persist training run",
			"tenant_id", run.TenantID,
			"run_id", run.ID,
			"error", err)
	}
	return run, cause
}

func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, run *domain.TrainingRun) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishRun(ctx, p.bus, tenantID, topic, run); err != nil {
		p.logger.Warn("failed to publish training event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err)
	}
}

func splitByClass(samples []domain.TrainingSample) (legit, fraud []domain.TrainingSample) {
	for _, s := range samples {
		if s.Label == domain.ClassFraud {
			fraud = append(fraud, s)
		} else {
			legit = append(legit, s)
		}
	}
	return legit, fraud
}

// holdoutSplit reserves roughly the given fraction by stride. Deterministic
// so a run can be reproduced from its input batch.
func holdoutSplit(samples []domain.TrainingSample, fraction float64) (train, hold []domain.TrainingSample) {
	if fraction <= 0 || fraction >= 1 || len(samples) < 2 {
		return samples, nil
	}
	stride := int(1 / fraction)
	if stride < 2 {
		stride = 2
	}
	for i, s := range samples {
		if i%stride == 0 {
			hold = append(hold, s)
		} else {
			train = append(train, s)
		}
	}
	return train, hold
}
