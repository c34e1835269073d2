package training

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
)

// Validate scores a labeled holdout set with a candidate scorer and returns
// the classification metrics. Fraud is the positive class.
func Validate(scorer *ensemble.Scorer, holdout []domain.TrainingSample) domain.ValidationMetrics {
	var tp, fp, tn, fn int
	for _, s := range holdout {
		predicted := scorer.Score(s.Text).Prediction
		switch {
		case s.Label == domain.ClassFraud && predicted == domain.ClassFraud:
			tp++
		case s.Label == domain.ClassFraud && predicted == domain.ClassLegit:
			fn++
		case s.Label == domain.ClassLegit && predicted == domain.ClassFraud:
			fp++
		default:
			tn++
		}
	}

	m := domain.ValidationMetrics{SampleCount: len(holdout)}
	if total := tp + fp + tn + fn; total > 0 {
		m.Accuracy = float64(tp+tn) / float64(total)
	}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if fp+tn > 0 {
		m.FalsePositiveRate = float64(fp) / float64(fp+tn)
	}
	return m
}

// meetsBounds checks the metrics against the configured acceptance bounds.
func meetsBounds(m domain.ValidationMetrics, cfg domain.TrainingConfig) bool {
	return m.Accuracy >= cfg.MinAccuracy &&
		m.Precision >= cfg.MinPrecision &&
		m.Recall >= cfg.MinRecall &&
		m.FalsePositiveRate <= cfg.MaxFalsePositiveRate
}
