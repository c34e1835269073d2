package domain

import "time"

// TrainingSample is one labeled observation. Samples are ephemeral: they
// exist only for the duration of a training run and are never persisted.
type TrainingSample struct {
	Text             string    `json:"text"`
	Label            string    `json:"label"` // "legit" or "fraud"
	ConfidenceWeight float64   `json:"confidenceWeight"`
	SourceExclude    bool      `json:"sourceExclude,omitempty"`
	SourceID         string    `json:"sourceId,omitempty"`
	SubmittedAt      time.Time `json:"submittedAt,omitempty"`
}

// AnomalyReport is the result of the pre-training anomaly gate. Each
// component score is independently computed so each heuristic and the
// aggregate threshold can be tested on its own.
type AnomalyReport struct {
	VolumeSpike       float64 `json:"volumeSpike"`
	PatternDiversity  float64 `json:"patternDiversity"`
	DistributionShift float64 `json:"distributionShift"`
	EntropyDeficit    float64 `json:"entropyDeficit"`
	IPConcentration   float64 `json:"ipConcentration"`
	TimingRegularity  float64 `json:"timingRegularity"`

	Score float64 `json:"score"` // aggregate, clamped to [0,1]
	Safe  bool    `json:"safe"`
}

// Training run statuses.
const (
	RunStatusPromoted         = "promoted"
	RunStatusInsufficientData = "insufficient_data"
	RunStatusAnomalyDetected  = "anomaly_detected"
	RunStatusValidationFailed = "validation_failed"
	RunStatusError            = "error"
)

// TrainingRun is the persisted record of one training attempt. The rolling
// history of runs is what the anomaly guard's volume and distribution
// components compare new batches against.
type TrainingRun struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Status     string    `json:"status"`

	LegitCount int `json:"legitCount"`
	FraudCount int `json:"fraudCount"`

	AnomalyReport *AnomalyReport     `json:"anomalyReport,omitempty"`
	Metrics       *ValidationMetrics `json:"metrics,omitempty"`

	BundleVersion int64 `json:"bundleVersion,omitempty"`
}

// TrainingHistory summarizes past runs for the anomaly guard.
type TrainingHistory struct {
	// AverageSampleCount is the rolling mean of accepted batch sizes.
	AverageSampleCount float64 `json:"averageSampleCount"`

	// ExpectedLegitRatio is the historical share of legit-labeled samples.
	ExpectedLegitRatio float64 `json:"expectedLegitRatio"`

	// RunCount is how many runs the averages cover. Zero disables the
	// volume and distribution components (nothing to compare against).
	RunCount int `json:"runCount"`
}
