package domain

import "time"

// ModelArtifact is the persisted, JSON-serializable form of one character
// transition model. It must round-trip exactly: the checksum is computed over
// the canonical serialization with the Checksum field empty.
type ModelArtifact struct {
	Version             int64                         `json:"version"`
	Class               string                        `json:"class"` // "legit" or "fraud"
	Order               int                           `json:"order"`
	Transitions         map[string]map[string]float64 `json:"transitions"`
	ContextTotals       map[string]float64            `json:"contextTotals"`
	VocabularySize      int                           `json:"vocabularySize"`
	Vocabulary          []string                      `json:"vocabulary"`
	SmoothingEpsilon    float64                       `json:"smoothingEpsilon"`
	TrainingSampleCount int                           `json:"trainingSampleCount"`
	Checksum            string                        `json:"checksum"`
	CreatedAt           time.Time                     `json:"createdAt"`
}

// ModelBundle packages the paired class models at every configured order,
// plus training metadata. Bundles are immutable once promoted; promotion
// retires the previous production bundle into backup slot 1.
type ModelBundle struct {
	Version   int64           `json:"version"`
	TenantID  string          `json:"tenantId,omitempty"`
	Orders    []int           `json:"orders"`
	Artifacts []ModelArtifact `json:"artifacts"`
	Metadata  BundleMetadata  `json:"metadata"`
}

// BundleMetadata records how a bundle was produced.
type BundleMetadata struct {
	CreatedAt         time.Time          `json:"createdAt"`
	RunID             string             `json:"runId,omitempty"`
	LegitSampleCount  int                `json:"legitSampleCount"`
	FraudSampleCount  int                `json:"fraudSampleCount"`
	TrainingMode      string             `json:"trainingMode"` // "full" or "incremental"
	ValidationMetrics *ValidationMetrics `json:"validationMetrics,omitempty"`
}

// Artifact returns the artifact for a class at an order, or nil.
func (b *ModelBundle) Artifact(class string, order int) *ModelArtifact {
	for i := range b.Artifacts {
		if b.Artifacts[i].Class == class && b.Artifacts[i].Order == order {
			return &b.Artifacts[i]
		}
	}
	return nil
}

// ValidationMetrics summarize held-out performance of a candidate bundle.
type ValidationMetrics struct {
	Accuracy          float64 `json:"accuracy"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
	SampleCount       int     `json:"sampleCount"`
}

// Training modes.
const (
	TrainingModeFull        = "full"
	TrainingModeIncremental = "incremental"
)
