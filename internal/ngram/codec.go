package ngram

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// totalTolerance bounds the allowed float drift between stored context
// totals and the recomputed sum of their transition counts.
const totalTolerance = 1e-6

// ToArtifact converts the model into its persisted form, computing the
// integrity checksum over the canonical serialization. The artifact
// round-trips exactly through FromArtifact.
func (m *Model) ToArtifact(version int64, class string, createdAt time.Time) (domain.ModelArtifact, error) {
	vocab := make([]string, 0, len(m.vocabulary))
	for ch := range m.vocabulary {
		vocab = append(vocab, ch)
	}
	sort.Strings(vocab)

	transitions := make(map[string]map[string]float64, len(m.transitions))
	for ctx, next := range m.transitions {
		copied := make(map[string]float64, len(next))
		for ch, count := range next {
			copied[ch] = count
		}
		transitions[ctx] = copied
	}
	totals := make(map[string]float64, len(m.contextTotals))
	for ctx, total := range m.contextTotals {
		totals[ctx] = total
	}

	artifact := domain.ModelArtifact{
		Version:             version,
		Class:               class,
		Order:               m.order,
		Transitions:         transitions,
		ContextTotals:       totals,
		VocabularySize:      len(vocab),
		Vocabulary:          vocab,
		SmoothingEpsilon:    m.epsilon,
		TrainingSampleCount: m.sampleCount,
		CreatedAt:           createdAt.UTC(),
	}

	sum, err := Checksum(artifact)
	if err != nil {
		return domain.ModelArtifact{}, err
	}
	artifact.Checksum = sum
	return artifact, nil
}

// FromArtifact rebuilds a frozen serving model from its persisted form.
// The context-total invariant (total == sum of transition counts) is
// enforced here; a violated invariant means the artifact was corrupted or
// hand-edited and the caller should fall back to a backup.
func FromArtifact(a domain.ModelArtifact) (*Model, error) {
	if a.Order < 1 {
		return nil, fmt.Errorf("invalid order %d", a.Order)
	}
	if len(a.Transitions) == 0 {
		return nil, fmt.Errorf("artifact has no transitions")
	}

	m := New(a.Order, a.SmoothingEpsilon)
	m.sampleCount = a.TrainingSampleCount

	for ctx, next := range a.Transitions {
		copied := make(map[string]float64, len(next))
		var sum float64
		for ch, count := range next {
			if count < 0 {
				return nil, fmt.Errorf("negative count for context %q", ctx)
			}
			copied[ch] = count
			sum += count
			m.vocabulary[ch] = struct{}{}
		}
		m.transitions[ctx] = copied
		m.contextTotals[ctx] = sum

		if stored, ok := a.ContextTotals[ctx]; ok {
			if math.Abs(stored-sum) > totalTolerance {
				return nil, fmt.Errorf("context total mismatch for %q: stored %v, computed %v", ctx, stored, sum)
			}
		}
	}

	for _, ch := range a.Vocabulary {
		m.vocabulary[ch] = struct{}{}
	}

	m.Freeze()
	return m, nil
}

// Checksum computes the SHA-256 of the artifact's canonical serialization,
// with the Checksum field cleared. encoding/json sorts map keys, which makes
// the marshaled bytes canonical.
func Checksum(a domain.ModelArtifact) (string, error) {
	a.Checksum = ""
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to serialize artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the artifact checksum and compares it to the
// stored value.
func VerifyChecksum(a domain.ModelArtifact) error {
	if a.Checksum == "" {
		return fmt.Errorf("artifact has no checksum")
	}
	sum, err := Checksum(a)
	if err != nil {
		return err
	}
	if sum != a.Checksum {
		return fmt.Errorf("checksum mismatch: stored %s, computed %s", a.Checksum, sum)
	}
	return nil
}
