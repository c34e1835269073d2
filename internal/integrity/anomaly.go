// Package integrity defends the model lifecycle: a statistical anomaly
// gate that refuses to train on suspicious batches, and a corruption gate
// that refuses to serve damaged artifacts.
package integrity

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Component contribution weights and trigger thresholds. Each component is
// scored independently so the heuristics stay individually testable.
const (
	volumeSpikeRatio   = 3.0
	volumeSpikeBase    = 0.2
	volumeSpikeExtra   = 0.1
	diversityMin       = 0.3
	diversityScore     = 0.3
	shiftTolerance     = 0.2
	shiftScore         = 0.2
	entropyFloorBits   = 2.0
	entropyScore       = 0.2
	topSources         = 10
	concentrationMax   = 0.3
	concentrationScore = 0.4
	timingMinSamples   = 10
	timingCVMax        = 0.1
	timingScore        = 0.3

	// highConfidenceFraudMin selects the fraud samples whose source
	// concentration is measured.
	highConfidenceFraudMin = 0.7
)

// Guard is the pre-training anomaly detector.
type Guard struct {
	cfg domain.AnomalyConfig
}

// NewGuard creates a guard with the given sensitivity settings.
func NewGuard(cfg domain.AnomalyConfig) *Guard {
	if cfg.SafeThreshold <= 0 {
		cfg.SafeThreshold = 0.5
	}
	if cfg.ExpectedLegitRatio <= 0 {
		cfg.ExpectedLegitRatio = 0.85
	}
	return &Guard{cfg: cfg}
}

// CheckAnomaly scores a candidate training batch against the run history.
// Every component is computed fresh; the report is never cached.
func (g *Guard) CheckAnomaly(samples []domain.TrainingSample, history *domain.TrainingHistory) domain.AnomalyReport {
	report := domain.AnomalyReport{}

	report.VolumeSpike = g.volumeSpike(len(samples), history)
	report.PatternDiversity = g.patternDiversity(samples)
	report.DistributionShift = g.distributionShift(samples, history)
	report.EntropyDeficit = g.entropyDeficit(samples)
	report.IPConcentration = g.ipConcentration(samples)
	report.TimingRegularity = g.timingRegularity(samples)

	sum := report.VolumeSpike + report.PatternDiversity + report.DistributionShift +
		report.EntropyDeficit + report.IPConcentration + report.TimingRegularity
	report.Score = math.Min(sum, 1.0)
	report.Safe = report.Score < g.cfg.SafeThreshold

	return report
}

// volumeSpike compares the batch size to the historical rolling average.
// A 3x batch contributes the base score, growing toward base+extra by 10x.
func (g *Guard) volumeSpike(count int, history *domain.TrainingHistory) float64 {
	if history == nil || history.RunCount == 0 || history.AverageSampleCount <= 0 {
		return 0
	}
	ratio := float64(count) / history.AverageSampleCount
	if ratio < volumeSpikeRatio {
		return 0
	}
	extra := volumeSpikeExtra * math.Min(1, (ratio-volumeSpikeRatio)/7.0)
	return volumeSpikeBase + extra
}

// patternDiversity flags batches flooded with one repeated shape.
func (g *Guard) patternDiversity(samples []domain.TrainingSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		unique[NormalizePattern(s.Text)] = struct{}{}
	}
	if float64(len(unique))/float64(len(samples)) < diversityMin {
		return diversityScore
	}
	return 0
}

// distributionShift flags a class balance far from the historical ratio.
func (g *Guard) distributionShift(samples []domain.TrainingSample, history *domain.TrainingHistory) float64 {
	if len(samples) == 0 {
		return 0
	}
	expected := g.cfg.ExpectedLegitRatio
	if history != nil && history.RunCount > 0 && history.ExpectedLegitRatio > 0 {
		expected = history.ExpectedLegitRatio
	}

	legit := 0
	for _, s := range samples {
		if s.Label == domain.ClassLegit {
			legit++
		}
	}
	actual := float64(legit) / float64(len(samples))
	if math.Abs(actual-expected) > shiftTolerance {
		return shiftScore
	}
	return 0
}

// entropyDeficit flags fraud samples that are too simple to be organic.
func (g *Guard) entropyDeficit(samples []domain.TrainingSample) float64 {
	var sum float64
	n := 0
	for _, s := range samples {
		if s.Label != domain.ClassFraud {
			continue
		}
		sum += ShannonEntropy(s.Text)
		n++
	}
	if n == 0 {
		return 0
	}
	if sum/float64(n) < entropyFloorBits {
		return entropyScore
	}
	return 0
}

// ipConcentration flags high-confidence fraud traffic dominated by a
// handful of source identities.
func (g *Guard) ipConcentration(samples []domain.TrainingSample) float64 {
	counts := make(map[string]int)
	total := 0
	for _, s := range samples {
		if s.Label != domain.ClassFraud || s.ConfidenceWeight < highConfidenceFraudMin || s.SourceID == "" {
			continue
		}
		counts[s.SourceID]++
		total++
	}
	if total == 0 {
		return 0
	}

	sizes := make([]int, 0, len(counts))
	for _, c := range counts {
		sizes = append(sizes, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))

	top := 0
	for i, c := range sizes {
		if i >= topSources {
			break
		}
		top += c
	}
	if float64(top)/float64(total) > concentrationMax {
		return concentrationScore
	}
	return 0
}

// timingRegularity flags machine-cadence submissions: inter-arrival gaps
// with a very low coefficient of variation.
func (g *Guard) timingRegularity(samples []domain.TrainingSample) float64 {
	times := make([]int64, 0, len(samples))
	for _, s := range samples {
		if !s.SubmittedAt.IsZero() {
			times = append(times, s.SubmittedAt.UnixNano())
		}
	}
	if len(times) < timingMinSamples {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	deltas := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		deltas = append(deltas, float64(times[i]-times[i-1]))
	}

	var mean float64
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))
	if mean <= 0 {
		return timingScore
	}

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))

	if math.Sqrt(variance)/mean < timingCVMax {
		return timingScore
	}
	return 0
}

// NormalizePattern collapses a string to its character-class shape:
// letter runs become "a", digit runs "9", everything else is kept.
// "john.doe42" and "jane.roe17" normalize identically.
func NormalizePattern(s string) string {
	var b strings.Builder
	var last rune
	for _, r := range strings.ToLower(s) {
		var cls rune
		switch {
		case unicode.IsLetter(r):
			cls = 'a'
		case unicode.IsDigit(r):
			cls = '9'
		default:
			cls = r
		}
		if cls == last && (cls == 'a' || cls == '9') {
			continue
		}
		b.WriteRune(cls)
		last = cls
	}
	return b.String()
}

// ShannonEntropy returns the character-frequency entropy of s in bits.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
