package integrity

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestGuard() *Guard {
	return NewGuard(domain.AnomalyConfig{SafeThreshold: 0.5, ExpectedLegitRatio: 0.85})
}

func TestVolumeSpike(t *testing.T) {
	g := newTestGuard()
	history := &domain.TrainingHistory{RunCount: 5, AverageSampleCount: 100}

	cases := []struct {
		count int
		want  float64
	}{
		{100, 0},
		{299, 0},
		{300, 0.2},   // exactly 3x
		{650, 0.25},  // halfway toward 10x
		{1000, 0.3},  // 10x caps the extra
		{5000, 0.3},
	}
	for _, c := range cases {
		got := g.volumeSpike(c.count, history)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("volumeSpike(%d) = %v, want %v", c.count, got, c.want)
		}
	}

	t.Run("NoHistoryDisables", func(t *testing.T) {
		if got := g.volumeSpike(100000, nil); got != 0 {
			t.Errorf("expected 0 without history, got %v", got)
		}
		if got := g.volumeSpike(100000, &domain.TrainingHistory{}); got != 0 {
			t.Errorf("expected 0 with empty history, got %v", got)
		}
	})
}

func TestPatternDiversity(t *testing.T) {
	g := newTestGuard()

	t.Run("FloodOfOneShape", func(t *testing.T) {
		samples := make([]domain.TrainingSample, 0, 50)
		for i := 0; i < 50; i++ {
			// All normalize to "a9": one shape in fifty samples.
			samples = append(samples, domain.TrainingSample{Text: fmt.Sprintf("user%d", i)})
		}
		if got := g.patternDiversity(samples); got != 0.3 {
			t.Errorf("expected 0.3 for single-shape flood, got %v", got)
		}
	})

	t.Run("OrganicVariety", func(t *testing.T) {
		// Half "a.a", half "a9": two shapes in four samples = 0.5 >= 0.3.
		samples := []domain.TrainingSample{
			{Text: "john.doe"},
			{Text: "jane.roe"},
			{Text: "user42"},
			{Text: "guest7"},
		}
		if got := g.patternDiversity(samples); got != 0 {
			t.Errorf("expected 0 for diverse batch, got %v", got)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		if got := g.patternDiversity(nil); got != 0 {
			t.Errorf("expected 0 for empty batch, got %v", got)
		}
	})
}

func TestDistributionShift(t *testing.T) {
	g := newTestGuard()

	batch := func(legit, fraud int) []domain.TrainingSample {
		samples := make([]domain.TrainingSample, 0, legit+fraud)
		for i := 0; i < legit; i++ {
			samples = append(samples, domain.TrainingSample{Label: domain.ClassLegit})
		}
		for i := 0; i < fraud; i++ {
			samples = append(samples, domain.TrainingSample{Label: domain.ClassFraud})
		}
		return samples
	}

	t.Run("WithinTolerance", func(t *testing.T) {
		// 80% legit vs 85% expected: within the 0.2 tolerance.
		if got := g.distributionShift(batch(80, 20), nil); got != 0 {
			t.Errorf("expected 0, got %v", got)
		}
	})

	t.Run("FraudFlood", func(t *testing.T) {
		// 30% legit vs 85% expected.
		if got := g.distributionShift(batch(30, 70), nil); got != 0.2 {
			t.Errorf("expected 0.2, got %v", got)
		}
	})

	t.Run("HistoryOverridesDefault", func(t *testing.T) {
		history := &domain.TrainingHistory{RunCount: 3, ExpectedLegitRatio: 0.30}
		if got := g.distributionShift(batch(30, 70), history); got != 0 {
			t.Errorf("expected 0 against matching history, got %v", got)
		}
	})
}

func TestEntropyDeficit(t *testing.T) {
	g := newTestGuard()

	t.Run("TemplatedFraud", func(t *testing.T) {
		samples := []domain.TrainingSample{
			{Label: domain.ClassFraud, Text: "aaaa1111"},
			{Label: domain.ClassFraud, Text: "bbbb2222"},
		}
		// Each text has two symbols: 1 bit, under the 2-bit floor.
		if got := g.entropyDeficit(samples); got != 0.2 {
			t.Errorf("expected 0.2, got %v", got)
		}
	})

	t.Run("OrganicFraud", func(t *testing.T) {
		samples := []domain.TrainingSample{
			{Label: domain.ClassFraud, Text: "xk4q9zw7"},
			{Label: domain.ClassFraud, Text: "p0m3vn8r"},
		}
		if got := g.entropyDeficit(samples); got != 0 {
			t.Errorf("expected 0, got %v", got)
		}
	})

	t.Run("LegitIgnored", func(t *testing.T) {
		samples := []domain.TrainingSample{
			{Label: domain.ClassLegit, Text: "aaaa"},
		}
		if got := g.entropyDeficit(samples); got != 0 {
			t.Errorf("expected 0 with no fraud samples, got %v", got)
		}
	})
}

func TestIPConcentration(t *testing.T) {
	g := newTestGuard()

	t.Run("SingleSourceFlood", func(t *testing.T) {
		samples := make([]domain.TrainingSample, 0, 20)
		for i := 0; i < 20; i++ {
			samples = append(samples, domain.TrainingSample{
				Label:            domain.ClassFraud,
				ConfidenceWeight: 0.9,
				SourceID:         "203.0.113.7",
			})
		}
		if got := g.ipConcentration(samples); got != 0.4 {
			t.Errorf("expected 0.4, got %v", got)
		}
	})

	t.Run("SpreadSources", func(t *testing.T) {
		samples := make([]domain.TrainingSample, 0, 100)
		for i := 0; i < 100; i++ {
			samples = append(samples, domain.TrainingSample{
				Label:            domain.ClassFraud,
				ConfidenceWeight: 0.9,
				SourceID:         fmt.Sprintf("198.51.100.%d", i),
			})
		}
		// 100 distinct sources: the top 10 hold 10% of traffic.
		if got := g.ipConcentration(samples); got != 0 {
			t.Errorf("expected 0, got %v", got)
		}
	})

	t.Run("LowConfidenceExcluded", func(t *testing.T) {
		samples := make([]domain.TrainingSample, 0, 20)
		for i := 0; i < 20; i++ {
			samples = append(samples, domain.TrainingSample{
				Label:            domain.ClassFraud,
				ConfidenceWeight: 0.4,
				SourceID:         "203.0.113.7",
			})
		}
		if got := g.ipConcentration(samples); got != 0 {
			t.Errorf("expected 0 when no sample qualifies, got %v", got)
		}
	})
}

func TestTimingRegularity(t *testing.T) {
	g := newTestGuard()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("MachineCadence", func(t *testing.T) {
		samples := make([]domain.TrainingSample, 0, 20)
		for i := 0; i < 20; i++ {
			samples = append(samples, domain.TrainingSample{
				SubmittedAt: base.Add(time.Duration(i) * 5 * time.Second),
			})
		}
		if got := g.timingRegularity(samples); got != 0.3 {
			t.Errorf("expected 0.3 for perfectly regular gaps, got %v", got)
		}
	})

	t.Run("HumanJitter", func(t *testing.T) {
		gaps := []time.Duration{
			3 * time.Second, 40 * time.Second, 7 * time.Second, 120 * time.Second,
			15 * time.Second, 2 * time.Second, 300 * time.Second, 9 * time.Second,
			60 * time.Second, 25 * time.Second, 4 * time.Second, 90 * time.Second,
		}
		samples := make([]domain.TrainingSample, 0, len(gaps)+1)
		at := base
		samples = append(samples, domain.TrainingSample{SubmittedAt: at})
		for _, gap := range gaps {
			at = at.Add(gap)
			samples = append(samples, domain.TrainingSample{SubmittedAt: at})
		}
		if got := g.timingRegularity(samples); got != 0 {
			t.Errorf("expected 0 for jittered gaps, got %v", got)
		}
	})

	t.Run("TooFewTimestamps", func(t *testing.T) {
		samples := []domain.TrainingSample{
			{SubmittedAt: base},
			{SubmittedAt: base.Add(time.Second)},
		}
		if got := g.timingRegularity(samples); got != 0 {
			t.Errorf("expected 0 below the minimum sample count, got %v", got)
		}
	})
}

func TestCheckAnomaly(t *testing.T) {
	g := newTestGuard()

	t.Run("CleanBatch", func(t *testing.T) {
		samples := []domain.TrainingSample{
			{Label: domain.ClassLegit, Text: "john.doe"},
			{Label: domain.ClassLegit, Text: "jane.roe42"},
			{Label: domain.ClassLegit, Text: "m-okafor"},
			{Label: domain.ClassLegit, Text: "team_lead"},
			{Label: domain.ClassFraud, Text: "xk4q9zw7p", ConfidenceWeight: 0.9},
		}
		report := g.CheckAnomaly(samples, nil)
		if !report.Safe {
			t.Errorf("expected safe, got score %v: %+v", report.Score, report)
		}
	})

	t.Run("AttackBatch", func(t *testing.T) {
		// Single shape, inverted class balance, low-entropy fraud text.
		samples := make([]domain.TrainingSample, 0, 100)
		for i := 0; i < 100; i++ {
			samples = append(samples, domain.TrainingSample{
				Label:            domain.ClassFraud,
				Text:             "aaaa1111",
				ConfidenceWeight: 0.9,
			})
		}
		report := g.CheckAnomaly(samples, nil)
		if report.Safe {
			t.Errorf("expected unsafe, got score %v: %+v", report.Score, report)
		}
		if report.PatternDiversity == 0 {
			t.Error("expected pattern diversity component to trigger")
		}
		if report.DistributionShift == 0 {
			t.Error("expected distribution shift component to trigger")
		}
		if report.EntropyDeficit == 0 {
			t.Error("expected entropy deficit component to trigger")
		}
	})

	t.Run("ScoreClamped", func(t *testing.T) {
		// Trip every component at once.
		history := &domain.TrainingHistory{RunCount: 5, AverageSampleCount: 10}
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		samples := make([]domain.TrainingSample, 0, 100)
		for i := 0; i < 100; i++ {
			samples = append(samples, domain.TrainingSample{
				Label:            domain.ClassFraud,
				Text:             "aaaa1111",
				ConfidenceWeight: 0.9,
				SourceID:         "203.0.113.7",
				SubmittedAt:      base.Add(time.Duration(i) * time.Second),
			})
		}
		report := g.CheckAnomaly(samples, history)
		if report.Score != 1.0 {
			t.Errorf("expected score clamped to 1.0, got %v", report.Score)
		}
		if report.Safe {
			t.Error("expected unsafe")
		}
	})
}

func TestNormalizePattern(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"john.doe42", "a.a9"},
		{"jane.roe17", "a.a9"},
		{"user123", "a9"},
		{"a1b2c3", "a9a9a9"},
		{"UPPER", "a"},
		{"x+tag", "a+a"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizePattern(c.in); got != c.want {
			t.Errorf("NormalizePattern(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestShannonEntropy(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"aaaa", 0},
		{"ab", 1},
		{"abcd", 2},
	}
	for _, c := range cases {
		if got := ShannonEntropy(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ShannonEntropy(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
