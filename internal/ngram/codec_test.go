package ngram

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func trainedModel(t *testing.T) *Model {
	t.Helper()
	m := New(2, 0.01)
	for _, s := range []string{"alice.smith", "bob.jones", "carol99"} {
		if err := m.Add(s, 1); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	return m
}

func TestArtifactRoundTrip(t *testing.T) {
	m := trainedModel(t)

	artifact, err := m.ToArtifact(3, domain.ClassLegit, time.Now())
	if err != nil {
		t.Fatalf("ToArtifact failed: %v", err)
	}

	if artifact.Version != 3 {
		t.Errorf("expected version 3, got %d", artifact.Version)
	}
	if artifact.Class != domain.ClassLegit {
		t.Errorf("expected class legit, got %s", artifact.Class)
	}
	if artifact.Order != 2 {
		t.Errorf("expected order 2, got %d", artifact.Order)
	}
	if artifact.Checksum == "" {
		t.Error("expected non-empty checksum")
	}
	if artifact.VocabularySize != len(artifact.Vocabulary) {
		t.Errorf("vocabulary size %d does not match list length %d",
			artifact.VocabularySize, len(artifact.Vocabulary))
	}

	loaded, err := FromArtifact(artifact)
	if err != nil {
		t.Fatalf("FromArtifact failed: %v", err)
	}

	if !loaded.Frozen() {
		t.Error("expected loaded model to be frozen")
	}
	if loaded.Order() != m.Order() {
		t.Errorf("expected order %d, got %d", m.Order(), loaded.Order())
	}
	if loaded.SampleCount() != m.SampleCount() {
		t.Errorf("expected sample count %d, got %d", m.SampleCount(), loaded.SampleCount())
	}

	// Scoring behavior must survive the round trip exactly.
	for _, s := range []string{"alice.smith", "zzqq77", "dave"} {
		before := m.CrossEntropy(s)
		after := loaded.CrossEntropy(s)
		if math.Abs(before-after) > 1e-12 {
			t.Errorf("CrossEntropy(%q) changed across round trip: %v -> %v", s, before, after)
		}
	}
}

func TestChecksum(t *testing.T) {
	m := trainedModel(t)
	artifact, err := m.ToArtifact(1, domain.ClassFraud, time.Now())
	if err != nil {
		t.Fatalf("ToArtifact failed: %v", err)
	}

	t.Run("Verifies", func(t *testing.T) {
		if err := VerifyChecksum(artifact); err != nil {
			t.Errorf("VerifyChecksum failed on fresh artifact: %v", err)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := Checksum(artifact)
		if err != nil {
			t.Fatalf("Checksum failed: %v", err)
		}
		b, err := Checksum(artifact)
		if err != nil {
			t.Fatalf("Checksum failed: %v", err)
		}
		if a != b {
			t.Errorf("checksum not deterministic: %s vs %s", a, b)
		}
	})

	t.Run("DetectsTamper", func(t *testing.T) {
		tampered := artifact
		tampered.TrainingSampleCount++
		if err := VerifyChecksum(tampered); err == nil {
			t.Error("expected checksum mismatch on tampered artifact")
		}
	})

	t.Run("MissingChecksum", func(t *testing.T) {
		blank := artifact
		blank.Checksum = ""
		if err := VerifyChecksum(blank); err == nil {
			t.Error("expected error for empty checksum")
		}
	})
}

func TestFromArtifactRejectsCorruption(t *testing.T) {
	m := trainedModel(t)
	good, err := m.ToArtifact(1, domain.ClassLegit, time.Now())
	if err != nil {
		t.Fatalf("ToArtifact failed: %v", err)
	}

	t.Run("ContextTotalMismatch", func(t *testing.T) {
		bad := good
		bad.ContextTotals = make(map[string]float64, len(good.ContextTotals))
		for ctx, total := range good.ContextTotals {
			bad.ContextTotals[ctx] = total
		}
		for ctx := range bad.ContextTotals {
			bad.ContextTotals[ctx] += 1.0
			break
		}
		if _, err := FromArtifact(bad); err == nil {
			t.Error("expected error for context total mismatch")
		}
	})

	t.Run("NegativeCount", func(t *testing.T) {
		bad := good
		bad.Transitions = map[string]map[string]float64{"ab": {"c": -1}}
		bad.ContextTotals = map[string]float64{"ab": -1}
		if _, err := FromArtifact(bad); err == nil {
			t.Error("expected error for negative count")
		}
	})

	t.Run("InvalidOrder", func(t *testing.T) {
		bad := good
		bad.Order = 0
		if _, err := FromArtifact(bad); err == nil {
			t.Error("expected error for invalid order")
		}
	})

	t.Run("NoTransitions", func(t *testing.T) {
		bad := good
		bad.Transitions = nil
		if _, err := FromArtifact(bad); err == nil {
			t.Error("expected error for empty transitions")
		}
	})
}
