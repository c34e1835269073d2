// Package ensemble reconciles character-model pairs of different context
// lengths into a single prediction via a fixed, ordered rule table.
package ensemble

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ngram"
)

// Reconciliation reason codes, one per rule.
const (
	ReasonAgreeHighConfidence = "agree_high_confidence"
	ReasonHigherOrderOverride = "higher_order_override"
	ReasonGibberishOverride   = "gibberish_override"
	ReasonDisagreeLowestOrder = "disagree_default_lowest_order"
	ReasonHigherConfidence    = "higher_confidence"
)

// Rule thresholds. The table is fixed; these are the documented constants,
// not tunables.
const (
	agreeConfidenceMin  = 0.3
	higherOrderConfMin  = 0.5
	higherOrderConfGain = 1.5
	gibberishEntropyMin = 6.0
)

// Pair is one class-model pair at a single order.
type Pair struct {
	Order int
	Legit *ngram.Model
	Fraud *ngram.Model
}

// Scorer runs one or more model pairs and reconciles their disagreements.
// The lowest order is the primary: it is the most robust with limited
// training data and supplies the entropies the risk aggregator reads.
type Scorer struct {
	pairs []Pair
}

// New creates a scorer from model pairs. At least one pair is required;
// pairs are kept sorted ascending by order.
func New(pairs []Pair) (*Scorer, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one model pair is required")
	}
	for _, p := range pairs {
		if p.Legit == nil || p.Fraud == nil {
			return nil, fmt.Errorf("order %d: both class models are required", p.Order)
		}
		if p.Legit.TransitionCount() == 0 || p.Fraud.TransitionCount() == 0 {
			return nil, fmt.Errorf("order %d: model has no transitions", p.Order)
		}
	}

	sorted := make([]Pair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	return &Scorer{pairs: sorted}, nil
}

// FromBundle rebuilds a scorer from a persisted bundle. Artifacts must
// already have passed the integrity gate; this only converts and pairs them.
func FromBundle(b *domain.ModelBundle) (*Scorer, error) {
	pairs := make([]Pair, 0, len(b.Orders))
	for _, order := range b.Orders {
		legitArt := b.Artifact(domain.ClassLegit, order)
		fraudArt := b.Artifact(domain.ClassFraud, order)
		if legitArt == nil || fraudArt == nil {
			return nil, fmt.Errorf("bundle v%d: missing class artifact at order %d", b.Version, order)
		}

		legit, err := ngram.FromArtifact(*legitArt)
		if err != nil {
			return nil, fmt.Errorf("bundle v%d legit order %d: %w", b.Version, order, err)
		}
		fraud, err := ngram.FromArtifact(*fraudArt)
		if err != nil {
			return nil, fmt.Errorf("bundle v%d fraud order %d: %w", b.Version, order, err)
		}

		pairs = append(pairs, Pair{Order: order, Legit: legit, Fraud: fraud})
	}
	return New(pairs)
}

// Result is the reconciled ensemble output.
type Result struct {
	Prediction string
	Confidence float64
	ReasonCode string

	// Orders holds every per-order score, ascending by order.
	Orders []domain.OrderScore

	// Primary is the lowest-order score.
	Primary domain.OrderScore
}

// Orders returns the configured orders, ascending.
func (s *Scorer) Orders() []int {
	orders := make([]int, len(s.pairs))
	for i, p := range s.pairs {
		orders[i] = p.Order
	}
	return orders
}

// Score evaluates every order and applies the reconciliation table.
// Pure and read-only over the models; safe for concurrent use.
func (s *Scorer) Score(candidate string) Result {
	scores := make([]domain.OrderScore, len(s.pairs))
	for i, p := range s.pairs {
		scores[i] = scoreOrder(p, candidate)
	}

	lowest := scores[0]
	highest := scores[len(scores)-1]

	chosen, reason := reconcile(scores, lowest, highest)

	return Result{
		Prediction: chosen.Prediction,
		Confidence: chosen.Confidence,
		ReasonCode: reason,
		Orders:     scores,
		Primary:    lowest,
	}
}

func scoreOrder(p Pair, candidate string) domain.OrderScore {
	hl := p.Legit.CrossEntropy(candidate)
	hf := p.Fraud.CrossEntropy(candidate)

	prediction := domain.ClassLegit
	if hf < hl {
		prediction = domain.ClassFraud
	}

	confidence := 0.0
	if m := math.Max(hl, hf); m > 0 {
		confidence = math.Abs(hl-hf) / m
	}

	return domain.OrderScore{
		Order:      p.Order,
		LegitBits:  hl,
		FraudBits:  hf,
		Prediction: prediction,
		Confidence: confidence,
	}
}

// reconcile applies the rule table in its fixed order.
func reconcile(scores []domain.OrderScore, lowest, highest domain.OrderScore) (domain.OrderScore, string) {
	allAgree := true
	allConfident := true
	for _, sc := range scores {
		if sc.Prediction != lowest.Prediction {
			allAgree = false
		}
		if sc.Confidence <= agreeConfidenceMin {
			allConfident = false
		}
	}

	// Rule 1: unanimous and every order confident.
	if allAgree && allConfident {
		return maxConfidence(scores), ReasonAgreeHighConfidence
	}

	// Rule 2: the longest context is confident and clearly ahead of the
	// shortest. Only meaningful with more than one order.
	if len(scores) > 1 &&
		highest.Confidence > higherOrderConfMin &&
		highest.Confidence > higherOrderConfGain*lowest.Confidence {
		return highest, ReasonHigherOrderOverride
	}

	// Rule 3: the lowest order sees fraud that fits even the fraud model
	// very poorly. Pure randomness lands here; the short context catches
	// it reliably where longer contexts degrade to smoothing noise.
	if lowest.Prediction == domain.ClassFraud && lowest.FraudBits > gibberishEntropyMin {
		return lowest, ReasonGibberishOverride
	}

	// Rule 4: disagreement defaults to the shortest context, the most
	// robust order with limited training data.
	if !allAgree {
		return lowest, ReasonDisagreeLowestOrder
	}

	// Rule 5: unanimous but not uniformly confident.
	return maxConfidence(scores), ReasonHigherConfidence
}

func maxConfidence(scores []domain.OrderScore) domain.OrderScore {
	best := scores[0]
	for _, sc := range scores[1:] {
		if sc.Confidence > best.Confidence {
			best = sc
		}
	}
	return best
}
