// Package ngram implements order-k character transition models with
// cross-entropy scoring. One model describes one class (legit or fraud);
// classification happens by comparing cross-entropies across class models.
package ngram

import (
	"fmt"
	"math"
)

// startMarker pads the head of every string so the first characters get
// real contexts. STX cannot appear in an email local-part.
const startMarker = '\x02'

// Model is an order-k probabilistic model over character transitions.
// Counts are float64: full training accumulates confidence weights and
// incremental EMA merges produce fractional counts.
//
// A model is mutable during training and frozen for serving. Freeze is a
// one-way switch; a frozen model rejects further updates so a serving
// snapshot can never be mutated under concurrent readers.
type Model struct {
	order         int
	epsilon       float64
	transitions   map[string]map[string]float64
	contextTotals map[string]float64
	vocabulary    map[string]struct{}
	sampleCount   int
	frozen        bool
}

// New creates an empty model of the given order. epsilon is the smoothing
// mass for unseen transitions; non-positive values fall back to 0.01.
func New(order int, epsilon float64) *Model {
	if order < 1 {
		order = 1
	}
	if epsilon <= 0 {
		epsilon = 0.01
	}
	return &Model{
		order:         order,
		epsilon:       epsilon,
		transitions:   make(map[string]map[string]float64),
		contextTotals: make(map[string]float64),
		vocabulary:    make(map[string]struct{}),
	}
}

// Order returns the model's context length k.
func (m *Model) Order() int { return m.order }

// SampleCount returns how many samples the model has seen.
func (m *Model) SampleCount() int { return m.sampleCount }

// VocabularySize returns the number of distinct observed characters.
func (m *Model) VocabularySize() int { return len(m.vocabulary) }

// TransitionCount returns the number of distinct (context, char) cells.
// A usable model has at least one.
func (m *Model) TransitionCount() int {
	n := 0
	for _, next := range m.transitions {
		n += len(next)
	}
	return n
}

// Frozen reports whether the model has been sealed for serving.
func (m *Model) Frozen() bool { return m.frozen }

// Freeze seals the model. Further Add or merge calls fail.
func (m *Model) Freeze() { m.frozen = true }

// Add accumulates the transitions of one sample with the given weight.
// Non-positive weights count as 1. Unseen contexts are created on demand.
func (m *Model) Add(text string, weight float64) error {
	if m.frozen {
		return fmt.Errorf("model is frozen")
	}
	if text == "" {
		return nil
	}
	if weight <= 0 {
		weight = 1
	}

	runes := padded(text, m.order)
	for i := m.order; i < len(runes); i++ {
		ctx := string(runes[i-m.order : i])
		ch := string(runes[i])

		next, ok := m.transitions[ctx]
		if !ok {
			next = make(map[string]float64)
			m.transitions[ctx] = next
		}
		next[ch] += weight
		m.contextTotals[ctx] += weight
		m.vocabulary[ch] = struct{}{}
	}

	m.sampleCount++
	return nil
}

// CrossEntropy returns the mean surprise of the model predicting each
// character of s, in bits per character (base-2 throughout; sources that
// quote nats differ by a factor of ln 2). Unseen transitions fall back to
// epsilon/|vocabulary| so the result is always finite and non-negative.
//
// Pure function of the model and input: O(len(s)), no allocation beyond the
// padded rune slice, no I/O. Safe for arbitrarily many concurrent callers
// on a frozen model.
func (m *Model) CrossEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	fallback := m.epsilon / float64(maxInt(1, len(m.vocabulary)))

	runes := padded(s, m.order)
	var bits float64
	chars := 0
	for i := m.order; i < len(runes); i++ {
		ctx := string(runes[i-m.order : i])
		ch := string(runes[i])

		p := fallback
		if total := m.contextTotals[ctx]; total > 0 {
			if count := m.transitions[ctx][ch]; count > 0 {
				p = count / total
			}
		}
		bits += -math.Log2(p)
		chars++
	}

	return bits / float64(chars)
}

// MergeEMA blends observed counts into a copy of the base model using an
// exponential moving average: new = alpha*observed + (1-alpha)*old for
// every cell touched by either model. Counts stay non-negative and context
// totals are recomputed from the merged cells. The inputs are not modified.
func MergeEMA(base, observed *Model, alpha float64) (*Model, error) {
	if base.order != observed.order {
		return nil, fmt.Errorf("order mismatch: %d vs %d", base.order, observed.order)
	}
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be in (0,1], got %v", alpha)
	}

	merged := New(base.order, base.epsilon)
	merged.sampleCount = base.sampleCount + observed.sampleCount

	touched := func(ctx string) map[string]struct{} {
		chars := make(map[string]struct{})
		for ch := range base.transitions[ctx] {
			chars[ch] = struct{}{}
		}
		for ch := range observed.transitions[ctx] {
			chars[ch] = struct{}{}
		}
		return chars
	}

	contexts := make(map[string]struct{}, len(base.transitions))
	for ctx := range base.transitions {
		contexts[ctx] = struct{}{}
	}
	for ctx := range observed.transitions {
		contexts[ctx] = struct{}{}
	}

	for ctx := range contexts {
		next := make(map[string]float64)
		var total float64
		for ch := range touched(ctx) {
			old := base.transitions[ctx][ch]
			obs := observed.transitions[ctx][ch]
			count := alpha*obs + (1-alpha)*old
			if count <= 0 {
				continue
			}
			next[ch] = count
			total += count
		}
		if len(next) > 0 {
			merged.transitions[ctx] = next
			merged.contextTotals[ctx] = total
		}
	}

	for ch := range base.vocabulary {
		merged.vocabulary[ch] = struct{}{}
	}
	for ch := range observed.vocabulary {
		merged.vocabulary[ch] = struct{}{}
	}

	return merged, nil
}

// padded returns the runes of s prefixed with order start markers.
func padded(s string, order int) []rune {
	runes := make([]rune, 0, order+len(s))
	for i := 0; i < order; i++ {
		runes = append(runes, startMarker)
	}
	return append(runes, []rune(s)...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
