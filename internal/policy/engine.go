// Package policy provides the CEL-Go based risk-floor overlay engine.
// Overlays let operators raise risk for traffic the models underweight
// without retraining; they can never lower it.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// Engine compiles and evaluates policy overlay expressions. Policies are
// keyed by tenant; one tenant's overlays never fire for another's traffic.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	tenants map[string]map[string]*CompiledPolicy
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.PolicyConfig
	Program cel.Program
}

// NewEngine creates a policy engine with the scoring-signal variables bound.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("candidate", cel.StringType),
		cel.Variable("candidate_len", cel.IntType),
		cel.Variable("prediction", cel.StringType),
		cel.Variable("classification_risk", cel.DoubleType),
		cel.Variable("min_entropy", cel.DoubleType),
		cel.Variable("legit_bits", cel.DoubleType),
		cel.Variable("fraud_bits", cel.DoubleType),
		cel.Variable("reputation_score", cel.DoubleType),
		cel.Variable("tld_risk_score", cel.DoubleType),
		cel.Variable("pattern_types", cel.ListType(cel.StringType)),
		cel.Variable("source_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:     env,
		tenants: make(map[string]map[string]*CompiledPolicy),
	}, nil
}

// ValidatePolicy compiles a policy without loading it.
func (e *Engine) ValidatePolicy(cfg *domain.PolicyConfig) error {
	if cfg == nil {
		return fmt.Errorf("policy config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(cfg)
	return err
}

// LoadPolicy compiles and loads one policy into its tenant's overlay set.
func (e *Engine) LoadPolicy(cfg *domain.PolicyConfig) error {
	if cfg != nil && cfg.TenantID == "" {
		return fmt.Errorf("policy %s: tenant is required", cfg.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(cfg)
	if err != nil {
		return err
	}

	set := e.tenants[cfg.TenantID]
	if set == nil {
		set = make(map[string]*CompiledPolicy)
		e.tenants[cfg.TenantID] = set
	}
	set[cfg.ID] = compiled
	return nil
}

// ReloadPolicies atomically replaces one tenant's loaded policies. Disabled
// policies are skipped and other tenants' overlays are untouched. This
// enables hot-reloading from the database.
func (e *Engine) ReloadPolicies(tenantID string, configs []*domain.PolicyConfig) error {
	if tenantID == "" {
		return fmt.Errorf("tenant is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledPolicy)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	if len(next) == 0 {
		delete(e.tenants, tenantID)
		return nil
	}
	e.tenants[tenantID] = next
	return nil
}

// PolicyCount returns the number of loaded policies across all tenants.
func (e *Engine) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, set := range e.tenants {
		total += len(set)
	}
	return total
}

// LoadedPolicies returns one tenant's currently loaded policy configurations.
func (e *Engine) LoadedPolicies(tenantID string) []*domain.PolicyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := e.tenants[tenantID]
	out := make([]*domain.PolicyConfig, 0, len(set))
	for _, compiled := range set {
		out = append(out, compiled.Config)
	}
	return out
}

// Close clears the loaded policies.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenants = make(map[string]map[string]*CompiledPolicy)
	return nil
}

// EvaluateInput holds the scoring-path signals exposed to overlays.
type EvaluateInput struct {
	TenantID    string
	Candidate   string
	Ensemble    *ensemble.Result
	Domain      domain.DomainSignals
	Patterns    []domain.PatternSignal
	SourceCount int64
}

// Floors evaluates the tenant's loaded policies and returns the non-zero
// risk floors. An evaluation error disables that policy for the request
// rather than failing the score.
func (e *Engine) Floors(in EvaluateInput) []risk.Floor {
	e.mu.RLock()
	set := e.tenants[in.TenantID]
	policies := make([]*CompiledPolicy, 0, len(set))
	for _, p := range set {
		policies = append(policies, p)
	}
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil
	}

	activation := e.activation(in)

	floors := make([]risk.Floor, 0, len(policies))
	for _, p := range policies {
		out, _, err := p.Program.Eval(activation)
		if err != nil {
			continue
		}
		if floor := toFloor(out); floor > 0 {
			floors = append(floors, risk.Floor{Value: floor, Reason: p.Config.Reason})
		}
	}
	return floors
}

func (e *Engine) activation(in EvaluateInput) map[string]any {
	patternTypes := make([]string, 0, len(in.Patterns))
	for _, p := range in.Patterns {
		patternTypes = append(patternTypes, p.Type)
	}

	activation := map[string]any{
		"candidate":           in.Candidate,
		"candidate_len":       int64(len(in.Candidate)),
		"prediction":          "",
		"classification_risk": 0.0,
		"min_entropy":         0.0,
		"legit_bits":          0.0,
		"fraud_bits":          0.0,
		"reputation_score":    in.Domain.ReputationScore,
		"tld_risk_score":      in.Domain.TLDRiskScore,
		"pattern_types":       patternTypes,
		"source_count":        in.SourceCount,
	}

	if in.Ensemble != nil {
		primary := in.Ensemble.Primary
		activation["prediction"] = in.Ensemble.Prediction
		activation["legit_bits"] = primary.LegitBits
		activation["fraud_bits"] = primary.FraudBits
		if primary.LegitBits < primary.FraudBits {
			activation["min_entropy"] = primary.LegitBits
		} else {
			activation["min_entropy"] = primary.FraudBits
		}
		// Same definition the risk aggregator uses: the primary order's
		// confidence when the ensemble predicts fraud.
		if in.Ensemble.Prediction == domain.ClassFraud {
			activation["classification_risk"] = primary.Confidence
		}
	}
	return activation
}

// toFloor converts a CEL value to a floor in [0,1]. Booleans map to 0 or 1.
func toFloor(val ref.Val) float64 {
	var floor float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			floor = 1.0
		}
	case types.Double:
		floor = float64(v)
	case types.Int:
		floor = float64(v)
	}
	if floor < 0 {
		return 0
	}
	if floor > 1 {
		return 1
	}
	return floor
}

func (e *Engine) compile(cfg *domain.PolicyConfig) (*CompiledPolicy, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("policy %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", cfg.ID, err)
	}

	return &CompiledPolicy{
		Config:  cfg,
		Program: program,
	}, nil
}
