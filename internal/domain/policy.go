package domain

import "time"

// PolicyConfig defines a CEL risk-floor overlay. The expression is evaluated
// against the aggregator's signals and returns an extra floor in [0,1] that
// is applied as a lower bound on base risk. Overlays can only raise risk,
// never reduce it, which preserves the override monotonicity invariant.
type PolicyConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression returning a double (or bool, treated as 0/1)
	Expression string `json:"expression"`

	// Reason reported when the overlay raised the final risk
	Reason string `json:"reason"`

	// Whether the overlay is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
