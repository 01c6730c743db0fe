package policy

import (
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Severity classifies how a violation affects the plan.
type Severity string

const (
	// SeverityInfo is informational and never blocks a plan.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks the plan and flags it for operator review.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation at this severity stops the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module with its metadata.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a one-line summary of what the policy enforces.
	Description string `json:"description"`

	// Rego is the policy source. Its deny rules produce violations.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set
	// their own.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags group related policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation is one deny result from a policy evaluation.
type Violation struct {
	// Policy names the policy that produced the violation.
	Policy string `json:"policy"`

	// Resource identifies the offending resource, when known.
	Resource string `json:"resource,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`
}

// PolicyInput is the document handed to Rego evaluation as input.
type PolicyInput struct {
	// Plan is the computed plan under review.
	Plan *engine.Plan `json:"plan"`

	// Settings are the run settings the plan was computed with.
	Settings *engine.Settings `json:"settings"`

	// Context carries evaluation metadata.
	Context *EvalContext `json:"context"`
}

// EvalContext is the evaluation metadata in a PolicyInput.
type EvalContext struct {
	// Timestamp is when the evaluation started.
	Timestamp time.Time `json:"timestamp"`

	// Operation names the operation being gated.
	Operation string `json:"operation"`
}
