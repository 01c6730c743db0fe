package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Engine compiles Rego policies and gates plans with them. It implements
// engine.PlanGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   *telemetry.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.NewComponentLogger("policy"),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compile(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	return e, nil
}

// CheckPlan evaluates all enabled policies against the plan. Warnings are
// logged; violations at error or critical severity reject the plan with a
// permanent error.
func (e *Engine) CheckPlan(ctx context.Context, plan *engine.Plan, settings engine.Settings) error {
	violations, err := e.EvaluatePlan(ctx, plan, settings)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err)
	}

	var blocking []string
	for _, v := range violations {
		if v.Severity.Blocking() {
			blocking = append(blocking, v.Message)
			continue
		}
		e.logger.WithField("policy", v.Policy).
			WithField("resource", v.Resource).
			Warn(v.Message)
	}

	if len(blocking) > 0 {
		err := engine.NewPermanentError(
			fmt.Sprintf("plan rejected by policy: %s", strings.Join(blocking, "; ")), nil)
		return err.WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// EvaluatePlan runs every enabled policy against the plan and returns all
// violations, blocking or not. A policy whose evaluation errors is reported
// as an evaluation failure rather than skipped silently.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, settings engine.Settings) ([]Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &PolicyInput{
		Plan:     plan,
		Settings: &settings,
		Context: &EvalContext{
			Timestamp: time.Now(),
			Operation: "plan",
		},
	}

	var all []Violation
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		all = append(all, violations...)
	}

	e.logger.WithField("plan_id", plan.ID).
		WithField("violations", len(all)).
		Debug("Plan policy evaluation completed")

	return all, nil
}

// evaluate runs one prepared deny query against the input.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts one deny result to a Violation, falling back to the
// policy's default severity when the rule does not set one.
func (e *Engine) toViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// AddPolicy compiles and registers a policy, replacing any policy with the
// same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compile(ctx, &policy)
}

// compile parses the policy's Rego and prepares its deny query for reuse.
// Callers hold e.mu.
func (e *Engine) compile(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	// module.Package.Path already carries the data. prefix.
	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("%s.deny", module.Package.Path.String())),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.WithField("policy", policy.Name).Debug("Policy compiled")
	return nil
}

// ListPolicies returns all registered policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// GetPolicy returns a registered policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy %s not found", name)
	}
	return cp.policy, nil
}

// SetEnabled enables or disables a registered policy.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy %s not found", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

// sortedNames returns policy names in stable order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
