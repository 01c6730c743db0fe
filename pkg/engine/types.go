package engine

import (
	"time"
)

// Resource identifies an addressable unit of the environment.
// Identity is (kind, name) and is immutable; observed state lives in Facts.
type Resource struct {
	// Kind is the resource kind (e.g., "port", "service", "helm-release").
	Kind ResourceKind `json:"kind"`

	// Name is the resource name within its kind (e.g., "9090", "nginx", "ml-api").
	Name string `json:"name"`
}

// ID returns the canonical "kind/name" identity string.
func (r Resource) ID() string {
	return string(r.Kind) + "/" + r.Name
}

// Fact is a timestamped observation of a Resource's current state.
// Facts are append-only; only the latest fact per resource is authoritative.
type Fact struct {
	// Resource is the observed resource.
	Resource Resource `json:"resource"`

	// State is the observed state token (e.g., "free", "running", "absent").
	State string `json:"state"`

	// Owner is the process or service owning the resource, when applicable
	// (e.g., the service bound to a port).
	Owner string `json:"owner,omitempty"`

	// Details carries probe-specific observations (pids, chart versions, label types).
	Details map[string]string `json:"details,omitempty"`

	// ObservedAt is when the observation was taken.
	ObservedAt time.Time `json:"observed_at"`

	// Source names the inspection mechanism that produced the fact
	// (e.g., "lsof", "systemctl", "helm").
	Source string `json:"source"`
}

// TargetState is the desired state for one resource.
type TargetState struct {
	// State is the target state token (e.g., "free", "running", "deployed").
	State string `json:"state"`

	// Owner is the required owner for bound resources (e.g., port 9090
	// must be bound by nginx).
	Owner string `json:"owner,omitempty"`

	// Params carries kind-specific parameters: helm chart path, namespace,
	// SELinux type, file content.
	Params map[string]string `json:"params,omitempty"`
}

// ResourceSpec binds a resource to its target state within a DesiredState.
type ResourceSpec struct {
	// Resource is the resource identity.
	Resource Resource `json:"resource"`

	// Target is the desired state for the resource.
	Target TargetState `json:"target"`

	// ContinueOnFailure allows the cycle to proceed past a failed action on
	// this resource instead of halting to degraded.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`

	// MaxRetries overrides the run-level retry budget for this resource.
	// Nil means use the run setting.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Settings are the run-level tunables carried by a DesiredState document.
type Settings struct {
	// MaxRetries is the per-action attempt budget.
	MaxRetries int `json:"max_retries"`

	// MaxCycles is the total probe/execute/verify cycle budget.
	MaxCycles int `json:"max_cycles"`

	// BackoffBase is the base delay for exponential backoff between retries.
	BackoffBase time.Duration `json:"backoff_base"`

	// BackoffCap is the ceiling for the backoff delay.
	BackoffCap time.Duration `json:"backoff_cap"`

	// MaxParallel bounds the worker pool for independent plan units.
	MaxParallel int `json:"max_parallel"`

	// AllowDestructive permits destructive actions (cluster delete) to plan.
	// This replaces the interactive confirmation of the old cleanup scripts.
	AllowDestructive bool `json:"allow_destructive"`

	// LeasePath is the lock file guarding the environment against
	// concurrent runs.
	LeasePath string `json:"lease_path"`
}

// DefaultSettings returns the engine defaults: 3 retries per action,
// 5 cycles, 2s backoff base capped at 30s.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:  3,
		MaxCycles:   5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  30 * time.Second,
		MaxParallel: 4,
		LeasePath:   "/var/run/converge.lease",
	}
}

// DesiredState is the caller-supplied target state for one reconciliation run.
// It is immutable for the duration of the run.
type DesiredState struct {
	// Resources maps each managed resource to its target.
	Resources []ResourceSpec `json:"resources"`

	// Settings are the run-level tunables.
	Settings Settings `json:"settings"`
}

// Spec returns the ResourceSpec for a resource identity, if present.
func (d *DesiredState) Spec(r Resource) (ResourceSpec, bool) {
	for _, spec := range d.Resources {
		if spec.Resource == r {
			return spec, true
		}
	}
	return ResourceSpec{}, false
}

// PlanUnit is one action to execute against one resource within a cycle.
type PlanUnit struct {
	// ID is the unique identifier for this plan unit.
	ID string `json:"id"`

	// Resource is the resource this unit operates on.
	Resource Resource `json:"resource"`

	// ActionName names the catalog action selected for this unit.
	ActionName string `json:"action"`

	// Target is the desired state the action's postcondition must establish.
	Target TargetState `json:"target"`

	// Observed is the fact that caused this unit to be planned.
	Observed Fact `json:"observed"`

	// Dependencies lists plan unit IDs that must complete before this unit.
	Dependencies []string `json:"dependencies,omitempty"`

	// ContinueOnFailure mirrors the resource spec flag.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`

	// MaxRetries is the resolved attempt budget for this unit.
	MaxRetries int `json:"max_retries"`

	// Level is the topological execution level assigned by the graph.
	Level int `json:"level"`
}

// Plan is the ordered action sequence computed for one cycle.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// RunID is the run that computed this plan.
	RunID string `json:"run_id"`

	// Cycle is the 1-based cycle number within the run.
	Cycle int `json:"cycle"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Units are the plan units in declaration order; execution order is
	// given by the graph levels.
	Units []PlanUnit `json:"units"`

	// Graph is the dependency DAG over the units.
	Graph *Graph `json:"graph,omitempty"`
}

// Graph is the dependency DAG over plan units.
type Graph struct {
	// Nodes maps plan unit IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges.
	Edges []GraphEdge `json:"edges"`

	// Roots are the unit IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of execution levels.
	Depth int `json:"depth"`
}

// GraphNode is a node in the plan unit DAG.
type GraphNode struct {
	// ID is the plan unit ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the unit IDs this node depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are the unit IDs depending on this node.
	Dependents []string `json:"dependents"`
}

// GraphEdge is a dependency edge between plan units.
type GraphEdge struct {
	// From is the unit that must complete first.
	From string `json:"from"`

	// To is the dependent unit.
	To string `json:"to"`
}

// RunResult is the outcome of one reconciliation run.
type RunResult struct {
	// RunID is the unique identifier for the run.
	RunID string `json:"run_id"`

	// State is the terminal run state.
	State RunState `json:"state"`

	// Cycles is the number of cycles executed.
	Cycles int `json:"cycles"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Unresolved lists resources still mismatched at the terminal state.
	// Empty for converged runs; never silently empty for degraded ones.
	Unresolved []Resource `json:"unresolved,omitempty"`

	// Transcript is the sealed record of the run.
	Transcript *SealedTranscript `json:"transcript,omitempty"`
}
