package engine

import (
	"encoding/json"
	"fmt"
)

// RunState represents the state of a reconciliation run's state machine.
type RunState string

const (
	// RunStatePlanning indicates the run is probing resources and computing a plan.
	RunStatePlanning RunState = "planning"

	// RunStateExecuting indicates the run is applying actions from the plan.
	RunStateExecuting RunState = "executing"

	// RunStateVerifying indicates the run is re-probing touched resources.
	RunStateVerifying RunState = "verifying"

	// RunStateConverged indicates all desired resources match their target state.
	RunStateConverged RunState = "converged"

	// RunStateDegraded indicates the cycle budget was exhausted with mismatches
	// remaining, or a required action failed.
	RunStateDegraded RunState = "degraded"

	// RunStateAborted indicates the run was cancelled or hit an unrecoverable
	// probe failure.
	RunStateAborted RunState = "aborted"
)

// IsTerminal returns true if the run state represents a final state.
func (s RunState) IsTerminal() bool {
	return s == RunStateConverged || s == RunStateDegraded || s == RunStateAborted
}

// ExitCode maps a terminal run state to the engine's exit/status contract.
// Converged=0, Degraded=1, Aborted=2. Lease contention is reported separately
// as exit 3 by the caller.
func (s RunState) ExitCode() int {
	switch s {
	case RunStateConverged:
		return 0
	case RunStateDegraded:
		return 1
	case RunStateAborted:
		return 2
	default:
		return 2
	}
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStatePlanning, RunStateExecuting, RunStateVerifying,
		RunStateConverged, RunStateDegraded, RunStateAborted:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// ExitRunInProgress is the process exit code for lease contention.
const ExitRunInProgress = 3

// Outcome represents the result of applying a single action.
type Outcome string

const (
	// OutcomeSuccess indicates the action applied and its postcondition holds.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates the action failed after exhausting its retries.
	OutcomeFailure Outcome = "failure"

	// OutcomeSkipped indicates the action's precondition was already satisfied.
	// Skipped counts as success for convergence purposes.
	OutcomeSkipped Outcome = "skipped"
)

// Converged returns true if the outcome counts toward convergence.
func (o Outcome) Converged() bool {
	return o == OutcomeSuccess || o == OutcomeSkipped
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// Phase identifies which part of the reconciliation cycle produced a
// transcript entry.
type Phase string

const (
	// PhaseProbe marks an observation of current resource state.
	PhaseProbe Phase = "probe"

	// PhasePlan marks a planning decision for a resource.
	PhasePlan Phase = "plan"

	// PhaseExecute marks an action attempt.
	PhaseExecute Phase = "execute"

	// PhaseVerify marks a post-action re-probe.
	PhaseVerify Phase = "verify"

	// PhaseRun marks run-level lifecycle entries (start, terminal state, cancellation).
	PhaseRun Phase = "run"
)

// ResourceKind identifies the type of an addressable environment resource.
type ResourceKind string

const (
	// KindPort is a TCP listen port on the target host.
	KindPort ResourceKind = "port"

	// KindService is a named OS service managed by the init system.
	KindService ResourceKind = "service"

	// KindSELinuxBoolean is an SELinux policy boolean.
	KindSELinuxBoolean ResourceKind = "selinux-boolean"

	// KindSELinuxPort is an SELinux port type label.
	KindSELinuxPort ResourceKind = "selinux-port"

	// KindNamespace is a Kubernetes namespace.
	KindNamespace ResourceKind = "k8s-namespace"

	// KindHelmRelease is a Helm release in a namespace.
	KindHelmRelease ResourceKind = "helm-release"

	// KindPath is a filesystem path on the target host.
	KindPath ResourceKind = "path"

	// KindCluster is the local Minikube cluster.
	KindCluster ResourceKind = "minikube-cluster"
)

// Validate checks if the resource kind is known.
func (k ResourceKind) Validate() error {
	switch k {
	case KindPort, KindService, KindSELinuxBoolean, KindSELinuxPort,
		KindNamespace, KindHelmRelease, KindPath, KindCluster:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}
