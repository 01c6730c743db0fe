// Package engine provides the core types and state machine of the Converge
// reconciliation engine.
//
// # Overview
//
// Converge drives a deployment environment toward a declared desired state
// through repeated reconciliation cycles:
//
//  1. Probe - Observe the current state of every managed resource (Prober)
//  2. Plan - Diff observations against targets and build the action DAG (Planner)
//  3. Execute - Apply remediation actions level by level (Reconciler)
//  4. Verify - Re-probe touched resources and check postconditions
//
// A run repeats the cycle until every resource matches its target
// (Converged), the cycle budget runs out or a required action fails
// (Degraded), or the run is cancelled or loses its probes (Aborted).
//
// # Core Domain Types
//
//   - Resource: An addressable unit of the environment, identified by (kind, name)
//   - Fact: A timestamped observation of a resource's current state
//   - TargetState: The desired state for one resource
//   - DesiredState: The full target document for one run
//   - PlanUnit: One action to execute against one resource within a cycle
//   - Plan: The per-cycle action set with its dependency graph
//   - Transcript: The append-only record of everything observed and done
//   - RunResult: The terminal outcome of a run
//
// # Backend Interface
//
// Resource inspection and remediation are pluggable through the Backend
// interface, which combines probing and action selection:
//
//	type Backend interface {
//	    Probe(ctx context.Context, resource Resource) (Fact, error)
//	    ActionFor(resource Resource, target TargetState, observed Fact) (*Action, error)
//	    Matches(resource Resource, fact Fact, target TargetState) bool
//	}
//
// The built-in host backend shells out to lsof, systemctl, semanage,
// kubectl, helm and minikube, locally or over SSH.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Conflict: Resource state conflicts, such as a held environment lease
//   - Permanent: Non-recoverable errors
//
// Actions are retried on transient and conflict errors with exponential
// backoff. Probe failures are never retried; a run that cannot observe its
// environment aborts.
package engine
