package engine

import (
	"context"
)

// Prober inspects the current state of resources. Probes are strictly
// read-only: probing must never mutate the environment, and probing a
// non-existent resource yields a Fact with state "absent", not an error.
// A Prober returns an error only when the inspection mechanism itself
// cannot run; such errors carry the PROBE_UNAVAILABLE code and abort the run.
type Prober interface {
	// Probe observes the current state of a resource.
	Probe(ctx context.Context, resource Resource) (Fact, error)
}

// Action is an idempotent remediation operation with pre/postconditions.
// Actions are stateless templates instantiated per plan unit; executing an
// action whose postcondition already holds is a no-op that still succeeds.
type Action struct {
	// Name identifies the action (e.g., "stop-service", "free-port").
	Name string

	// Resource is the resource the action operates on.
	Resource Resource

	// Precondition reports whether applying the action is meaningful given
	// the current fact. When false the action is recorded as Skipped.
	Precondition func(Fact) bool

	// Apply performs the side effect.
	Apply func(ctx context.Context) error

	// Postcondition reports whether the desired state holds for a fact,
	// used by the reconciler to validate convergence after applying.
	Postcondition func(Fact) bool

	// Destructive marks actions that destroy infrastructure (cluster delete).
	// Destructive actions require the AllowDestructive setting.
	Destructive bool
}

// Catalog selects remediation actions and decides target-state matches.
// A catalog encodes no ordering; dependency ordering between resource kinds
// is the reconciler's job.
type Catalog interface {
	// ActionFor returns the action whose postcondition establishes the
	// target state for the resource, given the current observation.
	ActionFor(resource Resource, target TargetState, observed Fact) (*Action, error)

	// Matches reports whether an observed fact satisfies a target state.
	Matches(resource Resource, fact Fact, target TargetState) bool
}

// Backend combines probing and action selection for one target environment.
// It is the pluggable per-OS extension point: the built-in implementation
// shells out to lsof, systemctl, semanage, kubectl, helm and minikube on a
// Linux host (locally or over SSH).
type Backend interface {
	Prober
	Catalog
}

// TranscriptSink receives sealed transcripts at the end of a run.
// The SQLite store implements this; a no-op sink is used in tests.
type TranscriptSink interface {
	// SaveTranscript persists a sealed transcript.
	SaveTranscript(ctx context.Context, result *RunResult) error
}
