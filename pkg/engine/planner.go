package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Planner probes the environment and computes the action plan for one cycle.
// A plan covers only resources whose observed state mismatches the target;
// in-sync resources produce no plan unit.
type Planner struct {
	// backend probes resources and selects remediation actions
	backend Backend

	// logger is the component logger
	logger *telemetry.Logger

	// metrics records probe durations and outcomes, may be nil
	metrics *telemetry.Metrics
}

// NewPlanner creates a new planner over a backend.
func NewPlanner(backend Backend, logger *telemetry.Logger, metrics *telemetry.Metrics) *Planner {
	return &Planner{
		backend: backend,
		logger:  logger.NewComponentLogger("planner"),
		metrics: metrics,
	}
}

// ProbeAll observes the current state of every resource in the desired state.
// Probes are read-only; each observation is recorded in the transcript.
// A probe error aborts planning: remediating on top of unknown state is
// worse than stopping.
func (p *Planner) ProbeAll(
	ctx context.Context,
	desired *DesiredState,
	transcript *Transcript,
	cycle int,
) (map[Resource]Fact, error) {
	facts := make(map[Resource]Fact, len(desired.Resources))

	for _, spec := range desired.Resources {
		if err := ctx.Err(); err != nil {
			return nil, NewPermanentError("probe phase cancelled", err).
				WithCode(ErrCodeCancelled)
		}

		start := time.Now()
		fact, err := p.backend.Probe(ctx, spec.Resource)
		if p.metrics != nil {
			p.metrics.RecordProbe(string(spec.Resource.Kind), time.Since(start), err != nil)
		}
		if err != nil {
			p.logger.WithResourceID(spec.Resource.ID()).WithError(err).
				Error("probe failed")
			if IsProbeUnavailable(err) {
				return nil, err
			}
			return nil, NewPermanentError(
				fmt.Sprintf("probe failed for %s", spec.Resource.ID()), err,
			).WithCode(ErrCodeProbeUnavailable).WithResource(spec.Resource.ID())
		}

		facts[spec.Resource] = fact

		transcript.Append(TranscriptEntry{
			Cycle:      cycle,
			Phase:      PhaseProbe,
			Resource:   spec.Resource.ID(),
			FactBefore: &fact,
		})

		p.logger.WithResourceID(spec.Resource.ID()).
			WithField("state", fact.State).
			WithField("source", fact.Source).
			Debug("probed resource")
	}

	return facts, nil
}

// ComputePlan diffs observed facts against targets and builds the plan for
// one cycle: one unit per mismatched resource, wired into a dependency DAG
// by resource kind.
func (p *Planner) ComputePlan(
	ctx context.Context,
	runID string,
	cycle int,
	desired *DesiredState,
	facts map[Resource]Fact,
	transcript *Transcript,
) (*Plan, error) {
	units := make([]PlanUnit, 0, len(desired.Resources))

	for _, spec := range desired.Resources {
		fact, ok := facts[spec.Resource]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("no fact observed for %s", spec.Resource.ID()), nil,
			).WithCode(ErrCodeInternal).WithResource(spec.Resource.ID())
		}

		if p.backend.Matches(spec.Resource, fact, spec.Target) {
			continue
		}

		action, err := p.backend.ActionFor(spec.Resource, spec.Target, fact)
		if err != nil {
			return nil, err
		}
		if action == nil {
			return nil, NewPermanentError(
				fmt.Sprintf("no action reaches state %q for %s", spec.Target.State, spec.Resource.ID()),
				nil,
			).WithCode(ErrCodeValidation).WithResource(spec.Resource.ID())
		}

		if action.Destructive && !desired.Settings.AllowDestructive {
			return nil, NewPermanentError(
				fmt.Sprintf("action %s on %s is destructive and allow_destructive is not set",
					action.Name, spec.Resource.ID()),
				nil,
			).WithCode(ErrCodeValidation).WithResource(spec.Resource.ID())
		}

		maxRetries := desired.Settings.MaxRetries
		if spec.MaxRetries != nil {
			maxRetries = *spec.MaxRetries
		}

		unit := PlanUnit{
			ID:                unitID(spec.Resource, cycle),
			Resource:          spec.Resource,
			ActionName:        action.Name,
			Target:            spec.Target,
			Observed:          fact,
			ContinueOnFailure: spec.ContinueOnFailure,
			MaxRetries:        maxRetries,
		}
		units = append(units, unit)

		transcript.Append(TranscriptEntry{
			Cycle:      cycle,
			Phase:      PhasePlan,
			Resource:   spec.Resource.ID(),
			FactBefore: &fact,
			Action:     action.Name,
		})
	}

	p.wireDependencies(units)

	graph, err := NewGraphBuilder().Build(units)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		RunID:     runID,
		Cycle:     cycle,
		CreatedAt: time.Now().UTC(),
		Units:     units,
		Graph:     graph,
	}

	p.logger.WithRunID(runID).
		WithField("cycle", cycle).
		WithField("units", len(units)).
		WithField("depth", graph.Depth).
		Info("computed plan")

	return plan, nil
}

// wireDependencies adds kind-level ordering edges between planned units.
// Edges exist only between kinds in the static dependency table; units of
// unrelated kinds stay independent and may execute in parallel.
func (p *Planner) wireDependencies(units []PlanUnit) {
	for i := range units {
		for j := range units {
			if i == j {
				continue
			}
			if kindDependsOn(units[j].Resource.Kind, units[i].Resource.Kind) {
				units[i].Dependencies = append(units[i].Dependencies, units[j].ID)
			}
		}
	}
}

// unitID builds a deterministic plan unit identifier. Determinism keeps
// transcripts diffable across runs of the same desired state.
func unitID(r Resource, cycle int) string {
	return fmt.Sprintf("%s@c%d", r.ID(), cycle)
}
