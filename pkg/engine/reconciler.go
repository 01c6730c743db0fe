package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// PlanGate vets a computed plan before execution. The policy engine
// implements this to reject plans that violate operator rules.
type PlanGate interface {
	// CheckPlan returns a permanent error when the plan violates policy.
	CheckPlan(ctx context.Context, plan *Plan, settings Settings) error
}

// Reconciler drives the Planning -> Executing -> Verifying cycle until the
// environment converges, the cycle budget runs out, or the run aborts.
// One Reconciler handles one run at a time; the environment lease enforces
// mutual exclusion across processes.
type Reconciler struct {
	// backend probes resources and supplies remediation actions
	backend Backend

	// planner computes per-cycle plans
	planner *Planner

	// sink persists sealed transcripts, may be nil
	sink TranscriptSink

	// gate vets plans before execution, may be nil
	gate PlanGate

	// logger is the component logger
	logger *telemetry.Logger

	// metrics records run and action outcomes, may be nil
	metrics *telemetry.Metrics

	// mu protects resourceLocks
	mu sync.Mutex

	// resourceLocks serializes actions per resource identity
	resourceLocks map[string]*sync.Mutex

	// unitOutcomes tracks per-unit outcomes within the current cycle
	outcomesMu   sync.RWMutex
	unitOutcomes map[string]Outcome
}

// ReconcilerOptions configures optional reconciler collaborators.
type ReconcilerOptions struct {
	// Logger is the base logger; a default stderr logger is used when nil.
	Logger *telemetry.Logger

	// Metrics records Prometheus metrics for the run.
	Metrics *telemetry.Metrics

	// Sink receives the sealed transcript when the run ends.
	Sink TranscriptSink

	// Gate vets computed plans before execution.
	Gate PlanGate
}

// NewReconciler creates a reconciler over a backend.
func NewReconciler(backend Backend, opts ReconcilerOptions) (*Reconciler, error) {
	if backend == nil {
		return nil, NewPermanentError("backend is nil", nil).WithCode(ErrCodeValidation)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		if err != nil {
			return nil, NewPermanentError("failed to create default logger", err).
				WithCode(ErrCodeInternal)
		}
	}

	return &Reconciler{
		backend:       backend,
		planner:       NewPlanner(backend, logger, opts.Metrics),
		sink:          opts.Sink,
		gate:          opts.Gate,
		logger:        logger.NewComponentLogger("reconciler"),
		metrics:       opts.Metrics,
		resourceLocks: make(map[string]*sync.Mutex),
		unitOutcomes:  make(map[string]Outcome),
	}, nil
}

// Reconcile runs the full reconciliation loop against a desired state.
// It returns the run result for terminal states and an error only when the
// run could not start at all (lease contention, invalid desired state).
// Lease contention is detectable with IsRunInProgress; no actions have
// executed in that case.
func (r *Reconciler) Reconcile(ctx context.Context, desired *DesiredState) (*RunResult, error) {
	if desired == nil {
		return nil, NewPermanentError("desired state is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := validateDesired(desired); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	log := r.logger.WithRunID(runID)

	lease, err := AcquireLease(desired.Settings.LeasePath, runID)
	if err != nil {
		if IsRunInProgress(err) {
			log.Warn("environment lease held by another run")
		}
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			log.WithError(rerr).Error("failed to release lease")
		}
	}()

	transcript := NewTranscript(runID)
	result := &RunResult{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}

	transcript.Append(TranscriptEntry{
		Phase:   PhaseRun,
		Message: fmt.Sprintf("run started with %d resources", len(desired.Resources)),
	})
	log.WithField("resources", len(desired.Resources)).Info("run started")

	state, unresolved := r.runCycles(ctx, runID, desired, transcript, result)

	result.State = state
	result.Unresolved = unresolved
	result.CompletedAt = time.Now().UTC()

	transcript.Append(TranscriptEntry{
		Phase:   PhaseRun,
		Message: fmt.Sprintf("run ended in state %s after %d cycles", state, result.Cycles),
	})
	result.Transcript = transcript.Seal()

	if r.metrics != nil {
		r.metrics.RecordRunCompleted(string(state), result.Cycles,
			result.CompletedAt.Sub(result.StartedAt))
	}

	log.WithField("state", string(state)).
		WithField("cycles", result.Cycles).
		WithField("unresolved", len(unresolved)).
		Info("run ended")

	if r.sink != nil {
		if err := r.sink.SaveTranscript(ctx, result); err != nil {
			log.WithError(err).Error("failed to persist transcript")
		}
	}

	return result, nil
}

// runCycles executes up to MaxCycles probe/plan/execute/verify cycles and
// returns the terminal state with the resources still unresolved.
func (r *Reconciler) runCycles(
	ctx context.Context,
	runID string,
	desired *DesiredState,
	transcript *Transcript,
	result *RunResult,
) (RunState, []Resource) {
	log := r.logger.WithRunID(runID)

	for cycle := 1; cycle <= desired.Settings.MaxCycles; cycle++ {
		// Cancellation is honored between cycles; an in-flight cycle
		// always completes so the environment is never left mid-action.
		if err := ctx.Err(); err != nil {
			transcript.Append(TranscriptEntry{
				Cycle: cycle, Phase: PhaseRun,
				Message: "run cancelled before cycle start",
			})
			return RunStateAborted, r.unresolvedNow(ctx, desired)
		}

		result.Cycles = cycle
		cycleLog := log.WithField("cycle", cycle)
		cycleLog.Info("cycle started")

		facts, err := r.planner.ProbeAll(ctx, desired, transcript, cycle)
		if err != nil {
			transcript.Append(TranscriptEntry{
				Cycle: cycle, Phase: PhaseRun,
				Message: "probe phase failed", Error: err.Error(),
			})
			cycleLog.WithError(err).Error("probe phase failed, aborting")
			return RunStateAborted, specResources(desired)
		}

		plan, err := r.planner.ComputePlan(ctx, runID, cycle, desired, facts, transcript)
		if err != nil {
			transcript.Append(TranscriptEntry{
				Cycle: cycle, Phase: PhaseRun,
				Message: "planning failed", Error: err.Error(),
			})
			cycleLog.WithError(err).Error("planning failed, aborting")
			return RunStateAborted, r.mismatched(desired, facts)
		}

		if len(plan.Units) == 0 {
			cycleLog.Info("all resources in sync, converged")
			return RunStateConverged, nil
		}

		if r.gate != nil {
			if err := r.gate.CheckPlan(ctx, plan, desired.Settings); err != nil {
				transcript.Append(TranscriptEntry{
					Cycle: cycle, Phase: PhaseRun,
					Message: "plan rejected by policy", Error: err.Error(),
				})
				cycleLog.WithError(err).Error("plan rejected by policy, aborting")
				return RunStateAborted, r.mismatched(desired, facts)
			}
		}

		haltedResource, err := r.executePlan(ctx, runID, desired, plan, transcript)
		if err != nil {
			// A required action exhausted its retries. The run degrades
			// rather than burning remaining cycles on the same failure.
			cycleLog.WithError(err).
				WithField("resource", haltedResource.ID()).
				Warn("required action failed, degrading")
			return RunStateDegraded, r.unresolvedNow(ctx, desired)
		}
	}

	// Cycle budget exhausted. Probe one last time to report honestly.
	unresolved := r.unresolvedNow(ctx, desired)
	if len(unresolved) == 0 {
		return RunStateConverged, nil
	}
	log.WithField("unresolved", len(unresolved)).
		Warn("cycle budget exhausted with mismatches remaining")
	return RunStateDegraded, unresolved
}

// executePlan runs the plan level by level with a bounded worker pool.
// It returns a non-nil error and the offending resource when a unit without
// ContinueOnFailure fails; remaining levels are not scheduled.
func (r *Reconciler) executePlan(
	ctx context.Context,
	runID string,
	desired *DesiredState,
	plan *Plan,
	transcript *Transcript,
) (Resource, error) {
	r.outcomesMu.Lock()
	r.unitOutcomes = make(map[string]Outcome, len(plan.Units))
	r.outcomesMu.Unlock()

	unitsByID := make(map[string]*PlanUnit, len(plan.Units))
	for i := range plan.Units {
		unitsByID[plan.Units[i].ID] = &plan.Units[i]
	}

	// In-flight actions run to completion even if the run is cancelled.
	execCtx := context.WithoutCancel(ctx)

	for level := 0; level < plan.Graph.Depth; level++ {
		units := unitsAtLevel(plan, level)
		if len(units) == 0 {
			continue
		}

		if res, err := r.executeLevel(execCtx, runID, desired.Settings, plan.Cycle, units, unitsByID, transcript); err != nil {
			return res, err
		}
	}

	return Resource{}, nil
}

// executeLevel runs one topological level's units through a worker pool.
func (r *Reconciler) executeLevel(
	ctx context.Context,
	runID string,
	settings Settings,
	cycle int,
	units []*PlanUnit,
	unitsByID map[string]*PlanUnit,
	transcript *Transcript,
) (Resource, error) {
	workerCount := settings.MaxParallel
	if workerCount <= 0 {
		workerCount = 1
	}
	if len(units) < workerCount {
		workerCount = len(units)
	}

	workQueue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		workQueue <- unit
	}
	close(workQueue)

	type unitFailure struct {
		resource Resource
		err      error
	}

	var wg sync.WaitGroup
	failChan := make(chan unitFailure, len(units))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for unit := range workQueue {
				if !r.dependenciesSucceeded(unit, unitsByID) {
					r.recordOutcome(unit.ID, OutcomeSkipped)
					transcript.Append(TranscriptEntry{
						Cycle: cycle, Phase: PhaseExecute,
						Resource: unit.Resource.ID(),
						Action:   unit.ActionName,
						Outcome:  OutcomeSkipped,
						Error:    "dependency failed",
					})
					continue
				}

				outcome, err := r.executeUnit(ctx, runID, settings, cycle, unit, transcript)
				r.recordOutcome(unit.ID, outcome)

				if outcome == OutcomeFailure && !unit.ContinueOnFailure {
					failChan <- unitFailure{resource: unit.Resource, err: err}
				}
			}
		}()
	}

	wg.Wait()
	close(failChan)

	for f := range failChan {
		return f.resource, NewPermanentError(
			fmt.Sprintf("action failed for %s after retries", f.resource.ID()), f.err,
		).WithCode(ErrCodeActionFailed).WithResource(f.resource.ID())
	}

	return Resource{}, nil
}

// executeUnit applies one plan unit with retry and backoff, then verifies
// the result by re-probing. The per-resource lock guarantees no two actions
// ever touch the same resource concurrently.
func (r *Reconciler) executeUnit(
	ctx context.Context,
	runID string,
	settings Settings,
	cycle int,
	unit *PlanUnit,
	transcript *Transcript,
) (Outcome, error) {
	lock := r.lockFor(unit.Resource)
	lock.Lock()
	defer lock.Unlock()

	log := r.logger.WithRunID(runID).WithResourceID(unit.Resource.ID())

	action, err := r.backend.ActionFor(unit.Resource, unit.Target, unit.Observed)
	if err != nil || action == nil {
		transcript.Append(TranscriptEntry{
			Cycle: cycle, Phase: PhaseExecute,
			Resource: unit.Resource.ID(),
			Action:   unit.ActionName,
			Outcome:  OutcomeFailure,
			Error:    fmt.Sprintf("action %s no longer available", unit.ActionName),
		})
		return OutcomeFailure, err
	}

	// Precondition already satisfied means nothing to do. Skipped counts
	// as success for convergence.
	if action.Precondition != nil && !action.Precondition(unit.Observed) {
		transcript.Append(TranscriptEntry{
			Cycle: cycle, Phase: PhaseExecute,
			Resource:   unit.Resource.ID(),
			Action:     action.Name,
			Outcome:    OutcomeSkipped,
			FactBefore: &unit.Observed,
		})
		log.WithField("action", action.Name).Debug("precondition not met, skipped")
		return OutcomeSkipped, nil
	}

	var lastErr error
	for attempt := 1; attempt <= unit.MaxRetries; attempt++ {
		start := time.Now()
		err := action.Apply(ctx)
		duration := time.Since(start)

		entry := TranscriptEntry{
			Cycle: cycle, Phase: PhaseExecute,
			Resource:   unit.Resource.ID(),
			Action:     action.Name,
			Attempt:    attempt,
			FactBefore: &unit.Observed,
		}

		if err == nil {
			entry.Outcome = OutcomeSuccess
			transcript.Append(entry)
			if r.metrics != nil {
				r.metrics.RecordAction(string(unit.Resource.Kind), action.Name,
					string(OutcomeSuccess), duration)
			}
			return r.verifyUnit(ctx, cycle, unit, action, transcript)
		}

		lastErr = err
		entry.Outcome = OutcomeFailure
		entry.Error = err.Error()
		transcript.Append(entry)

		if r.metrics != nil {
			r.metrics.RecordAction(string(unit.Resource.Kind), action.Name,
				string(OutcomeFailure), duration)
		}
		log.WithField("action", action.Name).
			WithField("attempt", attempt).
			WithError(err).
			Warn("action attempt failed")

		if !IsRetryable(err) || attempt >= unit.MaxRetries {
			break
		}

		if r.metrics != nil {
			r.metrics.RecordRetry(string(unit.Resource.Kind))
		}

		backoff := calculateBackoff(attempt, settings)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return OutcomeFailure, NewPermanentError("cancelled during backoff", ctx.Err()).
				WithCode(ErrCodeCancelled)
		}
	}

	return OutcomeFailure, lastErr
}

// verifyUnit re-probes the resource after a successful apply and checks the
// action's postcondition. A postcondition miss is not a unit failure; the
// mismatch surfaces in the next cycle's probe phase.
func (r *Reconciler) verifyUnit(
	ctx context.Context,
	cycle int,
	unit *PlanUnit,
	action *Action,
	transcript *Transcript,
) (Outcome, error) {
	fact, err := r.backend.Probe(ctx, unit.Resource)
	if err != nil {
		transcript.Append(TranscriptEntry{
			Cycle: cycle, Phase: PhaseVerify,
			Resource: unit.Resource.ID(),
			Action:   action.Name,
			Outcome:  OutcomeFailure,
			Error:    err.Error(),
		})
		return OutcomeFailure, err
	}

	entry := TranscriptEntry{
		Cycle: cycle, Phase: PhaseVerify,
		Resource:  unit.Resource.ID(),
		Action:    action.Name,
		FactAfter: &fact,
	}

	if action.Postcondition != nil && !action.Postcondition(fact) {
		entry.Outcome = OutcomeFailure
		entry.Error = fmt.Sprintf("postcondition not satisfied, observed state %q", fact.State)
		transcript.Append(entry)
		// Applied cleanly but did not converge; retrying the same action
		// immediately would repeat the same result.
		return OutcomeSuccess, nil
	}

	entry.Outcome = OutcomeSuccess
	transcript.Append(entry)
	return OutcomeSuccess, nil
}

// dependenciesSucceeded reports whether all of a unit's dependencies
// reached a converging outcome.
func (r *Reconciler) dependenciesSucceeded(unit *PlanUnit, unitsByID map[string]*PlanUnit) bool {
	r.outcomesMu.RLock()
	defer r.outcomesMu.RUnlock()

	for _, depID := range unit.Dependencies {
		if _, planned := unitsByID[depID]; !planned {
			continue
		}
		outcome, done := r.unitOutcomes[depID]
		if !done || !outcome.Converged() {
			return false
		}
	}
	return true
}

func (r *Reconciler) recordOutcome(unitID string, outcome Outcome) {
	r.outcomesMu.Lock()
	defer r.outcomesMu.Unlock()
	r.unitOutcomes[unitID] = outcome
}

// lockFor returns the mutex serializing actions on one resource.
func (r *Reconciler) lockFor(resource Resource) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := resource.ID()
	lock, ok := r.resourceLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.resourceLocks[id] = lock
	}
	return lock
}

// unresolvedNow re-probes every resource and returns those still mismatched,
// sorted by identity for stable reporting.
func (r *Reconciler) unresolvedNow(ctx context.Context, desired *DesiredState) []Resource {
	probeCtx := context.WithoutCancel(ctx)

	unresolved := make([]Resource, 0)
	for _, spec := range desired.Resources {
		fact, err := r.backend.Probe(probeCtx, spec.Resource)
		if err != nil {
			unresolved = append(unresolved, spec.Resource)
			continue
		}
		if !r.backend.Matches(spec.Resource, fact, spec.Target) {
			unresolved = append(unresolved, spec.Resource)
		}
	}
	sort.Slice(unresolved, func(i, j int) bool {
		return unresolved[i].ID() < unresolved[j].ID()
	})
	return unresolved
}

// mismatched filters the desired resources down to those whose last observed
// fact does not match the target.
func (r *Reconciler) mismatched(desired *DesiredState, facts map[Resource]Fact) []Resource {
	out := make([]Resource, 0)
	for _, spec := range desired.Resources {
		fact, ok := facts[spec.Resource]
		if !ok || !r.backend.Matches(spec.Resource, fact, spec.Target) {
			out = append(out, spec.Resource)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// calculateBackoff computes the delay before the next attempt:
// base * 2^(attempt-1), capped.
func calculateBackoff(attempt int, settings Settings) time.Duration {
	base := settings.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	limit := settings.BackoffCap
	if limit <= 0 {
		limit = 30 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > limit || delay < 0 {
		delay = limit
	}
	return delay
}

// validateDesired checks a desired state for structural problems that no
// amount of reconciliation can fix.
func validateDesired(desired *DesiredState) error {
	if len(desired.Resources) == 0 {
		return NewPermanentError("desired state has no resources", nil).
			WithCode(ErrCodeValidation)
	}
	if desired.Settings.MaxCycles <= 0 || desired.Settings.MaxRetries <= 0 {
		return NewPermanentError("settings must allow at least one cycle and one attempt", nil).
			WithCode(ErrCodeValidation)
	}
	if desired.Settings.LeasePath == "" {
		return NewPermanentError("lease path is empty", nil).
			WithCode(ErrCodeValidation)
	}

	seen := make(map[Resource]bool, len(desired.Resources))
	for _, spec := range desired.Resources {
		if err := spec.Resource.Kind.Validate(); err != nil {
			return NewPermanentError("invalid resource kind", err).
				WithCode(ErrCodeValidation).WithResource(spec.Resource.ID())
		}
		if spec.Resource.Name == "" {
			return NewPermanentError("resource name is empty", nil).
				WithCode(ErrCodeValidation).WithResource(spec.Resource.ID())
		}
		if seen[spec.Resource] {
			return NewPermanentError(
				fmt.Sprintf("duplicate resource %s", spec.Resource.ID()), nil,
			).WithCode(ErrCodeValidation).WithResource(spec.Resource.ID())
		}
		seen[spec.Resource] = true
		if spec.Target.State == "" {
			return NewPermanentError("target state is empty", nil).
				WithCode(ErrCodeValidation).WithResource(spec.Resource.ID())
		}
	}
	return nil
}

// unitsAtLevel returns pointers to the plan units at a topological level.
func unitsAtLevel(plan *Plan, level int) []*PlanUnit {
	units := make([]*PlanUnit, 0)
	for i := range plan.Units {
		if plan.Units[i].Level == level {
			units = append(units, &plan.Units[i])
		}
	}
	return units
}

// specResources returns the resource identities of a desired state.
func specResources(desired *DesiredState) []Resource {
	out := make([]Resource, 0, len(desired.Resources))
	for _, spec := range desired.Resources {
		out = append(out, spec.Resource)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
