package stores

import (
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Run is one recorded reconciliation run.
type Run struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// State is the terminal run state.
	State engine.RunState `json:"state"`

	// Cycles is the number of cycles the run executed.
	Cycles int `json:"cycles"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Unresolved lists resources still mismatched when the run ended.
	Unresolved []engine.Resource `json:"unresolved,omitempty"`

	// TranscriptID is the sealed transcript identifier, empty when the
	// run saved no transcript.
	TranscriptID string `json:"transcript_id,omitempty"`

	// SealedAt is when the transcript was sealed.
	SealedAt time.Time `json:"sealed_at,omitempty"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// Converged reports whether the run ended with the environment converged.
func (r *Run) Converged() bool {
	return r.State == engine.RunStateConverged
}

// Duration is the wall-clock length of the run.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunDiff compares two recorded runs resource by resource.
type RunDiff struct {
	// RunA and RunB are the compared run IDs.
	RunA string `json:"run_a"`
	RunB string `json:"run_b"`

	// Fixed lists resources unresolved in A but resolved in B.
	Fixed []engine.Resource `json:"fixed,omitempty"`

	// Broke lists resources resolved in A but unresolved in B.
	Broke []engine.Resource `json:"broke,omitempty"`

	// StillUnresolved lists resources unresolved in both runs.
	StillUnresolved []engine.Resource `json:"still_unresolved,omitempty"`
}
