package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TranscriptEntry is one append-only record of an observation, decision,
// or action attempt during a run.
type TranscriptEntry struct {
	// Seq is the entry's position in the transcript, starting at 1.
	Seq int `json:"seq"`

	// RunID is the run this entry belongs to.
	RunID string `json:"run_id"`

	// Cycle is the 1-based cycle number, 0 for run-level entries.
	Cycle int `json:"cycle,omitempty"`

	// Phase is the part of the cycle that produced the entry.
	Phase Phase `json:"phase"`

	// Resource is the resource the entry concerns, empty for run-level entries.
	Resource string `json:"resource,omitempty"`

	// FactBefore is the observation before an action, or the probe result.
	FactBefore *Fact `json:"fact_before,omitempty"`

	// Action names the catalog action, for plan and execute entries.
	Action string `json:"action,omitempty"`

	// Attempt is the 1-based attempt number for execute entries.
	Attempt int `json:"attempt,omitempty"`

	// Outcome is the result of an execute or verify entry.
	Outcome Outcome `json:"outcome,omitempty"`

	// Error is the error message for failed attempts.
	Error string `json:"error,omitempty"`

	// FactAfter is the re-probed observation after an action.
	FactAfter *Fact `json:"fact_after,omitempty"`

	// Message is free-form detail for run-level entries.
	Message string `json:"message,omitempty"`

	// Timestamp is when the entry was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Transcript accumulates entries for one run. It is safe for concurrent
// append from the worker pool. Once sealed, no further entries are accepted.
type Transcript struct {
	mu      sync.Mutex
	runID   string
	entries []TranscriptEntry
	sealed  bool
}

// NewTranscript creates an empty transcript for a run.
func NewTranscript(runID string) *Transcript {
	return &Transcript{
		runID:   runID,
		entries: make([]TranscriptEntry, 0, 64),
	}
}

// Append records an entry, assigning its sequence number and timestamp.
// Appends after sealing are dropped; the run has already ended.
func (t *Transcript) Append(entry TranscriptEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}

	entry.Seq = len(t.entries) + 1
	entry.RunID = t.runID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	t.entries = append(t.entries, entry)
}

// Len returns the number of entries recorded so far.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Seal freezes the transcript and returns the immutable sealed record.
// Sealing is idempotent; subsequent calls return an equivalent snapshot.
func (t *Transcript) Seal() *SealedTranscript {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sealed = true

	entries := make([]TranscriptEntry, len(t.entries))
	copy(entries, t.entries)

	return &SealedTranscript{
		ID:       uuid.New().String(),
		RunID:    t.runID,
		Entries:  entries,
		SealedAt: time.Now().UTC(),
	}
}

// SealedTranscript is the immutable record of a completed run. Its entries
// slice is a private copy; mutating it does not affect the transcript.
type SealedTranscript struct {
	// ID is the unique identifier for the sealed transcript.
	ID string `json:"id"`

	// RunID is the run the transcript records.
	RunID string `json:"run_id"`

	// Entries are the transcript entries in sequence order.
	Entries []TranscriptEntry `json:"entries"`

	// SealedAt is when the transcript was sealed.
	SealedAt time.Time `json:"sealed_at"`
}

// ForResource returns the entries concerning one resource, in order.
func (s *SealedTranscript) ForResource(r Resource) []TranscriptEntry {
	id := r.ID()
	out := make([]TranscriptEntry, 0)
	for _, e := range s.Entries {
		if e.Resource == id {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns the entries with a failure outcome.
func (s *SealedTranscript) Failures() []TranscriptEntry {
	out := make([]TranscriptEntry, 0)
	for _, e := range s.Entries {
		if e.Outcome == OutcomeFailure {
			out = append(out, e)
		}
	}
	return out
}
