package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

// emitRunResult renders a finished run. JSON mode emits a record stream:
// one JSON object per transcript entry followed by a run summary record.
// Text mode prints a human-readable report.
func emitRunResult(w io.Writer, result *engine.RunResult, asJSON bool) error {
	if asJSON {
		return emitRecordStream(w, result)
	}
	emitTextReport(w, result)
	return nil
}

// runSummary is the terminal record of the JSON stream.
type runSummary struct {
	Record      string            `json:"record"`
	RunID       string            `json:"run_id"`
	State       engine.RunState   `json:"state"`
	ExitCode    int               `json:"exit_code"`
	Cycles      int               `json:"cycles"`
	DurationSec float64           `json:"duration_seconds"`
	Unresolved  []engine.Resource `json:"unresolved,omitempty"`
}

// entryRecord wraps a transcript entry with its stream record type.
type entryRecord struct {
	Record string `json:"record"`
	engine.TranscriptEntry
}

func emitRecordStream(w io.Writer, result *engine.RunResult) error {
	enc := json.NewEncoder(w)

	if result.Transcript != nil {
		for _, e := range result.Transcript.Entries {
			if err := enc.Encode(entryRecord{Record: "entry", TranscriptEntry: e}); err != nil {
				return err
			}
		}
	}

	return enc.Encode(runSummary{
		Record:      "summary",
		RunID:       result.RunID,
		State:       result.State,
		ExitCode:    result.State.ExitCode(),
		Cycles:      result.Cycles,
		DurationSec: result.CompletedAt.Sub(result.StartedAt).Seconds(),
		Unresolved:  result.Unresolved,
	})
}

func emitTextReport(w io.Writer, result *engine.RunResult) {
	fmt.Fprintf(w, "Run %s: %s\n", result.RunID, strings.ToUpper(string(result.State)))
	fmt.Fprintf(w, "  cycles:   %d\n", result.Cycles)
	fmt.Fprintf(w, "  duration: %s\n", result.CompletedAt.Sub(result.StartedAt).Round(10*time.Millisecond))

	if result.Transcript != nil {
		actions, failures := countOutcomes(result.Transcript)
		fmt.Fprintf(w, "  actions:  %d (%d failed attempts)\n", actions, failures)
	}

	if len(result.Unresolved) > 0 {
		fmt.Fprintln(w, "  unresolved:")
		for _, r := range result.Unresolved {
			fmt.Fprintf(w, "    - %s\n", r.ID())
		}
	}

	if result.Transcript != nil {
		emitResourceOutcomes(w, result)
	}
}

// emitResourceOutcomes prints the last action outcome per touched resource.
func emitResourceOutcomes(w io.Writer, result *engine.RunResult) {
	type last struct {
		action  string
		outcome engine.Outcome
	}
	lasts := make(map[string]last)
	for _, e := range result.Transcript.Entries {
		if e.Phase != engine.PhaseExecute || e.Resource == "" {
			continue
		}
		lasts[e.Resource] = last{action: e.Action, outcome: e.Outcome}
	}
	if len(lasts) == 0 {
		return
	}

	ids := make([]string, 0, len(lasts))
	for id := range lasts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(w, "  resources:")
	for _, id := range ids {
		l := lasts[id]
		fmt.Fprintf(w, "    %-30s %-24s %s\n", id, l.action, l.outcome)
	}
}

func countOutcomes(t *engine.SealedTranscript) (actions, failures int) {
	for _, e := range t.Entries {
		if e.Phase != engine.PhaseExecute {
			continue
		}
		actions++
		if e.Outcome == engine.OutcomeFailure {
			failures++
		}
	}
	return actions, failures
}
