package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "converge.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testResult(runID string, state engine.RunState, started time.Time) *engine.RunResult {
	port := engine.Resource{Kind: engine.KindPort, Name: "9090"}
	service := engine.Resource{Kind: engine.KindService, Name: "nginx"}

	result := &engine.RunResult{
		RunID:       runID,
		State:       state,
		Cycles:      2,
		StartedAt:   started,
		CompletedAt: started.Add(45 * time.Second),
		Transcript: &engine.SealedTranscript{
			ID:       "transcript-" + runID,
			RunID:    runID,
			SealedAt: started.Add(45 * time.Second),
			Entries: []engine.TranscriptEntry{
				{
					Seq:       1,
					RunID:     runID,
					Phase:     engine.PhaseRun,
					Message:   "run started",
					Timestamp: started,
				},
				{
					Seq:      2,
					RunID:    runID,
					Cycle:    1,
					Phase:    engine.PhaseProbe,
					Resource: port.ID(),
					FactBefore: &engine.Fact{
						Resource: port,
						State:    "bound",
						Owner:    "python3",
					},
					Timestamp: started.Add(time.Second),
				},
				{
					Seq:       3,
					RunID:     runID,
					Cycle:     1,
					Phase:     engine.PhaseExecute,
					Resource:  service.ID(),
					Action:    "start-service",
					Attempt:   1,
					Outcome:   engine.OutcomeSuccess,
					Timestamp: started.Add(2 * time.Second),
				},
			},
		},
	}

	if state == engine.RunStateDegraded {
		result.Unresolved = []engine.Resource{port}
	}
	return result
}

func TestSaveTranscript_RoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	if err := store.SaveTranscript(ctx, testResult("run-1", engine.RunStateConverged, started)); err != nil {
		t.Fatalf("Failed to save transcript: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if run.State != engine.RunStateConverged {
		t.Errorf("Expected converged state, got %s", run.State)
	}
	if run.Cycles != 2 {
		t.Errorf("Expected 2 cycles, got %d", run.Cycles)
	}
	if !run.Converged() {
		t.Error("Expected Converged() to be true")
	}
	if run.TranscriptID != "transcript-run-1" {
		t.Errorf("Expected transcript ID, got %q", run.TranscriptID)
	}

	transcript, err := store.GetTranscript(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to get transcript: %v", err)
	}
	if len(transcript.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(transcript.Entries))
	}

	probe := transcript.Entries[1]
	if probe.Phase != engine.PhaseProbe {
		t.Errorf("Expected probe phase, got %s", probe.Phase)
	}
	if probe.FactBefore == nil || probe.FactBefore.Owner != "python3" {
		t.Errorf("Expected probe fact with owner python3, got %+v", probe.FactBefore)
	}

	execute := transcript.Entries[2]
	if execute.Action != "start-service" || execute.Outcome != engine.OutcomeSuccess {
		t.Errorf("Unexpected execute entry: %+v", execute)
	}
}

func TestSaveTranscript_PersistsUnresolved(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	result := testResult("run-degraded", engine.RunStateDegraded, time.Now())
	if err := store.SaveTranscript(ctx, result); err != nil {
		t.Fatalf("Failed to save transcript: %v", err)
	}

	run, err := store.GetRun(ctx, "run-degraded")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if len(run.Unresolved) != 1 || run.Unresolved[0].ID() != "port/9090" {
		t.Errorf("Expected port/9090 unresolved, got %+v", run.Unresolved)
	}
}

func TestSaveTranscript_DuplicateRunFails(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	result := testResult("run-dup", engine.RunStateConverged, time.Now())
	if err := store.SaveTranscript(ctx, result); err != nil {
		t.Fatalf("Failed to save transcript: %v", err)
	}
	if err := store.SaveTranscript(ctx, result); err == nil {
		t.Error("Expected duplicate run insert to fail")
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		result := testResult(id, engine.RunStateConverged, base.Add(time.Duration(i)*time.Minute))
		if err := store.SaveTranscript(ctx, result); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" || runs[2].ID != "run-old" {
		t.Errorf("Expected newest-first order, got %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Failed to page runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-mid" {
		t.Errorf("Expected run-mid on page 2, got %+v", page)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRun(context.Background(), "run-missing")
	if err == nil {
		t.Fatal("Expected error for missing run")
	}
}

func TestResourceHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-1", "run-2"} {
		result := testResult(id, engine.RunStateConverged, base.Add(time.Duration(i)*time.Minute))
		if err := store.SaveTranscript(ctx, result); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	history, err := store.ResourceHistory(ctx, "port/9090", 10)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(history))
	}
	if history[0].RunID != "run-2" {
		t.Errorf("Expected newest entry first, got run %s", history[0].RunID)
	}
	for _, e := range history {
		if e.Resource != "port/9090" {
			t.Errorf("Expected port/9090 entries only, got %s", e.Resource)
		}
	}
}

func TestDiffRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	degraded := testResult("run-a", engine.RunStateDegraded, time.Now().Add(-time.Hour))
	if err := store.SaveTranscript(ctx, degraded); err != nil {
		t.Fatalf("Failed to save run-a: %v", err)
	}

	converged := testResult("run-b", engine.RunStateConverged, time.Now())
	if err := store.SaveTranscript(ctx, converged); err != nil {
		t.Fatalf("Failed to save run-b: %v", err)
	}

	diff, err := store.DiffRuns(ctx, "run-a", "run-b")
	if err != nil {
		t.Fatalf("Failed to diff runs: %v", err)
	}
	if len(diff.Fixed) != 1 || diff.Fixed[0].ID() != "port/9090" {
		t.Errorf("Expected port/9090 fixed, got %+v", diff.Fixed)
	}
	if len(diff.Broke) != 0 {
		t.Errorf("Expected nothing broken, got %+v", diff.Broke)
	}
	if len(diff.StillUnresolved) != 0 {
		t.Errorf("Expected nothing still unresolved, got %+v", diff.StillUnresolved)
	}

	reversed, err := store.DiffRuns(ctx, "run-b", "run-a")
	if err != nil {
		t.Fatalf("Failed to diff runs: %v", err)
	}
	if len(reversed.Broke) != 1 {
		t.Errorf("Expected port/9090 broken in reverse diff, got %+v", reversed.Broke)
	}
}

func TestDiffRuns_IdenticalRunsShowOnlyStillUnresolved(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"run-x", "run-y"} {
		result := testResult(id, engine.RunStateDegraded, time.Now())
		if err := store.SaveTranscript(ctx, result); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	diff, err := store.DiffRuns(ctx, "run-x", "run-y")
	if err != nil {
		t.Fatalf("Failed to diff runs: %v", err)
	}
	if len(diff.Fixed) != 0 || len(diff.Broke) != 0 {
		t.Errorf("Expected no changes between identical runs, got %+v", diff)
	}
	if len(diff.StillUnresolved) != 1 {
		t.Errorf("Expected the shared unresolved resource, got %+v", diff.StillUnresolved)
	}
}

func TestDeleteRun_CascadesEntries(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTranscript(ctx, testResult("run-del", engine.RunStateConverged, time.Now())); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-del"); err != nil {
		t.Fatalf("Failed to delete run: %v", err)
	}

	if _, err := store.GetRun(ctx, "run-del"); err == nil {
		t.Error("Expected run to be gone")
	}
	history, err := store.ResourceHistory(ctx, "port/9090", 10)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected entries to cascade, got %d", len(history))
	}

	if err := store.DeleteRun(ctx, "run-del"); err == nil {
		t.Error("Expected error deleting missing run")
	}
}

func TestPruneRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		id := "run-" + string(rune('a'+i))
		result := testResult(id, engine.RunStateConverged, base.Add(time.Duration(i)*time.Minute))
		if err := store.SaveTranscript(ctx, result); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	removed, err := store.PruneRuns(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to prune runs: %v", err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 runs pruned, got %d", removed)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs left, got %d", len(runs))
	}
	if runs[0].ID != "run-e" || runs[1].ID != "run-d" {
		t.Errorf("Expected newest runs kept, got %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
}
