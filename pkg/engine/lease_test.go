package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLease_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lease")

	lease, err := AcquireLease(path, "run-1")
	if err != nil {
		t.Fatalf("Expected lease acquisition to succeed, got: %v", err)
	}
	defer lease.Release()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected lease file to exist: %v", err)
	}
}

func TestAcquireLease_Contention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lease")

	first, err := AcquireLease(path, "run-1")
	if err != nil {
		t.Fatalf("Expected first acquisition to succeed, got: %v", err)
	}
	defer first.Release()

	_, err = AcquireLease(path, "run-2")
	if err == nil {
		t.Fatal("Expected second acquisition to fail")
	}

	if !IsRunInProgress(err) {
		t.Errorf("Expected RUN_IN_PROGRESS error, got: %v", err)
	}

	if !IsConflict(err) {
		t.Errorf("Expected conflict classification, got: %v", err)
	}
}

func TestAcquireLease_BreaksStaleLeaseFromDeadProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lease")

	// A crashed run never reaches Release; its lease file names a pid
	// that no longer exists.
	stale := `{"run_id":"crashed-run","pid":999999999,"acquired_at":"2026-03-14T09:00:00Z"}` + "\n"
	if err := os.WriteFile(path, []byte(stale), 0o644); err != nil {
		t.Fatalf("Failed to write stale lease: %v", err)
	}

	lease, err := AcquireLease(path, "run-2")
	if err != nil {
		t.Fatalf("Expected stale lease to be broken and re-acquired, got: %v", err)
	}
	defer lease.Release()

	holder, staleAgain := readHolder(path)
	if staleAgain {
		t.Error("Expected the fresh lease to name a live holder")
	}
	if holder == "holder unknown" {
		t.Error("Expected the fresh lease payload to be readable")
	}
}

func TestAcquireLease_KeepsLeaseWithUnreadablePayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lease")

	// A payload that is not yet valid JSON may still be mid-write by a
	// live holder; it must not be treated as stale.
	if err := os.WriteFile(path, []byte(`{"run_id":"run-1","pi`), 0o644); err != nil {
		t.Fatalf("Failed to write partial lease: %v", err)
	}

	_, err := AcquireLease(path, "run-2")
	if err == nil {
		t.Fatal("Expected acquisition to fail against a partial lease")
	}
	if !IsRunInProgress(err) {
		t.Errorf("Expected RUN_IN_PROGRESS error, got: %v", err)
	}
}

func TestLease_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lease")

	lease, err := AcquireLease(path, "run-1")
	if err != nil {
		t.Fatalf("Expected acquisition to succeed, got: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Expected release to succeed, got: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected lease file removed after release")
	}

	second, err := AcquireLease(path, "run-2")
	if err != nil {
		t.Fatalf("Expected reacquisition to succeed, got: %v", err)
	}
	second.Release()
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lease")

	lease, err := AcquireLease(path, "run-1")
	if err != nil {
		t.Fatalf("Expected acquisition to succeed, got: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Expected first release to succeed, got: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Expected second release to be a no-op, got: %v", err)
	}
}
