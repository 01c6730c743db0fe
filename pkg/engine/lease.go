package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Lease is the run-level mutual exclusion guard for a target environment.
// It is a lock file created with O_EXCL; a second run against the same
// environment fails fast with RUN_IN_PROGRESS before mutating anything.
type Lease struct {
	path string
	file *os.File
}

// leasePayload is written into the lock file for diagnostics.
type leasePayload struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLease takes the environment lease for a run. It returns a conflict
// error with the RUN_IN_PROGRESS code when another run already holds it.
// A lease left behind by a crashed run, one whose holder pid no longer
// exists, is broken and re-acquired.
func AcquireLease(path, runID string) (*Lease, error) {
	f, err := createLeaseFile(path)
	if err != nil {
		if os.IsExist(err) {
			if holder, stale := readHolder(path); stale {
				if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
					return nil, NewPermanentError("failed to break stale lease", rmErr).
						WithCode(ErrCodeInternal)
				}
				f, err = createLeaseFile(path)
			} else {
				return nil, NewConflictError(
					fmt.Sprintf("another reconciliation run is in progress (%s)", holder),
					err,
				).WithCode(ErrCodeRunInProgress)
			}
		}
		if err != nil {
			if os.IsExist(err) {
				// Another run won the race for the broken lease.
				return nil, NewConflictError(
					fmt.Sprintf("another reconciliation run is in progress (%s)", describeHolder(path)),
					err,
				).WithCode(ErrCodeRunInProgress)
			}
			return nil, NewPermanentError(
				fmt.Sprintf("failed to create lease file %s", path), err,
			).WithCode(ErrCodeInternal)
		}
	}

	payload := leasePayload{
		RunID:      runID,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	if err := json.NewEncoder(f).Encode(payload); err != nil {
		f.Close()
		os.Remove(path)
		return nil, NewPermanentError("failed to write lease payload", err).
			WithCode(ErrCodeInternal)
	}

	return &Lease{path: path, file: f}, nil
}

// Release removes the lease file. Safe to call once per acquired lease;
// the reconciler releases on every exit path, including cancellation.
func (l *Lease) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.file.Close()
	l.file = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return NewPermanentError("failed to remove lease file", err).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// Path returns the lease file path.
func (l *Lease) Path() string {
	return l.path
}

func createLeaseFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// readHolder describes the lease holder and reports whether the lease is
// stale. A lease whose payload names a dead pid is stale; an unreadable or
// partially written payload is not, the holder may still be writing it.
func readHolder(path string) (holder string, stale bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "holder unknown", false
	}
	var p leasePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "holder unknown", false
	}
	holder = fmt.Sprintf("run %s, pid %d, since %s", p.RunID, p.PID, p.AcquiredAt.Format(time.RFC3339))
	return holder, p.PID > 0 && !pidAlive(p.PID)
}

func describeHolder(path string) string {
	holder, _ := readHolder(path)
	return holder
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
