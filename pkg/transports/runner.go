// Package transports provides command execution against target hosts.
//
// Probes and actions never talk to the operating system directly; they go
// through a Runner so the same backend works against the local host and
// remote hosts over SSH.
package transports

import (
	"context"
	"io/fs"
	"time"
)

// Result is the outcome of one command execution.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the command's exit code. Zero on success.
	ExitCode int

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Succeeded reports whether the command exited zero.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner executes commands and basic file operations on a target host.
//
// Run returns an error only when the command could not be executed at all
// (binary missing, connection lost, context cancelled). A command that ran
// and exited non-zero returns a nil error with the exit code in the Result;
// probes depend on this to distinguish "tool said no" from "tool missing".
type Runner interface {
	// Run executes a command with arguments and captures its output.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// LookPath resolves a tool name to its path on the target host.
	LookPath(name string) (string, error)

	// ReadFile reads a file from the target host.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file on the target host, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// Remove deletes a file or empty directory on the target host.
	// Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error

	// Exists reports whether a path exists on the target host.
	Exists(ctx context.Context, path string) (bool, error)
}
