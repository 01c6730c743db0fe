package transports

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLocalRunner_Run_Success(t *testing.T) {
	runner := NewLocalRunner()

	result, err := runner.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Expected command to run, got: %v", err)
	}

	if !result.Succeeded() {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}

	if result.Stdout != "hello\n" {
		t.Errorf("Expected stdout %q, got %q", "hello\n", result.Stdout)
	}
}

func TestLocalRunner_Run_NonZeroExitIsNotAnError(t *testing.T) {
	runner := NewLocalRunner()

	result, err := runner.Run(context.Background(), "sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("Expected nil error for non-zero exit, got: %v", err)
	}

	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
}

func TestLocalRunner_Run_MissingBinaryIsAnError(t *testing.T) {
	runner := NewLocalRunner()

	_, err := runner.Run(context.Background(), "definitely-not-a-real-binary-xyz")
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}
}

func TestLocalRunner_Run_Cancelled(t *testing.T) {
	runner := NewLocalRunner()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, "sleep", "10")
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestLocalRunner_FileOperations(t *testing.T) {
	runner := NewLocalRunner()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "nested", "api.conf")

	exists, err := runner.Exists(ctx, path)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Expected path to not exist yet")
	}

	content := []byte("server { listen 9090; }\n")
	if err := runner.WriteFile(ctx, path, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	exists, err = runner.Exists(ctx, path)
	if err != nil || !exists {
		t.Fatalf("Expected path to exist after write, got exists=%v err=%v", exists, err)
	}

	data, err := runner.ReadFile(ctx, path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("Expected content round-trip, got %q", string(data))
	}

	if err := runner.Remove(ctx, path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// Removing again is a no-op.
	if err := runner.Remove(ctx, path); err != nil {
		t.Errorf("Expected second remove to be a no-op, got: %v", err)
	}
}
