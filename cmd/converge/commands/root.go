// Package commands implements the converge CLI: plan, reconcile, facts,
// runs and watch.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/policy"
	"github.com/openconverge/openconverge/pkg/providers/host"
	"github.com/openconverge/openconverge/pkg/stores"
	"github.com/openconverge/openconverge/pkg/telemetry"
	"github.com/openconverge/openconverge/pkg/transports"
	"github.com/openconverge/openconverge/pkg/transports/ssh"
)

var (
	// Global flags
	logLevel   string
	logFormat  string
	jsonOutput bool
	dbPath     string

	// Target flags: empty target means the local host
	sshTarget     string
	sshPort       int
	sshKeyPath    string
	sshKnownHosts string
	sshInsecure   bool
	useSudo       bool

	// Policy flags
	policyPaths []string

	// Metrics flags
	metricsEnabled bool
	metricsListen  string
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// ExitCode maps a command error to the process exit code: 0 for success,
// the engine's exit codes for terminal run states and lease contention,
// 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if engine.IsRunInProgress(err) {
		return engine.ExitRunInProgress
	}
	return 1
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)

	// Run-state exits are reported by the command itself; do not let
	// cobra print them a second time.
	var ee *exitError
	if errors.As(err, &ee) && ee.msg == "" {
		return ee
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge - declarative deployment reconciliation",
		Long: `Converge reconciles a host environment against a declared desired state.

Instead of running deployment steps in a fixed order and hoping, converge
probes the current state of every declared resource (ports, services,
SELinux booleans and port labels, Kubernetes namespaces, Helm releases,
files, the Minikube cluster), computes the difference against the desired
state, and executes idempotent remediation actions in dependency order
until the environment converges or the cycle budget runs out.

Desired state documents are written in YAML, CUE or Starlark. Every run
produces a sealed transcript recorded in a local SQLite history.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "run history database path")

	rootCmd.PersistentFlags().StringVar(&sshTarget, "target", "", "remote target as user@host (default: local host)")
	rootCmd.PersistentFlags().IntVar(&sshPort, "ssh-port", 22, "SSH port for remote targets")
	rootCmd.PersistentFlags().StringVar(&sshKeyPath, "ssh-key", "", "SSH private key path")
	rootCmd.PersistentFlags().StringVar(&sshKnownHosts, "known-hosts", "", "known_hosts path for host key verification")
	rootCmd.PersistentFlags().BoolVar(&sshInsecure, "insecure-ignore-host-key", false, "skip SSH host key verification")
	rootCmd.PersistentFlags().BoolVar(&useSudo, "sudo", false, "run remote commands with sudo")

	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "additional .rego policy files or directories")

	rootCmd.PersistentFlags().BoolVar(&metricsEnabled, "metrics", false, "expose Prometheus metrics")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", ":2112", "metrics listen address")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// defaultDBPath is the run history location, overridable with --db.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "converge-history.db"
	}
	return filepath.Join(home, ".converge", "history.db")
}

// setupTelemetry builds logger and metrics from the global flags.
func setupTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.ListenAddress = metricsListen

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if metricsEnabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return tel, nil
}

// newRunner builds the command runner for the selected target. The returned
// close function is a no-op for the local host.
func newRunner() (transports.Runner, func() error, error) {
	if sshTarget == "" {
		return transports.NewLocalRunner(), func() error { return nil }, nil
	}

	user, hostname, ok := strings.Cut(sshTarget, "@")
	if !ok || user == "" || hostname == "" {
		return nil, nil, fmt.Errorf("invalid target %q (want user@host)", sshTarget)
	}
	if h, p, ok := strings.Cut(hostname, ":"); ok {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid target port %q", p)
		}
		hostname, sshPort = h, port
	}

	cfg := ssh.DefaultConfig(hostname, user)
	cfg.Port = sshPort
	cfg.UseSudo = useSudo
	if sshKeyPath != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = sshKeyPath
	}
	if sshKnownHosts != "" {
		cfg.KnownHostsPath = sshKnownHosts
	}
	if sshInsecure {
		cfg.StrictHostKeyChecking = false
	}

	runner, err := ssh.NewRunner(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SSH runner: %w", err)
	}
	return runner, runner.Close, nil
}

// newBackend builds the host backend over the selected runner.
func newBackend(tel *telemetry.Telemetry) (engine.Backend, func() error, error) {
	runner, closer, err := newRunner()
	if err != nil {
		return nil, nil, err
	}
	return host.NewBackend(runner, tel.Logger), closer, nil
}

// openStore opens the run history store, creating its directory if needed.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return stores.Open(ctx, dbPath)
}

// newGate builds the policy gate with builtins plus --policy files.
func newGate(ctx context.Context, tel *telemetry.Telemetry) (*policy.Engine, error) {
	gate, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(policyPaths) > 0 {
		if err := gate.LoadPaths(ctx, policyPaths); err != nil {
			return nil, err
		}
	}
	return gate, nil
}

// loadDesired loads and validates a desired state document.
func loadDesired(path string) (*engine.DesiredState, error) {
	desired, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return desired, nil
}
