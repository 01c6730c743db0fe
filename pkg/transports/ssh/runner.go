package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openconverge/openconverge/pkg/transports"
)

// Runner executes commands and file operations on a remote host.
// It implements transports.Runner. Connections are lazy: the first call
// dials; Close releases the connection.
type Runner struct {
	config *Config

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// NewRunner creates a runner for a remote host. No connection is made
// until the first operation.
func NewRunner(config *Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Runner{config: config}, nil
}

// Connect establishes the SSH connection eagerly. Optional; operations
// connect on demand.
func (r *Runner) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.clientLocked(ctx)
	return err
}

// Close releases the SSH and SFTP connections.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.sftp != nil {
		if err := r.sftp.Close(); err != nil {
			firstErr = err
		}
		r.sftp = nil
	}
	if r.client != nil {
		if err := r.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.client = nil
	}
	return firstErr
}

// Run executes a command on the remote host. Non-zero exit codes are
// returned in the Result with a nil error, matching the local runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (transports.Result, error) {
	start := time.Now()

	client, err := r.getClient(ctx)
	if err != nil {
		return transports.Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return transports.Result{}, fmt.Errorf("failed to create ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := buildCommandLine(r.config.UseSudo, name, args)

	log.Debug().
		Str("host", r.config.Host).
		Str("command", cmd).
		Msg("executing remote command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return transports.Result{Duration: time.Since(start)},
			fmt.Errorf("remote command cancelled: %w", ctx.Err())
	case runErr = <-done:
	}

	result := transports.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	return result, fmt.Errorf("failed to execute remote command: %w", runErr)
}

// LookPath resolves a tool on the remote PATH via command -v.
func (r *Runner) LookPath(name string) (string, error) {
	result, err := r.Run(context.Background(), "command", "-v", name)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("%s not found on %s", name, r.config.Host)
	}
	return strings.TrimSpace(result.Stdout), nil
}

// ReadFile reads a remote file over SFTP.
func (r *Runner) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	client, err := r.getSFTP(ctx)
	if err != nil {
		return nil, err
	}

	f, err := client.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", filePath, err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes a remote file over SFTP, creating parent directories.
func (r *Runner) WriteFile(ctx context.Context, filePath string, data []byte, mode fs.FileMode) error {
	client, err := r.getSFTP(ctx)
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(filePath)); err != nil {
		return fmt.Errorf("failed to create remote directory for %s: %w", filePath, err)
	}

	f, err := client.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", filePath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file %s: %w", filePath, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	return client.Chmod(filePath, mode)
}

// Remove deletes a remote file. Missing paths are not an error.
func (r *Runner) Remove(ctx context.Context, filePath string) error {
	client, err := r.getSFTP(ctx)
	if err != nil {
		return err
	}

	if err := client.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// Exists reports whether a remote path exists.
func (r *Runner) Exists(ctx context.Context, filePath string) (bool, error) {
	client, err := r.getSFTP(ctx)
	if err != nil {
		return false, err
	}

	if _, err := client.Stat(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Runner) getClient(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientLocked(ctx)
}

func (r *Runner) clientLocked(ctx context.Context) (*ssh.Client, error) {
	if r.client != nil {
		return r.client, nil
	}

	clientConfig, err := r.config.BuildSSHClientConfig()
	if err != nil {
		return nil, err
	}

	address := r.config.Address()
	log.Debug().Str("address", address).Msg("establishing ssh connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		ch <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ssh dial cancelled: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, res.err)
		}
		r.client = res.client
		return r.client, nil
	}
}

func (r *Runner) getSFTP(ctx context.Context) (*sftp.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sftp != nil {
		return r.sftp, nil
	}

	client, err := r.clientLocked(ctx)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp session: %w", err)
	}
	r.sftp = sftpClient
	return r.sftp, nil
}

// buildCommandLine assembles the remote shell command with quoting.
func buildCommandLine(useSudo bool, name string, args []string) string {
	parts := make([]string, 0, len(args)+2)
	if useSudo {
		parts = append(parts, "sudo")
	}
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes an argument for the remote shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#~%!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
