package syscall

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SandboxConfig configures the process sandbox backing the exec/grep syscalls.
type SandboxConfig struct {
	WorkDir     string
	Timeout     time.Duration
	AllowedBins []string
}

// DefaultSandboxConfig mirrors the interpreter's default shell allowlist:
// enough to read/search/build a workspace, nothing destructive by default
// beyond what the allowlist names.
func DefaultSandboxConfig() *SandboxConfig {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = os.TempDir()
	}
	return &SandboxConfig{
		WorkDir: workDir,
		Timeout: 30 * time.Second,
		AllowedBins: []string{
			"bash", "sh", "ls", "cat", "head", "tail", "grep", "find",
			"wc", "sort", "uniq", "cut", "go", "git", "make", "pwd", "echo",
		},
	}
}

// ProcessSandbox runs allowlisted commands with a bounded timeout and
// captures stdout/stderr/exit-code — the Exec/Grep syscalls' execution boundary.
type ProcessSandbox struct {
	config *SandboxConfig
	logger *zap.Logger
}

// NewProcessSandbox builds a sandbox rooted at cfg.WorkDir.
func NewProcessSandbox(cfg *SandboxConfig, logger *zap.Logger) (*ProcessSandbox, error) {
	if cfg == nil {
		cfg = DefaultSandboxConfig()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, err
	}
	return &ProcessSandbox{config: cfg, logger: logger}, nil
}

// ExecResult is the outcome of a sandboxed command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Killed   bool
}

func (s *ProcessSandbox) isAllowed(command string) bool {
	base := filepath.Base(command)
	for _, allowed := range s.config.AllowedBins {
		if allowed == base || allowed == command {
			return true
		}
	}
	return false
}

// Execute runs command with args under the sandbox's timeout, rejecting
// anything not in the allowlist.
func (s *ProcessSandbox) Execute(ctx context.Context, command string, args []string) (*ExecResult, error) {
	start := time.Now()
	if !s.isAllowed(command) {
		return nil, &exec.Error{Name: command, Err: os.ErrPermission}
	}
	cmdPath, err := exec.LookPath(command)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cmdPath, args...)
	cmd.Dir = s.config.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		return result, context.DeadlineExceeded
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, runErr
	}
	return result, nil
}

// ExecuteShell runs command through "bash -c".
func (s *ProcessSandbox) ExecuteShell(ctx context.Context, command string) (*ExecResult, error) {
	return s.Execute(ctx, "bash", []string{"-c", command})
}
