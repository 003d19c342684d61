package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// waitDelay bounds how long a cancelled command may hold its output pipes
// open through orphaned children.
const waitDelay = 2 * time.Second

// DefaultShell is the interpreter used when ShellRunner.Shell is empty.
func DefaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"/bin/sh", "-c"}
}

// Result is the captured outcome of one shell command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Started is false when the process never launched; ExitCode is then meaningless.
	Started bool
}

// CommandRunner abstracts shell command execution for runtime adapters.
type CommandRunner interface {
	RunShell(ctx context.Context, command string) (Result, error)
}

// ShellRunner executes commands through a shell on the local host.
type ShellRunner struct {
	Shell []string
	Dir   string
	Env   []string
}

// RunShell runs command to completion and captures stdout/stderr in full.
// A non-zero exit is reported through Result.ExitCode with a nil error; a
// non-nil error means the process could not be started or waited on.
func (r ShellRunner) RunShell(ctx context.Context, command string) (Result, error) {
	shell := r.Shell
	if len(shell) == 0 {
		shell = DefaultShell()
	}
	args := append(append([]string{}, shell[1:]...), command)
	cmd := exec.CommandContext(ctx, shell[0], args...)
	cmd.Dir = strings.TrimSpace(r.Dir)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	out := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		out.Started = true
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.Started = true
		out.ExitCode = exitErr.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		out.Started = true
		out.ExitCode = cmd.ProcessState.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, nil
	}
	out.ExitCode = -1
	return out, err
}
