package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgectl/internal/testutil/testlog"
)

func TestShellRunnerCapturesOutput(t *testing.T) {
	testlog.Start(t)
	res, err := ShellRunner{}.RunShell(context.Background(), "echo hi; echo oops 1>&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Started || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if string(res.Stdout) != "hi\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if string(res.Stderr) != "oops\n" {
		t.Fatalf("unexpected stderr: %q", res.Stderr)
	}
}

func TestShellRunnerExitCode(t *testing.T) {
	testlog.Start(t)
	res, err := ShellRunner{}.RunShell(context.Background(), "exit 2")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 2 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
}

func TestShellRunnerInterpretsShellSyntax(t *testing.T) {
	testlog.Start(t)
	res, err := ShellRunner{}.RunShell(context.Background(), "printf 'a b' | wc -w")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "2" {
		t.Fatalf("unexpected pipeline output: %q", res.Stdout)
	}
}

func TestShellRunnerLaunchFailure(t *testing.T) {
	testlog.Start(t)
	res, err := ShellRunner{Shell: []string{"/nonexistent/shell", "-c"}}.RunShell(context.Background(), "true")
	if err == nil {
		t.Fatalf("expected launch error")
	}
	if res.Started || res.ExitCode != -1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestShellRunnerContextDeadline(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := ShellRunner{}.RunShell(ctx, "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !res.Started {
		t.Fatalf("expected started process")
	}
}

func TestShellRunnerEnvAndDir(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	runner := ShellRunner{Dir: dir, Env: []string{"EDGE_ROLE=ghost"}}
	res, err := runner.RunShell(context.Background(), `printf '%s %s' "$EDGE_ROLE" "$(pwd -P)"`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	fields := strings.Fields(string(res.Stdout))
	if len(fields) != 2 || fields[0] != "ghost" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if !strings.HasSuffix(fields[1], filepath.Base(dir)) {
		t.Fatalf("command did not run in %s: %q", dir, fields[1])
	}
	if len(res.Stderr) != 0 {
		t.Fatalf("unexpected stderr: %q", res.Stderr)
	}
}
