package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testPath = "/usr/bin:/bin"

// TestExecute_UndeclaredEnvVarsInvisible: a host variable not listed in
// Command.Env must not be observed by the child.
func TestExecute_UndeclaredEnvVarsInvisible(t *testing.T) {
	t.Setenv("SECRET_HOST_VAR", "should_not_see_this")

	executor := NewExecutor(t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := executor.Execute(ctx, Command{
		Name: "sh",
		Args: []string{"-c", `echo "VAR=${SECRET_HOST_VAR:-unset}"`},
		Env:  map[string]string{"PATH": testPath},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	stdout := string(result.Stdout)
	if strings.Contains(stdout, "should_not_see_this") {
		t.Errorf("child observed undeclared host variable: %s", stdout)
	}
	if !strings.Contains(stdout, "VAR=unset") {
		t.Errorf("expected VAR=unset, got: %s", stdout)
	}
}

func TestExecute_DeclaredEnvVarsVisible(t *testing.T) {
	executor := NewExecutor(t.TempDir())

	result, err := executor.Execute(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", `echo "FOO=$FOO BAR=$BAR"`},
		Env:  map[string]string{"PATH": testPath, "FOO": "hello", "BAR": "world"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "FOO=hello BAR=world" {
		t.Errorf("unexpected stdout: %q", got)
	}
}

// TestExecute_ResolvesAgainstChildPath: the executable is looked up in the
// child's PATH, not the host's.
func TestExecute_ResolvesAgainstChildPath(t *testing.T) {
	executor := NewExecutor(t.TempDir())

	_, err := executor.Execute(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "true"},
		Env:  map[string]string{},
	})
	if !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound without PATH, got %v", err)
	}

	binDir := t.TempDir()
	script := filepath.Join(binDir, "fake-tool")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho fake \"$@\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := executor.Execute(context.Background(), Command{
		Name: "fake-tool",
		Args: []string{"a", "b"},
		Env:  map[string]string{"PATH": binDir},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "fake a b" {
		t.Errorf("unexpected stdout: %q", got)
	}
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	executor := NewExecutor(t.TempDir())

	result, err := executor.Execute(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo oops >&2; exit 3"},
		Env:  map[string]string{"PATH": testPath},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(string(result.Stderr)) != "oops" {
		t.Errorf("stderr not captured: %q", result.Stderr)
	}
}

func TestExecute_UsesCommandDirAndStdin(t *testing.T) {
	dir := t.TempDir()
	executor := NewExecutor(t.TempDir())

	result, err := executor.Execute(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "pwd; cat"},
		Dir:   dir,
		Env:   map[string]string{"PATH": testPath},
		Stdin: strings.NewReader("from-stdin"),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	resolved, _ := filepath.EvalSymlinks(dir)
	out := string(result.Stdout)
	if !strings.Contains(out, resolved) && !strings.Contains(out, dir) {
		t.Errorf("expected working dir %s in output %q", dir, out)
	}
	if !strings.Contains(out, "from-stdin") {
		t.Errorf("stdin not forwarded: %q", out)
	}
}

// TestExecute_TimeoutKillsProcessGroup: a grandchild spawned by the command
// must die with it when the context expires.
func TestExecute_TimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "grandchild-survived")
	executor := NewExecutor(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := executor.Execute(ctx, Command{
		Name: "sh",
		Args: []string{"-c", "(sleep 2; touch " + marker + ") & sleep 10"},
		Env:  map[string]string{"PATH": testPath},
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("execution was not interrupted promptly: %v", elapsed)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, statErr := os.Stat(marker); statErr == nil {
		t.Fatal("grandchild process outlived the cancelled command")
	}
}

func TestBuildIsolatedEnv_SortedAndEmpty(t *testing.T) {
	env := buildIsolatedEnv(map[string]string{"B": "2", "A": "1"})
	if len(env) != 2 || env[0] != "A=1" || env[1] != "B=2" {
		t.Errorf("unexpected env: %v", env)
	}
	if empty := buildIsolatedEnv(nil); empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil env, got %#v", empty)
	}
}
