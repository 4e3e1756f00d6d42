package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Command describes one external process invocation.
type Command struct {
	// Name is the executable, resolved through the PATH entry of Env.
	Name string

	// Args are passed verbatim.
	Args []string

	// Dir is the working directory. Empty means the executor's WorkingDir.
	Dir string

	// Env is the complete environment of the child. Nothing from the host
	// environment is inherited.
	Env map[string]string

	// Stdin, if set, is fed to the process.
	Stdin io.Reader
}

// ExecutionResult contains the results of a process execution.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ErrCommandNotFound is returned when the executable cannot be started
// because it does not exist.
var ErrCommandNotFound = errors.New("command not found")

// Executor runs external tools (cargo, rustc, git, converters) with strict
// environment isolation.
//
// Environment isolation is an ALLOWLIST: the child environment starts empty
// and only Command.Env is added. Every child runs in its own process group so
// cancellation or a timeout kills the whole tree, not just the direct child.
type Executor struct {
	// WorkingDir is the default directory for commands without Dir.
	WorkingDir string
}

// NewExecutor creates a new Executor with the given working directory.
func NewExecutor(workingDir string) *Executor {
	return &Executor{WorkingDir: workingDir}
}

// Execute runs cmd to completion.
//
// A non-zero exit is not an error: it is reported through ExitCode with the
// captured output. Errors are returned only when the process cannot start or
// when ctx ends first, in which case the process group is killed and the
// error wraps ctx.Err().
func (e *Executor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("command name is empty")
	}

	path, err := lookPath(cmd.Name, cmd.Env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.Name)
	}

	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	if c.Dir == "" {
		c.Dir = e.WorkingDir
	}
	c.Env = buildIsolatedEnv(cmd.Env)
	c.Stdin = cmd.Stdin

	// Own process group so the whole tree can be killed on cancellation.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.Name)
		}
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	select {
	case <-ctx.Done():
		if c.Process != nil {
			// Negative pid targets the process group.
			_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", cmd.Name, ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// lookPath resolves name against the PATH of the child environment rather
// than the host's, so a command only sees tools its environment declares.
func lookPath(name string, env map[string]string) (string, error) {
	if strings.Contains(name, "/") {
		return exec.LookPath(name)
	}
	for _, dir := range filepath.SplitList(env["PATH"]) {
		if dir == "" {
			continue
		}
		if p, err := exec.LookPath(filepath.Join(dir, name)); err == nil {
			return p, nil
		}
	}
	return "", exec.ErrNotFound
}

// buildIsolatedEnv renders env as KEY=VALUE pairs in sorted key order. An
// empty map yields an empty (not nil) environment so nothing is inherited.
func buildIsolatedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(env))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}
