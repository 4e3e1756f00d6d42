package toolchain

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fluentbuilder/internal/core"
	"fluentbuilder/internal/project"
)

// hostAllowlist are the only host variables cargo and rustc may see.
var hostAllowlist = []string{"PATH", "HOME", "CARGO_HOME", "RUSTUP_HOME", "RUSTUP_TOOLCHAIN"}

// Cargo is the Adapter backed by cargo and rustc.
type Cargo struct {
	Executor *core.Executor

	// CargoBin and RustcBin name the executables, resolved via PATH.
	CargoBin string
	RustcBin string

	// LookupEnv reads host variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// SourceDateEpoch is exported to the build. Empty means "0".
	SourceDateEpoch string

	// Timeout bounds one cargo invocation. Zero means no limit.
	Timeout time.Duration

	Logger zerolog.Logger
}

// NewCargo returns a Cargo adapter using the host toolchain on PATH.
func NewCargo(logger zerolog.Logger) *Cargo {
	return &Cargo{
		Executor:  core.NewExecutor(""),
		CargoBin:  "cargo",
		RustcBin:  "rustc",
		LookupEnv: os.LookupEnv,
		Logger:    logger,
	}
}

// Env returns the complete child environment for a build rooted at workDir.
func (c *Cargo) Env(workDir string) map[string]string {
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := make(map[string]string, len(hostAllowlist)+4)
	for _, key := range hostAllowlist {
		if v, ok := lookup(key); ok {
			env[key] = v
		}
	}
	epoch := c.SourceDateEpoch
	if epoch == "" {
		epoch = "0"
	}
	env["CARGO_INCREMENTAL"] = "0"
	env["CARGO_TERM_COLOR"] = "never"
	env["SOURCE_DATE_EPOCH"] = epoch
	if workDir != "" {
		env["RUSTFLAGS"] = "--remap-path-prefix=" + workDir + "=" + core.RemappedRoot
	}
	return env
}

// Identify runs rustc -vV inside projectDir so a pinned rust-toolchain file
// selects the compiler being identified.
func (c *Cargo) Identify(ctx context.Context, projectDir string) (Identity, error) {
	res, err := c.Executor.Execute(ctx, core.Command{
		Name: c.RustcBin,
		Args: []string{"-vV"},
		Dir:  projectDir,
		Env:  c.Env(""),
	})
	if err != nil {
		if errors.Is(err, core.ErrCommandNotFound) {
			return Identity{}, core.Wrap(core.StageToolchain, core.ErrToolchainMissing, err, "rustc")
		}
		return Identity{}, core.Wrap(core.StageToolchain, core.ErrToolchainMissing, err, "rustc -vV")
	}
	if res.ExitCode != 0 {
		se := core.Failf(core.StageToolchain, core.ErrToolchainMissing, "rustc -vV exited with code %d", res.ExitCode)
		se.Diagnostics = string(core.NewDiagnosticsNormalizer(projectDir).Normalize(res.Stderr))
		return Identity{}, se
	}
	id, err := parseIdentity(string(res.Stdout))
	if err != nil {
		return Identity{}, core.Wrap(core.StageToolchain, core.ErrToolchainMissing, err, "rustc -vV")
	}
	return id, nil
}

// Compile runs cargo build and returns the produced wasm together with the
// identity of the compiler that produced it.
func (c *Cargo) Compile(ctx context.Context, req Request) (*Output, error) {
	workDir := req.WorkDir
	if workDir == "" {
		workDir = req.ProjectDir
	}
	log := c.Logger.With().Str("stage", string(core.StageToolchain)).Str("crate", req.Crate).Logger()

	id, err := c.Identify(ctx, req.ProjectDir)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("rustc", id.Release).Str("commit", id.Commit).Msg("toolchain identified")

	lockBefore, hadLock := lockHash(req.ProjectDir)

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := BuildArgs(req)
	log.Info().Strs("args", args).Msg("running cargo")
	res, err := c.Executor.Execute(runCtx, core.Command{
		Name: c.CargoBin,
		Args: args,
		Dir:  req.ProjectDir,
		Env:  c.Env(workDir),
	})
	if err != nil {
		if errors.Is(err, core.ErrCommandNotFound) {
			return nil, core.Wrap(core.StageToolchain, core.ErrToolchainMissing, err, "cargo")
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, core.Wrap(core.StageToolchain, core.ErrCompilationFailed, err, "cargo timed out after %s", c.Timeout)
		}
		return nil, core.Wrap(core.StageToolchain, core.ErrCompilationFailed, err, "cargo build")
	}

	diagnostics := string(core.NewDiagnosticsNormalizer(workDir).Normalize(res.Stderr))
	if res.ExitCode != 0 {
		se := core.Failf(core.StageToolchain, classifyFailure(res.Stderr, req.Locked), "cargo build exited with code %d", res.ExitCode)
		se.Diagnostics = diagnostics
		return nil, se
	}

	if req.Locked && hadLock {
		if after, ok := lockHash(req.ProjectDir); !ok || after != lockBefore {
			return nil, core.Failf(core.StageToolchain, core.ErrLockfileDrift, "%s changed during a --locked build", project.LockFile)
		}
	}

	wasmPath := filepath.Join(req.ProjectDir, "target", targetOrDefault(req.Target), ProfileDir(req.Profile), project.WasmFileName(req.Crate))
	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		se := core.Failf(core.StageToolchain, core.ErrCompilationFailed, "expected output %s not found", strings.TrimPrefix(wasmPath, workDir))
		se.Diagnostics = diagnostics
		return nil, se
	}
	log.Info().Int("wasm_size", len(wasm)).Msg("cargo build finished")

	return &Output{Wasm: wasm, Identity: id, Diagnostics: diagnostics}, nil
}

func targetOrDefault(target string) string {
	if target == "" {
		return DefaultTarget
	}
	return target
}

func lockHash(dir string) (string, bool) {
	h, err := project.LockHash(dir)
	if err != nil {
		return "", false
	}
	return h, true
}

var missingTargetMarkers = [][]byte{
	[]byte("target may not be installed"),
	[]byte("can't find crate for `core`"),
	[]byte("can't find crate for `std`"),
	[]byte("is not installed"),
}

var lockDriftMarkers = [][]byte{
	[]byte("needs to be updated but --locked was passed"),
	[]byte("cannot update the lock file"),
	[]byte("cannot create the lock file"),
}

// classifyFailure maps cargo stderr of a failed build to a failure kind.
func classifyFailure(stderr []byte, locked bool) error {
	for _, m := range missingTargetMarkers {
		if bytes.Contains(stderr, m) {
			return core.ErrToolchainMissing
		}
	}
	if locked {
		for _, m := range lockDriftMarkers {
			if bytes.Contains(stderr, m) {
				return core.ErrLockfileDrift
			}
		}
	}
	return core.ErrCompilationFailed
}
