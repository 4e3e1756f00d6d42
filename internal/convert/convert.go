// Package convert turns base wasm bytecode into the rwasm form executed by
// Fluent nodes.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fluentbuilder/internal/core"
)

// StackLayout selects how the rwasm runtime lays out the value stack.
type StackLayout string

const (
	StackLayoutDefault  StackLayout = "default"
	StackLayoutExtended StackLayout = "extended"
)

func (s StackLayout) byte() (byte, error) {
	switch s {
	case "", StackLayoutDefault:
		return 0x00, nil
	case StackLayoutExtended:
		return 0x01, nil
	default:
		return 0, fmt.Errorf("unknown stack layout %q", s)
	}
}

// ParseStackLayout validates a layout name.
func ParseStackLayout(s string) (StackLayout, error) {
	l := StackLayout(strings.ToLower(strings.TrimSpace(s)))
	if l == "" {
		return StackLayoutDefault, nil
	}
	if _, err := l.byte(); err != nil {
		return "", core.Failf(core.StageConfig, core.ErrConfigInvalid, "%v", err)
	}
	return l, nil
}

// DefaultEntrypoint is the export every Fluent contract provides.
const DefaultEntrypoint = "main"

// Config parameterizes a conversion.
type Config struct {
	// Entrypoint overrides DefaultEntrypoint.
	Entrypoint  string
	StackLayout StackLayout
}

func (c Config) entrypoint() string {
	if c.Entrypoint == "" {
		return DefaultEntrypoint
	}
	return c.Entrypoint
}

// Converter maps wasm to rwasm. Identical inputs must always give identical
// output bytes.
type Converter interface {
	Convert(ctx context.Context, wasm []byte, cfg Config) ([]byte, error)

	// Identity names the converter and its version. Two converters with
	// the same identity produce the same output for the same input.
	Identity(ctx context.Context) (string, error)
}

// NativeIdentity is the identity of Native. The version part changes
// whenever Native output changes for the same input.
const NativeIdentity = "native/1"

// IsNative reports whether id names the in-process converter. Its
// container is not the rwasm Fluent nodes deploy, so native output can
// only be compared with other native builds.
func IsNative(id string) bool { return strings.HasPrefix(id, "native/") }

// rwasm container header.
var (
	rwasmMagic   = []byte{0xEF, 0x52}
	rwasmVersion = byte(0x01)
)

// Native converts in process.
type Native struct{}

// Convert validates wasm, resolves the entrypoint and emits the rwasm
// container: magic, version, stack layout, LEB128 entrypoint index, then
// the module with custom sections removed.
func (Native) Convert(_ context.Context, wasm []byte, cfg Config) ([]byte, error) {
	layout, err := cfg.StackLayout.byte()
	if err != nil {
		return nil, core.Failf(core.StageConvert, core.ErrConversionFailed, "%v", err)
	}
	m, err := parseModule(wasm)
	if err != nil {
		return nil, core.Wrap(core.StageConvert, core.ErrConversionFailed, err, "malformed wasm")
	}
	entry, err := m.exportedFunc(cfg.entrypoint())
	if err != nil {
		return nil, core.Wrap(core.StageConvert, core.ErrConversionFailed, err, "entrypoint")
	}

	out := append([]byte{}, rwasmMagic...)
	out = append(out, rwasmVersion, layout)
	out = appendULEB(out, uint64(entry))
	return append(out, m.canonical()...), nil
}

func (Native) Identity(context.Context) (string, error) { return NativeIdentity, nil }

// IsRwasm reports whether data starts with the rwasm container magic.
func IsRwasm(data []byte) bool {
	return len(data) >= 3 && bytes.Equal(data[:2], rwasmMagic) && data[2] == rwasmVersion
}

// External pipes wasm through an out-of-process converter:
//
//	<Path> --entrypoint <name> --stack-layout <layout>  < lib.wasm  > lib.rwasm
type External struct {
	Path     string
	Executor *core.Executor

	// Env is the complete converter environment.
	Env map[string]string

	// Timeout bounds one conversion. Zero means no limit.
	Timeout time.Duration

	Logger zerolog.Logger
}

// NewExternal returns a converter running the executable at path.
func NewExternal(path string, env map[string]string, logger zerolog.Logger) *External {
	return &External{Path: path, Executor: core.NewExecutor(""), Env: env, Logger: logger}
}

// Identity is the converter's file name plus the SHA-256 of the executable,
// so a rebuilt or swapped binary changes it while the install path does not.
func (e *External) Identity(context.Context) (string, error) {
	path := e.Path
	if !strings.ContainsRune(path, filepath.Separator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", core.Wrap(core.StageConvert, core.ErrToolchainMissing, err, "rwasm converter %s", e.Path)
		}
		path = resolved
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", core.Wrap(core.StageConvert, core.ErrToolchainMissing, err, "rwasm converter %s", e.Path)
	}
	return "external/" + filepath.Base(path) + "@sha256:" + core.HashBytes(data), nil
}

func (e *External) Convert(ctx context.Context, wasm []byte, cfg Config) ([]byte, error) {
	layout := cfg.StackLayout
	if layout == "" {
		layout = StackLayoutDefault
	}
	if _, err := layout.byte(); err != nil {
		return nil, core.Failf(core.StageConvert, core.ErrConversionFailed, "%v", err)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	res, err := e.Executor.Execute(ctx, core.Command{
		Name:  e.Path,
		Args:  []string{"--entrypoint", cfg.entrypoint(), "--stack-layout", string(layout)},
		Env:   e.Env,
		Stdin: bytes.NewReader(wasm),
	})
	if err != nil {
		if errors.Is(err, core.ErrCommandNotFound) {
			return nil, core.Wrap(core.StageConvert, core.ErrToolchainMissing, err, "rwasm converter")
		}
		return nil, core.Wrap(core.StageConvert, core.ErrConversionFailed, err, "rwasm converter")
	}
	if res.ExitCode != 0 {
		se := core.Failf(core.StageConvert, core.ErrConversionFailed, "converter exited with code %d", res.ExitCode)
		se.Diagnostics = string(core.NewDiagnosticsNormalizer("").Normalize(res.Stderr))
		return nil, se
	}
	if len(res.Stdout) == 0 {
		return nil, core.Failf(core.StageConvert, core.ErrConversionFailed, "converter produced no output")
	}
	e.Logger.Debug().Int("wasm_size", len(wasm)).Int("rwasm_size", len(res.Stdout)).Msg("external conversion finished")
	return res.Stdout, nil
}
