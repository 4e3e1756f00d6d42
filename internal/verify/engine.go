// Package verify re-derives a contract's rwasm bytecode from recorded source
// and settings and compares its hash with a reference hash.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fluentbuilder/internal/build"
	"fluentbuilder/internal/convert"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/trace"
)

// Status is the outcome of a verification run.
type Status string

const (
	StatusMatch             Status = "Match"
	StatusMismatch          Status = "Mismatch"
	StatusBuildFailed       Status = "BuildFailed"
	StatusSourceUnavailable Status = "SourceUnavailable"
	StatusNetworkError      Status = "NetworkError"
)

// LockDriftPolicy decides what lock-file drift during a rebuild means.
type LockDriftPolicy string

const (
	// LockDriftBuildFailed reports drift as an inability to verify.
	LockDriftBuildFailed LockDriftPolicy = "build-failed"

	// LockDriftMismatched reports drift as evidence the recorded build
	// inputs do not reproduce.
	LockDriftMismatched LockDriftPolicy = "mismatched"
)

// ParseLockDriftPolicy accepts the CLI spellings of a policy.
func ParseLockDriftPolicy(s string) (LockDriftPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "build-failed", "buildfailed":
		return LockDriftBuildFailed, nil
	case "mismatched", "mismatch":
		return LockDriftMismatched, nil
	default:
		return "", core.Failf(core.StageConfig, core.ErrConfigInvalid, "unknown lock drift policy %q (use build-failed or mismatched)", s)
	}
}

// CodeHasher returns the SHA-256 of the code deployed at an address.
type CodeHasher interface {
	CodeHash(ctx context.Context, address string) (string, error)
}

// Reference is where the expected hash comes from: a literal Hash, or the
// code at Address fetched through Chain.
type Reference struct {
	Hash    string
	Address string
	Chain   CodeHasher
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func (r Reference) validate() error {
	switch {
	case r.Hash != "" && r.Address != "":
		return core.Failf(core.StageConfig, core.ErrConfigInvalid, "reference hash and address are mutually exclusive")
	case r.Hash != "":
		if !hashPattern.MatchString(core.NormalizeHash(r.Hash)) {
			return core.Failf(core.StageConfig, core.ErrConfigInvalid, "reference hash %q is not a 32-byte hex hash", r.Hash)
		}
	case r.Address != "":
		if r.Chain == nil {
			return core.Failf(core.StageConfig, core.ErrConfigInvalid, "address reference needs a network")
		}
	default:
		return core.Failf(core.StageConfig, core.ErrConfigInvalid, "either a reference hash or an address is required")
	}
	return nil
}

func (r Reference) resolve(ctx context.Context) (string, error) {
	if r.Hash != "" {
		return core.NormalizeHash(r.Hash), nil
	}
	h, err := r.Chain.CodeHash(ctx, r.Address)
	if err != nil {
		return "", core.Wrap(core.StageReference, core.ErrNetwork, err, "fetching code at %s", r.Address)
	}
	return core.NormalizeHash(h), nil
}

// Request is one verification.
type Request struct {
	Source    source.ContractSource
	Settings  build.Settings
	Reference Reference
	LockDrift LockDriftPolicy

	// Converter, when set, is the rwasm converter identity the reference
	// was built with. A rebuild with another converter cannot be compared.
	Converter string

	InvocationID string
}

// Result is the immutable outcome of a verification run.
type Result struct {
	InvocationID string
	Status       Status
	State        State
	History      []State

	// Stage is the failing stage for non-match outcomes.
	Stage core.Stage

	Expected string
	Actual   string
	Detail   string

	// Err is the underlying failure for BuildFailed, SourceUnavailable and
	// NetworkError outcomes.
	Err error

	// Build is the recompilation, when it succeeded.
	Build *build.Result

	// ABI is the freshly derived abi.json, when the contract has a router.
	ABI []byte
}

// Matched reports whether the rebuilt bytecode matches the reference.
func (r *Result) Matched() bool { return r.Status == StatusMatch }

// Engine runs verifications.
type Engine struct {
	Pipeline *build.Pipeline

	// UseCache lets rebuilds read and write the pipeline cache. Off by
	// default so a stale entry can never produce a match.
	UseCache bool

	Logger zerolog.Logger
}

// NewEngine returns an engine driving p.
func NewEngine(p *build.Pipeline, logger zerolog.Logger) *Engine {
	return &Engine{Pipeline: p, Logger: logger}
}

// observer advances the machine when the source stage completes.
type observer struct{ m *Machine }

func (o observer) Record(ev trace.Event) {
	if ev.Kind == trace.EventStageCompleted && ev.Stage == string(core.StageSource) {
		_ = o.m.Transition(StatePending, StateSourceResolved)
	}
}

// Verify runs one verification. The returned error is non-nil only for an
// invalid request or a cancelled context; every pipeline outcome, including
// failures, is reported in Result.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	if err := req.Reference.validate(); err != nil {
		return nil, err
	}
	if req.Source == nil {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "no contract source")
	}
	policy := req.LockDrift
	if policy == "" {
		policy = LockDriftBuildFailed
	}
	id := req.InvocationID
	if id == "" {
		id = uuid.NewString()
	}
	log := e.Logger.With().Str("invocation", id).Logger()
	m := NewMachine()
	res := &Result{InvocationID: id}

	if err := e.checkConverter(ctx, req); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return e.finishFailed(res, m, StatusBuildFailed, core.StageConvert, err), nil
	}

	expected, err := req.Reference.resolve(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return e.finishFailed(res, m, StatusNetworkError, core.StageReference, err), nil
	}
	res.Expected = expected
	log.Debug().Str("stage", string(core.StageReference)).Str("expected", expected).Msg("reference hash resolved")

	built, err := e.Pipeline.Compile(ctx, build.Request{
		Source:       req.Source,
		Settings:     req.Settings,
		InvocationID: id,
		NoCache:      !e.UseCache,
		Observer:     observer{m: m},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		stage, _ := core.StageOf(err)
		switch {
		case m.State() == StatePending:
			return e.finishFailed(res, m, StatusSourceUnavailable, stage, err), nil
		case errors.Is(err, core.ErrLockfileDrift) && policy == LockDriftMismatched:
			_ = m.Transition(StateSourceResolved, StateRecompiled)
			_ = m.Transition(StateRecompiled, StateHashCompared)
			_ = m.Transition(StateHashCompared, StateMismatched)
			res.Status = StatusMismatch
			res.Stage = stage
			res.Err = err
			res.Detail = fmt.Sprintf("lock file drift during rebuild: %v", err)
			return e.finish(res, m, log), nil
		default:
			return e.finishFailed(res, m, StatusBuildFailed, stage, err), nil
		}
	}
	if err := m.Transition(StateSourceResolved, StateRecompiled); err != nil {
		return nil, fmt.Errorf("verification state: %w", err)
	}
	res.Build = built
	res.Actual = built.RwasmHash()

	if err := m.Transition(StateRecompiled, StateHashCompared); err != nil {
		return nil, fmt.Errorf("verification state: %w", err)
	}
	if bytes.Equal([]byte(res.Actual), []byte(res.Expected)) {
		_ = m.Transition(StateHashCompared, StateMatched)
		res.Status = StatusMatch
		res.Detail = "rebuilt rwasm hash matches the reference"
		if abi, ok := built.Bundle.ABI(); ok {
			res.ABI = abi
		}
	} else {
		_ = m.Transition(StateHashCompared, StateMismatched)
		res.Status = StatusMismatch
		res.Stage = core.StageCompare
		res.Detail = fmt.Sprintf("rebuilt rwasm hash 0x%s does not match reference 0x%s", res.Actual, res.Expected)
	}
	return e.finish(res, m, log), nil
}

// checkConverter rejects rebuilds whose rwasm could never equal the
// reference: a converter other than the recorded one, or the native
// container compared with deployed code.
func (e *Engine) checkConverter(ctx context.Context, req Request) error {
	id, err := e.Pipeline.Converter.Identity(ctx)
	if err != nil {
		return err
	}
	if req.Converter != "" && req.Converter != id {
		return core.Failf(core.StageConvert, core.ErrToolchainMissing,
			"reference was built with rwasm converter %s, this environment uses %s", req.Converter, id)
	}
	if req.Reference.Address != "" && convert.IsNative(id) {
		return core.Failf(core.StageConvert, core.ErrToolchainMissing,
			"the built-in converter does not produce deployable rwasm; set FLUENT_RWASM_CONVERTER to the Fluent rwasm compiler to verify deployed code")
	}
	return nil
}

func (e *Engine) finishFailed(res *Result, m *Machine, status Status, stage core.Stage, err error) *Result {
	_ = m.Fail(stage, err)
	res.Status = status
	res.Stage = stage
	res.Err = err
	res.Detail = err.Error()
	return e.finish(res, m, e.Logger.With().Str("invocation", res.InvocationID).Logger())
}

func (e *Engine) finish(res *Result, m *Machine, log zerolog.Logger) *Result {
	res.State = m.State()
	res.History = m.History()
	ev := log.Info()
	if res.Status != StatusMatch {
		ev = log.Warn()
	}
	ev.Str("status", string(res.Status)).Str("expected", res.Expected).Str("actual", res.Actual).Msg("verification finished")
	return res
}
