package core

import (
	"errors"
	"fmt"
)

// Taxonomy of pipeline failures. Every failure leaving a pipeline stage wraps
// exactly one of these kinds in a *StageError.
var (
	ErrConfigInvalid       = errors.New("config invalid")
	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrDirtyWorkingTree    = errors.New("dirty working tree")
	ErrInterfaceExtraction = errors.New("interface extraction error")
	ErrToolchainMissing    = errors.New("toolchain missing")
	ErrCompilationFailed   = errors.New("compilation failed")
	ErrConversionFailed    = errors.New("conversion failed")
	ErrArtifactWrite       = errors.New("artifact write error")
	ErrNetwork             = errors.New("network error")
)

// Sub-kinds. Each one also matches its parent via errors.Is.
var (
	ErrArchiveCorrupt    error = &subKind{msg: "archive corrupt", parent: ErrSourceUnavailable}
	ErrInnerPathNotFound error = &subKind{msg: "inner project path not found", parent: ErrSourceUnavailable}
	ErrUnsupportedType   error = &subKind{msg: "unsupported type", parent: ErrInterfaceExtraction}
	ErrSelectorCollision error = &subKind{msg: "selector collision", parent: ErrInterfaceExtraction}
	ErrEmptyRouter       error = &subKind{msg: "empty router", parent: ErrInterfaceExtraction}
	ErrLockfileDrift     error = &subKind{msg: "lockfile drift", parent: ErrCompilationFailed}
)

type subKind struct {
	msg    string
	parent error
}

func (k *subKind) Error() string { return k.msg }

func (k *subKind) Unwrap() error { return k.parent }

// Stage names the pipeline step a failure is attributed to.
type Stage string

const (
	StageConfig    Stage = "config"
	StageSource    Stage = "source"
	StageInterface Stage = "interface"
	StageToolchain Stage = "toolchain"
	StageConvert   Stage = "convert"
	StageArtifacts Stage = "artifacts"
	StageReference Stage = "reference"
	StageCompare   Stage = "compare"
)

// StageError is a taxonomy failure with the stage it happened in.
//
// Diagnostics holds verbatim (normalized) tool output, e.g. compiler stderr.
type StageError struct {
	Kind        error
	Stage       Stage
	Msg         string
	Diagnostics string
	Cause       error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Failf builds a StageError for kind at stage.
func Failf(stage Stage, kind error, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and stage to cause. A cause that already is a
// StageError is returned unchanged so the original stage is preserved.
func Wrap(stage Stage, kind error, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	var se *StageError
	if errors.As(cause, &se) {
		return cause
	}
	return &StageError{Kind: kind, Stage: stage, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// StageOf reports the stage of the first StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// KindName returns the taxonomy name used in user-visible error documents.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigInvalid):
		return "ConfigInvalid"
	case errors.Is(err, ErrDirtyWorkingTree):
		return "DirtyWorkingTree"
	case errors.Is(err, ErrArchiveCorrupt):
		return "ArchiveCorrupt"
	case errors.Is(err, ErrInnerPathNotFound):
		return "InnerPathNotFound"
	case errors.Is(err, ErrSourceUnavailable):
		return "SourceUnavailable"
	case errors.Is(err, ErrUnsupportedType):
		return "UnsupportedType"
	case errors.Is(err, ErrSelectorCollision):
		return "SelectorCollision"
	case errors.Is(err, ErrEmptyRouter):
		return "EmptyRouter"
	case errors.Is(err, ErrInterfaceExtraction):
		return "InterfaceExtractionError"
	case errors.Is(err, ErrToolchainMissing):
		return "ToolchainMissing"
	case errors.Is(err, ErrLockfileDrift):
		return "LockfileDrift"
	case errors.Is(err, ErrCompilationFailed):
		return "CompilationFailed"
	case errors.Is(err, ErrConversionFailed):
		return "ConversionFailed"
	case errors.Is(err, ErrArtifactWrite):
		return "ArtifactWriteError"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	default:
		return "InternalError"
	}
}
