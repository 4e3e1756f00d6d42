package cli

import (
	"errors"
	"fmt"

	"fluentbuilder/internal/core"
	"fluentbuilder/internal/verify"
)

const (
	ExitSuccess           = 0
	ExitMismatch          = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitBuildFailed       = 5
	ExitSourceUnavailable = 6
	ExitNetworkError      = 7
	ExitArtifactWrite     = 8
)

// InvocationError is a command-line usage problem detected before any
// configuration is read.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// exitError carries the exit code of a command whose failure has already
// been reported on stderr.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps an error to the semantic exit code of the process.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	switch {
	case errors.Is(err, core.ErrConfigInvalid), errors.Is(err, core.ErrDirtyWorkingTree):
		return ExitConfigError
	case errors.Is(err, core.ErrSourceUnavailable):
		return ExitSourceUnavailable
	case errors.Is(err, core.ErrInterfaceExtraction),
		errors.Is(err, core.ErrToolchainMissing),
		errors.Is(err, core.ErrCompilationFailed),
		errors.Is(err, core.ErrConversionFailed):
		return ExitBuildFailed
	case errors.Is(err, core.ErrArtifactWrite):
		return ExitArtifactWrite
	case errors.Is(err, core.ErrNetwork):
		return ExitNetworkError
	default:
		return ExitInternalError
	}
}

// exitForResult maps a finished verification to its exit code.
func exitForResult(res *verify.Result) int {
	switch res.Status {
	case verify.StatusMatch:
		return ExitSuccess
	case verify.StatusMismatch:
		return ExitMismatch
	case verify.StatusNetworkError:
		return ExitNetworkError
	case verify.StatusSourceUnavailable:
		if code := ExitCode(res.Err); code != ExitInternalError {
			return code
		}
		return ExitSourceUnavailable
	default:
		if code := ExitCode(res.Err); code != ExitInternalError {
			return code
		}
		return ExitBuildFailed
	}
}

// errorType names err in JSON error documents.
func errorType(err error) string {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return "InvalidInvocation"
	}
	return core.KindName(err)
}
