// Package logging builds the zerolog logger shared by every command.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"fluentbuilder/internal/core"
)

// Options controls logger construction.
type Options struct {
	// Out defaults to os.Stderr. Stdout is reserved for result documents.
	Out io.Writer

	Verbose bool
	Quiet   bool

	// Level, when set, overrides Verbose and Quiet.
	Level string

	// Console forces human-readable output; nil decides from the terminal.
	Console *bool
}

// New returns a logger writing to opts.Out.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level, err := resolveLevel(opts)
	if err != nil {
		return zerolog.Nop(), err
	}

	console := isTerminal(out)
	if opts.Console != nil {
		console = *opts.Console
	}
	if console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    os.Getenv("TERM") == "dumb",
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func resolveLevel(opts Options) (zerolog.Level, error) {
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil || lvl == zerolog.NoLevel {
			return zerolog.NoLevel, core.Failf(core.StageConfig, core.ErrConfigInvalid, "unknown log level %q", raw)
		}
		return lvl, nil
	}
	switch {
	case opts.Verbose:
		return zerolog.DebugLevel, nil
	case opts.Quiet:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, nil
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
