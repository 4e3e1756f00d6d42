// Package cli implements the fluentbuilder command surface: compile and
// verify, their JSON documents and their exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"fluentbuilder/internal/build"
	"fluentbuilder/internal/config"
	"fluentbuilder/internal/convert"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/logging"
	"fluentbuilder/internal/project"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/toolchain"
)

// Version is stamped by the release build.
var Version = "dev"

// app holds the state shared by all commands of one process run.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg *config.Config
	log zerolog.Logger
}

// Run executes one command line (without argv[0]) and returns the process
// exit code. It never calls os.Exit.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := NewApp(stdout, stderr).RunContext(ctx, append([]string{"fluentbuilder"}, args...))
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if !errors.As(err, &ee) {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	code := ExitCode(err)
	if code == ExitInternalError && ee == nil && !isTaxonomyError(err) {
		return ExitInvalidInvocation
	}
	return code
}

// isTaxonomyError reports whether err came from the pipeline rather than
// from flag parsing.
func isTaxonomyError(err error) bool {
	var se *core.StageError
	return errors.As(err, &se)
}

// NewApp builds the urfave application writing documents to stdout and
// logs and errors to stderr.
func NewApp(stdout, stderr io.Writer) *cli.App {
	a := &app{stdout: stdout, stderr: stderr, log: zerolog.Nop()}
	return &cli.App{
		Name:      "fluentbuilder",
		Usage:     "reproducible builds and verification for Fluent rwasm contracts",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "only log errors"},
			&cli.StringSliceFlag{Name: "env-file", Usage: "read environment defaults from `FILE` (default .env)"},
		},
		Before: a.before,
		Commands: []*cli.Command{
			a.compileCommand(),
			a.verifyCommand(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return invalidInvocationf("unknown command %q", c.Args().First())
			}
			_ = cli.ShowAppHelp(c)
			return invalidInvocationf("a command is required")
		},
		OnUsageError:    usageError,
		ExitErrHandler:  func(*cli.Context, error) {},
		HideHelpCommand: true,
		HideVersion:     true,
	}
}

func (a *app) before(c *cli.Context) error {
	if c.Bool("verbose") && c.Bool("quiet") {
		return invalidInvocationf("--verbose and --quiet are mutually exclusive")
	}
	cfg, err := config.Load(c.StringSlice("env-file")...)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{
		Out:     a.stderr,
		Verbose: c.Bool("verbose"),
		Quiet:   c.Bool("quiet"),
		Level:   cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// pipeline wires a build pipeline from the environment.
func (a *app) pipeline(s build.Settings) (*build.Pipeline, error) {
	p := build.New(a.log)
	p.SourceDateEpoch = a.cfg.SourceDateEpoch
	p.Resolver.RespectGitignore = s.RespectGitignore

	cargo := toolchain.NewCargo(a.log)
	cargo.SourceDateEpoch = a.cfg.SourceDateEpoch
	cargo.Timeout = a.cfg.CompileTimeout
	p.Toolchain = cargo

	if path := a.cfg.RwasmConverter; path != "" {
		ext := convert.NewExternal(path, nil, a.log)
		ext.Timeout = a.cfg.CompileTimeout
		p.Converter = ext
	}
	if dir := a.cfg.CacheDir; dir != "" {
		p.Cache = core.NewFileCache(dir)
	} else {
		mem, err := core.NewMemoryCache(256)
		if err != nil {
			return nil, fmt.Errorf("creating build cache: %w", err)
		}
		p.Cache = mem
	}
	return p, nil
}

// projectDir resolves the optional PROJECT argument.
func projectDir(c *cli.Context) (string, error) {
	if c.NArg() > 1 {
		return "", invalidInvocationf("unexpected arguments: %q", strings.Join(c.Args().Tail(), " "))
	}
	dir := c.Args().First()
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "project path %s", dir)
	}
	if err := project.CheckDir(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// Source modes accepted by --source.
const (
	sourceAuto    = ""
	sourceGit     = "git"
	sourceArchive = "archive"
)

// localSource is the ContractSource chosen for a project on disk.
type localSource struct {
	Source  source.ContractSource
	Git     *source.GitInfo
	Kind    string
	Archive bool
}

// selectSource picks how a local project is fed to the pipeline. A clean
// git checkout is built by commit. Anything else is snapshotted as an
// archive that is also embedded in the artifacts, except that an explicit
// --source git on a dirty tree is handed to the resolver, which rejects it
// unless allowDirty is set.
func selectSource(ctx context.Context, dir, mode string, allowDirty bool, s build.Settings) (*localSource, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case sourceAuto, sourceGit, sourceArchive:
	default:
		return nil, invalidInvocationf("invalid --source %q (expected git|archive)", mode)
	}

	var info *source.GitInfo
	if mode != sourceArchive {
		var err error
		info, err = source.NewGit().Detect(ctx, dir)
		if err != nil {
			return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "inspecting %s", dir)
		}
	}
	if mode == sourceGit && info == nil {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "%s is not inside a git repository", dir)
	}

	if info != nil && (info.IsClean() || (mode == sourceGit && !allowDirty)) {
		vc, err := source.NewVersionControlled(info.TopLevel, info.Commit, info.ProjectPath)
		if err != nil {
			return nil, err
		}
		vc.Remote = source.NormalizeGitURL(info.RemoteURL)
		return &localSource{Source: vc, Git: info, Kind: sourceGit}, nil
	}

	tree, err := source.SelectFiles(dir, s.RespectGitignore)
	if err != nil {
		return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "collecting %s", dir)
	}
	packed, err := source.Pack(tree, s.ArchiveFormat)
	if err != nil {
		return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "packing %s", dir)
	}
	snap, err := source.NewSnapshot(packed.Data, ".")
	if err != nil {
		return nil, err
	}
	snap.Label = "./" + s.ArchiveFormat.FileName()
	return &localSource{Source: snap, Git: info, Kind: sourceArchive, Archive: true}, nil
}

// buildOptions collects the build flags shared by compile and verify.
func buildOptions(c *cli.Context) build.Options {
	opts := build.Options{
		Profile:         c.String("profile"),
		DefaultFeatures: c.Bool("default-features"),
		Locked:          c.Bool("locked"),
		Archive:         c.Bool("archive"),
		ArchiveFormat:   c.String("archive-format"),
		NoGitignore:     c.Bool("no-gitignore"),
	}
	if f := c.String("features"); f != "" {
		opts.Features = []string{f}
	}
	return opts
}

// buildFlags are accepted by both compile and verify.
func buildFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "profile", Usage: "cargo build profile", Value: "release"},
		&cli.StringFlag{Name: "features", Usage: "comma or space separated cargo features"},
		&cli.BoolFlag{Name: "default-features", Usage: "keep the crate's default features"},
		&cli.BoolFlag{Name: "locked", Usage: "require Cargo.lock to be up to date"},
		&cli.StringFlag{Name: "archive-format", Usage: "source archive format: tar.gz|zip", Value: "tar.gz"},
		&cli.BoolFlag{Name: "no-gitignore", Usage: "include files ignored by .gitignore in archives"},
		&cli.StringFlag{Name: "source", Usage: "source mode: git|archive (default: git for a clean repository)"},
		&cli.BoolFlag{Name: "allow-dirty", Usage: "build a git project with uncommitted changes"},
		&cli.BoolFlag{Name: "json", Usage: "print a single JSON document instead of text"},
	}
}

func usageError(_ *cli.Context, err error, _ bool) error {
	return invalidInvocationf("%v", err)
}

func newInvocationID() string { return uuid.NewString() }

// withTimeout applies the configured compile timeout to ctx.
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.CompileTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.CompileTimeout)
	}
	return context.WithCancel(ctx)
}

// fail reports err on stderr, as JSON when asJSON is set, and returns the
// exit error for it.
func (a *app) fail(asJSON bool, err error) error {
	doc := errorDocFor(err)
	if asJSON {
		_ = writeJSON(a.stderr, doc)
	} else {
		printError(a.stderr, doc)
	}
	return &exitError{code: ExitCode(err), err: err}
}
