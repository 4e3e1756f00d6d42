package cli

import (
	"path/filepath"

	"github.com/urfave/cli/v2"

	"fluentbuilder/internal/artifacts"
	"fluentbuilder/internal/build"
	"fluentbuilder/internal/core"
)

func (a *app) compileCommand() *cli.Command {
	flags := append(buildFlags(),
		&cli.StringFlag{Name: "output-dir", Aliases: []string{"o"}, Usage: "artifact output root", Value: "out"},
		&cli.BoolFlag{Name: "archive", Usage: "embed a source archive in the artifacts"},
		&cli.StringFlag{Name: "trace", Usage: "write the canonical build trace to `PATH`"},
		&cli.BoolFlag{Name: "publish", Usage: "also upload the artifacts to the configured S3 bucket"},
		&cli.BoolFlag{Name: "no-cache", Usage: "bypass the build cache"},
	)
	return &cli.Command{
		Name:         "compile",
		Usage:        "compile a contract into wasm, rwasm, abi and metadata",
		ArgsUsage:    "[PROJECT]",
		Flags:        flags,
		OnUsageError: usageError,
		Action:       a.compile,
	}
}

func (a *app) compile(c *cli.Context) error {
	asJSON := c.Bool("json")

	dir, err := projectDir(c)
	if err != nil {
		return a.fail(asJSON, err)
	}
	opts := buildOptions(c)
	settings, err := build.NewSettings(opts)
	if err != nil {
		return a.fail(asJSON, err)
	}

	ctx, cancel := a.withTimeout(c.Context)
	defer cancel()

	local, err := selectSource(ctx, dir, c.String("source"), c.Bool("allow-dirty"), settings)
	if err != nil {
		return a.fail(asJSON, err)
	}
	if local.Archive && !settings.Archive {
		opts.Archive = true
		if settings, err = build.NewSettings(opts); err != nil {
			return a.fail(asJSON, err)
		}
	}

	p, err := a.pipeline(settings)
	if err != nil {
		return a.fail(asJSON, err)
	}
	res, err := p.Compile(ctx, build.Request{
		Source:       local.Source,
		Settings:     settings,
		InvocationID: newInvocationID(),
		NoCache:      c.Bool("no-cache"),
	})
	if err != nil {
		return a.fail(asJSON, err)
	}

	doc := compileDoc{
		Status:       "success",
		Command:      "compile",
		ContractName: res.Manifest.Name,
		RwasmHash:    hexHash(res.RwasmHash()),
		WasmSize:     res.Bundle.Metadata.Bytecode.Wasm.Size,
		RwasmSize:    res.Bundle.Metadata.Bytecode.Rwasm.Size,
		GitInfo:      newGitInfoDoc(local.Git),
		SourceType:   local.Kind,
		FromCache:    res.FromCache,
	}
	_, doc.HasABI = res.Bundle.ABI()

	if !asJSON || c.IsSet("output-dir") {
		root := c.String("output-dir")
		if !filepath.IsAbs(root) {
			root = filepath.Join(dir, root)
		}
		out, err := artifacts.NewDiskWriter(root, a.log).Publish(ctx, res.Bundle)
		if err != nil {
			return a.fail(asJSON, err)
		}
		doc.OutputDir = out
	}

	if path := c.String("trace"); path != "" {
		data, err := res.Trace.CanonicalJSON()
		if err != nil {
			return a.fail(asJSON, err)
		}
		if err := core.WriteFileAtomic(path, data, 0o644); err != nil {
			return a.fail(asJSON, core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "writing trace %s", path))
		}
		doc.TraceHash = core.HashBytes(data)
	}

	if c.Bool("publish") {
		sink, err := artifacts.NewS3Sink(a.cfg.S3, a.log)
		if err != nil {
			return a.fail(asJSON, err)
		}
		url, err := sink.Publish(ctx, res.Bundle)
		if err != nil {
			return a.fail(asJSON, err)
		}
		doc.PublishedTo = url
	}

	if res.Diagnostics != "" {
		a.log.Warn().Str("contract", doc.ContractName).Msg(res.Diagnostics)
	}
	if asJSON {
		return writeJSON(a.stdout, doc)
	}
	printCompile(a.stdout, doc)
	return nil
}
