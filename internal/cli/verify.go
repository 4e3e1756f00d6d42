package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"fluentbuilder/internal/artifacts"
	"fluentbuilder/internal/build"
	"fluentbuilder/internal/chain"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/project"
	"fluentbuilder/internal/record"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/verify"
)

func (a *app) verifyCommand() *cli.Command {
	flags := append(buildFlags(),
		&cli.StringFlag{Name: "address", Usage: "deployed contract `ADDRESS` to fetch the reference code from"},
		&cli.StringFlag{Name: "hash", Usage: "expected rwasm SHA-256, 0x-prefixed or bare"},
		&cli.StringFlag{Name: "network", Usage: "network preset: local|fluent-dev"},
		&cli.StringFlag{Name: "rpc", Usage: "custom RPC endpoint `URL` (needs --chain-id)"},
		&cli.Uint64Flag{Name: "chain-id", Usage: "chain id the RPC endpoint must report"},
		&cli.StringFlag{Name: "metadata", Usage: "rebuild from the source and settings recorded in `FILE`"},
		&cli.StringFlag{Name: "export-abi", Usage: "write the rebuilt abi.json to `PATH` on a match"},
		&cli.StringFlag{Name: "lock-drift", Usage: "lock file drift during the rebuild: build-failed|mismatched"},
		&cli.StringFlag{Name: "record-dir", Usage: "persist a verification record under `DIR`"},
		&cli.BoolFlag{Name: "use-cache", Usage: "let the rebuild use the build cache"},
	)
	return &cli.Command{
		Name:         "verify",
		Usage:        "rebuild a contract and compare its rwasm hash with a reference",
		ArgsUsage:    "[PROJECT]",
		Flags:        flags,
		OnUsageError: usageError,
		Action:       a.verify,
	}
}

// buildFlagNames are rejected together with --metadata, which records them.
var buildFlagNames = []string{"profile", "features", "default-features", "locked", "source", "allow-dirty"}

// verifyInput is what a verification rebuilds and what it compares against.
type verifyInput struct {
	source   source.ContractSource
	opts     build.Options
	contract string
	md       *artifacts.Metadata
}

func (a *app) verify(c *cli.Context) error {
	asJSON := c.Bool("json")

	if c.IsSet("address") && c.IsSet("hash") {
		return a.fail(asJSON, invalidInvocationf("--address and --hash are mutually exclusive"))
	}
	if !c.IsSet("address") && !c.IsSet("hash") && !c.IsSet("metadata") {
		return a.fail(asJSON, invalidInvocationf("one of --address, --hash or --metadata is required"))
	}

	ctx, cancel := a.withTimeout(c.Context)
	defer cancel()

	in, err := a.verifyInput(c)
	if err != nil {
		return a.fail(asJSON, err)
	}
	settings, err := build.NewSettings(in.opts)
	if err != nil {
		return a.fail(asJSON, err)
	}

	ref, closeRef, err := a.reference(c, in.md)
	if err != nil {
		return a.fail(asJSON, err)
	}
	defer closeRef()

	policyRaw := c.String("lock-drift")
	if policyRaw == "" {
		policyRaw = a.cfg.LockDrift
	}
	policy, err := verify.ParseLockDriftPolicy(policyRaw)
	if err != nil {
		return a.fail(asJSON, err)
	}

	p, err := a.pipeline(settings)
	if err != nil {
		return a.fail(asJSON, err)
	}
	engine := verify.NewEngine(p, a.log)
	engine.UseCache = c.Bool("use-cache")

	req := verify.Request{
		Source:       in.source,
		Settings:     settings,
		Reference:    ref,
		LockDrift:    policy,
		InvocationID: newInvocationID(),
	}
	if in.md != nil {
		req.Converter = verify.ConverterFromMetadata(in.md)
	}
	res, err := engine.Verify(ctx, req)
	if err != nil {
		return a.fail(asJSON, err)
	}

	if dir := c.String("record-dir"); dir != "" {
		if err := a.saveRecord(dir, res, in); err != nil {
			return a.fail(asJSON, err)
		}
	}
	if in.md != nil && res.Build != nil && res.Build.Bundle.Metadata.ToolchainHash != in.md.ToolchainHash {
		a.log.Warn().
			Str("recorded", in.md.ToolchainHash).
			Str("rebuilt", res.Build.Bundle.Metadata.ToolchainHash).
			Msg("rebuild used a different toolchain than the recorded build")
	}

	if !res.Matched() {
		doc := verifyErrorDoc(res)
		if asJSON {
			_ = writeJSON(a.stderr, doc)
		} else {
			printVerifyFailure(a.stderr, doc)
		}
		return &exitError{code: exitForResult(res), err: res.Err}
	}

	if path := c.String("export-abi"); path != "" {
		if res.ABI == nil {
			a.log.Warn().Str("path", path).Msg("contract has no router; no abi exported")
		} else if err := core.WriteFileAtomic(path, res.ABI, 0o644); err != nil {
			return a.fail(asJSON, core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "writing %s", path))
		}
	}

	doc := verifyDoc{
		Status:          "success",
		Command:         "verify",
		Verified:        true,
		ContractName:    res.Build.Manifest.Name,
		ExpectedHash:    hexHash(res.Expected),
		ActualHash:      hexHash(res.Actual),
		CompilerVersion: res.Build.Identity.String(),
		SDKVersion:      res.Build.SDK.String(),
	}
	if res.ABI != nil {
		doc.ABI = json.RawMessage(res.ABI)
	}
	if asJSON {
		return writeJSON(a.stdout, doc)
	}
	printVerified(a.stdout, doc)
	return nil
}

// verifyInput resolves what to rebuild: the recorded source of a metadata
// document, or a local project with build flags.
func (a *app) verifyInput(c *cli.Context) (*verifyInput, error) {
	if mdPath := c.String("metadata"); mdPath != "" {
		if c.NArg() > 0 {
			return nil, invalidInvocationf("--metadata and a PROJECT argument are mutually exclusive")
		}
		for _, name := range buildFlagNames {
			if c.IsSet(name) {
				return nil, invalidInvocationf("--%s cannot be combined with --metadata", name)
			}
		}
		data, err := os.ReadFile(mdPath)
		if err != nil {
			return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "reading %s", mdPath)
		}
		md, err := artifacts.ParseMetadata(data)
		if err != nil {
			return nil, err
		}
		src, opts, err := verify.FromMetadata(md, filepath.Dir(mdPath))
		if err != nil {
			return nil, err
		}
		opts.NoGitignore = c.Bool("no-gitignore")
		return &verifyInput{source: src, opts: opts, contract: md.Contract.Name, md: md}, nil
	}

	dir, err := projectDir(c)
	if err != nil {
		return nil, err
	}
	opts := buildOptions(c)
	settings, err := build.NewSettings(opts)
	if err != nil {
		return nil, err
	}
	local, err := selectSource(c.Context, dir, c.String("source"), c.Bool("allow-dirty"), settings)
	if err != nil {
		return nil, err
	}
	in := &verifyInput{source: local.Source, opts: opts, contract: filepath.Base(dir)}
	if m, err := project.LoadManifest(dir); err == nil {
		in.contract = m.Name
	}
	return in, nil
}

// reference builds the expected-hash source. The returned func releases
// any RPC connection.
func (a *app) reference(c *cli.Context, md *artifacts.Metadata) (verify.Reference, func(), error) {
	noop := func() {}
	switch {
	case c.IsSet("hash"):
		return verify.Reference{Hash: c.String("hash")}, noop, nil
	case c.IsSet("address"):
		address := c.String("address")
		if _, err := chain.ValidateAddress(address); err != nil {
			return verify.Reference{}, noop, err
		}
		name := c.String("network")
		if name == "" {
			name = a.cfg.Network
		}
		rpcURL := c.String("rpc")
		if rpcURL == "" {
			rpcURL = a.cfg.RPCURL
		}
		chainID := c.Uint64("chain-id")
		if chainID == 0 {
			chainID = a.cfg.ChainID
		}
		network, err := chain.ResolveNetwork(name, rpcURL, chainID)
		if err != nil {
			return verify.Reference{}, noop, err
		}
		client, err := chain.Dial(c.Context, network, a.cfg.RPCTimeout, a.log)
		if err != nil {
			return verify.Reference{}, noop, err
		}
		a.log.Debug().Str("network", network.String()).Str("address", address).Msg("fetching reference code")
		return verify.Reference{Address: address, Chain: client}, client.Close, nil
	default:
		return verify.ReferenceFromMetadata(md), noop, nil
	}
}

func (a *app) saveRecord(dir string, res *verify.Result, in *verifyInput) error {
	store, err := record.NewStore(dir)
	if err != nil {
		return core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "opening record store")
	}
	rec := record.FromResult(res, in.contract, in.source)
	if err := store.Save(rec); err != nil {
		return core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "saving verification record")
	}
	a.log.Info().Str("record", store.Path(rec.ID)).Msg("verification record saved")
	return nil
}
