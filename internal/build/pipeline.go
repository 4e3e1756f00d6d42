// Package build runs the compile pipeline: source resolution, interface
// extraction, compilation, rwasm conversion and artifact assembly.
package build

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fluentbuilder/internal/artifacts"
	"fluentbuilder/internal/convert"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/iface"
	"fluentbuilder/internal/project"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/toolchain"
	"fluentbuilder/internal/trace"
)

// Pipeline compiles contract sources into artifact bundles.
//
// The flow of one Compile:
//  1. Resolve the source into an isolated working directory and hash it
//  2. Read project facts (manifest, lock, SDK, toolchain pin)
//  3. Extract the routed interface
//  4. Compile to wasm, or take the wasm from the cache
//  5. Convert wasm to rwasm (never cached)
//  6. Assemble artifacts
//
// Writing the bundle is left to the caller.
type Pipeline struct {
	Resolver  *source.Resolver
	Extractor *iface.Extractor
	Toolchain toolchain.Adapter
	Converter convert.Converter

	// Cache is optional. Nil disables caching.
	Cache core.Cache

	// SourceDateEpoch, when set, is recorded as built_at.
	SourceDateEpoch string

	// Now is the wall clock used for built_at otherwise.
	Now func() time.Time

	Logger zerolog.Logger
}

// New returns a pipeline using the host cargo toolchain and the in-process
// converter.
func New(logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		Resolver:  source.NewResolver(logger),
		Extractor: iface.NewExtractor(logger),
		Toolchain: toolchain.NewCargo(logger),
		Converter: convert.Native{},
		Now:       time.Now,
		Logger:    logger,
	}
}

// Request is one compile invocation.
type Request struct {
	Source   source.ContractSource
	Settings Settings

	// InvocationID tags log lines. Empty means a fresh UUID.
	InvocationID string

	// NoCache bypasses the cache for reads and writes.
	NoCache bool

	// Observer additionally receives every trace event as it happens.
	Observer trace.Sink
}

// Result is a successful compile.
type Result struct {
	InvocationID string

	Bundle    *artifacts.Bundle
	Interface *iface.Description
	Manifest  *project.Manifest
	Identity  toolchain.Identity
	SDK       project.SDKVersion

	// Converter is the identity of the rwasm converter that ran.
	Converter string

	TreeHash core.TreeHash
	BuildKey string

	// Pinned is true when the source is reproducible by commit.
	Pinned    bool
	FromCache bool

	// Diagnostics holds normalized compiler warnings.
	Diagnostics string

	Trace trace.BuildTrace
}

// RwasmHash is the hash verification compares against deployed code.
func (r *Result) RwasmHash() string { return r.Bundle.RwasmHash }

// run is the state of one Compile call.
type run struct {
	ctx      context.Context
	rec      *trace.Recorder
	observer trace.Sink
	log      zerolog.Logger
}

func (r *run) record(ev trace.Event) {
	trace.SafeRecord(r.rec, ev)
	trace.SafeRecord(r.observer, ev)
}

// step records start, completion or failure of one stage around fn. fn may
// fill in the completion event's reason and artifacts.
func (r *run) step(stage core.Stage, fn func(ev *trace.Event) error) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	r.record(trace.Event{Kind: trace.EventStageStarted, Stage: string(stage)})
	r.log.Debug().Str("stage", string(stage)).Msg("stage started")
	start := time.Now()

	ev := trace.Event{Kind: trace.EventStageCompleted, Stage: string(stage)}
	if err := fn(&ev); err != nil {
		r.record(trace.Event{Kind: trace.EventStageFailed, Stage: string(stage), Reason: core.KindName(err)})
		r.log.Debug().Str("stage", string(stage)).Err(err).Msg("stage failed")
		return err
	}
	r.record(ev)
	r.log.Info().Str("stage", string(stage)).Dur("took", time.Since(start)).Msg("stage finished")
	return nil
}

// Compile runs the full pipeline for req. The working directory is removed
// before returning, on success and failure alike.
func (p *Pipeline) Compile(ctx context.Context, req Request) (*Result, error) {
	id := req.InvocationID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{ctx: ctx, rec: trace.NewRecorder(), observer: req.Observer, log: p.Logger.With().Str("invocation", id).Logger()}
	res := &Result{InvocationID: id}

	var resolved *source.Resolved
	err := r.step(core.StageSource, func(ev *trace.Event) error {
		var err error
		resolved, err = p.Resolver.Resolve(ctx, req.Source)
		if err != nil {
			return err
		}
		ev.Reason = "Snapshot"
		if resolved.Pinned {
			ev.Reason = "Pinned"
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resolved.Cleanup(); err != nil {
			r.log.Warn().Err(err).Str("workdir", resolved.WorkDir).Msg("removing working directory")
		}
	}()
	res.TreeHash = resolved.TreeHash
	res.Pinned = resolved.Pinned

	var lockHash string
	err = r.step(core.StageConfig, func(*trace.Event) error {
		m, err := project.LoadManifest(resolved.ProjectDir)
		if err != nil {
			return err
		}
		res.Manifest = m
		r.log = r.log.With().Str("contract", m.Name).Logger()

		sdk, err := project.ReadSDKVersion(resolved.ProjectDir)
		if err != nil {
			return err
		}
		res.SDK = project.ParseSDKVersion(sdk)
		if lockHash, err = project.LockHash(resolved.ProjectDir); err != nil {
			return err
		}
		channel, err := project.ReadRustToolchain(resolved.ProjectDir)
		if err != nil {
			return err
		}
		r.log.Debug().Str("channel", channel).Str("sdk", sdk).Msg("project facts loaded")
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = r.step(core.StageInterface, func(*trace.Event) error {
		d, err := p.Extractor.Extract(ctx, resolved.Tree, interfaceScope(res.Manifest.MainSource))
		if err != nil {
			return err
		}
		res.Interface = d
		if d.IsEmpty() {
			r.log.Info().Msg("no router found, skipping abi generation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var wasm []byte
	err = r.step(core.StageToolchain, func(ev *trace.Event) error {
		ident, err := p.Toolchain.Identify(ctx, resolved.ProjectDir)
		if err != nil {
			return err
		}
		res.BuildKey = core.BuildKey(resolved.TreeHash, req.Settings.Key(), ident.String())

		cache := p.Cache
		if req.NoCache {
			cache = nil
		}
		if entry := p.cached(cache, res.BuildKey, ident, r.log); entry != nil {
			r.record(trace.Event{Kind: trace.EventCacheHit, Stage: string(core.StageToolchain)})
			res.FromCache = true
			res.Identity = ident
			wasm = entry.Wasm
			return nil
		}

		out, err := p.Toolchain.Compile(ctx, req.Settings.Request(resolved.ProjectDir, resolved.WorkDir, res.Manifest.Name))
		if err != nil {
			return err
		}
		res.Identity = out.Identity
		res.Diagnostics = out.Diagnostics
		wasm = out.Wasm

		if cache != nil {
			entry := &core.CacheEntry{
				Key:              res.BuildKey,
				Wasm:             wasm,
				ToolchainRelease: out.Identity.Release,
				ToolchainCommit:  out.Identity.Commit,
			}
			if err := cache.Put(entry); err != nil {
				r.log.Warn().Err(err).Msg("storing build in cache")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var rwasm []byte
	err = r.step(core.StageConvert, func(*trace.Event) error {
		id, err := p.Converter.Identity(ctx)
		if err != nil {
			return err
		}
		res.Converter = id
		rwasm, err = p.Converter.Convert(ctx, wasm, req.Settings.Rwasm)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.step(core.StageArtifacts, func(ev *trace.Event) error {
		facts := artifacts.Facts{
			Name:              res.Manifest.Name,
			Version:           res.Manifest.Version,
			Source:            resolved.Source,
			Rust:              res.Identity,
			Target:            req.Settings.Target,
			SDK:               res.SDK,
			Profile:           req.Settings.Profile,
			Features:          req.Settings.Features,
			NoDefaultFeatures: req.Settings.NoDefaultFeatures,
			Locked:            req.Settings.Locked,
			ExtraArgs:         req.Settings.ExtraArgs,
			Converter:         res.Converter,
			Entrypoint:        req.Settings.Rwasm.Entrypoint,
			StackLayout:       string(req.Settings.Rwasm.StackLayout),
			BuiltAt:           p.builtAt(),
			Wasm:              wasm,
			Rwasm:             rwasm,
			Interface:         res.Interface,
			LockHash:          lockHash,
			TreeHash:          resolved.TreeHash,
		}
		if req.Settings.Archive {
			tree, err := source.SelectFiles(resolved.ProjectDir, req.Settings.RespectGitignore)
			if err != nil {
				return core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "collecting source archive files")
			}
			packed, err := source.Pack(tree, req.Settings.ArchiveFormat)
			if err != nil {
				return core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "packing source archive")
			}
			facts.Archive = packed
			r.log.Debug().Int("files", packed.FileCount).Str("hash", packed.Hash).Msg("source archive packed")
		}
		b, err := artifacts.Assemble(facts)
		if err != nil {
			return err
		}
		res.Bundle = b
		ev.Artifacts = b.Files.Names()
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Trace = r.rec.Trace(res.BuildKey)
	r.log.Info().Str("rwasm_hash", res.Bundle.RwasmHash).Bool("from_cache", res.FromCache).Msg("compile finished")
	return res, nil
}

// cached returns a usable cache entry or nil. Entries from another
// toolchain commit are ignored.
func (p *Pipeline) cached(cache core.Cache, key string, id toolchain.Identity, log zerolog.Logger) *core.CacheEntry {
	if cache == nil {
		return nil
	}
	entry, err := cache.Get(key)
	if err != nil {
		log.Warn().Err(err).Msg("reading build cache")
		return nil
	}
	if entry == nil || entry.ToolchainRelease != id.Release || entry.ToolchainCommit != id.Commit {
		return nil
	}
	return entry
}

func (p *Pipeline) builtAt() int64 {
	if v := strings.TrimSpace(p.SourceDateEpoch); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		p.Logger.Warn().Str("SOURCE_DATE_EPOCH", v).Msg("ignoring non-numeric SOURCE_DATE_EPOCH")
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return now().Unix()
}

// interfaceScope is the directory of the crate root: "src" for src/lib.rs,
// "." for a root-level lib.rs.
func interfaceScope(mainSource string) string {
	return path.Dir(mainSource)
}
