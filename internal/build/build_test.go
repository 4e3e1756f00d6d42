package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fluentbuilder/internal/artifacts"
	"fluentbuilder/internal/build/buildtest"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/trace"
)

func newPipeline(tc *buildtest.Toolchain) *Pipeline {
	p := New(zerolog.Nop())
	p.Toolchain = tc
	p.SourceDateEpoch = "1700000000"
	return p
}

func settings(t *testing.T, o Options) Settings {
	t.Helper()
	s, err := NewSettings(o)
	require.NoError(t, err)
	return s
}

func writeProject(t *testing.T, lib string) string {
	t.Helper()
	dir := t.TempDir()
	buildtest.WriteProject(t, dir, "power-token", lib)
	return dir
}

func TestCompile_PowerContract(t *testing.T) {
	tc := &buildtest.Toolchain{}
	dir := writeProject(t, buildtest.PowerSource)

	res, err := newPipeline(tc).Compile(context.Background(), Request{
		Source:   buildtest.Snapshot(t, dir),
		Settings: settings(t, Options{Locked: true}),
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.InvocationID)
	require.Equal(t, "power-token", res.Manifest.Name)
	require.False(t, res.Pinned)
	require.Len(t, res.Interface.Methods, 1)
	require.Equal(t, "0xc04f01fc", res.Interface.Methods[0].Selector.Hex())

	md := res.Bundle.Metadata
	require.True(t, md.CompilationSettings.BuildCfg.Locked)
	require.True(t, md.CompilationSettings.BuildCfg.NoDefaultFeatures)
	require.Equal(t, "release", md.CompilationSettings.BuildCfg.Profile)
	require.Equal(t, int64(1700000000), md.BuiltAt)
	require.Equal(t, "0.1.0", md.CompilationSettings.SDK.Tag)
	require.Equal(t, "abcdef01", md.CompilationSettings.SDK.Commit)
	require.Equal(t, "1.83.0", md.CompilationSettings.Rust.Version)
	require.Equal(t, source.KindArchive, md.Source.Type)
	require.Equal(t, res.TreeHash.String(), md.SourceTreeHash)
	require.Equal(t, map[string]string{"power(uint256,uint256)": "0xc04f01fc"}, md.SolidityCompatibility.FunctionSelectors)

	lock, err := os.ReadFile(filepath.Join(dir, "Cargo.lock"))
	require.NoError(t, err)
	require.Equal(t, core.HashBytes(lock), md.Dependencies.CargoLockHash)

	require.Equal(t, []string{"abi.json", "interface.sol", "lib.rwasm", "lib.wasm", "metadata.json"}, res.Bundle.Files.Names())

	reqs := tc.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "power-token", reqs[0].Crate)
	require.True(t, reqs[0].Locked)
}

func TestCompile_Deterministic(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)
	s := settings(t, Options{})

	a, err := newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s})
	require.NoError(t, err)
	b, err := newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s})
	require.NoError(t, err)

	require.Equal(t, a.RwasmHash(), b.RwasmHash())
	require.Equal(t, a.Bundle.Metadata.Bytecode.Wasm.Hash, b.Bundle.Metadata.Bytecode.Wasm.Hash)
	ma, _ := a.Bundle.Files.Get(artifacts.MetadataFile)
	mb, _ := b.Bundle.Files.Get(artifacts.MetadataFile)
	require.Equal(t, ma, mb)
	require.NotEqual(t, a.InvocationID, b.InvocationID)

	ha, err := a.Trace.Hash()
	require.NoError(t, err)
	hb, err := b.Trace.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestCompile_SourceChangeChangesHash(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)
	s := settings(t, Options{})
	a, err := newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src/lib.rs"), []byte(buildtest.PowerSource+"// edit\n"), 0o644))
	b, err := newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s})
	require.NoError(t, err)
	require.NotEqual(t, a.RwasmHash(), b.RwasmHash())
}

func TestCompile_NoRouterStillBuilds(t *testing.T) {
	dir := writeProject(t, "pub fn nothing() {}\n")
	res, err := newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{
		Source:   buildtest.Snapshot(t, dir),
		Settings: settings(t, Options{}),
	})
	require.NoError(t, err)
	require.True(t, res.Interface.IsEmpty())
	require.Equal(t, []string{"lib.rwasm", "lib.wasm", "metadata.json"}, res.Bundle.Files.Names())
}

func TestCompile_ArchiveEmbedded(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)
	res, err := newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{
		Source:   buildtest.Snapshot(t, dir),
		Settings: settings(t, Options{Archive: true, ArchiveFormat: "zip"}),
	})
	require.NoError(t, err)
	data, ok := res.Bundle.Files.Get("source.zip")
	require.True(t, ok)
	f, ok := source.DetectFormat(data)
	require.True(t, ok)
	require.Equal(t, source.FormatZip, f)
}

func TestCompile_FailuresCarryStage(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)

	tc := &buildtest.Toolchain{Err: core.Failf(core.StageToolchain, core.ErrCompilationFailed, "cargo exited with code 101")}
	_, err := newPipeline(tc).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: settings(t, Options{})})
	require.ErrorIs(t, err, core.ErrCompilationFailed)
	stage, _ := core.StageOf(err)
	require.Equal(t, core.StageToolchain, stage)

	bad := writeProject(t, "#[router]\nimpl Api for C { fn f(&self, x: f64) {} }\n")
	_, err = newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, bad), Settings: settings(t, Options{})})
	require.ErrorIs(t, err, core.ErrUnsupportedType)

	noPin := writeProject(t, buildtest.PowerSource)
	require.NoError(t, os.Remove(filepath.Join(noPin, "rust-toolchain.toml")))
	_, err = newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: buildtest.Snapshot(t, noPin), Settings: settings(t, Options{})})
	require.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = newPipeline(&buildtest.Toolchain{}).Compile(context.Background(), Request{Source: &source.Snapshot{ArchivePath: filepath.Join(dir, "missing.tar.gz")}, Settings: settings(t, Options{})})
	require.ErrorIs(t, err, core.ErrSourceUnavailable)
}

func TestCompile_CacheSkipsToolchain(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)
	cache, err := core.NewMemoryCache(8)
	require.NoError(t, err)
	tc := &buildtest.Toolchain{}
	p := newPipeline(tc)
	p.Cache = cache
	s := settings(t, Options{})

	first, err := p.Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s})
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := p.Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s})
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.RwasmHash(), second.RwasmHash())
	require.Len(t, tc.Requests(), 1)

	var hit bool
	for _, ev := range second.Trace.Events {
		hit = hit || ev.Kind == trace.EventCacheHit
	}
	require.True(t, hit)

	third, err := p.Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: s, NoCache: true})
	require.NoError(t, err)
	require.False(t, third.FromCache)
	require.Len(t, tc.Requests(), 2)
}

func TestCompile_CleansWorkDir(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)
	p := newPipeline(&buildtest.Toolchain{Err: errors.New("boom")})
	p.Resolver.TempRoot = t.TempDir()

	_, err := p.Compile(context.Background(), Request{Source: buildtest.Snapshot(t, dir), Settings: settings(t, Options{})})
	require.Error(t, err)
	entries, err := os.ReadDir(p.Resolver.TempRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCompile_Cancelled(t *testing.T) {
	dir := writeProject(t, buildtest.PowerSource)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newPipeline(&buildtest.Toolchain{}).Compile(ctx, Request{Source: buildtest.Snapshot(t, dir), Settings: settings(t, Options{})})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuiltAt(t *testing.T) {
	p := &Pipeline{Now: func() time.Time { return time.Unix(42, 0) }, Logger: zerolog.Nop()}
	require.Equal(t, int64(42), p.builtAt())
	p.SourceDateEpoch = "7"
	require.Equal(t, int64(7), p.builtAt())
	p.SourceDateEpoch = "yesterday"
	require.Equal(t, int64(42), p.builtAt())
}

func TestNewSettings_Defaults(t *testing.T) {
	s := settings(t, Options{})
	require.Equal(t, "wasm32-unknown-unknown", s.Target)
	require.Equal(t, "release", s.Profile)
	require.True(t, s.NoDefaultFeatures)
	require.False(t, s.Locked)
	require.False(t, s.Archive)
	require.Equal(t, source.FormatTarGz, s.ArchiveFormat)
	require.True(t, s.RespectGitignore)
	require.Equal(t, "main", s.Rwasm.Entrypoint)
}

func TestNewSettings_FeaturesNormalized(t *testing.T) {
	a := settings(t, Options{Features: []string{"beta,alpha", "gamma alpha"}})
	b := settings(t, Options{Features: []string{"gamma", "alpha", "beta"}})
	require.Equal(t, []string{"alpha", "beta", "gamma"}, a.Features)
	require.Equal(t, a.Key(), b.Key())
}

func TestNewSettings_Rejects(t *testing.T) {
	cases := map[string]Options{
		"target":        {Target: "x86_64-unknown-linux-gnu"},
		"profile":       {Profile: "rel ease"},
		"profile slash": {Profile: "../x"},
		"reserved":      {ExtraArgs: []string{"--release"}},
		"reserved eq":   {ExtraArgs: []string{"--features=x"}},
		"layout":        {StackLayout: "sideways"},
		"format":        {ArchiveFormat: "rar"},
	}
	for name, o := range cases {
		_, err := NewSettings(o)
		require.ErrorIs(t, err, core.ErrConfigInvalid, name)
	}
}

func TestSettings_KeyCoversBytecodeInputs(t *testing.T) {
	base := settings(t, Options{})
	for name, o := range map[string]Options{
		"profile":  {Profile: "debug"},
		"features": {Features: []string{"x"}},
		"defaults": {DefaultFeatures: true},
		"locked":   {Locked: true},
		"extra":    {ExtraArgs: []string{"-Zbuild-std"}},
		"entry":    {Entrypoint: "deploy"},
		"layout":   {StackLayout: "extended"},
	} {
		require.NotEqual(t, base.Key(), settings(t, o).Key(), name)
	}
	require.Equal(t, base.Key(), settings(t, Options{Archive: true, ArchiveFormat: "zip"}).Key())
	require.True(t, strings.Contains(base.Key(), `profile="release"`))
}

func TestSettings_Request(t *testing.T) {
	s := settings(t, Options{Profile: "debug", Features: []string{"b", "a"}, Locked: true})
	req := s.Request("/p", "/w", "power-token")
	require.Equal(t, "/p", req.ProjectDir)
	require.Equal(t, "/w", req.WorkDir)
	require.Equal(t, []string{"a", "b"}, req.Features)
	require.True(t, req.Locked)
	require.Equal(t, "debug", req.Profile)
}
