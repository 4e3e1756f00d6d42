// Package buildtest provides contract project fixtures and fake toolchains
// for tests of the compile and verify pipelines.
package buildtest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"fluentbuilder/internal/convert"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/toolchain"
)

// PowerSource is a contract with a single routed method,
// power(uint256,uint256), selector 0xc04f01fc.
const PowerSource = `#![cfg_attr(target_arch = "wasm32", no_std)]
extern crate alloc;

use fluentbase_sdk::{basic_entrypoint, derive::{router, Contract}, SharedAPI, U256};

#[derive(Contract)]
struct POWER<SDK> {
    sdk: SDK,
}

pub trait PowerAPI {
    fn power(&self, base: U256, exp: U256) -> U256;
}

#[router(mode = "solidity")]
impl<SDK: SharedAPI> PowerAPI for POWER<SDK> {
    fn power(&self, base: U256, exp: U256) -> U256 {
        base.pow(exp)
    }
}

basic_entrypoint!(POWER);
`

// Cargo.lock pinning the SDK to git commit abcdef01.
const cargoLock = `version = 3

[[package]]
name = "fluentbase-sdk"
version = "0.1.0"
source = "git+https://github.com/fluentlabs-xyz/fluentbase?tag=v0.1.0#abcdef0123456789abcdef0123456789abcdef01"
`

// WriteProject writes a minimal Fluent contract crate named name into dir.
func WriteProject(t testing.TB, dir, name, lib string) {
	t.Helper()
	files := map[string]string{
		"Cargo.toml": `[package]
name = "` + name + `"
version = "0.1.0"
edition = "2021"

[dependencies]
fluentbase-sdk = { git = "https://github.com/fluentlabs-xyz/fluentbase", tag = "v0.1.0", default-features = false }

[features]
default = ["std"]
std = []
`,
		"Cargo.lock":          cargoLock,
		"rust-toolchain.toml": "[toolchain]\nchannel = \"1.83.0\"\ntargets = [\"wasm32-unknown-unknown\"]\n",
		"src/lib.rs":          lib,
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// Snapshot packs dir into an in-memory snapshot source.
func Snapshot(t testing.TB, dir string) *source.Snapshot {
	t.Helper()
	tree, err := source.SelectFiles(dir, true)
	require.NoError(t, err)
	packed, err := source.Pack(tree, source.FormatTarGz)
	require.NoError(t, err)
	snap, err := source.NewSnapshot(packed.Data, ".")
	require.NoError(t, err)
	return snap
}

// Wasm returns a structurally valid module exporting deploy (0) and main
// (1), carrying payload in its data section.
func Wasm(payload []byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00})
	b.Write([]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00})
	b.Write([]byte{0x03, 0x03, 0x02, 0x00, 0x00})
	b.Write([]byte{0x07, 0x11, 0x02, 0x06, 'd', 'e', 'p', 'l', 'o', 'y', 0x00, 0x00, 0x04, 'm', 'a', 'i', 'n', 0x00, 0x01})
	b.Write([]byte{0x0a, 0x07, 0x02, 0x02, 0x00, 0x0b, 0x02, 0x00, 0x0b})
	b.Write([]byte{0x0b, byte(len(payload))})
	b.Write(payload)
	return b.Bytes()
}

// Identity is the toolchain the fakes report.
var Identity = toolchain.Identity{
	Release: "1.83.0",
	Commit:  "90b35a6239c3d8bdabc530a6a0816f7ff89a0aaf",
	Host:    "x86_64-unknown-linux-gnu",
}

// Toolchain is an in-process toolchain.Adapter. The wasm it produces embeds
// the hash of the project's source tree, so any source change changes it.
type Toolchain struct {
	// Err, when set, is returned by Compile.
	Err error

	mu       sync.Mutex
	requests []toolchain.Request
}

func (f *Toolchain) Identify(ctx context.Context, projectDir string) (toolchain.Identity, error) {
	return Identity, ctx.Err()
}

func (f *Toolchain) Compile(ctx context.Context, req toolchain.Request) (*toolchain.Output, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tree, err := core.NewTreeResolver(req.ProjectDir).Resolve()
	if err != nil {
		return nil, err
	}
	sum := core.NewTreeHasher().ComputeHash(tree)
	return &toolchain.Output{Wasm: Wasm([]byte(sum.String()[:32])), Identity: Identity}, nil
}

// Requests returns every compile request seen so far.
func (f *Toolchain) Requests() []toolchain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolchain.Request(nil), f.requests...)
}

const fakeRustc = `#!/bin/sh
if [ "$1" = "-vV" ]; then
  echo "rustc 1.83.0 (90b35a623 2024-11-26)"
  echo "binary: rustc"
  echo "commit-hash: 90b35a6239c3d8bdabc530a6a0816f7ff89a0aaf"
  echo "host: x86_64-unknown-linux-gnu"
  echo "release: 1.83.0"
  exit 0
fi
exit 1
`

// fakeCargo writes the same module as Wasm, with the first 32 hex chars of
// the sha256 of all Rust sources as payload.
const fakeCargo = `#!/bin/sh
profile=debug
prev=""
for a in "$@"; do
  [ "$a" = "--release" ] && profile=release
  [ "$prev" = "--profile" ] && profile="$a"
  prev="$a"
done
if grep -q "compile_error" src/lib.rs; then
  echo "error: explicit compile_error in $PWD/src/lib.rs" >&2
  exit 101
fi
crate=$(sed -n 's/^name *= *"\(.*\)"/\1/p' Cargo.toml | head -n 1 | tr - _)
dir="target/wasm32-unknown-unknown/$profile"
mkdir -p "$dir"
sum=$(find . -name '*.rs' -not -path './target/*' | sort | xargs cat | sha256sum | cut -c1-32)
printf '\000asm\001\000\000\000\001\004\001\140\000\000\003\003\002\000\000\007\021\002\006deploy\000\000\004main\000\001\012\007\002\002\000\013\002\000\013\013\040' > "$dir/$crate.wasm"
printf '%s' "$sum" >> "$dir/$crate.wasm"
`

// InstallFakeCargo writes fake cargo and rustc executables into a temp
// directory and returns it, for use at the front of PATH.
func InstallFakeCargo(t testing.TB) string {
	t.Helper()
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "rustc"), []byte(fakeRustc), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "cargo"), []byte(fakeCargo), 0o755))
	return bin
}

// ConverterIdentity is what Converter reports as its identity.
const ConverterIdentity = "external/fake-rwasm@sha256:0000000000000000000000000000000000000000000000000000000000000001"

// Converter stands in for an external rwasm compiler. Its output is the
// wasm behind a fixed tag.
type Converter struct{}

func (Converter) Identity(ctx context.Context) (string, error) { return ConverterIdentity, ctx.Err() }

func (Converter) Convert(ctx context.Context, wasm []byte, _ convert.Config) ([]byte, error) {
	return append([]byte("rwasm:"), wasm...), ctx.Err()
}

// InstallFakeConverter writes an executable rwasm converter that echoes
// its stdin behind tag, and returns its path.
func InstallFakeConverter(t testing.TB, tag string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rwasm-compile")
	script := "#!/bin/sh\nprintf '%s' '" + tag + "'\nexec /bin/cat\n"
	require.NoError(t, os.WriteFile(p, []byte(script), 0o755))
	return p
}
