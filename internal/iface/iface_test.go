package iface

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fluentbuilder/internal/core"
)

const powerSource = `
#![cfg_attr(target_arch = "wasm32", no_std)]
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
        // #[router] inside a comment is ignored
        let _s = "#[router] in a string";
        base.pow(exp)
    }
}

impl<SDK: SharedAPI> POWER<SDK> {
    fn deploy(&self) {}
}

basic_entrypoint!(POWER);
`

func tree(files map[string]string) *core.SourceTree {
	t := &core.SourceTree{}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		t.Files = append(t.Files, core.SourceFile{Path: p, Content: []byte(files[p])})
	}
	return t
}

func extract(t *testing.T, files map[string]string) (*Description, error) {
	t.Helper()
	return NewExtractor(zerolog.Nop()).Extract(context.Background(), tree(files), "src")
}

func TestExtract_PowerSelector(t *testing.T) {
	d, err := extract(t, map[string]string{"src/lib.rs": powerSource})
	require.NoError(t, err)

	require.Len(t, d.Routers, 1)
	r := d.Routers[0]
	require.Equal(t, DeclTraitMethod, r.Kind)
	require.Equal(t, "PowerAPI", r.Trait)
	require.Equal(t, "POWER<SDK>", r.Target)
	require.Equal(t, "solidity", r.Mode)

	require.Len(t, d.Methods, 1)
	m := d.Methods[0]
	require.Equal(t, "power(uint256,uint256)", m.Signature)
	require.Equal(t, "0xc04f01fc", m.Selector.Hex())
	require.Equal(t, MutabilityView, m.StateMutability)
	require.Equal(t, []string{"base", "exp"}, []string{m.Inputs[0].Name, m.Inputs[1].Name})
	require.Len(t, m.Outputs, 1)
	require.Equal(t, "uint256", m.Outputs[0].Type.Canonical())

	require.Equal(t, map[string]string{"power(uint256,uint256)": "0xc04f01fc"}, d.Selectors())
}

func TestExtract_NoRouterIsEmpty(t *testing.T) {
	d, err := extract(t, map[string]string{
		"src/lib.rs": "pub struct Plain { field: u32 }\nimpl Plain { pub fn new() -> Self { Self { field: 0 } } }\n",
	})
	require.NoError(t, err)
	require.True(t, d.IsEmpty())
	require.Empty(t, d.Routers)
}

func TestExtract_SelectorCollision(t *testing.T) {
	src := `
#[router(mode = "solidity")]
impl<SDK: SharedAPI> Token<SDK> {
    pub fn burn(&mut self, amount: U256) {}
    pub fn collate_propagate_storage(&mut self, data: [u8; 16]) {}
}
`
	_, err := extract(t, map[string]string{"src/lib.rs": src})
	require.ErrorIs(t, err, core.ErrSelectorCollision)
	require.ErrorIs(t, err, core.ErrInterfaceExtraction)
	require.Contains(t, err.Error(), "0x42966c68")
	require.Contains(t, err.Error(), "burn(uint256)")
	require.Contains(t, err.Error(), "collate_propagate_storage(bytes16)")
}

func TestExtract_CollisionAcrossFiles(t *testing.T) {
	_, err := extract(t, map[string]string{
		"src/a.rs": "#[router]\nimpl A for C { fn burn(&self, x: U256) {} }\n",
		"src/b.rs": "#[router]\nimpl B for C { fn collate_propagate_storage(&self, x: FixedBytes<16>) {} }\n",
	})
	require.ErrorIs(t, err, core.ErrSelectorCollision)
}

func TestExtract_EmptyRouter(t *testing.T) {
	src := `
#[router(mode = "solidity")]
impl<SDK: SharedAPI> Token<SDK> {
    fn private_helper(&self) -> u32 { 1 }
    pub fn constructor() {}
}
`
	_, err := extract(t, map[string]string{"src/lib.rs": src})
	require.ErrorIs(t, err, core.ErrEmptyRouter)
	require.ErrorIs(t, err, core.ErrInterfaceExtraction)
	stage, ok := core.StageOf(err)
	require.True(t, ok)
	require.Equal(t, core.StageInterface, stage)
}

func TestExtract_DeclarationKinds(t *testing.T) {
	src := `
#[router]
impl Vault {
    pub fn deposit(&mut self, amount: u64) {}
    pub fn balance(&self, who: Address) -> U256 { U256::ZERO }
    fn hidden(&self) {}
    pub fn new() -> Self { Vault }
    pub const LIMIT: u64 = 10;
    type Alias = u8;
}

#[router]
pub fn ping(x: bool) -> bool { x }
`
	d, err := extract(t, map[string]string{"src/lib.rs": src})
	require.NoError(t, err)
	require.Len(t, d.Routers, 2)
	require.Equal(t, DeclInherentMethod, d.Routers[0].Kind)
	require.Equal(t, DeclFreeFunction, d.Routers[1].Kind)

	var sigs []string
	for _, m := range d.Methods {
		sigs = append(sigs, m.Signature+" "+m.StateMutability)
	}
	require.Equal(t, []string{
		"deposit(uint64) nonpayable",
		"balance(address) view",
		"ping(bool) nonpayable",
	}, sigs)
}

func TestExtract_FunctionID(t *testing.T) {
	src := `
#[router]
impl Api for C {
    #[function_id("transfer(address,uint256)")]
    fn send_tokens(&mut self, to: Address, amount: U256) -> bool { true }

    #[function_id("0xDEADBEEF")]
    fn fallback_like(&mut self) {}
}
`
	d, err := extract(t, map[string]string{"src/lib.rs": src})
	require.NoError(t, err)
	require.Equal(t, "transfer", d.Methods[0].Name)
	require.Equal(t, "transfer(address,uint256)", d.Methods[0].Signature)
	require.Equal(t, "0xa9059cbb", d.Methods[0].Selector.Hex())
	require.Equal(t, "fallback_like()", d.Methods[1].Signature)
	require.Equal(t, "0xdeadbeef", d.Methods[1].Selector.Hex())

	bad := `
#[router]
impl Api for C {
    #[function_id("transfer(address)")]
    fn send_tokens(&mut self, to: Address, amount: U256) {}
}
`
	_, err = extract(t, map[string]string{"src/lib.rs": bad})
	require.ErrorIs(t, err, core.ErrInterfaceExtraction)
	require.NotErrorIs(t, err, core.ErrSelectorCollision)
}

func TestExtract_UnsupportedType(t *testing.T) {
	for _, typ := range []string{"Option<U256>", "HashMap<Address, U256>", "[u8; N]", "FixedBytes<33>", "f64", "()"} {
		src := "#[router]\nimpl Api for C { fn f(&self, v: " + typ + ") {} }\n"
		_, err := extract(t, map[string]string{"src/lib.rs": src})
		require.ErrorIs(t, err, core.ErrUnsupportedType, "type %s", typ)
		require.ErrorIs(t, err, core.ErrInterfaceExtraction)
	}
}

func TestExtract_MalformedSource(t *testing.T) {
	for name, src := range map[string]string{
		"unbalanced":   "#[router]\nimpl Api for C { fn f(&self) {}\n",
		"unterminated": "fn f() { let s = \"open; }\n",
		"bad target":   "#[router]\npub trait Api { fn f(&self); }\n",
		"bad mode":     "#[router(mode = \"cobol\")]\nimpl Api for C { fn f(&self) {} }\n",
		"bad form":     "#[router = \"x\"]\nimpl Api for C { fn f(&self) {} }\n",
	} {
		_, err := extract(t, map[string]string{"src/lib.rs": src})
		require.ErrorIs(t, err, core.ErrInterfaceExtraction, name)
	}
}

func TestExtract_MergesFilesInPathOrder(t *testing.T) {
	files := map[string]string{
		"src/z.rs":          "#[router]\nimpl Z for C { fn zeta(&self) {} }\n",
		"src/a.rs":          "#[router]\nimpl A for C { fn alpha(&self) {} fn beta(&self) {} }\n",
		"src/m/mod.rs":      "#[router]\nimpl M for C { fn mid(&self) {} }\n",
		"tests/it.rs":       "#[router]\nimpl T for C { fn only_in_tests(&self) {} }\n",
		"benches/b.rs":      "#[router]\nimpl B for C { fn bench(&self) {} }\n",
		"build.rs":          "#[router]\nimpl X for C { fn build_script(&self) {} }\n",
		"examples/usage.rs": "#[router]\nimpl E for C { fn example(&self) {} }\n",
	}
	for _, workers := range []int{1, 8} {
		e := &Extractor{Workers: workers, Logger: zerolog.Nop()}
		d, err := e.Extract(context.Background(), tree(files), "src")
		require.NoError(t, err)
		var names []string
		for _, m := range d.Methods {
			names = append(names, m.Name)
		}
		require.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, names)
	}

	// A crate rooted at lib.rs scans everything except non-contract dirs.
	files["lib.rs"] = "#[router]\nimpl L for C { fn root(&self) {} }\n"
	d, err := NewExtractor(zerolog.Nop()).Extract(context.Background(), tree(files), ".")
	require.NoError(t, err)
	var names []string
	for _, m := range d.Methods {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"root", "alpha", "beta", "mid", "zeta"}, names)
}

func TestExtract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExtractor(zerolog.Nop()).Extract(ctx, tree(map[string]string{"src/lib.rs": powerSource}), "src")
	require.ErrorIs(t, err, context.Canceled)
}

func TestExtractDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/lib.rs", powerSource)
	writeFile(t, dir, "target/debug/build/gen.rs", "#[router]\nimpl G for C { fn generated(&self) {} }\n")

	d, err := NewExtractor(zerolog.Nop()).ExtractDir(context.Background(), dir, "src")
	require.NoError(t, err)
	require.Len(t, d.Methods, 1)
	require.Equal(t, "power", d.Methods[0].Name)
}

func TestMapType(t *testing.T) {
	cases := map[string]string{
		"u8":                     "uint8",
		"u128":                   "uint128",
		"U256":                   "uint256",
		"alloy_primitives::U256": "uint256",
		"i64":                    "int64",
		"I256":                   "int256",
		"bool":                   "bool",
		"Address":                "address",
		"String":                 "string",
		"&str":                   "string",
		"&'a str":                "string",
		"Bytes":                  "bytes",
		"Vec<u8>":                "bytes",
		"&[u8]":                  "bytes",
		"[u8; 32]":               "bytes32",
		"[u8; 4]":                "bytes4",
		"[u8; 64]":               "uint8[64]",
		"B256":                   "bytes32",
		"FixedBytes<20>":         "bytes20",
		"Vec<U256>":              "uint256[]",
		"Vec<Vec<u8>>":           "bytes[]",
		"[Address; 3]":           "address[3]",
		"(U256, bool)":           "(uint256,bool)",
		"Vec<(Address, U256)>":   "(address,uint256)[]",
		"(U256)":                 "uint256",
	}
	for src, want := range cases {
		toks, err := lex(src)
		require.NoError(t, err)
		rt, err := parseType(toks)
		require.NoError(t, err, src)
		got, err := mapType(rt)
		require.NoError(t, err, src)
		require.Equal(t, want, got.Canonical(), src)
	}
}

func TestType_ABIType(t *testing.T) {
	pair := Type{Kind: KindTuple, Components: []Type{{Kind: KindAddress}, {Kind: KindUint, Size: 256}}}
	require.Equal(t, "tuple", pair.ABIType())
	require.Equal(t, "tuple[]", Type{Kind: KindSlice, Elem: &pair}.ABIType())
	require.Equal(t, "(address,uint256)[2]", Type{Kind: KindArray, Size: 2, Elem: &pair}.Canonical())
	require.True(t, Type{Kind: KindBytes}.IsDynamicReference())
	require.False(t, Type{Kind: KindAddress}.IsDynamicReference())
}

func TestABIJSON_ParsesWithGoEthereum(t *testing.T) {
	src := `
#[router]
impl Api for C {
    fn power(&self, base: U256, exp: U256) -> U256 { base }
    fn pairs(&mut self, items: Vec<(Address, U256)>) -> (bool, Bytes) { (true, Bytes::new()) }
}
`
	d, err := extract(t, map[string]string{"src/lib.rs": src})
	require.NoError(t, err)

	data, err := d.ABIJSON()
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	parsed, err := abi.JSON(bytes.NewReader(data))
	require.NoError(t, err)
	power, ok := parsed.Methods["power"]
	require.True(t, ok)
	require.Equal(t, "c04f01fc", hex.EncodeToString(power.ID))
	require.True(t, power.IsConstant())

	pairs := parsed.Methods["pairs"]
	require.Equal(t, "pairs((address,uint256)[])", pairs.Sig)
	require.Len(t, pairs.Outputs, 2)

	entries := d.ABI()
	require.Equal(t, "tuple[]", entries[1].Inputs[0].Type)
	require.Len(t, entries[1].Inputs[0].Components, 2)
	require.Empty(t, entries[0].Inputs[0].Components)
}

func TestABIJSON_EmptyIsArray(t *testing.T) {
	data, err := (&Description{}).ABIJSON()
	require.NoError(t, err)
	require.Equal(t, "[]\n", string(data))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}
