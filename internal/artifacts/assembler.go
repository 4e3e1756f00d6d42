// Package artifacts assembles the per-contract output directory: bytecode,
// ABI, Solidity interface, metadata and the optional source archive.
package artifacts

import (
	"fmt"

	"fluentbuilder/internal/core"
	"fluentbuilder/internal/iface"
	"fluentbuilder/internal/project"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/toolchain"
)

// Artifact file names inside a contract directory.
const (
	WasmFile      = "lib.wasm"
	RwasmFile     = "lib.rwasm"
	ABIFile       = "abi.json"
	InterfaceFile = "interface.sol"
	MetadataFile  = "metadata.json"
)

// DirName is the artifact directory of a contract.
func DirName(contract string) string { return contract + ".wasm" }

// Facts is everything known about a finished build.
type Facts struct {
	Name    string
	Version string
	Source  source.Descriptor

	Rust   toolchain.Identity
	Target string
	SDK    project.SDKVersion

	Profile           string
	Features          []string
	NoDefaultFeatures bool
	Locked            bool
	ExtraArgs         []string

	// Converter is the rwasm converter identity; Entrypoint and
	// StackLayout are the conversion parameters it ran with.
	Converter   string
	Entrypoint  string
	StackLayout string

	// BuiltAt is a Unix timestamp in seconds.
	BuiltAt int64

	Wasm  []byte
	Rwasm []byte

	// Interface may be nil or empty; ABI files are then omitted.
	Interface *iface.Description

	LockHash      string
	WorkspaceRoot string
	TreeHash      core.TreeHash

	// Archive is embedded as source.tar.gz or source.zip when set.
	Archive *source.Packed
}

// Bundle is an assembled artifact directory.
type Bundle struct {
	// Dir is the directory name, relative to the output root.
	Dir       string
	Files     core.ArtifactSet
	Metadata  *Metadata
	RwasmHash string
}

// Assemble renders every artifact for f. It performs no I/O.
func Assemble(f Facts) (*Bundle, error) {
	if f.Name == "" {
		return nil, core.Failf(core.StageArtifacts, core.ErrConfigInvalid, "contract name is empty")
	}
	if len(f.Wasm) == 0 || len(f.Rwasm) == 0 {
		return nil, core.Failf(core.StageArtifacts, core.ErrArtifactWrite, "missing bytecode for %s", f.Name)
	}

	b := &Bundle{Dir: DirName(f.Name), RwasmHash: core.HashBytes(f.Rwasm)}
	b.Files.Add(WasmFile, f.Wasm)
	b.Files.Add(RwasmFile, f.Rwasm)

	md := &Metadata{
		SchemaVersion: SchemaVersion,
		Contract:      ContractInfo{Name: f.Name, Version: f.Version},
		Source:        f.Source,
		CompilationSettings: CompilationSettings{
			Rust: RustInfo{Version: f.Rust.Release, Commit: f.Rust.Commit, Target: f.Target},
			SDK:  f.SDK,
			BuildCfg: BuildConfig{
				Profile:           f.Profile,
				Features:          f.Features,
				NoDefaultFeatures: f.NoDefaultFeatures,
				Locked:            f.Locked,
				ExtraArgs:         f.ExtraArgs,
			},
			Rwasm: RwasmInfo{
				Converter:   f.Converter,
				Entrypoint:  f.Entrypoint,
				StackLayout: f.StackLayout,
			},
		},
		BuiltAt: f.BuiltAt,
		Bytecode: BytecodeInfo{
			Wasm:  FileInfo{Hash: core.HashBytes(f.Wasm), Size: len(f.Wasm), Path: WasmFile},
			Rwasm: FileInfo{Hash: b.RwasmHash, Size: len(f.Rwasm), Path: RwasmFile},
		},
		Dependencies:   Dependencies{CargoLockHash: f.LockHash},
		WorkspaceRoot:  f.WorkspaceRoot,
		ToolchainHash:  core.ToolchainHash(f.Rust.String(), f.SDK.String(), f.Converter),
		SourceTreeHash: f.TreeHash.String(),
	}

	if !f.Interface.IsEmpty() {
		abiJSON, err := f.Interface.ABIJSON()
		if err != nil {
			return nil, core.Wrap(core.StageArtifacts, core.ErrInterfaceExtraction, err, "rendering abi")
		}
		b.Files.Add(ABIFile, abiJSON)
		b.Files.Add(InterfaceFile, []byte(SolidityInterface(f.Name, f.Interface)))
		md.SolidityCompatibility = &SolidityCompatibility{
			ABIPath:           ABIFile,
			InterfacePath:     InterfaceFile,
			FunctionSelectors: f.Interface.Selectors(),
		}
	}

	if f.Archive != nil {
		b.Files.Add(f.Archive.Format.FileName(), f.Archive.Data)
	}

	data, err := md.Marshal()
	if err != nil {
		return nil, core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "encoding metadata")
	}
	b.Files.Add(MetadataFile, data)
	b.Metadata = md
	return b, nil
}

// ABI returns the bundle's abi.json, if any.
func (b *Bundle) ABI() ([]byte, bool) { return b.Files.Get(ABIFile) }

func (b *Bundle) String() string {
	return fmt.Sprintf("%s (%d files, rwasm %s)", b.Dir, len(b.Files.Artifacts), b.RwasmHash)
}
