package artifacts

import (
	"bytes"
	"encoding/json"

	"fluentbuilder/internal/core"
	"fluentbuilder/internal/project"
	"fluentbuilder/internal/source"
)

// SchemaVersion is the metadata document version this package writes.
const SchemaVersion = 1

// Metadata is the per-build record a verifier rebuilds from. Field order is
// the serialized key order and is part of the format.
type Metadata struct {
	SchemaVersion         int                    `json:"schema_version"`
	Contract              ContractInfo           `json:"contract"`
	Source                source.Descriptor      `json:"source"`
	CompilationSettings   CompilationSettings    `json:"compilation_settings"`
	BuiltAt               int64                  `json:"built_at"`
	Bytecode              BytecodeInfo           `json:"bytecode"`
	SolidityCompatibility *SolidityCompatibility `json:"solidity_compatibility,omitempty"`
	Dependencies          Dependencies           `json:"dependencies"`
	WorkspaceRoot         string                 `json:"workspace_root,omitempty"`
	ToolchainHash         string                 `json:"toolchain_hash"`
	SourceTreeHash        string                 `json:"source_tree_hash"`
}

type ContractInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type CompilationSettings struct {
	Rust     RustInfo           `json:"rust"`
	SDK      project.SDKVersion `json:"sdk"`
	BuildCfg BuildConfig        `json:"build_cfg"`
	Rwasm    RwasmInfo          `json:"rwasm"`
}

type RustInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Target  string `json:"target"`
}

type BuildConfig struct {
	Profile           string   `json:"profile"`
	Features          []string `json:"features,omitempty"`
	NoDefaultFeatures bool     `json:"no_default_features"`
	Locked            bool     `json:"locked"`
	ExtraArgs         []string `json:"extra_args,omitempty"`
}

// RwasmInfo records how wasm was turned into rwasm. Converter is the
// converter identity; a different converter yields different rwasm.
type RwasmInfo struct {
	Converter   string `json:"converter"`
	Entrypoint  string `json:"entrypoint,omitempty"`
	StackLayout string `json:"stack_layout,omitempty"`
}

type BytecodeInfo struct {
	Wasm  FileInfo `json:"wasm"`
	Rwasm FileInfo `json:"rwasm"`
}

// FileInfo describes one bytecode file. Hash is lowercase SHA-256 hex.
type FileInfo struct {
	Hash string `json:"hash"`
	Size int    `json:"size"`
	Path string `json:"path"`
}

type SolidityCompatibility struct {
	ABIPath           string            `json:"abi_path"`
	InterfacePath     string            `json:"interface_path"`
	FunctionSelectors map[string]string `json:"function_selectors"`
}

type Dependencies struct {
	CargoLockHash string `json:"cargo_lock_hash"`
}

// Marshal renders m as 2-space indented JSON with a trailing newline. Map
// keys are sorted, so equal metadata always yields equal bytes.
func (m *Metadata) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseMetadata decodes a metadata document, rejecting unknown fields and
// unsupported schema versions.
func ParseMetadata(data []byte) (*Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "decode metadata")
	}
	if dec.More() {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "trailing content after metadata document")
	}
	if m.SchemaVersion != SchemaVersion {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "unsupported metadata schema_version %d", m.SchemaVersion)
	}
	if m.Contract.Name == "" {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "metadata has no contract name")
	}
	return &m, nil
}
