// Package project reads the facts a build needs from a contract project on
// disk: the Cargo manifest, the dependency lock and the toolchain pin.
package project

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"fluentbuilder/internal/core"
)

const (
	ManifestFile        = "Cargo.toml"
	LockFile            = "Cargo.lock"
	ToolchainFile       = "rust-toolchain.toml"
	LegacyToolchainFile = "rust-toolchain"

	// SDKCrate is the dependency that marks a crate as a Fluent contract.
	SDKCrate = "fluentbase-sdk"

	// DefaultTarget is the only target the contract runtime accepts.
	DefaultTarget = "wasm32-unknown-unknown"
)

// mainSourceCandidates are tried in order when [lib].path is absent.
var mainSourceCandidates = []string{"src/lib.rs", "src/main.rs", "lib.rs", "main.rs"}

// Manifest holds the parts of Cargo.toml the pipeline relies on.
type Manifest struct {
	// Root is the directory containing Cargo.toml.
	Root string

	Name    string
	Version string

	// MainSource is the crate root, relative to Root with forward slashes.
	MainSource string

	// Features lists the feature names declared in [features], sorted.
	Features []string
}

type cargoToml struct {
	Package *struct {
		Name    string `toml:"name"`
		Version any    `toml:"version"`
	} `toml:"package"`
	Lib *struct {
		Path string `toml:"path"`
	} `toml:"lib"`
	Dependencies map[string]any `toml:"dependencies"`
	Features     map[string]any `toml:"features"`
}

// LoadManifest parses root/Cargo.toml and checks that the project is a
// Fluent contract.
func LoadManifest(root string) (*Manifest, error) {
	path := filepath.Join(root, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, invalid("%s not found in %s", ManifestFile, root)
		}
		return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "reading %s", path)
	}

	var doc cargoToml
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "parsing %s", path)
	}

	if doc.Package == nil {
		return nil, invalid("no [package] section in %s", ManifestFile)
	}
	if doc.Package.Name == "" {
		return nil, invalid("no package.name in %s", ManifestFile)
	}
	// version.workspace = true cannot be resolved from the crate alone.
	version, ok := doc.Package.Version.(string)
	if !ok || version == "" {
		return nil, invalid("no literal package.version in %s", ManifestFile)
	}
	if _, ok := doc.Dependencies[SDKCrate]; !ok {
		return nil, invalid("not a Fluent contract: no %s dependency in %s", SDKCrate, ManifestFile)
	}

	mainSource, err := findMainSource(root, doc)
	if err != nil {
		return nil, err
	}

	features := make([]string, 0, len(doc.Features))
	for name := range doc.Features {
		features = append(features, name)
	}
	sort.Strings(features)

	return &Manifest{
		Root:       root,
		Name:       doc.Package.Name,
		Version:    version,
		MainSource: mainSource,
		Features:   features,
	}, nil
}

// WasmFileName is the file cargo emits for the crate.
func (m *Manifest) WasmFileName() string {
	return WasmFileName(m.Name)
}

// HasFeature reports whether [features] declares name.
func (m *Manifest) HasFeature(name string) bool {
	i := sort.SearchStrings(m.Features, name)
	return i < len(m.Features) && m.Features[i] == name
}

// WasmFileName maps a crate name to the file cargo emits for it.
func WasmFileName(crate string) string {
	return strings.ReplaceAll(crate, "-", "_") + ".wasm"
}

// CheckDir fails with ErrConfigInvalid unless root is an existing directory.
func CheckDir(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "project path %s", root)
	}
	if !info.IsDir() {
		return invalid("project path %s is not a directory", root)
	}
	return nil
}

func findMainSource(root string, doc cargoToml) (string, error) {
	if doc.Lib != nil && doc.Lib.Path != "" {
		rel := filepath.ToSlash(filepath.Clean(doc.Lib.Path))
		if !fileExists(filepath.Join(root, filepath.FromSlash(rel))) {
			return "", invalid("custom lib path not found: %s", rel)
		}
		return rel, nil
	}
	for _, candidate := range mainSourceCandidates {
		if fileExists(filepath.Join(root, filepath.FromSlash(candidate))) {
			return candidate, nil
		}
	}
	return "", invalid("no main source file found, expected one of: %s", strings.Join(mainSourceCandidates, ", "))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func invalid(format string, args ...any) error {
	return core.Failf(core.StageConfig, core.ErrConfigInvalid, format, args...)
}
