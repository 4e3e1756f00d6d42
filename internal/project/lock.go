package project

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"fluentbuilder/internal/core"
)

// SDKVersion identifies the fluentbase-sdk build a contract links against.
type SDKVersion struct {
	Tag    string `json:"tag"`
	Commit string `json:"commit"`
}

// String renders the version the way Cargo.lock facts are reported:
// "<tag>" or "<tag>-<commit>".
func (v SDKVersion) String() string {
	if v.Commit == "" || v.Commit == unknownCommit {
		return v.Tag
	}
	return v.Tag + "-" + v.Commit
}

const unknownCommit = "unknown"

type cargoLock struct {
	Package []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Source  string `toml:"source"`
	} `toml:"package"`
}

// ReadSDKVersion finds the locked fluentbase-sdk package in root/Cargo.lock.
// Git sources contribute the first 8 characters of the pinned commit.
func ReadSDKVersion(root string) (string, error) {
	data, err := ReadLock(root)
	if err != nil {
		return "", err
	}

	var lock cargoLock
	if err := toml.Unmarshal(data, &lock); err != nil {
		return "", core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "parsing %s", LockFile)
	}

	for _, pkg := range lock.Package {
		if pkg.Name != SDKCrate {
			continue
		}
		if pkg.Version == "" {
			return "", invalid("%s found in %s but has no version", SDKCrate, LockFile)
		}
		if rest, ok := strings.CutPrefix(pkg.Source, "git+"); ok {
			if _, hash, found := strings.Cut(rest, "#"); found && hash != "" {
				return pkg.Version + "-" + hash[:min(8, len(hash))], nil
			}
		}
		return pkg.Version, nil
	}
	return "", invalid("%s not found in %s", SDKCrate, LockFile)
}

// ParseSDKVersion splits "<tag>-<commit>" at the first dash.
func ParseSDKVersion(version string) SDKVersion {
	tag, commit, ok := strings.Cut(version, "-")
	if !ok {
		return SDKVersion{Tag: version, Commit: unknownCommit}
	}
	return SDKVersion{Tag: tag, Commit: commit}
}

// ReadLock returns the raw Cargo.lock bytes.
func ReadLock(root string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(root, LockFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, invalid("%s not found in %s, run 'cargo generate-lockfile' first", LockFile, root)
		}
		return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "reading %s", LockFile)
	}
	return data, nil
}

// LockHash is the SHA-256 of Cargo.lock.
func LockHash(root string) (string, error) {
	data, err := ReadLock(root)
	if err != nil {
		return "", err
	}
	return core.HashBytes(data), nil
}
