package project

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"fluentbuilder/internal/core"
)

// floatingChannels move over time and can never be reproduced.
var floatingChannels = map[string]struct{}{
	"stable":  {},
	"beta":    {},
	"nightly": {},
}

type toolchainToml struct {
	Toolchain *struct {
		Channel string `toml:"channel"`
	} `toml:"toolchain"`
}

// ReadRustToolchain returns the pinned channel from rust-toolchain.toml or
// the legacy rust-toolchain file.
func ReadRustToolchain(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, ToolchainFile))
	switch {
	case err == nil:
		var doc toolchainToml
		if err := toml.Unmarshal(data, &doc); err != nil {
			return "", core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "parsing %s", ToolchainFile)
		}
		if doc.Toolchain == nil {
			return "", invalid("invalid %s: missing [toolchain].channel", ToolchainFile)
		}
		channel := strings.TrimSpace(doc.Toolchain.Channel)
		if err := ValidateChannel(channel); err != nil {
			return "", err
		}
		return channel, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "reading %s", ToolchainFile)
	}

	legacy, err := os.ReadFile(filepath.Join(root, LegacyToolchainFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", invalid("no %s found in %s; pin the compiler with [toolchain] channel = \"1.83.0\"", ToolchainFile, root)
		}
		return "", core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "reading %s", LegacyToolchainFile)
	}
	channel := strings.TrimSpace(string(legacy))
	if err := ValidateChannel(channel); err != nil {
		return "", err
	}
	return channel, nil
}

// ValidateChannel rejects channels that do not name one exact release.
func ValidateChannel(channel string) error {
	if channel == "" {
		return invalid("rust toolchain channel cannot be empty")
	}
	if _, ok := floatingChannels[channel]; ok {
		return invalid("rust toolchain must be pinned for reproducible builds: found %q, expected e.g. \"1.83.0\" or \"nightly-2024-01-15\"", channel)
	}
	return nil
}
