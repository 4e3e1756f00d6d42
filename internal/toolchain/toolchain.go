// Package toolchain drives the external Rust toolchain that turns a contract
// project into base wasm bytecode.
package toolchain

import (
	"context"
	"fmt"
	"strings"
)

// DefaultTarget is the only target Fluent contracts are built for.
const DefaultTarget = "wasm32-unknown-unknown"

// Request is one compilation of a materialized project.
type Request struct {
	// ProjectDir contains Cargo.toml.
	ProjectDir string

	// WorkDir is the isolated root remapped to /build in compiler paths.
	// Empty means ProjectDir.
	WorkDir string

	// Crate is the package name from Cargo.toml.
	Crate string

	Target            string
	Profile           string
	Features          []string
	NoDefaultFeatures bool
	Locked            bool
	ExtraArgs         []string
}

// Identity is the toolchain actually used for a build, as reported by
// rustc -vV.
type Identity struct {
	Release string
	Commit  string
	Host    string
}

// String is the identity that feeds the toolchain hash.
func (id Identity) String() string {
	return fmt.Sprintf("rustc %s (%s)", id.Release, id.Commit)
}

// Output is the result of a successful compilation.
type Output struct {
	Wasm     []byte
	Identity Identity

	// Diagnostics holds normalized compiler warnings, if any.
	Diagnostics string
}

// Adapter compiles a project. Implementations must report the toolchain
// identity actually used, not the configured one.
type Adapter interface {
	Identify(ctx context.Context, projectDir string) (Identity, error)
	Compile(ctx context.Context, req Request) (*Output, error)
}

// ProfileDir is the target/<triple>/ subdirectory cargo writes a profile to.
func ProfileDir(profile string) string {
	switch profile {
	case "", "debug", "dev":
		return "debug"
	default:
		return profile
	}
}

// BuildArgs renders the cargo arguments for req.
func BuildArgs(req Request) []string {
	target := req.Target
	if target == "" {
		target = DefaultTarget
	}
	args := []string{"build", "--target", target}
	switch req.Profile {
	case "", "debug", "dev":
	case "release":
		args = append(args, "--release")
	default:
		args = append(args, "--profile", req.Profile)
	}
	if req.NoDefaultFeatures {
		args = append(args, "--no-default-features")
	}
	if len(req.Features) > 0 {
		args = append(args, "--features", strings.Join(req.Features, ","))
	}
	if req.Locked {
		args = append(args, "--locked")
	}
	return append(args, req.ExtraArgs...)
}

// parseIdentity reads the release and commit-hash lines of rustc -vV.
func parseIdentity(out string) (Identity, error) {
	var id Identity
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "release":
			id.Release = value
		case "commit-hash":
			id.Commit = value
		case "host":
			id.Host = value
		}
	}
	if id.Release == "" {
		return Identity{}, fmt.Errorf("no release line in rustc -vV output")
	}
	if id.Commit == "" {
		id.Commit = "unknown"
	}
	return id, nil
}
