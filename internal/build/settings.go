package build

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"fluentbuilder/internal/convert"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/toolchain"
)

// Options is the unvalidated form of Settings, as collected from flags,
// environment or recorded metadata.
type Options struct {
	Target          string
	Profile         string
	Features        []string
	DefaultFeatures bool
	Locked          bool
	ExtraArgs       []string

	Entrypoint  string
	StackLayout string

	Archive       bool
	ArchiveFormat string
	NoGitignore   bool
}

// Settings is a validated, immutable build configuration. Construct it
// with NewSettings; the zero value is not valid.
type Settings struct {
	Target            string
	Profile           string
	Features          []string
	NoDefaultFeatures bool
	Locked            bool
	ExtraArgs         []string

	Rwasm convert.Config

	Archive          bool
	ArchiveFormat    source.Format
	RespectGitignore bool
}

var profilePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedFlags are owned by Settings and may not appear in ExtraArgs.
var reservedFlags = []string{
	"--target", "--release", "--profile", "--features",
	"--no-default-features", "--locked", "--manifest-path",
}

// NewSettings validates every field of o before anything touches the
// filesystem. The first violation rejects the whole value.
func NewSettings(o Options) (Settings, error) {
	s := Settings{
		Target:            strings.TrimSpace(o.Target),
		Profile:           strings.TrimSpace(o.Profile),
		NoDefaultFeatures: !o.DefaultFeatures,
		Locked:            o.Locked,
		Archive:           o.Archive,
		RespectGitignore:  !o.NoGitignore,
	}
	if s.Target == "" {
		s.Target = toolchain.DefaultTarget
	}
	if s.Target != toolchain.DefaultTarget {
		return Settings{}, invalid("unsupported target %q, only %s is supported", s.Target, toolchain.DefaultTarget)
	}
	if s.Profile == "" {
		s.Profile = "release"
	}
	if !profilePattern.MatchString(s.Profile) {
		return Settings{}, invalid("invalid profile name %q", s.Profile)
	}

	features, err := normalizeFeatures(o.Features)
	if err != nil {
		return Settings{}, err
	}
	s.Features = features

	for _, arg := range o.ExtraArgs {
		name, _, _ := strings.Cut(arg, "=")
		for _, r := range reservedFlags {
			if name == r {
				return Settings{}, invalid("extra flag %s is controlled by build settings", r)
			}
		}
	}
	s.ExtraArgs = append([]string(nil), o.ExtraArgs...)

	layout, err := convert.ParseStackLayout(o.StackLayout)
	if err != nil {
		return Settings{}, err
	}
	entry := strings.TrimSpace(o.Entrypoint)
	if entry == "" {
		entry = convert.DefaultEntrypoint
	}
	s.Rwasm = convert.Config{Entrypoint: entry, StackLayout: layout}

	format := source.FormatTarGz
	if o.ArchiveFormat != "" {
		if format, err = source.ParseFormat(o.ArchiveFormat); err != nil {
			return Settings{}, err
		}
	}
	s.ArchiveFormat = format
	return s, nil
}

// normalizeFeatures splits comma or space separated entries, then sorts and
// de-duplicates them.
func normalizeFeatures(in []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range in {
		for _, f := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			if strings.ContainsAny(f, "\n\r") {
				return nil, invalid("invalid feature name %q", f)
			}
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Key is a stable rendering of every setting that can change the produced
// bytecode. Archive settings are excluded.
func (s Settings) Key() string {
	var b strings.Builder
	field := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(value))
		b.WriteByte(';')
	}
	field("target", s.Target)
	field("profile", s.Profile)
	field("features", strings.Join(s.Features, ","))
	field("no_default_features", strconv.FormatBool(s.NoDefaultFeatures))
	field("locked", strconv.FormatBool(s.Locked))
	field("extra", strings.Join(s.ExtraArgs, " "))
	field("entrypoint", s.Rwasm.Entrypoint)
	field("stack_layout", string(s.Rwasm.StackLayout))
	return b.String()
}

// Request renders the toolchain request for a materialized project.
func (s Settings) Request(projectDir, workDir, crate string) toolchain.Request {
	return toolchain.Request{
		ProjectDir:        projectDir,
		WorkDir:           workDir,
		Crate:             crate,
		Target:            s.Target,
		Profile:           s.Profile,
		Features:          s.Features,
		NoDefaultFeatures: s.NoDefaultFeatures,
		Locked:            s.Locked,
		ExtraArgs:         s.ExtraArgs,
	}
}

func invalid(format string, args ...any) error {
	return core.Failf(core.StageConfig, core.ErrConfigInvalid, format, args...)
}
