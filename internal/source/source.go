// Package source acquires contract source into an isolated, hashable
// project tree.
//
// A build is fed by exactly one ContractSource variant: a Snapshot (an
// archive of the project files) or a VersionControlled reference (a git
// repository at a commit). The variant decides which invariants apply: only
// version-controlled sources enforce a clean working tree.
package source

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"fluentbuilder/internal/core"
)

// ContractSource is the closed set of source shapes. Only *Snapshot and
// *VersionControlled implement it.
type ContractSource interface {
	// Descriptor describes the source the way metadata records it.
	Descriptor() Descriptor

	isContractSource()
}

// Snapshot is a content snapshot of a project: archive bytes held in memory
// or an archive file on disk.
type Snapshot struct {
	// Archive holds the archive bytes. Mutually exclusive with ArchivePath.
	Archive []byte

	// ArchivePath locates an archive file on disk.
	ArchivePath string

	// InnerPath is the project directory inside the archive ("." for root).
	InnerPath string

	// Label is recorded as archive_path in metadata. Defaults to
	// ArchivePath, or "./source.tar.gz" for in-memory archives.
	Label string
}

// VersionControlled references a project inside a git repository.
type VersionControlled struct {
	// Repository is a local repository directory or a clone URL.
	Repository string

	// Commit is the full or abbreviated commit id to check out.
	Commit string

	// InnerPath is the project directory relative to the repository root.
	InnerPath string

	// AllowDirty skips the clean-tree check for a local repository. The
	// working tree is then built as a snapshot and the result is not
	// reproducible by reference.
	AllowDirty bool

	// Remote is recorded as the repository in metadata when set; local
	// builds record the origin URL rather than a host path.
	Remote string
}

func (*Snapshot) isContractSource()          {}
func (*VersionControlled) isContractSource() {}

var commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)

// NewSnapshot validates and builds a snapshot source from archive bytes.
func NewSnapshot(archive []byte, innerPath string) (*Snapshot, error) {
	if len(archive) == 0 {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "snapshot archive is empty")
	}
	inner, err := cleanInnerPath(innerPath)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Archive: archive, InnerPath: inner}, nil
}

// NewSnapshotFile validates and builds a snapshot source backed by a file.
func NewSnapshotFile(archivePath, innerPath string) (*Snapshot, error) {
	if strings.TrimSpace(archivePath) == "" {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "snapshot archive path is empty")
	}
	inner, err := cleanInnerPath(innerPath)
	if err != nil {
		return nil, err
	}
	return &Snapshot{ArchivePath: archivePath, InnerPath: inner}, nil
}

// NewVersionControlled validates and builds a git source.
func NewVersionControlled(repository, commit, innerPath string) (*VersionControlled, error) {
	if strings.TrimSpace(repository) == "" {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "repository is empty")
	}
	if !commitPattern.MatchString(commit) {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "commit %q is not a hex commit id", commit)
	}
	inner, err := cleanInnerPath(innerPath)
	if err != nil {
		return nil, err
	}
	return &VersionControlled{Repository: repository, Commit: strings.ToLower(commit), InnerPath: inner}, nil
}

// cleanInnerPath normalizes a project path and keeps it inside its root.
func cleanInnerPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ".", nil
	}
	cleaned := path.Clean(p)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", core.Failf(core.StageConfig, core.ErrConfigInvalid, "project path %q escapes the source root", p)
	}
	return cleaned, nil
}

// Source kinds as written to metadata.
const (
	KindArchive = "archive"
	KindGit     = "git"
)

// DefaultArchiveLabel is the archive_path recorded for in-memory snapshots.
const DefaultArchiveLabel = "./source.tar.gz"

// Descriptor is the metadata view of a ContractSource.
type Descriptor struct {
	Type        string `json:"type"`
	ArchivePath string `json:"archive_path,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Commit      string `json:"commit,omitempty"`
	ProjectPath string `json:"project_path"`
}

// Descriptor implements ContractSource.
func (s *Snapshot) Descriptor() Descriptor {
	label := s.Label
	if label == "" {
		label = s.ArchivePath
	}
	if label == "" {
		label = DefaultArchiveLabel
	}
	return Descriptor{Type: KindArchive, ArchivePath: label, ProjectPath: s.InnerPath}
}

// Descriptor implements ContractSource.
func (v *VersionControlled) Descriptor() Descriptor {
	repo := v.Remote
	if repo == "" {
		repo = v.Repository
	}
	return Descriptor{Type: KindGit, Repository: repo, Commit: v.Commit, ProjectPath: v.InnerPath}
}

// FromDescriptor rebuilds a ContractSource from recorded metadata. Archive
// paths are resolved relative to baseDir.
func FromDescriptor(d Descriptor, baseDir string) (ContractSource, error) {
	switch d.Type {
	case KindArchive:
		p := d.ArchivePath
		if p != "" && !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, filepath.FromSlash(p))
		}
		return NewSnapshotFile(p, d.ProjectPath)
	case KindGit:
		return NewVersionControlled(d.Repository, d.Commit, d.ProjectPath)
	default:
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "unknown source type %q", d.Type)
	}
}
