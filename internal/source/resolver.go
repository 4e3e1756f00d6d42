package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"fluentbuilder/internal/core"
)

// Resolved is a materialized project inside its own working directory.
type Resolved struct {
	// WorkDir is the isolated directory owned by this resolution.
	WorkDir string

	// ProjectDir is the directory holding Cargo.toml, inside WorkDir.
	ProjectDir string

	// Tree is the compiled source set of ProjectDir.
	Tree *core.SourceTree

	// TreeHash is the content hash of Tree.
	TreeHash core.TreeHash

	// Source is the descriptor metadata should record for this build.
	Source Descriptor

	// Pinned is true when the source is reproducible by reference (a clean
	// commit). Snapshots and dirty-tree overrides fall back to content
	// hashing only.
	Pinned bool
}

// Cleanup removes the working directory.
func (r *Resolved) Cleanup() error {
	if r == nil || r.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(r.WorkDir)
}

// Resolver materializes ContractSource values.
//
// Every call to Resolve creates a fresh, uniquely named working directory,
// so concurrent resolutions never share state.
type Resolver struct {
	// Git runs repository operations. Nil means NewGit().
	Git *Git

	// TempRoot is where working directories are created. Empty means the
	// system temp directory.
	TempRoot string

	// RespectGitignore applies .gitignore when a dirty tree is snapshotted.
	RespectGitignore bool

	Logger zerolog.Logger
}

// NewResolver returns a resolver with default git and temp settings.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{Git: NewGit(), RespectGitignore: true, Logger: logger}
}

// Resolve materializes src. On error nothing is left on disk.
func (r *Resolver) Resolve(ctx context.Context, src ContractSource) (*Resolved, error) {
	switch s := src.(type) {
	case *Snapshot:
		return r.resolveSnapshot(ctx, s)
	case *VersionControlled:
		return r.resolveGit(ctx, s)
	case nil:
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "no contract source")
	default:
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "unsupported contract source %T", src)
	}
}

func (r *Resolver) resolveSnapshot(ctx context.Context, s *Snapshot) (*Resolved, error) {
	data := s.Archive
	if len(data) == 0 {
		if s.ArchivePath == "" {
			return nil, core.Failf(core.StageSource, core.ErrSourceUnavailable, "snapshot has neither archive bytes nor path")
		}
		var err error
		data, err = os.ReadFile(s.ArchivePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, core.Failf(core.StageSource, core.ErrSourceUnavailable, "archive %s not found", s.ArchivePath)
			}
			return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "reading archive %s", s.ArchivePath)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	workDir, err := r.newWorkDir()
	if err != nil {
		return nil, err
	}
	n, err := Unpack(data, workDir)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	r.Logger.Debug().Str("stage", string(core.StageSource)).Int("files", n).Str("workdir", workDir).Msg("snapshot extracted")

	return r.finish(workDir, workDir, s.InnerPath, s.Descriptor(), false)
}

func (r *Resolver) resolveGit(ctx context.Context, v *VersionControlled) (*Resolved, error) {
	git := r.git()

	if isDir(v.Repository) {
		info, err := git.Detect(ctx, v.Repository)
		if err != nil {
			return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "inspecting repository %s", v.Repository)
		}
		if info == nil {
			return nil, core.Failf(core.StageSource, core.ErrSourceUnavailable, "%s is not a git repository", v.Repository)
		}
		if info.Dirty {
			if !v.AllowDirty {
				return nil, core.Failf(core.StageSource, core.ErrDirtyWorkingTree,
					"repository has %d uncommitted changes; commit them or allow a dirty build", info.DirtyFilesCount)
			}
			r.Logger.Warn().Str("stage", string(core.StageSource)).Int("dirty_files", info.DirtyFilesCount).
				Msg("building dirty working tree as a snapshot; result is not reproducible by commit")
			return r.snapshotWorkingTree(ctx, filepath.Join(info.TopLevel, filepath.FromSlash(v.InnerPath)))
		}
	}

	workDir, err := r.newWorkDir()
	if err != nil {
		return nil, err
	}
	checkout := filepath.Join(workDir, "repo")
	if err := git.Checkout(ctx, v.Repository, v.Commit, checkout); err != nil {
		_ = os.RemoveAll(workDir)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("checkout cancelled: %w", ctxErr)
		}
		return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "checking out %s at %s", v.Repository, v.Commit)
	}
	r.Logger.Debug().Str("stage", string(core.StageSource)).Str("commit", v.Commit).Msg("repository checked out")

	return r.finish(workDir, checkout, v.InnerPath, v.Descriptor(), true)
}

// snapshotWorkingTree packs the files of dir in memory and resolves the
// result exactly like any other snapshot.
func (r *Resolver) snapshotWorkingTree(ctx context.Context, dir string) (*Resolved, error) {
	tree, err := SelectFiles(dir, r.RespectGitignore)
	if err != nil {
		return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "collecting %s", dir)
	}
	packed, err := Pack(tree, FormatTarGz)
	if err != nil {
		return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "packing %s", dir)
	}
	snap, err := NewSnapshot(packed.Data, ".")
	if err != nil {
		return nil, err
	}
	return r.resolveSnapshot(ctx, snap)
}

// finish locates the project inside root, hashes it and assembles the result.
func (r *Resolver) finish(workDir, root, inner string, desc Descriptor, pinned bool) (*Resolved, error) {
	projectDir := filepath.Join(root, filepath.FromSlash(inner))
	if info, err := os.Stat(filepath.Join(projectDir, "Cargo.toml")); err != nil || !info.Mode().IsRegular() {
		_ = os.RemoveAll(workDir)
		return nil, core.Failf(core.StageSource, core.ErrInnerPathNotFound, "no Cargo.toml at project path %q", inner)
	}

	tree, err := core.NewTreeResolver(projectDir).Resolve()
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "reading project tree")
	}

	return &Resolved{
		WorkDir:    workDir,
		ProjectDir: projectDir,
		Tree:       tree,
		TreeHash:   core.NewTreeHasher().ComputeHash(tree),
		Source:     desc,
		Pinned:     pinned,
	}, nil
}

func (r *Resolver) newWorkDir() (string, error) {
	dir, err := os.MkdirTemp(r.TempRoot, "fluentbuilder-src-")
	if err != nil {
		return "", core.Wrap(core.StageSource, core.ErrSourceUnavailable, err, "creating working directory")
	}
	return dir, nil
}

func (r *Resolver) git() *Git {
	if r.Git == nil {
		return NewGit()
	}
	return r.Git
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
