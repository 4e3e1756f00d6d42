package core

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkippedDirs are never part of a source tree: build outputs and
// version-control metadata.
var SkippedDirs = map[string]struct{}{
	"target": {},
	"out":    {},
}

// compilationFiles are the non-.rs files that affect compilation.
var compilationFiles = map[string]struct{}{
	"Cargo.toml":          {},
	"Cargo.lock":          {},
	"rust-toolchain":      {},
	"rust-toolchain.toml": {},
}

// IsCompilationFile reports whether a relative path belongs to the compiled
// source set (Rust sources, manifests, lock file, toolchain pin).
func IsCompilationFile(rel string) bool {
	base := filepath.Base(rel)
	if _, ok := compilationFiles[base]; ok {
		return true
	}
	return strings.HasSuffix(base, ".rs")
}

// IsSkippedDir reports whether a directory name is excluded from trees:
// build outputs and any dot-directory (.git, .cargo, .idea, ...).
func IsSkippedDir(name string) bool {
	if _, ok := SkippedDirs[name]; ok {
		return true
	}
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// TreeResolver walks a project directory and produces a deterministic
// SourceTree.
//
// Resolution guarantees:
//   - Files are read by content; mtime and permissions are ignored.
//   - Paths are relative to Root and use forward slashes.
//   - The file list is strictly sorted, independent of directory order.
//   - Build-output and version-control directories are skipped.
type TreeResolver struct {
	// Root is the project directory.
	Root string

	// Include selects files by relative path. Nil means IsCompilationFile.
	Include func(rel string) bool
}

// NewTreeResolver creates a resolver for the compiled source set under root.
func NewTreeResolver(root string) *TreeResolver {
	return &TreeResolver{Root: root}
}

// Resolve walks Root and returns the sorted SourceTree.
//
// Symlinks are not followed. Returns an error if Root is not a directory or a
// file cannot be read.
func (r *TreeResolver) Resolve() (*SourceTree, error) {
	info, err := os.Stat(r.Root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", r.Root)
	}

	include := r.Include
	if include == nil {
		include = IsCompilationFile
	}

	var paths []string
	err = filepath.WalkDir(r.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == r.Root {
			return nil
		}
		if d.IsDir() {
			if IsSkippedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if include(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %q: %w", r.Root, err)
	}

	// CRITICAL: sort explicitly, WalkDir order is an implementation detail.
	sort.Strings(paths)

	files := make([]SourceFile, 0, len(paths))
	for _, rel := range paths {
		content, err := os.ReadFile(filepath.Join(r.Root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", rel, err)
		}
		files = append(files, SourceFile{Path: rel, Content: content})
	}
	return &SourceTree{Files: files}, nil
}
