package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// TestResolve_SortedAndFiltered: only compilation files, sorted, with
// build-output and VCS directories skipped.
func TestResolve_SortedAndFiltered(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/lib.rs":                   "lib",
		"src/a/mod.rs":                 "mod",
		"Cargo.toml":                   "toml",
		"Cargo.lock":                   "lock",
		"rust-toolchain.toml":          "pin",
		"README.md":                    "docs",
		"target/debug/build.rs":        "generated",
		"out/Contract.wasm/lib.wasm":   "wasm",
		".git/config":                  "git",
		".cargo/registry/src/x/lib.rs": "vendored",
	})

	tree, err := NewTreeResolver(root).Resolve()
	require.NoError(t, err)

	require.Equal(t, []string{
		"Cargo.lock",
		"Cargo.toml",
		"rust-toolchain.toml",
		"src/a/mod.rs",
		"src/lib.rs",
	}, tree.Paths())

	f, ok := tree.Lookup("src/lib.rs")
	require.True(t, ok)
	require.Equal(t, "lib", string(f.Content))
}

// TestResolve_OrderIndependentOfCreationOrder: two directories populated in
// different orders hash identically.
func TestResolve_OrderIndependentOfCreationOrder(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	for _, name := range []string{"z.rs", "a.rs", "m.rs"} {
		writeFiles(t, a, map[string]string{"src/" + name: name})
	}
	for _, name := range []string{"m.rs", "z.rs", "a.rs"} {
		writeFiles(t, b, map[string]string{"src/" + name: name})
	}

	ta, err := NewTreeResolver(a).Resolve()
	require.NoError(t, err)
	tb, err := NewTreeResolver(b).Resolve()
	require.NoError(t, err)

	hasher := NewTreeHasher()
	require.Equal(t, hasher.ComputeHash(ta), hasher.ComputeHash(tb))
}

func TestResolve_CustomInclude(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "a", "b.rs": "b"})

	r := &TreeResolver{Root: root, Include: func(rel string) bool { return filepath.Ext(rel) == ".txt" }}
	tree, err := r.Resolve()
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, tree.Paths())
}

func TestResolve_RootMustBeDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := NewTreeResolver(file).Resolve()
	require.Error(t, err)

	_, err = NewTreeResolver(filepath.Join(root, "missing")).Resolve()
	require.Error(t, err)
}

func TestIsSkippedDir(t *testing.T) {
	for _, name := range []string{"target", "out", ".git", ".idea"} {
		if !IsSkippedDir(name) {
			t.Errorf("expected %q to be skipped", name)
		}
	}
	for _, name := range []string{"src", "tests", "."} {
		if IsSkippedDir(name) {
			t.Errorf("expected %q to be kept", name)
		}
	}
}
