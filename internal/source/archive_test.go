package source

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"fluentbuilder/internal/core"
)

func writeProject(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

var sampleProject = map[string]string{
	"Cargo.toml":          "[package]\nname = \"power\"\nversion = \"0.1.0\"\n",
	"Cargo.lock":          "version = 3\n",
	"rust-toolchain.toml": "[toolchain]\nchannel = \"1.83.0\"\n",
	"src/lib.rs":          "pub fn power() {}\n",
	"src/math/mod.rs":     "pub mod ops;\n",
	"README.md":           "not compiled\n",
	"target/wasm/x.rs":    "build output\n",
}

var touchTime = time.Unix(1700000000, 0)

func TestPack_DeterministicAcrossRuns(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, sampleProject)

	for _, format := range []Format{FormatTarGz, FormatZip} {
		t1, err := SelectFiles(root, true)
		require.NoError(t, err)
		a, err := Pack(t1, format)
		require.NoError(t, err)

		// Touch every file: mtimes must not leak into the archive.
		for rel := range sampleProject {
			p := filepath.Join(root, filepath.FromSlash(rel))
			require.NoError(t, os.Chtimes(p, touchTime, touchTime))
		}
		t2, err := SelectFiles(root, true)
		require.NoError(t, err)
		b, err := Pack(t2, format)
		require.NoError(t, err)

		require.Equal(t, a.Data, b.Data, "format %s", format)
		require.Equal(t, a.Hash, b.Hash)
		require.Equal(t, 5, a.FileCount)
		require.Equal(t, format, a.Format)
	}
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, sampleProject)

	tree, err := SelectFiles(root, true)
	require.NoError(t, err)

	for _, format := range []Format{FormatTarGz, FormatZip} {
		packed, err := Pack(tree, format)
		require.NoError(t, err)

		got, ok := DetectFormat(packed.Data)
		require.True(t, ok)
		require.Equal(t, format, got)

		dest := t.TempDir()
		n, err := Unpack(packed.Data, dest)
		require.NoError(t, err)
		require.Equal(t, len(tree.Files), n)

		extracted, err := core.NewTreeResolver(dest).Resolve()
		require.NoError(t, err)
		hasher := core.NewTreeHasher()
		require.Equal(t, hasher.ComputeHash(tree), hasher.ComputeHash(extracted))
	}
}

// TestSelectFiles_HonoursGitignore: ignored sources drop out, but the
// manifest and lock file are always archived.
func TestSelectFiles_HonoursGitignore(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, sampleProject)
	writeProject(t, root, map[string]string{
		".gitignore":        "Cargo.lock\ngenerated/\nscratch.rs\n",
		"generated/bind.rs": "// generated\n",
		"src/scratch.rs":    "// scratch\n",
	})

	tree, err := SelectFiles(root, true)
	require.NoError(t, err)
	require.Equal(t, []string{
		"Cargo.lock",
		"Cargo.toml",
		"rust-toolchain.toml",
		"src/lib.rs",
		"src/math/mod.rs",
	}, tree.Paths())

	all, err := SelectFiles(root, false)
	require.NoError(t, err)
	require.Contains(t, all.Paths(), "generated/bind.rs")
	require.Contains(t, all.Paths(), "src/scratch.rs")
}

func TestSelectFiles_RequiresManifest(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, map[string]string{"src/lib.rs": ""})

	_, err := SelectFiles(root, true)
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestUnpack_RejectsGarbage(t *testing.T) {
	_, err := Unpack([]byte("definitely not an archive"), t.TempDir())
	require.ErrorIs(t, err, core.ErrArchiveCorrupt)
	require.ErrorIs(t, err, core.ErrSourceUnavailable)

	// Valid gzip magic, truncated stream.
	_, err = Unpack([]byte{0x1f, 0x8b, 0x08, 0x00}, t.TempDir())
	require.ErrorIs(t, err, core.ErrArchiveCorrupt)
}

func TestUnpack_RejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.rs", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	require.NoError(t, os.Mkdir(dest, 0o755))

	_, err = Unpack(buf.Bytes(), dest)
	require.ErrorIs(t, err, core.ErrArchiveCorrupt)
	_, statErr := os.Stat(filepath.Join(parent, "escape.rs"))
	require.True(t, os.IsNotExist(statErr))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTarGz, f)
	require.Equal(t, "source.tar.gz", f.FileName())

	f, err = ParseFormat("ZIP")
	require.NoError(t, err)
	require.Equal(t, "source.zip", f.FileName())

	_, err = ParseFormat("rar")
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}
