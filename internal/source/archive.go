package source

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	ignore "github.com/sabhiram/go-gitignore"

	"fluentbuilder/internal/core"
)

// Format is a source archive encoding.
type Format string

const (
	FormatTarGz Format = "tar.gz"
	FormatZip   Format = "zip"
)

// ParseFormat accepts the CLI spellings of an archive format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tar.gz", "tgz", "targz":
		return FormatTarGz, nil
	case "zip":
		return FormatZip, nil
	default:
		return "", core.Failf(core.StageConfig, core.ErrConfigInvalid, "unknown archive format %q (use tar.gz or zip)", s)
	}
}

// FileName is the artifact name for an archive of this format.
func (f Format) FileName() string {
	if f == FormatZip {
		return "source.zip"
	}
	return "source.tar.gz"
}

// maxUnpackedSize bounds extraction so a hostile archive cannot fill the disk.
const maxUnpackedSize = 512 << 20

// compressionLevel matches the default deflate level.
const compressionLevel = 6

// Packed is a deterministic archive of a source tree.
type Packed struct {
	Format    Format
	Data      []byte
	Hash      string
	FileCount int
}

// SelectFiles collects the compilation files under dir. Cargo.toml and
// Cargo.lock are always kept; everything else honours dir/.gitignore when
// respectGitignore is set.
func SelectFiles(dir string, respectGitignore bool) (*core.SourceTree, error) {
	var gi *ignore.GitIgnore
	if respectGitignore {
		compiled, err := ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore"))
		switch {
		case err == nil:
			gi = compiled
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading .gitignore: %w", err)
		}
	}

	r := &core.TreeResolver{
		Root: dir,
		Include: func(rel string) bool {
			if rel == "Cargo.toml" || rel == "Cargo.lock" {
				return true
			}
			if !core.IsCompilationFile(rel) {
				return false
			}
			return gi == nil || !gi.MatchesPath(rel)
		},
	}
	tree, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	if _, ok := tree.Lookup("Cargo.toml"); !ok {
		return nil, core.Failf(core.StageSource, core.ErrConfigInvalid, "Cargo.toml not found in %s", dir)
	}
	return tree, nil
}

// Pack encodes tree as a deterministic archive: sorted entries, forward-slash
// paths, zero timestamps and owners, 0644 modes.
func Pack(tree *core.SourceTree, format Format) (*Packed, error) {
	if tree == nil || len(tree.Files) == 0 {
		return nil, fmt.Errorf("no source files to archive")
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatTarGz, "":
		format = FormatTarGz
		data, err = packTarGz(tree)
	case FormatZip:
		data, err = packZip(tree)
	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return &Packed{Format: format, Data: data, Hash: core.HashBytes(data), FileCount: len(tree.Files)}, nil
}

func packTarGz(tree *core.SourceTree) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)
	for _, f := range tree.Files {
		hdr := &tar.Header{
			Name:     f.Path,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  time.Unix(0, 0),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packZip(tree *core.SourceTree) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range tree.Files {
		hdr := &zip.FileHeader{Name: f.Path, Method: zip.Deflate}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip header %s: %w", f.Path, err)
		}
		if _, err := w.Write(f.Content); err != nil {
			return nil, fmt.Errorf("zip write %s: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DetectFormat sniffs the archive encoding from its leading bytes.
func DetectFormat(data []byte) (Format, bool) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return FormatTarGz, true
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04")):
		return FormatZip, true
	default:
		return "", false
	}
}

// Unpack extracts an archive into dest, which must exist. Entries escaping
// dest, links and oversized content fail with ErrArchiveCorrupt.
func Unpack(data []byte, dest string) (int, error) {
	format, ok := DetectFormat(data)
	if !ok {
		return 0, core.Failf(core.StageSource, core.ErrArchiveCorrupt, "unrecognized archive format")
	}
	var (
		n   int
		err error
	)
	if format == FormatZip {
		n, err = unpackZip(data, dest)
	} else {
		n, err = unpackTarGz(data, dest)
	}
	if err != nil {
		return 0, core.Wrap(core.StageSource, core.ErrArchiveCorrupt, err, "extracting %s archive", format)
	}
	return n, nil
}

func unpackTarGz(data []byte, dest string) (int, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	count := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			target, err := entryPath(dest, hdr.Name)
			if err != nil {
				return 0, err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxUnpackedSize {
				return 0, fmt.Errorf("archive exceeds %d bytes", maxUnpackedSize)
			}
			if err := writeEntry(dest, hdr.Name, tr, hdr.Size); err != nil {
				return 0, err
			}
			count++
		case tar.TypeXGlobalHeader:
		default:
			return 0, fmt.Errorf("unsupported entry %q (type %c)", hdr.Name, hdr.Typeflag)
		}
	}
	return count, nil
}

func unpackZip(data []byte, dest string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	var total uint64
	count := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			target, err := entryPath(dest, f.Name)
			if err != nil {
				return 0, err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			return 0, fmt.Errorf("unsupported entry %q", f.Name)
		}
		total += f.UncompressedSize64
		if total > maxUnpackedSize {
			return 0, fmt.Errorf("archive exceeds %d bytes", maxUnpackedSize)
		}
		rc, err := f.Open()
		if err != nil {
			return 0, err
		}
		err = writeEntry(dest, f.Name, rc, int64(f.UncompressedSize64))
		_ = rc.Close()
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// entryPath maps an archive entry name into dest, rejecting escapes.
func entryPath(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\x00") {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("entry %q escapes the archive root", name)
		}
	}
	rel := path.Clean(name)
	if rel == "." {
		return dest, nil
	}
	return filepath.Join(dest, filepath.FromSlash(rel)), nil
}

func writeEntry(dest, name string, r io.Reader, size int64) error {
	target, err := entryPath(dest, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	written, err := io.Copy(f, io.LimitReader(r, size+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if written != size {
		return fmt.Errorf("entry %q: size mismatch", name)
	}
	return nil
}
