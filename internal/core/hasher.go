package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"
)

// TreeHash is the deterministic content identity of a SourceTree.
//
//	Includes: relative paths and file bytes, in lexicographic path order
//	Excludes: timestamps, permissions, build outputs, VCS metadata
type TreeHash string

// String returns the hex form of the hash.
func (t TreeHash) String() string {
	return string(t)
}

// TreeHasher computes deterministic hashes over source trees.
//
// The hash computation is:
//   - Deterministic: identical trees always produce identical hashes
//   - Content-based: uses file contents, not metadata
//   - Unambiguous: every field is length-prefixed
type TreeHasher struct{}

// NewTreeHasher creates a new TreeHasher.
func NewTreeHasher() *TreeHasher {
	return &TreeHasher{}
}

// ComputeHash hashes the file count, then path and content of every file in
// tree order. The tree must already be sorted (TreeResolver output is).
func (h *TreeHasher) ComputeHash(tree *SourceTree) TreeHash {
	w := newFieldWriter()

	count := 0
	if tree != nil {
		count = len(tree.Files)
	}
	w.writeUint(uint64(count))

	if tree != nil {
		for _, f := range tree.Files {
			// Both path and content contribute to identity.
			w.writeField([]byte(f.Path))
			w.writeField(f.Content)
		}
	}
	return TreeHash(w.sum())
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ToolchainHash combines the compiler, SDK and rwasm converter identities
// into the single hash recorded in metadata. Changing any of them changes
// the hash.
func ToolchainHash(toolchainID, sdkID, converterID string) string {
	w := newFieldWriter()
	w.writeField([]byte(toolchainID))
	w.writeField([]byte(sdkID))
	w.writeField([]byte(converterID))
	return w.sum()
}

// BuildKey is the cache key of a build: the source tree hash plus a stable
// rendering of the build settings and the toolchain pin.
func BuildKey(tree TreeHash, settingsKey, toolchainPin string) string {
	w := newFieldWriter()
	w.writeField([]byte(tree))
	w.writeField([]byte(settingsKey))
	w.writeField([]byte(toolchainPin))
	return w.sum()
}

// NormalizeHash trims whitespace, drops a 0x prefix and lowercases a hex hash
// so that user-supplied and computed hashes compare byte for byte.
func NormalizeHash(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return strings.ToLower(s)
}

// fieldWriter writes length-prefixed fields into a SHA-256 state.
type fieldWriter struct {
	h hash.Hash
}

func newFieldWriter() *fieldWriter {
	return &fieldWriter{h: sha256.New()}
}

func (w *fieldWriter) writeUint(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.h.Write(buf[:])
}

// writeField writes an 8-byte big-endian length prefix, then data.
func (w *fieldWriter) writeField(data []byte) {
	w.writeUint(uint64(len(data)))
	w.h.Write(data)
}

func (w *fieldWriter) sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}
