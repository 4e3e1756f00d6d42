package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheEntry is a stored base-format compilation result.
//
// Only compiler output is cached. The execution-optimized bytecode is always
// re-derived from Wasm so a cache entry can never make a conversion stale.
//
//	Includes: base bytecode, toolchain identity actually used
//	Excludes: timestamps, host paths
type CacheEntry struct {
	// Key is the BuildKey this entry was stored under.
	Key string `json:"key"`

	// Wasm is the base-format bytecode.
	Wasm []byte `json:"-"`

	// ToolchainRelease is the rustc release that produced Wasm.
	ToolchainRelease string `json:"toolchain_release"`

	// ToolchainCommit is the rustc commit hash that produced Wasm.
	ToolchainCommit string `json:"toolchain_commit"`

	// WasmHash guards the blob against partial or foreign writes.
	WasmHash string `json:"wasm_hash"`
}

// Cache is a pure optimization keyed by BuildKey. Correctness never depends
// on a cache existing or on an entry being present.
type Cache interface {
	// Has reports whether an entry exists for key.
	Has(key string) (bool, error)

	// Get retrieves an entry. Returns nil if the entry does not exist.
	Get(key string) (*CacheEntry, error)

	// Put stores an entry.
	Put(entry *CacheEntry) error
}

// FileCache implements Cache on the filesystem.
//
// Structure:
//
//	{CacheDir}/
//	  {key[0:2]}/
//	    {key}/
//	      entry.json
//	      lib.wasm
//
// Writers from separate processes are serialized with a lock file; readers
// never observe partial entries because entries are committed by renaming a
// fully written temp directory into place.
type FileCache struct {
	// CacheDir is the root directory for cache storage.
	CacheDir string
}

// NewFileCache creates a new filesystem-based cache.
func NewFileCache(cacheDir string) *FileCache {
	return &FileCache{CacheDir: cacheDir}
}

// Has checks if a cache entry exists for key.
func (c *FileCache) Has(key string) (bool, error) {
	_, err := os.Stat(filepath.Join(c.entryPath(key), "entry.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return true, nil
}

// Get retrieves a cache entry by key. A blob whose hash does not match the
// recorded one is treated as a miss.
func (c *FileCache) Get(key string) (*CacheEntry, error) {
	entryDir := c.entryPath(key)

	data, err := os.ReadFile(filepath.Join(entryDir, "entry.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing cache entry: %w", err)
	}

	wasm, err := os.ReadFile(filepath.Join(entryDir, "lib.wasm"))
	if err != nil {
		return nil, fmt.Errorf("reading cached bytecode: %w", err)
	}
	if HashBytes(wasm) != entry.WasmHash || entry.Key != key {
		return nil, nil
	}
	entry.Wasm = wasm
	return &entry, nil
}

// Put stores a cache entry.
func (c *FileCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	if entry.Key == "" {
		return fmt.Errorf("cache entry key is empty")
	}

	entryDir := c.entryPath(entry.Key)
	parentDir := filepath.Dir(entryDir)

	// Ensure parent exists so the temp dir is created on the same filesystem.
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(c.CacheDir, ".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking cache: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmpDir, err := os.MkdirTemp(parentDir, "tmp-entry-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	// Blob first, so entry.json only appears after the blob succeeded.
	if err := WriteFileAtomic(filepath.Join(tmpDir, "lib.wasm"), entry.Wasm, 0o644); err != nil {
		return fmt.Errorf("writing cached bytecode: %w", err)
	}

	meta := *entry
	meta.WasmHash = HashBytes(entry.Wasm)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(tmpDir, "entry.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	// A crash between remove and rename yields a miss, not corruption.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it into
// place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// entryPath uses the first 2 characters of the key as a fan-out directory.
func (c *FileCache) entryPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(c.CacheDir, key)
	}
	return filepath.Join(c.CacheDir, key[:2], key)
}

// DefaultMemoryCacheSize bounds the in-process cache.
const DefaultMemoryCacheSize = 256

// MemoryCache implements Cache with a bounded LRU. It is safe for concurrent
// use, which lets a long-running verifier share it across invocations.
type MemoryCache struct {
	entries *lru.Cache[string, *CacheEntry]
}

// NewMemoryCache creates an in-memory cache holding at most size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemoryCacheSize
	}
	entries, err := lru.New[string, *CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}
	return &MemoryCache{entries: entries}, nil
}

// Has checks if a cache entry exists.
func (c *MemoryCache) Has(key string) (bool, error) {
	return c.entries.Contains(key), nil
}

// Get retrieves a copy of a cache entry.
func (c *MemoryCache) Get(key string) (*CacheEntry, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, nil
	}
	return copyEntry(entry), nil
}

// Put stores a copy of entry.
func (c *MemoryCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	stored := copyEntry(entry)
	stored.WasmHash = HashBytes(stored.Wasm)
	c.entries.Add(entry.Key, stored)
	return nil
}

func copyEntry(entry *CacheEntry) *CacheEntry {
	out := *entry
	out.Wasm = append([]byte(nil), entry.Wasm...)
	return &out
}
