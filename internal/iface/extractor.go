// Package iface derives a contract's external interface from #[router]
// annotations in its Rust sources.
//
// Extraction is syntactic: files are tokenized and scanned for routed impl
// blocks and functions. Macros are not expanded and types are not resolved;
// type paths are matched by their last segment.
package iface

import (
	"context"
	"path"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fluentbuilder/internal/core"
)

// Extractor scans the Rust sources of a project tree.
type Extractor struct {
	// Workers bounds concurrent file scans. Zero means runtime.NumCPU().
	Workers int

	Logger zerolog.Logger
}

func NewExtractor(logger zerolog.Logger) *Extractor {
	return &Extractor{Logger: logger}
}

// nonInterfaceDirs hold Rust sources that never contribute to the deployed
// contract.
var nonInterfaceDirs = []string{"tests/", "benches/", "examples/"}

// InterfaceFiles returns the tree paths scanned for routers, in tree order.
//
// scope is the directory of the crate's main source relative to the project
// root ("src" for src/lib.rs). An empty scope or "." scans every .rs file
// except build.rs and the tests, benches and examples directories.
func InterfaceFiles(tree *core.SourceTree, scope string) []string {
	scope = strings.Trim(path.Clean("/"+scope), "/")
	var out []string
	for _, p := range tree.Paths() {
		if !strings.HasSuffix(p, ".rs") || p == "build.rs" {
			continue
		}
		if scope != "" {
			if !strings.HasPrefix(p, scope+"/") {
				continue
			}
		} else if hasAnyPrefix(p, nonInterfaceDirs) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Extract scans every interface file of tree concurrently and assembles the
// contract Description. Results are merged in path order so the outcome does
// not depend on scheduling. A tree with no routers yields an empty
// Description and no error.
func (e *Extractor) Extract(ctx context.Context, tree *core.SourceTree, scope string) (*Description, error) {
	files := InterfaceFiles(tree, scope)
	results := make([][]rawRouter, len(files))

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range files {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, _ := tree.Lookup(p)
			routers, err := parseRouters(p, string(f.Content))
			if err != nil {
				return core.Wrap(core.StageInterface, core.ErrInterfaceExtraction, err, "parse %s", p)
			}
			results[i] = routers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []rawRouter
	for _, rs := range results {
		all = append(all, rs...)
	}
	d, err := assemble(all)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug().
		Int("files", len(files)).
		Int("routers", len(d.Routers)).
		Int("methods", len(d.Methods)).
		Msg("interface extracted")
	return d, nil
}

// ExtractDir resolves the Rust sources under dir and extracts from them.
func (e *Extractor) ExtractDir(ctx context.Context, dir, scope string) (*Description, error) {
	tree, err := (&core.TreeResolver{
		Root:    dir,
		Include: func(rel string) bool { return strings.HasSuffix(rel, ".rs") },
	}).Resolve()
	if err != nil {
		return nil, core.Wrap(core.StageInterface, core.ErrInterfaceExtraction, err, "read sources")
	}
	return e.Extract(ctx, tree, scope)
}
