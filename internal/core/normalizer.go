package core

import (
	"bytes"
	"regexp"
)

// OutputNormalizer removes nondeterministic data from tool output.
type OutputNormalizer interface {
	Normalize(content []byte) []byte
}

// DiagnosticsNormalizer makes compiler output stable so that two failing
// builds of the same source report identical diagnostics.
//
// This normalizer handles:
//   - CRLF line endings
//   - ANSI color escape sequences
//   - the per-invocation working directory (replaced with /build)
//   - cargo timing lines ("Finished ... in 12.34s")
type DiagnosticsNormalizer struct {
	// WorkDir is the isolated directory the build ran in.
	WorkDir string

	patterns []*normPattern
}

type normPattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

// NewDiagnosticsNormalizer creates a normalizer for a build rooted at workDir.
func NewDiagnosticsNormalizer(workDir string) *DiagnosticsNormalizer {
	return &DiagnosticsNormalizer{
		WorkDir: workDir,
		patterns: []*normPattern{
			// ANSI SGR and cursor sequences: \x1b[1;31m, \x1b[K
			{
				regex:       regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`),
				replacement: nil,
			},
			// Durations in cargo status lines: "in 1.23s", "in 2m 03s"
			{
				regex:       regexp.MustCompile(`\bin (\d+m )?\d+(\.\d+)?s\b`),
				replacement: []byte("in <DURATION>"),
			},
		},
	}
}

// Normalize applies all rules in a fixed order.
func (n *DiagnosticsNormalizer) Normalize(content []byte) []byte {
	result := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if n.WorkDir != "" {
		result = bytes.ReplaceAll(result, []byte(n.WorkDir), []byte(RemappedRoot))
	}
	for _, p := range n.patterns {
		result = p.regex.ReplaceAll(result, p.replacement)
	}
	return bytes.TrimRight(result, "\n")
}

// RemappedRoot is the path every isolated working directory is remapped to,
// both in compiler path prefixes and in diagnostics.
const RemappedRoot = "/build"
