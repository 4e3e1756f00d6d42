// Package core provides the deterministic primitives shared by the build and
// verification pipelines.
//
// # Design Principles
//
// All structures in this package adhere to the following constraints:
//
//  1. No implied fields that could affect determinism (timestamps, host paths)
//  2. Every collection is sorted before it is hashed or serialized
//  3. Hashing is content based and length prefixed, never metadata based
//
// # Core Types
//
// SourceFile / SourceTree: the normalized, sorted file set of a contract project.
// TreeHash: the recursive content hash over a SourceTree.
// Artifact / ArtifactSet: named output files produced by a build.
// Executor: runs an external process with an allowlisted environment and
// kills the whole process group on cancellation.
// StageError: the typed failure carried out of every pipeline stage.
package core
