package core

import "sort"

// Artifact is a single named output of a build (bytecode, ABI, metadata, ...).
//
// Path is the file name relative to the contract's artifact directory.
type Artifact struct {
	Path    string
	Content []byte
}

// ArtifactSet is a collection of artifacts sorted by Path.
type ArtifactSet struct {
	Artifacts []Artifact
}

// Add inserts or replaces an artifact while keeping the set sorted.
func (s *ArtifactSet) Add(path string, content []byte) {
	for i := range s.Artifacts {
		if s.Artifacts[i].Path == path {
			s.Artifacts[i].Content = content
			return
		}
	}
	s.Artifacts = append(s.Artifacts, Artifact{Path: path, Content: content})
	sort.Slice(s.Artifacts, func(i, j int) bool {
		return s.Artifacts[i].Path < s.Artifacts[j].Path
	})
}

// Get returns the content stored under path.
func (s *ArtifactSet) Get(path string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	for _, a := range s.Artifacts {
		if a.Path == path {
			return a.Content, true
		}
	}
	return nil, false
}

// Names returns the sorted artifact paths.
func (s *ArtifactSet) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Artifacts))
	for i, a := range s.Artifacts {
		out[i] = a.Path
	}
	return out
}
