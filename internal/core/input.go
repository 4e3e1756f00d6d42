package core

// SourceFile is a single file of a contract project whose bytes contribute to
// the source tree hash.
//
// Path is relative to the project root and always uses forward slashes.
type SourceFile struct {
	Path    string
	Content []byte
}

// SourceTree is the ordered file set of a materialized project.
//
// Files MUST be sorted lexicographically by Path; TreeResolver guarantees
// this and TreeHasher relies on it.
type SourceTree struct {
	Files []SourceFile
}

// Paths returns the relative paths of all files in tree order.
func (t *SourceTree) Paths() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.Files))
	for i, f := range t.Files {
		out[i] = f.Path
	}
	return out
}

// Lookup returns the file at the given relative path.
func (t *SourceTree) Lookup(path string) (SourceFile, bool) {
	if t == nil {
		return SourceFile{}, false
	}
	for _, f := range t.Files {
		if f.Path == path {
			return f, true
		}
	}
	return SourceFile{}, false
}
