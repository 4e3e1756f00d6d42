package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fluentbuilder/internal/core"
)

// GitInfo describes the repository a project lives in.
type GitInfo struct {
	RemoteURL       string `json:"remote_url"`
	Commit          string `json:"commit"`
	CommitShort     string `json:"commit_short"`
	Branch          string `json:"branch"`
	Dirty           bool   `json:"dirty"`
	DirtyFilesCount int    `json:"dirty_files_count"`

	// TopLevel is the repository root on disk.
	TopLevel string `json:"-"`

	// ProjectPath is the project directory relative to TopLevel ("." at root).
	ProjectPath string `json:"project_path"`
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *GitInfo) IsClean() bool {
	return g != nil && !g.Dirty
}

// Git runs git through the isolated executor.
type Git struct {
	exec *core.Executor
	env  map[string]string
}

// NewGit builds a git runner whose environment carries only PATH and HOME
// from the host.
func NewGit() *Git {
	env := map[string]string{
		"GIT_TERMINAL_PROMPT": "0",
		"LC_ALL":              "C",
	}
	for _, key := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return &Git{exec: core.NewExecutor(""), env: env}
}

// run executes git in dir and returns trimmed stdout. A non-zero exit is an
// error carrying git's stderr.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := g.exec.Execute(ctx, core.Command{Name: "git", Args: args, Dir: dir, Env: g.env})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Detect returns nil when dir is not inside a git work tree.
func (g *Git) Detect(ctx context.Context, dir string) (*GitInfo, error) {
	if out, err := g.run(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil || out != "true" {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}

	commit, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("reading HEAD commit: %w", err)
	}

	info := &GitInfo{Commit: commit, CommitShort: commit[:min(7, len(commit))]}

	if remote, err := g.run(ctx, dir, "config", "--get", "remote.origin.url"); err == nil {
		info.RemoteURL = NormalizeGitURL(remote)
	}
	info.Branch = "HEAD"
	if branch, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "" {
		info.Branch = branch
	}

	status, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("reading git status: %w", err)
	}
	for _, line := range strings.Split(status, "\n") {
		if strings.TrimSpace(line) != "" {
			info.DirtyFilesCount++
		}
	}
	info.Dirty = info.DirtyFilesCount > 0

	top, err := g.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("reading repository root: %w", err)
	}
	info.TopLevel = top
	info.ProjectPath, err = relativeTo(top, dir)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Checkout clones repository into dest and checks out commit.
func (g *Git) Checkout(ctx context.Context, repository, commit, dest string) error {
	if _, err := g.run(ctx, "", "clone", "--quiet", "--no-checkout", repository, dest); err != nil {
		return err
	}
	if _, err := g.run(ctx, dest, "-c", "advice.detachedHead=false", "checkout", "--quiet", commit); err != nil {
		return err
	}
	resolved, err := g.run(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resolved, strings.ToLower(commit)) {
		return fmt.Errorf("checked out %s, wanted %s", resolved, commit)
	}
	return nil
}

// relativeTo returns dir relative to top with forward slashes, resolving
// symlinks on both sides (git reports the real path).
func relativeTo(top, dir string) (string, error) {
	realTop, err := filepath.EvalSymlinks(top)
	if err != nil {
		realTop = top
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		realDir = absDir
	}
	rel, err := filepath.Rel(realTop, realDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("project %s is not inside repository %s", dir, top)
	}
	return filepath.ToSlash(rel), nil
}

// NormalizeGitURL strips credentials from http(s) URLs, emitting https, and
// rewrites scp-style git@host:path remotes to https://host/path.
func NormalizeGitURL(raw string) string {
	u := strings.TrimSpace(raw)

	for _, scheme := range []string{"https://", "http://"} {
		rest, ok := strings.CutPrefix(u, scheme)
		if !ok {
			continue
		}
		host := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			host = rest[:i]
		}
		if at := strings.LastIndexByte(host, '@'); at >= 0 {
			rest = rest[at+1:]
		}
		return "https://" + rest
	}

	if rest, ok := strings.CutPrefix(u, "git@"); ok {
		if host, p, found := strings.Cut(rest, ":"); found {
			return "https://" + host + "/" + strings.TrimPrefix(p, "/")
		}
	}
	return u
}
