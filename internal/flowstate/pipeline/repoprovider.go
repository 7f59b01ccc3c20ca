package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// GitRepoProvider shells out to the system git binary, the same
// os/exec-with-GIT_TERMINAL_PROMPT=0 idiom the retrieval pack's skill
// loader uses for its own git clones (internal/skill/git.go), generalized
// from a one-shot shallow clone into the clone/branch/commit/push/PR
// lifecycle spec §6's repo provider contract names.
type GitRepoProvider struct {
	// OpenPRFunc opens a pull request against an external forge (GitHub,
	// GitLab, ...). Left pluggable since the concrete forge API is out of
	// scope per spec §1 ("any specific agent CLI" and transport/auth
	// framing besides the worker↔dispatcher protocol are both excluded;
	// the forge client is the same kind of external collaborator).
	OpenPRFunc func(ctx context.Context, repoURL, branch, base, title, body string) (url string, number int, err error)
}

var httpsURLPattern = regexp.MustCompile(`^https://([^/]+)/(.*)$`)

// InjectToken rewrites an https:// URL to carry a bearer token for
// unauthenticated git clones, per spec §4.3's URL rewriting rule:
// https://<host>/... -> https://<token>@<host>/...; other schemes pass
// through unchanged; an empty token means no injection.
func InjectToken(url, token string) string {
	if token == "" {
		return url
	}
	m := httpsURLPattern.FindStringSubmatch(url)
	if m == nil {
		return url
	}
	return fmt.Sprintf("https://%s@%s/%s", token, m[1], m[2])
}

func (g *GitRepoProvider) Clone(ctx context.Context, url, token, baseBranch, intoDir string) error {
	cloneURL := InjectToken(url, token)
	args := []string{"clone", "--depth", "1"}
	if baseBranch != "" {
		args = append(args, "--branch", baseBranch)
	}
	args = append(args, "--single-branch", cloneURL, intoDir)

	if err := g.run(ctx, "", args...); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}

func (g *GitRepoProvider) CreateBranch(ctx context.Context, dir, name string) error {
	return g.run(ctx, dir, "checkout", "-b", name)
}

func (g *GitRepoProvider) CommitAll(ctx context.Context, dir, message string) error {
	if err := g.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	return g.run(ctx, dir, "commit", "-m", message)
}

func (g *GitRepoProvider) Push(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, "push", "origin", branch)
}

func (g *GitRepoProvider) OpenPR(ctx context.Context, repoURL, branch, base, title, body string) (string, int, error) {
	if g.OpenPRFunc == nil {
		return "", 0, fmt.Errorf("pipeline: no PR provider configured")
	}
	return g.OpenPRFunc(ctx, repoURL, branch, base, title, body)
}

// HasChanges reports whether the working tree has any tracked or
// untracked modification worth committing.
func (g *GitRepoProvider) HasChanges(ctx context.Context, dir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

func (g *GitRepoProvider) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
