// Package git shells out to the git binary for the handful of effects trak
// relies on: HEAD capture, commit existence, commit listing, autocommit, and
// pull. Everything here is best-effort; a missing git or a non-repo working
// directory degrades features, never breaks commands.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/trakhq/trak/internal/debug"
)

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RepoRoot returns the top-level directory of the enclosing repository.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--show-toplevel")
}

// Head returns the current HEAD hash, or "" when dir is not a repo or has no
// commits yet.
func Head(ctx context.Context, dir string) string {
	out, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

// CommitExists reports whether hash names a commit in dir's repository.
func CommitExists(ctx context.Context, dir, hash string) bool {
	if hash == "" {
		return false
	}
	out, err := run(ctx, dir, "cat-file", "-t", hash)
	return err == nil && out == "commit"
}

// CommitsSince lists commit subjects after the given hash (exclusive). When
// taskID is non-empty and any subject mentions it, only those are returned;
// otherwise all commits in the range count as evidence.
func CommitsSince(ctx context.Context, dir, sinceHash, taskID string) ([]string, error) {
	rangeSpec := "HEAD"
	if sinceHash != "" {
		rangeSpec = sinceHash + "..HEAD"
	}
	out, err := run(ctx, dir, "log", "--format=%h %s", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	all := strings.Split(out, "\n")
	if taskID == "" {
		return all, nil
	}
	var matching []string
	for _, line := range all {
		if strings.Contains(line, taskID) {
			matching = append(matching, line)
		}
	}
	if len(matching) > 0 {
		return matching, nil
	}
	return all, nil
}

// AutoCommit stages the given paths and commits them. Silent on failure:
// nothing to commit, no repo, and no git all land here routinely.
func AutoCommit(ctx context.Context, dir, message string, paths ...string) {
	if !IsRepo(ctx, dir) {
		return
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := run(ctx, dir, args...); err != nil {
		debug.Logf("git: autocommit add failed: %v", err)
		return
	}
	commitArgs := append([]string{"commit", "-m", message, "--"}, paths...)
	if _, err := run(ctx, dir, commitArgs...); err != nil {
		// Usually "nothing to commit".
		debug.Logf("git: autocommit skipped: %v", err)
	}
}

// Pull runs git pull in dir, returning combined output for display.
func Pull(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "pull")
}
