// Package gitx invokes git as a black box. Nothing here interprets
// repository internals; every operation shells out and wraps the output.
package gitx

import (
	"fmt"
	"os/exec"
	"strings"
)

func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// HeadSHA returns the commit hash of HEAD.
func HeadSHA(dir string) (string, error) {
	return run(dir, "rev-parse", "HEAD")
}

// CurrentBranch returns the current branch name, or "HEAD" when detached.
func CurrentBranch(dir string) (string, error) {
	return run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// HasChanges reports whether the worktree has staged or unstaged changes.
func HasChanges(dir string) (bool, error) {
	out, err := run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages everything and commits. Pre-commit hooks stay enabled.
// Returns false without error when there was nothing to commit.
func CommitAll(dir, message string) (bool, error) {
	dirty, err := HasChanges(dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if _, err := run(dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := run(dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// DiffRange returns the diff for an explicit revision range, e.g.
// "<sha>..HEAD" or "<branch>...HEAD".
func DiffRange(dir, revRange string) (string, error) {
	return run(dir, "diff", revRange)
}

// RepoRoot returns the top-level directory of the work tree containing dir.
func RepoRoot(dir string) (string, error) {
	return run(dir, "rev-parse", "--show-toplevel")
}

// Checkout switches to an existing branch.
func Checkout(dir, branch string) error {
	_, err := run(dir, "checkout", branch)
	return err
}

// CheckoutNew creates a branch at HEAD and switches to it.
func CheckoutNew(dir, branch string) error {
	_, err := run(dir, "checkout", "-b", branch)
	return err
}

// DeleteBranch removes a local branch.
func DeleteBranch(dir, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := run(dir, "branch", flag, branch)
	return err
}

// Merge merges a branch into the current one.
func Merge(dir, branch string) error {
	_, err := run(dir, "merge", "--no-ff", branch)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch cut from base.
func WorktreeAdd(repoDir, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := run(repoDir, args...)
	return err
}

// WorktreeRemove removes a worktree checkout.
func WorktreeRemove(repoDir, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := run(repoDir, args...)
	return err
}

// BranchExists reports whether a local branch exists.
func BranchExists(repoDir, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}
