package gitexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/nrazumov/grove-fleet/internal/errs"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// newOriginRepo creates a plain (non-bare) repository with one commit on
// "main", usable as a local clone source via a file path.
func newOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestCloneBareAndCreateWorktree(t *testing.T) {
	requireGit(t)

	origin := newOriginRepo(t)
	root := t.TempDir()
	repoRoot := filepath.Join(root, "repo")
	bareDir := filepath.Join(repoRoot, ".bare")
	if err := os.MkdirAll(repoRoot, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	git := New()
	ctx := context.Background()

	var lines []string
	progress := func(line string) { lines = append(lines, line) }

	if err := git.CloneBare(ctx, origin, bareDir, progress); err != nil {
		t.Fatalf("CloneBare: %v", err)
	}
	if len(lines) == 0 {
		t.Error("expected at least one progress line from clone")
	}

	if err := git.InstallGitdirPointer(repoRoot, bareDir); err != nil {
		t.Fatalf("InstallGitdirPointer: %v", err)
	}
	gitFile := filepath.Join(repoRoot, ".git")
	if _, err := os.Stat(gitFile); err != nil {
		t.Fatalf("expected .git pointer file: %v", err)
	}

	if err := git.ConfigureFetchRefspec(repoRoot); err != nil {
		t.Fatalf("ConfigureFetchRefspec: %v", err)
	}
	if err := git.Fetch(ctx, repoRoot, "origin", nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// A bare clone has no refs/remotes/origin/HEAD; record it from the
	// remote so DetectDefaultBranch has a ref to resolve.
	runGit(t, repoRoot, "remote", "set-head", "origin", "--auto")

	branch, err := git.DetectDefaultBranch(ctx, repoRoot)
	if err != nil {
		t.Fatalf("DetectDefaultBranch: %v", err)
	}
	if branch != "main" {
		t.Errorf("DetectDefaultBranch = %q, want main", branch)
	}

	worktreePath := filepath.Join(repoRoot, ".main")
	if err := git.CreateWorktree(ctx, repoRoot, worktreePath, "main", "origin", nil); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(worktreePath, "README.md")); err != nil {
		t.Fatalf("expected checked-out file in worktree: %v", err)
	}

	status, err := git.GetStatus(ctx, worktreePath)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Branch != "main" {
		t.Errorf("Branch = %q, want main", status.Branch)
	}
	if status.Dirty {
		t.Error("expected clean worktree")
	}

	if err := git.RemoveWorktree(ctx, repoRoot, worktreePath); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(worktreePath); !os.IsNotExist(err) {
		t.Error("expected worktree directory to be removed")
	}
}

func TestCreateWorktreeNewBranchFromHead(t *testing.T) {
	requireGit(t)

	origin := newOriginRepo(t)
	repoRoot := t.TempDir()
	bareDir := filepath.Join(repoRoot, ".bare")

	git := New()
	ctx := context.Background()

	if err := git.CloneBare(ctx, origin, bareDir, nil); err != nil {
		t.Fatalf("CloneBare: %v", err)
	}
	if err := git.InstallGitdirPointer(repoRoot, bareDir); err != nil {
		t.Fatalf("InstallGitdirPointer: %v", err)
	}

	worktreePath := filepath.Join(repoRoot, "feature--x")
	if err := git.CreateWorktree(ctx, repoRoot, worktreePath, "feature-x", "origin", nil); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	status, err := git.GetStatus(ctx, worktreePath)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Branch != "feature-x" {
		t.Errorf("Branch = %q, want feature-x", status.Branch)
	}
}

func TestGetStatusReportsAheadBehindUpstream(t *testing.T) {
	requireGit(t)

	origin := newOriginRepo(t)
	repoRoot := t.TempDir()
	bareDir := filepath.Join(repoRoot, ".bare")

	git := New()
	ctx := context.Background()

	if err := git.CloneBare(ctx, origin, bareDir, nil); err != nil {
		t.Fatalf("CloneBare: %v", err)
	}
	if err := git.InstallGitdirPointer(repoRoot, bareDir); err != nil {
		t.Fatalf("InstallGitdirPointer: %v", err)
	}
	if err := git.ConfigureFetchRefspec(repoRoot); err != nil {
		t.Fatalf("ConfigureFetchRefspec: %v", err)
	}
	// Fetch first so origin/main exists and CreateWorktree records it as
	// the upstream of main.
	if err := git.Fetch(ctx, repoRoot, "origin", nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	worktreePath := filepath.Join(repoRoot, ".main")
	if err := git.CreateWorktree(ctx, repoRoot, worktreePath, "main", "origin", nil); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	// Diverge: one unpublished local commit (ahead) and one new commit
	// pushed directly to origin and fetched (behind).
	if err := os.WriteFile(filepath.Join(worktreePath, "local.txt"), []byte("local\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, worktreePath, "config", "user.email", "test@example.com")
	runGit(t, worktreePath, "config", "user.name", "Test")
	runGit(t, worktreePath, "add", ".")
	runGit(t, worktreePath, "commit", "-m", "local-only commit")

	if err := os.WriteFile(filepath.Join(origin, "upstream.txt"), []byte("upstream\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "upstream-only commit")

	if err := git.Fetch(ctx, repoRoot, "origin", nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	status, err := git.GetStatus(ctx, worktreePath)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Ahead != 1 {
		t.Errorf("Ahead = %d, want 1", status.Ahead)
	}
	if status.Behind != 1 {
		t.Errorf("Behind = %d, want 1", status.Behind)
	}
}

func TestCloneBareInvalidURLFails(t *testing.T) {
	requireGit(t)

	repoRoot := t.TempDir()
	bareDir := filepath.Join(repoRoot, ".bare")

	git := New()
	err := git.CloneBare(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"), bareDir, nil)
	if err == nil {
		t.Fatal("expected error cloning a nonexistent source")
	}
	var gitFailed *errs.GitFailedError
	if !errors.As(err, &gitFailed) {
		t.Fatalf("expected GitFailedError, got %v", err)
	}
	if gitFailed.Op != "clone_bare" {
		t.Errorf("Op = %q, want clone_bare", gitFailed.Op)
	}
}
