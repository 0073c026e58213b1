// Package fakegit provides an in-process gitexec.Executor for fast
// lifecycle-engine tests that must not spawn real git child processes.
package fakegit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nrazumov/grove-fleet/internal/gitexec"
	"github.com/nrazumov/grove-fleet/internal/model"
)

var _ gitexec.Executor = (*FakeGit)(nil)

// FakeGit simulates the Git Executor's filesystem effects (it creates and
// removes the directories a real git worktree would occupy) without
// running git at all, while letting tests inject specific failures.
type FakeGit struct {
	mu sync.Mutex

	DefaultBranch string
	StatusFor     map[string]model.GitStatus

	FailClone         error
	FailCreateWorktree map[string]error
	FailGetStatus     map[string]error
	FailRemoveWorktree map[string]error

	Calls []string
}

// New returns a FakeGit defaulting DefaultBranch to "main".
func New() *FakeGit {
	return &FakeGit{
		DefaultBranch:      "main",
		StatusFor:          make(map[string]model.GitStatus),
		FailCreateWorktree: make(map[string]error),
		FailGetStatus:      make(map[string]error),
		FailRemoveWorktree: make(map[string]error),
	}
}

func (f *FakeGit) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

// CloneBare simulates a bare clone by creating bareDir on disk.
func (f *FakeGit) CloneBare(ctx context.Context, url, bareDir string, progress gitexec.ProgressFunc) error {
	f.record("clone_bare:" + url)
	if f.FailClone != nil {
		return f.FailClone
	}
	if progress != nil {
		progress("Cloning into '" + bareDir + "'...")
	}
	return os.MkdirAll(bareDir, 0755)
}

// InstallGitdirPointer writes a fake .git pointer file.
func (f *FakeGit) InstallGitdirPointer(repoRoot, bareDir string) error {
	f.record("install_gitdir_pointer:" + repoRoot)
	return os.WriteFile(filepath.Join(repoRoot, ".git"), []byte("gitdir: .bare\n"), 0644)
}

// ConfigureFetchRefspec is a no-op recorded for assertions.
func (f *FakeGit) ConfigureFetchRefspec(repoRoot string) error {
	f.record("configure_fetch_refspec:" + repoRoot)
	return nil
}

// Fetch is a no-op recorded for assertions.
func (f *FakeGit) Fetch(ctx context.Context, repoRoot, remote string, progress gitexec.ProgressFunc) error {
	f.record("fetch:" + repoRoot)
	if progress != nil {
		progress("Fetching " + remote)
	}
	return nil
}

// Pull is a no-op recorded for assertions.
func (f *FakeGit) Pull(ctx context.Context, worktreePath string, progress gitexec.ProgressFunc) error {
	f.record("pull:" + worktreePath)
	if progress != nil {
		progress("Already up to date.")
	}
	return nil
}

// DetectDefaultBranch returns f.DefaultBranch.
func (f *FakeGit) DetectDefaultBranch(ctx context.Context, repoRoot string) (string, error) {
	f.record("detect_default_branch:" + repoRoot)
	return f.DefaultBranch, nil
}

// CreateWorktree creates worktreePath on disk, unless a failure was
// configured for that path via FailCreateWorktree.
func (f *FakeGit) CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch, remote string, progress gitexec.ProgressFunc) error {
	f.record(fmt.Sprintf("create_worktree:%s:%s", worktreePath, branch))

	f.mu.Lock()
	err := f.FailCreateWorktree[worktreePath]
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if progress != nil {
		progress("Preparing worktree (new branch '" + branch + "')")
	}
	return os.MkdirAll(worktreePath, 0755)
}

// RemoveWorktree removes worktreePath from disk, unless a failure was
// configured for that path via FailRemoveWorktree.
func (f *FakeGit) RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	f.record("remove_worktree:" + worktreePath)

	f.mu.Lock()
	err := f.FailRemoveWorktree[worktreePath]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return os.RemoveAll(worktreePath)
}

// GetStatus returns the status configured for worktreePath via StatusFor,
// or a default clean status whose Branch is the worktree directory's base
// name.
func (f *FakeGit) GetStatus(ctx context.Context, worktreePath string) (model.GitStatus, error) {
	f.record("get_status:" + worktreePath)

	f.mu.Lock()
	failErr := f.FailGetStatus[worktreePath]
	status, ok := f.StatusFor[worktreePath]
	f.mu.Unlock()

	if failErr != nil {
		return model.GitStatus{}, failErr
	}
	if ok {
		return status, nil
	}
	return model.GitStatus{
		Branch:        filepath.Base(worktreePath),
		Head:          "deadbeefcafe",
		Dirty:         false,
		Ahead:         0,
		Behind:        0,
		CommitMessage: "initial commit",
	}, nil
}

// SetFailCreateWorktree configures CreateWorktree to fail for a specific
// worktree path with the given error.
func (f *FakeGit) SetFailCreateWorktree(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailCreateWorktree[path] = err
}

// SetFailGetStatus configures GetStatus to fail for a specific worktree
// path with the given error.
func (f *FakeGit) SetFailGetStatus(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailGetStatus[path] = err
}

// CallCount returns how many recorded calls start with prefix.
func (f *FakeGit) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}
