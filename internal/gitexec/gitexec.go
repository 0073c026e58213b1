// Package gitexec performs git operations as child processes, streaming
// their line-oriented output through a progress callback (spec §4.2).
package gitexec

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nrazumov/grove-fleet/internal/errs"
	"github.com/nrazumov/grove-fleet/internal/model"
	"github.com/nrazumov/grove-fleet/internal/obslog"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0644)
}

// ProgressFunc receives one non-empty line of child process output at a
// time, from either stdout or stderr.
type ProgressFunc func(line string)

// Executor is the interface the lifecycle engine depends on, so tests can
// substitute a fake implementation without spawning real git processes.
type Executor interface {
	CloneBare(ctx context.Context, url, bareDir string, progress ProgressFunc) error
	InstallGitdirPointer(repoRoot, bareDir string) error
	ConfigureFetchRefspec(repoRoot string) error
	Fetch(ctx context.Context, repoRoot, remote string, progress ProgressFunc) error
	Pull(ctx context.Context, worktreePath string, progress ProgressFunc) error
	DetectDefaultBranch(ctx context.Context, repoRoot string) (string, error)
	CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch, remote string, progress ProgressFunc) error
	RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error
	GetStatus(ctx context.Context, worktreePath string) (model.GitStatus, error)
}

var log = obslog.WithComponent("gitexec")

// Git is the real Executor, running the system git binary.
type Git struct {
	Binary string // defaults to "git" if empty
}

// New returns a Git executor using the system "git" binary.
func New() *Git {
	return &Git{Binary: "git"}
}

func (g *Git) binary() string {
	if g.Binary == "" {
		return "git"
	}
	return g.Binary
}

// run executes a git subcommand in dir, streaming every non-empty line of
// combined stdout/stderr through progress, and returns GitFailedError on a
// non-zero exit.
func (g *Git) run(ctx context.Context, op, dir string, progress ProgressFunc, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binary(), args...)
	if dir != "" {
		cmd.Dir = dir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errs.GitFailed(op, -1, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errs.GitFailed(op, -1, err.Error())
	}

	var mu sync.Mutex
	var tail string
	var allStderr strings.Builder

	if err := cmd.Start(); err != nil {
		return "", errs.GitFailed(op, -1, err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(stdout, &wg, func(line string) {
		mu.Lock()
		tail = line
		mu.Unlock()
		if progress != nil {
			progress(line)
		}
	})
	go streamLines(stderr, &wg, func(line string) {
		mu.Lock()
		tail = line
		allStderr.WriteString(line)
		allStderr.WriteByte('\n')
		mu.Unlock()
		if progress != nil {
			progress(line)
		}
	})
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		stderrText := allStderr.String()
		if stderrText == "" {
			stderrText = tail
		}
		log.Warn("git command failed", "op", op, "exit_code", exitCode, "stderr", stderrText)
		return "", errs.GitFailed(op, exitCode, stderrText)
	}

	mu.Lock()
	defer mu.Unlock()
	return tail, nil
}

func streamLines(r io.Reader, wg *sync.WaitGroup, onLine func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		onLine(line)
	}
}

// CloneBare clones url into a bare repository at bareDir.
func (g *Git) CloneBare(ctx context.Context, url, bareDir string, progress ProgressFunc) error {
	_, err := g.run(ctx, "clone_bare", "", progress, "clone", "--bare", "--progress", url, bareDir)
	return err
}

// InstallGitdirPointer writes a `.git` regular file at repoRoot pointing at
// bareDir, making repoRoot a valid work area for worktree commands.
func (g *Git) InstallGitdirPointer(repoRoot, bareDir string) error {
	rel, err := filepath.Rel(repoRoot, bareDir)
	if err != nil {
		rel = bareDir
	}
	contents := "gitdir: " + rel + "\n"
	if err := writeFile(filepath.Join(repoRoot, ".git"), contents); err != nil {
		return errs.Storage("install_gitdir_pointer", err)
	}
	return nil
}

// ConfigureFetchRefspec sets remote.origin.fetch so all remote heads are
// tracked, not just the default branch.
func (g *Git) ConfigureFetchRefspec(repoRoot string) error {
	_, err := g.run(context.Background(), "configure_fetch_refspec", repoRoot, nil,
		"config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*")
	return err
}

// Fetch runs `git fetch <remote>` in repoRoot.
func (g *Git) Fetch(ctx context.Context, repoRoot, remote string, progress ProgressFunc) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := g.run(ctx, "fetch", repoRoot, progress, "fetch", "--progress", remote)
	return err
}

// Pull runs `git pull` in worktreePath.
func (g *Git) Pull(ctx context.Context, worktreePath string, progress ProgressFunc) error {
	_, err := g.run(ctx, "pull", worktreePath, progress, "pull", "--progress")
	return err
}

// DetectDefaultBranch returns the branch referenced by
// refs/remotes/origin/HEAD, or an error if it cannot be resolved (the
// caller falls back to "main" per spec).
func (g *Git) DetectDefaultBranch(ctx context.Context, repoRoot string) (string, error) {
	out, err := g.run(ctx, "detect_default_branch", repoRoot, nil,
		"symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	const prefix = "refs/remotes/origin/"
	if idx := strings.Index(out, prefix); idx >= 0 {
		return out[idx+len(prefix):], nil
	}
	return "", errs.Internalf("unexpected symbolic-ref output: %q", out)
}

// CreateWorktree attaches a checked-out worktree at worktreePath per the
// three-step decision order in spec §4.2.
func (g *Git) CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch, remote string, progress ProgressFunc) error {
	if remote == "" {
		remote = "origin"
	}

	if g.localBranchExists(ctx, repoRoot, branch) {
		_, err := g.run(ctx, "create_worktree", repoRoot, progress, "worktree", "add", worktreePath, branch)
		if err != nil {
			return err
		}
		if g.remoteBranchExists(ctx, repoRoot, remote, branch) {
			_, _ = g.run(ctx, "create_worktree", worktreePath, nil,
				"branch", "--set-upstream-to="+remote+"/"+branch, branch)
		}
		return nil
	}

	if g.remoteBranchExists(ctx, repoRoot, remote, branch) {
		_, err := g.run(ctx, "create_worktree", repoRoot, progress,
			"worktree", "add", "--track", "-b", branch, worktreePath, remote+"/"+branch)
		return err
	}

	_, err := g.run(ctx, "create_worktree", repoRoot, progress,
		"worktree", "add", "-b", branch, worktreePath, "HEAD")
	return err
}

func (g *Git) localBranchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := g.run(ctx, "show-ref", repoRoot, nil, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (g *Git) remoteBranchExists(ctx context.Context, repoRoot, remote, branch string) bool {
	_, err := g.run(ctx, "show-ref", repoRoot, nil, "show-ref", "--verify", "--quiet", "refs/remotes/"+remote+"/"+branch)
	return err == nil
}

// RemoveWorktree forcibly removes a worktree, deleting both its directory
// and administrative metadata.
func (g *Git) RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	_, err := g.run(ctx, "remove_worktree", repoRoot, nil, "worktree", "remove", "--force", worktreePath)
	return err
}

// branchAbPattern matches porcelain=v2's upstream divergence line, e.g.
// "# branch.ab +2 -1" (ahead 2, behind 1).
var branchAbPattern = regexp.MustCompile(`^# branch\.ab \+(\d+) -(\d+)`)

// GetStatus probes a worktree's branch, HEAD, cleanliness, and
// ahead/behind counts against its configured upstream.
func (g *Git) GetStatus(ctx context.Context, worktreePath string) (model.GitStatus, error) {
	branchOut, err := g.run(ctx, "get_status", worktreePath, nil, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return model.GitStatus{}, err
	}

	headOut, err := g.run(ctx, "get_status", worktreePath, nil, "rev-parse", "HEAD")
	if err != nil {
		return model.GitStatus{}, err
	}

	porcelainOut, err := g.runAll(ctx, "get_status", worktreePath, "status", "--porcelain")
	if err != nil {
		return model.GitStatus{}, err
	}
	dirty := strings.TrimSpace(porcelainOut) != ""

	statusLine, err := g.runAll(ctx, "get_status", worktreePath, "status", "--branch", "--porcelain=v2")
	if err != nil {
		return model.GitStatus{}, err
	}
	ahead, behind := parseAheadBehind(statusLine)

	commitMessage, _ := g.run(ctx, "get_status", worktreePath, nil, "log", "-1", "--pretty=%s")

	return model.GitStatus{
		Branch:        strings.TrimSpace(branchOut),
		Head:          strings.TrimSpace(headOut),
		Dirty:         dirty,
		Ahead:         ahead,
		Behind:        behind,
		CommitMessage: commitMessage,
	}, nil
}

// runAll captures the full combined output of a command, not just its last
// line, for callers that need to parse multi-line output.
func (g *Git) runAll(ctx context.Context, op, dir string, args ...string) (string, error) {
	var sb strings.Builder
	collect := func(line string) { sb.WriteString(line); sb.WriteByte('\n') }
	_, err := g.run(ctx, op, dir, collect, args...)
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func parseAheadBehind(porcelainV2 string) (ahead, behind int) {
	for _, line := range strings.Split(porcelainV2, "\n") {
		m := branchAbPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ahead, _ = strconv.Atoi(m[1])
		behind, _ = strconv.Atoi(m[2])
		return ahead, behind
	}
	return ahead, behind
}
