// Package engine implements the Lifecycle Engine (spec §4.5): it
// orchestrates clone, worktree creation/deletion, repository deletion, and
// refresh, and owns every state transition on catalog rows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrazumov/grove-fleet/internal/broadcaster"
	"github.com/nrazumov/grove-fleet/internal/catalog"
	"github.com/nrazumov/grove-fleet/internal/config"
	"github.com/nrazumov/grove-fleet/internal/errs"
	"github.com/nrazumov/grove-fleet/internal/filesharer"
	"github.com/nrazumov/grove-fleet/internal/gitexec"
	"github.com/nrazumov/grove-fleet/internal/installer"
	"github.com/nrazumov/grove-fleet/internal/model"
	"github.com/nrazumov/grove-fleet/internal/obslog"
	"github.com/nrazumov/grove-fleet/internal/urlderive"
)

var log = obslog.WithComponent("engine")

// Ack is the fire-and-forget acknowledgement returned by every engine
// operation (spec §6.4). Synchronous validation failures (InvalidUrl,
// InvalidBranch, Conflict, NotFound) are surfaced here; every other
// outcome is observed exclusively through the snapshot stream.
type Ack struct {
	OpID    string
	Started bool
	Err     error
}

// Options configures an Engine beyond its required collaborators.
type Options struct {
	Cooldown       time.Duration // §4.5.3; defaults to 10s
	ShowThenDoWait time.Duration // §5 "sleep(~100ms)"; defaults to 100ms
	DefaultWorktree *config.DefaultWorktreeConfig
}

type syncFuture struct {
	done chan struct{}
}

// Engine is the Lifecycle Engine.
type Engine struct {
	store       *catalog.Store
	git         gitexec.Executor
	broadcaster *broadcaster.Broadcaster
	codeRoot    string

	cooldown       time.Duration
	showThenDoWait time.Duration
	defaultCfg     *config.DefaultWorktreeConfig

	opCounter atomic.Int64

	syncMu         sync.Mutex
	inProgressSync map[string]*syncFuture
}

// New constructs an Engine. codeRoot is CODE_ROOT (spec §6.1).
func New(store *catalog.Store, git gitexec.Executor, bc *broadcaster.Broadcaster, codeRoot string, opts Options) *Engine {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.ShowThenDoWait <= 0 {
		opts.ShowThenDoWait = 100 * time.Millisecond
	}
	if opts.DefaultWorktree == nil {
		opts.DefaultWorktree = config.DefaultDefaultWorktreeConfig()
	}
	return &Engine{
		store:          store,
		git:            git,
		broadcaster:    bc,
		codeRoot:       codeRoot,
		cooldown:       opts.Cooldown,
		showThenDoWait: opts.ShowThenDoWait,
		defaultCfg:     opts.DefaultWorktree,
		inProgressSync: make(map[string]*syncFuture),
	}
}

func (e *Engine) nextOpID() string {
	return fmt.Sprintf("op-%d", e.opCounter.Add(1))
}

func setProgress(bc *broadcaster.Broadcaster, key, msg string) {
	bc.SetProgress(key, &msg)
}

func clearProgress(bc *broadcaster.Broadcaster, key string) {
	bc.SetProgress(key, nil)
}

// Subscribe delegates to the broadcaster (spec §6.4 subscribe()).
func (e *Engine) Subscribe() (<-chan model.Snapshot, func(), error) {
	return e.broadcaster.Subscribe()
}

// Snapshot delegates to the broadcaster (spec §6.4 snapshot()).
func (e *Engine) Snapshot() (model.Snapshot, error) {
	return e.broadcaster.GetSnapshot()
}

// SubscriberCount reports how many live subscribers the broadcaster is
// currently serving, for transport-level diagnostics (e.g. /healthz).
func (e *Engine) SubscriberCount() int {
	return e.broadcaster.SubscriberCount()
}

// Clone starts an asynchronous clone of url (spec §4.5.2). Only URL
// parsing and the pre-existence check run synchronously; everything else
// happens in the background and is observed via the snapshot stream.
func (e *Engine) Clone(url string) Ack {
	id, err := urlderive.Parse(url)
	if err != nil {
		return Ack{Err: err}
	}

	localPath := urlderive.LocalPath(e.codeRoot, id)
	if _, err := e.store.GetRepositoryByLocalPath(localPath); err == nil {
		return Ack{Err: errs.Conflict("repository", localPath)}
	}
	if _, err := e.store.GetRepositoryByIdentity(id.Provider, id.Username, id.Name); err == nil {
		return Ack{Err: errs.Conflict("repository", fmt.Sprintf("%s/%s/%s", id.Provider, id.Username, id.Name))}
	}

	opID := e.nextOpID()
	go e.runClone(opID, url, id, localPath)
	return Ack{OpID: opID, Started: true}
}

func (e *Engine) runClone(opID, url string, id urlderive.Identity, localPath string) {
	ctx := context.Background()
	cloneKey := "clone:" + url

	setProgress(e.broadcaster, cloneKey, "Cloning repository…")

	fail := func(repoID string, cause error) {
		if repoID != "" {
			_ = e.store.DeleteRepository(repoID) // cascades the worktree row
			clearProgress(e.broadcaster, repoID)
		}
		_ = os.RemoveAll(localPath)
		clearProgress(e.broadcaster, cloneKey)
		e.broadcaster.OnCatalogChange()
		log.Warn("clone failed", "op", opID, "url", url, "error", cause)
	}

	if err := os.MkdirAll(localPath, 0755); err != nil {
		fail("", errs.Storage("mkdir_local_path", err))
		return
	}

	bareDir := filepath.Join(localPath, ".bare")
	progress := func(line string) { setProgress(e.broadcaster, cloneKey, line) }
	if err := e.git.CloneBare(ctx, url, bareDir, progress); err != nil {
		fail("", err)
		return
	}
	if err := e.git.InstallGitdirPointer(localPath, bareDir); err != nil {
		fail("", err)
		return
	}
	if err := e.git.ConfigureFetchRefspec(localPath); err != nil {
		fail("", err)
		return
	}
	if err := e.git.Fetch(ctx, localPath, "origin", progress); err != nil {
		fail("", err)
		return
	}

	defaultBranch, err := e.git.DetectDefaultBranch(ctx, localPath)
	if err != nil || defaultBranch == "" {
		defaultBranch = "main"
	}

	repo, err := e.store.InsertRepository(catalog.InsertRepositoryParams{
		Provider:      id.Provider,
		Username:      id.Username,
		Name:          id.Name,
		CloneURL:      url,
		LocalPath:     localPath,
		DefaultBranch: defaultBranch,
	})
	if err != nil {
		fail("", err)
		return
	}

	clearProgress(e.broadcaster, cloneKey)
	setProgress(e.broadcaster, repo.ID, "Creating main worktree…")
	e.broadcaster.OnCatalogChange()

	worktreePath, err := urlderive.WorktreePath(localPath, urlderive.PrimarySegment)
	if err != nil {
		fail(repo.ID, err)
		return
	}

	if _, err := e.store.InsertWorktree(catalog.InsertWorktreeParams{
		Path:   worktreePath,
		RepoID: repo.ID,
		Branch: defaultBranch,
	}); err != nil {
		fail(repo.ID, err)
		return
	}
	e.broadcaster.OnCatalogChange()

	// A bare clone already carries the default branch as a local ref
	// pointing at the same commit as origin, so the create_worktree
	// decision order's first branch (attach to the existing local branch,
	// recording upstream when the matching remote ref exists) already
	// produces the tracking branch the spec calls for here.
	if err := e.git.CreateWorktree(ctx, localPath, worktreePath, defaultBranch, "origin", progress); err != nil {
		fail(repo.ID, err)
		return
	}

	if pm := installer.Detect(worktreePath); pm != "" {
		if err := installer.RunInstall(ctx, worktreePath, pm, repo.ID, installerProgress(e.broadcaster)); err != nil {
			log.Warn("clone: installer failed, continuing", "op", opID, "error", err)
		}
	}

	status, err := e.git.GetStatus(ctx, worktreePath)
	if err != nil {
		fail(repo.ID, err)
		return
	}
	head, message := status.Head, status.CommitMessage
	_ = e.store.UpdateWorktreeStatus(worktreePath, model.StatusReady, &head, &message)
	_ = e.store.UpdateWorktreeGitStatus(worktreePath, status.Dirty, status.Ahead, status.Behind)

	_ = e.store.UpsertWorktreeConfig(e.defaultCfg.ToModelConfig(repo.ID))

	clearProgress(e.broadcaster, repo.ID)
	e.broadcaster.OnCatalogChange()
}

func installerProgress(bc *broadcaster.Broadcaster) installer.ProgressFunc {
	return func(progressKey, line string) { setProgress(bc, progressKey, line) }
}

// ensureSync enforces the shared main-sync cooldown and de-duplication
// (spec §4.5.3). Callers pass the progress key under which "Waiting for
// sync…"/"Sync cached" should be published, distinct from the repo's own
// progress key in the concurrent-create case.
func (e *Engine) ensureSync(ctx context.Context, repo model.Repository, progressKey string) {
	e.syncMu.Lock()
	if fut, ok := e.inProgressSync[repo.ID]; ok {
		e.syncMu.Unlock()
		setProgress(e.broadcaster, progressKey, "Waiting for sync…")
		<-fut.done
		return
	}

	// repo may have been loaded before a sync that has since finished, so
	// the cooldown is checked against the stored last_synced.
	if fresh, err := e.store.GetRepositoryByID(repo.ID); err == nil {
		repo = fresh
	}
	nowMs := time.Now().UnixMilli()
	if repo.LastSyncedMs > 0 && nowMs-repo.LastSyncedMs < e.cooldown.Milliseconds() {
		e.syncMu.Unlock()
		setProgress(e.broadcaster, progressKey, "Sync cached")
		return
	}

	fut := &syncFuture{done: make(chan struct{})}
	e.inProgressSync[repo.ID] = fut
	e.syncMu.Unlock()

	setProgress(e.broadcaster, progressKey, "Syncing…")
	e.runSync(ctx, repo)

	e.syncMu.Lock()
	delete(e.inProgressSync, repo.ID)
	e.syncMu.Unlock()
	close(fut.done)
}

func (e *Engine) runSync(ctx context.Context, repo model.Repository) {
	primaryPath, err := urlderive.WorktreePath(repo.LocalPath, urlderive.PrimarySegment)
	if err != nil {
		log.Warn("sync: cannot derive primary worktree path", "repo_id", repo.ID, "error", err)
		return
	}

	if err := e.git.Fetch(ctx, repo.LocalPath, "origin", nil); err != nil {
		log.Warn("sync: fetch failed", "repo_id", repo.ID, "error", err)
	}
	if err := e.git.Pull(ctx, primaryPath, nil); err != nil {
		log.Warn("sync: pull failed", "repo_id", repo.ID, "error", err)
	}
	if pm := installer.Detect(primaryPath); pm != "" {
		if err := installer.RunInstall(ctx, primaryPath, pm, repo.ID, installerProgress(e.broadcaster)); err != nil {
			log.Warn("sync: installer failed", "repo_id", repo.ID, "error", err)
		}
	}

	if err := e.store.UpdateRepositorySynced(repo.ID); err != nil {
		log.Warn("sync: failed to stamp last_synced", "repo_id", repo.ID, "error", err)
	}
}

// CreateWorktree validates synchronously and inserts the Creating row
// synchronously (so the catalog's own insert-time uniqueness check
// resolves concurrent duplicate requests per spec §5's "first writer
// wins" rule), then runs the rest of §4.5.4 in the background.
func (e *Engine) CreateWorktree(repoID, branch string) Ack {
	repo, err := e.store.GetRepositoryByID(repoID)
	if err != nil {
		return Ack{Err: err}
	}
	if err := urlderive.ValidateBranch(branch); err != nil {
		return Ack{Err: err}
	}

	segment := urlderive.Segment(branch, repo.DefaultBranch)
	worktreePath, err := urlderive.WorktreePath(repo.LocalPath, segment)
	if err != nil {
		return Ack{Err: err}
	}

	wt, err := e.store.InsertWorktree(catalog.InsertWorktreeParams{
		Path:   worktreePath,
		RepoID: repoID,
		Branch: branch,
	})
	if err != nil {
		return Ack{Err: err}
	}

	setProgress(e.broadcaster, wt.Path, "Queued…")
	e.broadcaster.OnCatalogChange()

	opID := e.nextOpID()
	go e.runCreateWorktree(opID, repo, wt)
	return Ack{OpID: opID, Started: true}
}

func (e *Engine) runCreateWorktree(opID string, repo model.Repository, wt model.Worktree) {
	ctx := context.Background()

	abort := func(cause error) {
		_ = e.store.DeleteWorktree(wt.Path)
		clearProgress(e.broadcaster, wt.Path)
		e.broadcaster.OnCatalogChange()
		log.Warn("create_worktree failed", "op", opID, "path", wt.Path, "error", cause)
	}

	e.ensureSync(ctx, repo, wt.Path)

	remote := "origin"
	cfg, cfgErr := e.store.GetWorktreeConfig(repo.ID)
	if cfgErr == nil && cfg.UpstreamRemote != "" {
		remote = cfg.UpstreamRemote
	}

	setProgress(e.broadcaster, wt.Path, "Creating worktree…")
	if err := e.git.CreateWorktree(ctx, repo.LocalPath, wt.Path, wt.Branch, remote, func(line string) {
		setProgress(e.broadcaster, wt.Path, line)
	}); err != nil {
		abort(err)
		return
	}

	if cfgErr == nil {
		primaryPath, pathErr := urlderive.WorktreePath(repo.LocalPath, urlderive.PrimarySegment)
		if pathErr == nil {
			if err := filesharer.Share(primaryPath, wt.Path, filesharer.Patterns{
				Symlink: cfg.SymlinkPatterns,
				Copy:    cfg.CopyPatterns,
			}); err != nil {
				log.Warn("create_worktree: file sharing failed, continuing", "op", opID, "error", err)
			}
		}
	}

	if pm := installer.Detect(wt.Path); pm != "" {
		if err := installer.RunInstall(ctx, wt.Path, pm, wt.Path, installerProgress(e.broadcaster)); err != nil {
			log.Warn("create_worktree: installer failed, continuing", "op", opID, "error", err)
		}
	}

	if cfgErr == nil && len(cfg.SetupCommands) > 0 {
		runSetupCommands(ctx, wt.Path, cfg.SetupCommands, wt.Path, e.broadcaster)
	}

	status, err := e.git.GetStatus(ctx, wt.Path)
	if err != nil {
		abort(err)
		return
	}
	head, message := status.Head, status.CommitMessage
	_ = e.store.UpdateWorktreeStatus(wt.Path, model.StatusReady, &head, &message)
	_ = e.store.UpdateWorktreeGitStatus(wt.Path, status.Dirty, status.Ahead, status.Behind)

	clearProgress(e.broadcaster, wt.Path)
	clearProgress(e.broadcaster, repo.ID)
	e.broadcaster.OnCatalogChange()
}

// runSetupCommands runs each configured setup command in path via the
// shell. When a command succeeds and printed any output, "<command> done"
// is published as progress under progressKey. Failures are warnings
// (spec §4.5.4: "a ready-but-unshared worktree is acceptable" extends
// naturally to setup commands, which are a supplemental convenience).
func runSetupCommands(ctx context.Context, path string, commands []string, progressKey string, bc *broadcaster.Broadcaster) {
	for _, command := range commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = path
		output, err := cmd.CombinedOutput()
		if err != nil {
			log.Warn("setup command failed, continuing", "command", command, "error", err, "output", string(output))
			continue
		}
		if len(output) > 0 {
			setProgress(bc, progressKey, command+" done")
		}
	}
}

// DeleteWorktree transitions a Ready worktree to Deleting and removes it
// in the background (spec §4.5.5). A worktree not currently Ready is
// rejected with Conflict: the state machine names no Creating→Deleting
// edge, so a delete racing a creation is refused rather than silently
// interrupting it (SPEC_FULL §6 Open Question decision for scenario S5).
func (e *Engine) DeleteWorktree(repoID, path string) Ack {
	repo, err := e.store.GetRepositoryByID(repoID)
	if err != nil {
		return Ack{Err: err}
	}
	wt, err := e.store.GetWorktree(path)
	if err != nil {
		return Ack{Err: err}
	}
	if wt.Status != model.StatusReady {
		return Ack{Err: errs.Conflict("worktree", path)}
	}

	if err := e.store.UpdateWorktreeStatus(path, model.StatusDeleting, nil, nil); err != nil {
		return Ack{Err: err}
	}
	e.broadcaster.OnCatalogChange()

	opID := e.nextOpID()
	go e.runDeleteWorktree(opID, repo, wt)
	return Ack{OpID: opID, Started: true}
}

func (e *Engine) runDeleteWorktree(opID string, repo model.Repository, wt model.Worktree) {
	ctx := context.Background()

	// Show-then-do: yield so the Deleting snapshot reaches subscribers
	// before the blocking removal begins (spec §5, §8 property 4).
	time.Sleep(e.showThenDoWait)

	if err := e.git.RemoveWorktree(ctx, repo.LocalPath, wt.Path); err != nil {
		_ = e.store.UpdateWorktreeStatus(wt.Path, model.StatusReady, nil, nil)
		e.broadcaster.OnCatalogChange()
		log.Warn("delete_worktree failed, rolled back to ready", "op", opID, "path", wt.Path, "error", err)
		return
	}

	_ = e.store.DeleteWorktree(wt.Path)
	e.broadcaster.OnCatalogChange()
}

// DeleteRepository removes a repository and its local_path directory in
// the background (spec §4.5.6).
func (e *Engine) DeleteRepository(id string) Ack {
	repo, err := e.store.GetRepositoryByID(id)
	if err != nil {
		return Ack{Err: err}
	}

	setProgress(e.broadcaster, repo.ID, "Deleting…")
	e.broadcaster.OnCatalogChange()

	opID := e.nextOpID()
	go e.runDeleteRepository(opID, repo)
	return Ack{OpID: opID, Started: true}
}

func (e *Engine) runDeleteRepository(opID string, repo model.Repository) {
	time.Sleep(e.showThenDoWait)

	if err := os.RemoveAll(repo.LocalPath); err != nil {
		log.Warn("delete_repository: failed to remove local_path, proceeding with row delete", "op", opID, "path", repo.LocalPath, "error", err)
	}

	if err := e.store.DeleteRepository(repo.ID); err != nil {
		log.Warn("delete_repository failed", "op", opID, "repo_id", repo.ID, "error", err)
	}
	clearProgress(e.broadcaster, repo.ID)
	e.broadcaster.OnCatalogChange()
}

// Refresh updates the git status of every worktree owned by repoID (spec
// §4.5.7). It may run synchronously or asynchronously; this
// implementation runs it in the background, consistent with every other
// operation's Ack contract.
func (e *Engine) Refresh(repoID string) Ack {
	repo, err := e.store.GetRepositoryByID(repoID)
	if err != nil {
		return Ack{Err: err}
	}

	opID := e.nextOpID()
	go e.runRefresh(opID, repo)
	return Ack{OpID: opID, Started: true}
}

func (e *Engine) runRefresh(opID string, repo model.Repository) {
	ctx := context.Background()

	setProgress(e.broadcaster, repo.ID, "Refreshing…")
	e.broadcaster.OnCatalogChange()

	worktrees, err := e.store.ListWorktrees(repo.ID)
	if err != nil {
		log.Warn("refresh: failed to list worktrees", "op", opID, "repo_id", repo.ID, "error", err)
	}
	for _, wt := range worktrees {
		status, err := e.git.GetStatus(ctx, wt.Path)
		if err != nil {
			log.Warn("refresh: get_status failed, skipping", "op", opID, "path", wt.Path, "error", err)
			continue
		}
		head, message := status.Head, status.CommitMessage
		_ = e.store.UpdateWorktreeStatus(wt.Path, wt.Status, &head, &message)
		_ = e.store.UpdateWorktreeGitStatus(wt.Path, status.Dirty, status.Ahead, status.Behind)
	}

	if err := e.store.UpdateRepositorySynced(repo.ID); err != nil {
		log.Warn("refresh: failed to stamp last_synced", "op", opID, "repo_id", repo.ID, "error", err)
	}

	clearProgress(e.broadcaster, repo.ID)
	e.broadcaster.OnCatalogChange()
}

// IsNotFound reports whether err is (or wraps) a catalog NotFoundError.
func IsNotFound(err error) bool {
	var nf *errs.NotFoundError
	return errors.As(err, &nf)
}
