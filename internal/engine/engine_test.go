package engine

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nrazumov/grove-fleet/internal/broadcaster"
	"github.com/nrazumov/grove-fleet/internal/catalog"
	"github.com/nrazumov/grove-fleet/internal/errs"
	"github.com/nrazumov/grove-fleet/internal/fakegit"
	"github.com/nrazumov/grove-fleet/internal/model"
)

func newTestEngine(t *testing.T) (*Engine, *catalog.Store, *fakegit.FakeGit) {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := catalog.OpenDB(db)
	if err != nil {
		t.Fatalf("catalog.OpenDB: %v", err)
	}

	git := fakegit.New()
	bc := broadcaster.New(store, 10*time.Millisecond)
	codeRoot := t.TempDir()

	e := New(store, git, bc, codeRoot, Options{
		Cooldown:       50 * time.Millisecond,
		ShowThenDoWait: 5 * time.Millisecond,
	})
	return e, store, git
}

func waitForSnapshot(t *testing.T, bc *broadcaster.Broadcaster, predicate func(model.Snapshot) bool, timeout time.Duration) model.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := bc.GetSnapshot()
		if err != nil {
			t.Fatalf("GetSnapshot: %v", err)
		}
		if predicate(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for expected snapshot state")
	return model.Snapshot{}
}

func findWorktree(snap model.Snapshot, path string) (model.Worktree, bool) {
	for _, r := range snap.Repositories {
		for _, w := range r.Worktrees {
			if w.Path == path {
				return w, true
			}
		}
	}
	return model.Worktree{}, false
}

func TestCloneRejectsInvalidURLSynchronously(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ack := e.Clone("not-a-valid-url")
	if ack.Started {
		t.Fatal("expected Clone to reject synchronously, not start")
	}
	var invalidURL *errs.InvalidUrlError
	if !errors.As(ack.Err, &invalidURL) {
		t.Errorf("expected InvalidUrlError, got %v", ack.Err)
	}
}

func TestCloneEndToEndProducesReadyPrimaryWorktree(t *testing.T) {
	e, store, _ := newTestEngine(t)

	ack := e.Clone("git@github.com:acme/widgets.git")
	if !ack.Started {
		t.Fatalf("expected Clone to start, got err=%v", ack.Err)
	}

	var repoID string
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		for _, r := range snap.Repositories {
			if r.Username == "acme" && r.Name == "widgets" {
				repoID = r.ID
				for _, w := range r.Worktrees {
					if w.Status == model.StatusReady {
						return true
					}
				}
			}
		}
		return false
	}, 2*time.Second)

	worktrees, err := store.ListWorktrees(repoID)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(worktrees) != 1 {
		t.Fatalf("expected exactly one primary worktree, got %d", len(worktrees))
	}
	if filepath.Base(worktrees[0].Path) != ".main" {
		t.Errorf("expected primary worktree segment .main, got %q", worktrees[0].Path)
	}
}

func TestCloneRejectsDuplicateLocalPathAsConflict(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ack := e.Clone("git@github.com:acme/widgets.git")
	if !ack.Started {
		t.Fatalf("first clone should start, got err=%v", ack.Err)
	}
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		return len(snap.Repositories) == 1
	}, 2*time.Second)

	ack2 := e.Clone("git@github.com:acme/widgets.git")
	if ack2.Started {
		t.Fatal("expected second clone of the same repository to be rejected")
	}
	var conflict *errs.ConflictError
	if !errors.As(ack2.Err, &conflict) {
		t.Errorf("expected ConflictError, got %v", ack2.Err)
	}
}

func TestCreateWorktreeRejectsInvalidBranchSynchronously(t *testing.T) {
	e, store, _ := newTestEngine(t)
	repo := seedRepo(t, store)

	ack := e.CreateWorktree(repo.ID, "...")
	if ack.Started {
		t.Fatal("expected CreateWorktree to reject an invalid branch synchronously")
	}
	var invalidBranch *errs.InvalidBranchError
	if !errors.As(ack.Err, &invalidBranch) {
		t.Errorf("expected InvalidBranchError, got %v", ack.Err)
	}
}

func TestCreateWorktreeUnknownRepoIsNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ack := e.CreateWorktree("does-not-exist", "feature/x")
	if ack.Started {
		t.Fatal("expected CreateWorktree to reject an unknown repo synchronously")
	}
	if !IsNotFound(ack.Err) {
		t.Errorf("expected NotFoundError, got %v", ack.Err)
	}
}

func TestCreateWorktreeBecomesReady(t *testing.T) {
	e, store, _ := newTestEngine(t)
	repo := seedRepo(t, store)

	ack := e.CreateWorktree(repo.ID, "feature/login")
	if !ack.Started {
		t.Fatalf("expected CreateWorktree to start, got err=%v", ack.Err)
	}

	expectedPath := filepath.Join(repo.LocalPath, "feature--login")
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		w, ok := findWorktree(snap, expectedPath)
		return ok && w.Status == model.StatusReady
	}, 2*time.Second)
}

// TestConcurrentCreatesShareOneSync exercises S2: two CreateWorktree calls
// for the same repository, issued back to back, must not each run their own
// main-sync — the second should observe the first's sync in flight and wait
// on it rather than duplicating the fetch/pull pair.
func TestConcurrentCreatesShareOneSync(t *testing.T) {
	e, store, git := newTestEngine(t)
	repo := seedRepo(t, store)

	var wg sync.WaitGroup
	wg.Add(2)
	acks := make([]Ack, 2)
	go func() { defer wg.Done(); acks[0] = e.CreateWorktree(repo.ID, "feature/a") }()
	go func() { defer wg.Done(); acks[1] = e.CreateWorktree(repo.ID, "feature/b") }()
	wg.Wait()

	for i, ack := range acks {
		if !ack.Started {
			t.Fatalf("create %d failed to start: %v", i, ack.Err)
		}
	}

	pathA := filepath.Join(repo.LocalPath, "feature--a")
	pathB := filepath.Join(repo.LocalPath, "feature--b")
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		wa, okA := findWorktree(snap, pathA)
		wb, okB := findWorktree(snap, pathB)
		return okA && okB && wa.Status == model.StatusReady && wb.Status == model.StatusReady
	}, 2*time.Second)

	if n := git.CallCount("fetch:"); n != 1 {
		t.Errorf("expected exactly one shared sync fetch, got %d", n)
	}
}

// TestDuplicateCreateWorktreeRaceIsRejected exercises S4: two concurrent
// CreateWorktree calls deriving the same worktree path must resolve to
// exactly one winner, the other getting Conflict — enforced by the
// catalog's atomic insert-time uniqueness check.
func TestDuplicateCreateWorktreeRaceIsRejected(t *testing.T) {
	e, store, _ := newTestEngine(t)
	repo := seedRepo(t, store)

	var wg sync.WaitGroup
	wg.Add(2)
	acks := make([]Ack, 2)
	go func() { defer wg.Done(); acks[0] = e.CreateWorktree(repo.ID, "feature/dup") }()
	go func() { defer wg.Done(); acks[1] = e.CreateWorktree(repo.ID, "feature/dup") }()
	wg.Wait()

	started, rejected := 0, 0
	for _, ack := range acks {
		switch {
		case ack.Started:
			started++
		default:
			var conflict *errs.ConflictError
			if !errors.As(ack.Err, &conflict) {
				t.Errorf("expected losing call to fail with ConflictError, got %v", ack.Err)
			}
			rejected++
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner and one Conflict, got started=%d rejected=%d", started, rejected)
	}
}

func TestDeleteWorktreeRemovesReadyWorktree(t *testing.T) {
	e, store, _ := newTestEngine(t)
	repo := seedRepo(t, store)

	ack := e.CreateWorktree(repo.ID, "feature/gone")
	if !ack.Started {
		t.Fatalf("create failed: %v", ack.Err)
	}
	path := filepath.Join(repo.LocalPath, "feature--gone")
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		w, ok := findWorktree(snap, path)
		return ok && w.Status == model.StatusReady
	}, 2*time.Second)

	delAck := e.DeleteWorktree(repo.ID, path)
	if !delAck.Started {
		t.Fatalf("expected delete to start, got err=%v", delAck.Err)
	}

	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		_, ok := findWorktree(snap, path)
		return !ok
	}, 2*time.Second)

	if _, err := store.GetWorktree(path); !IsNotFound(err) {
		t.Errorf("expected worktree row to be gone, got err=%v", err)
	}
}

// TestDeleteWorktreeDuringCreationIsConflict exercises S5: a delete request
// against a worktree still in the Creating state is rejected rather than
// racing the creation to completion.
func TestDeleteWorktreeDuringCreationIsConflict(t *testing.T) {
	e, store, _ := newTestEngine(t)
	repo := seedRepo(t, store)

	path := filepath.Join(repo.LocalPath, ".main2")
	if _, err := store.InsertWorktree(catalog.InsertWorktreeParams{Path: path, RepoID: repo.ID, Branch: "feature/slow"}); err != nil {
		t.Fatalf("InsertWorktree: %v", err)
	}

	ack := e.DeleteWorktree(repo.ID, path)
	if ack.Started {
		t.Fatal("expected delete of a Creating worktree to be rejected")
	}
	var conflict *errs.ConflictError
	if !errors.As(ack.Err, &conflict) {
		t.Errorf("expected ConflictError, got %v", ack.Err)
	}
}

func TestDeleteWorktreeRollsBackToReadyOnGitFailure(t *testing.T) {
	e, store, git := newTestEngine(t)
	repo := seedRepo(t, store)

	ack := e.CreateWorktree(repo.ID, "feature/rollback")
	if !ack.Started {
		t.Fatalf("create failed: %v", ack.Err)
	}
	path := filepath.Join(repo.LocalPath, "feature--rollback")
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		w, ok := findWorktree(snap, path)
		return ok && w.Status == model.StatusReady
	}, 2*time.Second)

	git.FailRemoveWorktree[path] = errs.GitFailed("remove_worktree", 1, "worktree has uncommitted changes")

	delAck := e.DeleteWorktree(repo.ID, path)
	if !delAck.Started {
		t.Fatalf("expected delete to start, got err=%v", delAck.Err)
	}

	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		w, ok := findWorktree(snap, path)
		return ok && w.Status == model.StatusReady
	}, 2*time.Second)
}

func TestDeleteRepositoryRemovesRepoAndWorktrees(t *testing.T) {
	e, store, _ := newTestEngine(t)
	repo := seedRepo(t, store)

	ack := e.DeleteRepository(repo.ID)
	if !ack.Started {
		t.Fatalf("expected delete to start, got err=%v", ack.Err)
	}

	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		for _, r := range snap.Repositories {
			if r.ID == repo.ID {
				return false
			}
		}
		return true
	}, 2*time.Second)

	if _, err := store.GetRepositoryByID(repo.ID); !IsNotFound(err) {
		t.Errorf("expected repository row to be gone, got err=%v", err)
	}
}

func TestRefreshUpdatesWorktreeGitStatus(t *testing.T) {
	e, store, git := newTestEngine(t)
	repo := seedRepo(t, store)

	ack := e.CreateWorktree(repo.ID, "feature/refresh")
	if !ack.Started {
		t.Fatalf("create failed: %v", ack.Err)
	}
	path := filepath.Join(repo.LocalPath, "feature--refresh")
	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		w, ok := findWorktree(snap, path)
		return ok && w.Status == model.StatusReady
	}, 2*time.Second)

	git.StatusFor[path] = model.GitStatus{Branch: "feature/refresh", Head: "newsha", Dirty: true, Ahead: 2, Behind: 1, CommitMessage: "wip"}

	refreshAck := e.Refresh(repo.ID)
	if !refreshAck.Started {
		t.Fatalf("expected refresh to start, got err=%v", refreshAck.Err)
	}

	waitForSnapshot(t, e.broadcaster, func(snap model.Snapshot) bool {
		w, ok := findWorktree(snap, path)
		return ok && w.Dirty && w.Ahead == 2 && w.Behind == 1
	}, 2*time.Second)
}

func TestRefreshUnknownRepoIsNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ack := e.Refresh("missing")
	if ack.Started {
		t.Fatal("expected Refresh against an unknown repo to be rejected synchronously")
	}
	if !IsNotFound(ack.Err) {
		t.Errorf("expected NotFoundError, got %v", ack.Err)
	}
}

func seedRepo(t *testing.T, store *catalog.Store) model.Repository {
	t.Helper()
	repo, err := store.InsertRepository(catalog.InsertRepositoryParams{
		Provider:      "github",
		Username:      "acme",
		Name:          "widgets",
		CloneURL:      "git@github.com:acme/widgets.git",
		LocalPath:     filepath.Join(t.TempDir(), "acme", "widgets"),
		DefaultBranch: "main",
	})
	if err != nil {
		t.Fatalf("seedRepo InsertRepository: %v", err)
	}
	return repo
}
