// Package catalogtest wires an in-memory catalog, broadcaster, fake git
// executor, and lifecycle engine for use by tests in other packages
// (transport handlers, CLI commands) that need a working fleet without
// spawning real git processes. The fake executor still creates and removes
// worktree directories on disk, under a per-test temp-dir code root.
package catalogtest

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nrazumov/grove-fleet/internal/broadcaster"
	"github.com/nrazumov/grove-fleet/internal/catalog"
	"github.com/nrazumov/grove-fleet/internal/engine"
	"github.com/nrazumov/grove-fleet/internal/fakegit"
	"github.com/nrazumov/grove-fleet/internal/model"
)

var harnessSeq atomic.Int64

// Harness bundles the collaborators a lifecycle test needs: a real catalog
// store over an in-memory SQLite database, a fast-debounce broadcaster, a
// fake git executor, and the engine wiring them together.
type Harness struct {
	Store       *catalog.Store
	Git         *fakegit.FakeGit
	Broadcaster *broadcaster.Broadcaster
	Engine      *engine.Engine
	CodeRoot    string
}

// New builds a Harness backed by a uniquely named in-memory database (so
// parallel tests never share state) and a temp directory code root.
func New(t *testing.T) *Harness {
	t.Helper()

	dsn := fmt.Sprintf("file:catalogtest-%d?mode=memory&cache=shared", harnessSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
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

	eng := engine.New(store, git, bc, codeRoot, engine.Options{
		Cooldown:       50 * time.Millisecond,
		ShowThenDoWait: 5 * time.Millisecond,
	})

	return &Harness{Store: store, Git: git, Broadcaster: bc, Engine: eng, CodeRoot: codeRoot}
}

// AwaitSnapshot polls GetSnapshot until predicate returns true or timeout
// elapses, failing the test on timeout. Tests use this instead of sleeping
// a fixed duration, since operations complete asynchronously in goroutines.
func (h *Harness) AwaitSnapshot(t *testing.T, predicate func(model.Snapshot) bool, timeout time.Duration) model.Snapshot {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := h.Engine.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if predicate(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for expected snapshot state")
	return model.Snapshot{}
}
