// Package broadcaster owns the ephemeral progress map and fans out
// debounced catalog snapshots to subscribers (spec §4.6).
package broadcaster

import (
	"sync"
	"time"

	"github.com/nrazumov/grove-fleet/internal/model"
	"github.com/nrazumov/grove-fleet/internal/obslog"
)

var log = obslog.WithComponent("broadcaster")

// CatalogReader is the read-only slice of the catalog store the
// broadcaster needs to assemble a snapshot.
type CatalogReader interface {
	ListRepositories() ([]model.Repository, error)
	ListWorktrees(repoID string) ([]model.Worktree, error)
}

// DefaultDebounce is used when a caller supplies a non-positive delay.
const DefaultDebounce = 50 * time.Millisecond

// Broadcaster coalesces rapid set_progress/on_catalog_change requests into
// a single snapshot push per debounce interval, and fans that snapshot out
// to independent per-subscriber channels (spec §4.6).
type Broadcaster struct {
	catalog CatalogReader
	delay   time.Duration

	mu       sync.Mutex
	progress map[string]string
	timer    *time.Timer
	subs     map[int]chan model.Snapshot
	nextSub  int
	closed   bool
}

// New constructs a Broadcaster reading snapshots from catalog, debouncing
// pushes by delay (DefaultDebounce if delay <= 0).
func New(catalog CatalogReader, delay time.Duration) *Broadcaster {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Broadcaster{
		catalog:  catalog,
		delay:    delay,
		progress: make(map[string]string),
		subs:     make(map[int]chan model.Snapshot),
	}
}

// SetProgress sets or clears the progress entry for key and requests a
// push. A nil msg clears the entry.
func (b *Broadcaster) SetProgress(key string, msg *string) {
	b.mu.Lock()
	if msg == nil {
		delete(b.progress, key)
	} else {
		b.progress[key] = *msg
	}
	b.mu.Unlock()

	b.requestPush()
}

// OnCatalogChange requests a push without mutating the progress map.
func (b *Broadcaster) OnCatalogChange() {
	b.requestPush()
}

// requestPush schedules (or reschedules) the debounce timer so a push
// fires at most b.delay after the most recent request, coalescing any
// requests that arrive before it fires (mirrors the teacher's fs-event
// debounce: reset a pending timer rather than queue one per request).
func (b *Broadcaster) requestPush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.push)
		return
	}
	b.timer.Reset(b.delay)
}

func (b *Broadcaster) push() {
	b.mu.Lock()
	b.timer = nil
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	snapshot, err := b.GetSnapshot()
	if err != nil {
		log.Warn("failed to build snapshot for push", "error", err)
		return
	}

	b.mu.Lock()
	subs := make([]chan model.Snapshot, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		deliver(ch, snapshot)
	}
}

// deliver sends snapshot to ch without blocking. If ch's single buffer
// slot is already occupied by a stale snapshot, that snapshot is dropped
// in favor of the newer one (spec §4.6: a slow subscriber never blocks
// publication to others, and resynchronizes from whatever it next reads).
func deliver(ch chan model.Snapshot, snapshot model.Snapshot) {
	select {
	case ch <- snapshot:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snapshot:
	default:
	}
}

// GetSnapshot reads the catalog for all live repositories and their
// worktrees, plus a copy of the current progress map.
func (b *Broadcaster) GetSnapshot() (model.Snapshot, error) {
	repos, err := b.catalog.ListRepositories()
	if err != nil {
		return model.Snapshot{}, err
	}

	out := model.Snapshot{
		Repositories: make([]model.RepositoryWithWorktrees, 0, len(repos)),
	}
	for _, r := range repos {
		worktrees, err := b.catalog.ListWorktrees(r.ID)
		if err != nil {
			return model.Snapshot{}, err
		}
		out.Repositories = append(out.Repositories, model.RepositoryWithWorktrees{
			Repository: r,
			Worktrees:  worktrees,
		})
	}

	b.mu.Lock()
	progress := make(map[string]string, len(b.progress))
	for k, v := range b.progress {
		progress[k] = v
	}
	b.mu.Unlock()
	out.Progress = progress

	return out, nil
}

// Subscribe registers a new subscriber and immediately resynchronizes it
// with the current snapshot (spec §4.6: "the stream's first item is the
// current snapshot"). The returned cancel function must be called to stop
// receiving updates and release the channel.
func (b *Broadcaster) Subscribe() (<-chan model.Snapshot, func(), error) {
	initial, err := b.GetSnapshot()
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan model.Snapshot, 1)
	ch <- initial

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, nil
}

// SubscriberCount returns the number of active subscribers, mainly for
// diagnostics and tests.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops any pending debounce timer. Subscribers are not forcibly
// closed; callers release them via their individual cancel functions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
