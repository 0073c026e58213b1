// Package catalog implements the persistent repository/worktree catalog
// (spec §4.1): durable CRUD with transactional guarantees, backed by
// SQLite via the pure-Go modernc.org/sqlite driver (as the teacher's
// internal/teams store does, avoiding a CGO dependency).
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nrazumov/grove-fleet/internal/errs"
	"github.com/nrazumov/grove-fleet/internal/model"
	"github.com/nrazumov/grove-fleet/internal/obslog"
)

// Store provides persistent storage for repositories, worktrees, and
// per-repository worktree configuration. A single writer lock serializes
// mutations. A Store from Open holds a single database connection, so its
// reads are serialized too: a read waits for any statement in progress.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or reuses) a SQLite database under dataRoot/data/repos.db
// and applies migrations (spec §6.2).
func Open(dataRoot string) (*Store, error) {
	dir := filepath.Join(dataRoot, "data")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Storage("mkdir_data_root", err)
	}

	dbPath := filepath.Join(dir, "repos.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errs.Storage("open_database", err)
	}
	db.SetMaxOpenConns(1) // single-writer semantics; reads interleave fine at this scale.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests to share an
// in-memory database across store instances).
func OpenDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return errs.Storage("pragma", err)
		}
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			username TEXT NOT NULL,
			name TEXT NOT NULL,
			clone_url TEXT NOT NULL,
			local_path TEXT NOT NULL UNIQUE,
			default_branch TEXT NOT NULL DEFAULT 'main',
			last_synced INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			deleted_at INTEGER,
			UNIQUE(provider, username, name)
		)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			path TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
			branch TEXT NOT NULL,
			head TEXT,
			status TEXT NOT NULL CHECK (status IN ('creating','ready','error','deleting')),
			commit_message TEXT,
			dirty INTEGER NOT NULL DEFAULT 0,
			ahead INTEGER NOT NULL DEFAULT 0,
			behind INTEGER NOT NULL DEFAULT 0,
			last_status_check INTEGER,
			created_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS worktree_config (
			repo_id TEXT PRIMARY KEY REFERENCES repositories(id) ON DELETE CASCADE,
			symlink_patterns TEXT,
			copy_patterns TEXT,
			upstream_remote TEXT NOT NULL DEFAULT 'origin',
			setup_commands TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_repo_id ON worktrees(repo_id)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_deleted_at ON repositories(deleted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_deleted_at ON worktrees(deleted_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errs.Storage("migrate", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// ListRepositories returns all live repositories ordered by created_at
// descending (spec §4.1); rows created in the same millisecond are listed
// most recently inserted first.
func (s *Store) ListRepositories() ([]model.Repository, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, username, name, clone_url, local_path,
		       default_branch, last_synced, created_at, deleted_at
		FROM repositories WHERE deleted_at IS NULL
		ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, errs.Storage("list_repositories", err)
	}
	defer rows.Close()

	var out []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, errs.Storage("list_repositories", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (model.Repository, error) {
	var r model.Repository
	var deletedAt sql.NullInt64
	err := row.Scan(&r.ID, &r.Provider, &r.Username, &r.Name, &r.CloneURL, &r.LocalPath,
		&r.DefaultBranch, &r.LastSyncedMs, &r.CreatedAtMs, &deletedAt)
	if err != nil {
		return model.Repository{}, err
	}
	if deletedAt.Valid {
		r.DeletedAtMs = &deletedAt.Int64
	}
	return r, nil
}

// GetRepositoryByID returns a live repository by id, or NotFoundError.
func (s *Store) GetRepositoryByID(id string) (model.Repository, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, username, name, clone_url, local_path,
		       default_branch, last_synced, created_at, deleted_at
		FROM repositories WHERE id = ? AND deleted_at IS NULL`, id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return model.Repository{}, errs.NotFoundf("repository", id)
	}
	if err != nil {
		return model.Repository{}, errs.Storage("get_repository", err)
	}
	return r, nil
}

// GetRepositoryByIdentity returns a live repository by (provider, username, name).
func (s *Store) GetRepositoryByIdentity(provider, username, name string) (model.Repository, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, username, name, clone_url, local_path,
		       default_branch, last_synced, created_at, deleted_at
		FROM repositories
		WHERE provider = ? AND username = ? AND name = ? AND deleted_at IS NULL`,
		provider, username, name)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return model.Repository{}, errs.NotFoundf("repository", fmt.Sprintf("%s/%s/%s", provider, username, name))
	}
	if err != nil {
		return model.Repository{}, errs.Storage("get_repository", err)
	}
	return r, nil
}

// GetRepositoryByLocalPath returns a live repository by its local_path.
func (s *Store) GetRepositoryByLocalPath(localPath string) (model.Repository, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, username, name, clone_url, local_path,
		       default_branch, last_synced, created_at, deleted_at
		FROM repositories WHERE local_path = ? AND deleted_at IS NULL`, localPath)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return model.Repository{}, errs.NotFoundf("repository", localPath)
	}
	if err != nil {
		return model.Repository{}, errs.Storage("get_repository", err)
	}
	return r, nil
}

// InsertRepositoryParams are the fields required to insert a new repository.
type InsertRepositoryParams struct {
	Provider      string
	Username      string
	Name          string
	CloneURL      string
	LocalPath     string
	DefaultBranch string
}

// InsertRepository assigns an id and inserts a new repository row, failing
// with ConflictError on a unique-key collision (local_path, or the
// provider/username/name triple).
func (s *Store) InsertRepository(p InsertRepositoryParams) (model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetRepositoryByLocalPath(p.LocalPath); err == nil {
		return model.Repository{}, errs.Conflict("repository", p.LocalPath)
	}
	if _, err := s.GetRepositoryByIdentity(p.Provider, p.Username, p.Name); err == nil {
		return model.Repository{}, errs.Conflict("repository", fmt.Sprintf("%s/%s/%s", p.Provider, p.Username, p.Name))
	}

	r := model.Repository{
		ID:            uuid.NewString(),
		Provider:      p.Provider,
		Username:      p.Username,
		Name:          p.Name,
		CloneURL:      p.CloneURL,
		LocalPath:     p.LocalPath,
		DefaultBranch: p.DefaultBranch,
		CreatedAtMs:   nowMs(),
	}

	_, err := s.db.Exec(`
		INSERT INTO repositories (id, provider, username, name, clone_url, local_path, default_branch, last_synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.Username, r.Name, r.CloneURL, r.LocalPath, r.DefaultBranch, r.LastSyncedMs, r.CreatedAtMs)
	if err != nil {
		return model.Repository{}, errs.Storage("insert_repository", err)
	}
	return r, nil
}

// DeleteRepository hard-deletes a repository, cascading to its worktrees
// and config.
func (s *Store) DeleteRepository(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return errs.Storage("delete_repository", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFoundf("repository", id)
	}
	return nil
}

// UpdateRepositorySynced stamps last_synced to now.
func (s *Store) UpdateRepositorySynced(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE repositories SET last_synced = ? WHERE id = ? AND deleted_at IS NULL`, nowMs(), id)
	if err != nil {
		return errs.Storage("update_repository_synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("repository", id)
	}
	return nil
}

// UpdateRepositoryDefaultBranch updates the default branch of a repository.
func (s *Store) UpdateRepositoryDefaultBranch(id, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE repositories SET default_branch = ? WHERE id = ? AND deleted_at IS NULL`, branch, id)
	if err != nil {
		return errs.Storage("update_repository_default_branch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("repository", id)
	}
	return nil
}

// ListWorktrees returns all live worktrees for a repository ordered by
// created_at ascending.
func (s *Store) ListWorktrees(repoID string) ([]model.Worktree, error) {
	rows, err := s.db.Query(`
		SELECT path, repo_id, branch, head, status, commit_message, dirty, ahead, behind,
		       last_status_check, created_at, deleted_at
		FROM worktrees WHERE repo_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC`, repoID)
	if err != nil {
		return nil, errs.Storage("list_worktrees", err)
	}
	defer rows.Close()

	var out []model.Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, errs.Storage("list_worktrees", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorktree(row rowScanner) (model.Worktree, error) {
	var w model.Worktree
	var head, commitMessage sql.NullString
	var lastStatusCheck, deletedAt sql.NullInt64
	var dirty int
	err := row.Scan(&w.Path, &w.RepoID, &w.Branch, &head, &w.Status, &commitMessage,
		&dirty, &w.Ahead, &w.Behind, &lastStatusCheck, &w.CreatedAtMs, &deletedAt)
	if err != nil {
		return model.Worktree{}, err
	}
	w.Dirty = dirty != 0
	if head.Valid {
		w.Head = &head.String
	}
	if commitMessage.Valid {
		w.CommitMessage = &commitMessage.String
	}
	if lastStatusCheck.Valid {
		w.LastStatusCheckMs = &lastStatusCheck.Int64
	}
	if deletedAt.Valid {
		w.DeletedAtMs = &deletedAt.Int64
	}
	return w, nil
}

// GetWorktree returns a live worktree by path.
func (s *Store) GetWorktree(path string) (model.Worktree, error) {
	row := s.db.QueryRow(`
		SELECT path, repo_id, branch, head, status, commit_message, dirty, ahead, behind,
		       last_status_check, created_at, deleted_at
		FROM worktrees WHERE path = ? AND deleted_at IS NULL`, path)
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return model.Worktree{}, errs.NotFoundf("worktree", path)
	}
	if err != nil {
		return model.Worktree{}, errs.Storage("get_worktree", err)
	}
	return w, nil
}

// InsertWorktreeParams are the fields required to insert a new worktree row.
type InsertWorktreeParams struct {
	Path   string
	RepoID string
	Branch string
}

// InsertWorktree inserts a new worktree row with initial status Creating,
// failing with ConflictError if a row already exists at path (spec
// §4.5.4 step 4 / §5 "at most one lifecycle op per worktree path").
func (s *Store) InsertWorktree(p InsertWorktreeParams) (model.Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getWorktreeLocked(p.Path); err == nil {
		return model.Worktree{}, errs.Conflict("worktree", p.Path)
	}

	w := model.Worktree{
		Path:        p.Path,
		RepoID:      p.RepoID,
		Branch:      p.Branch,
		Status:      model.StatusCreating,
		CreatedAtMs: nowMs(),
	}

	_, err := s.db.Exec(`
		INSERT INTO worktrees (path, repo_id, branch, status, dirty, ahead, behind, created_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
		w.Path, w.RepoID, w.Branch, w.Status, w.CreatedAtMs)
	if err != nil {
		return model.Worktree{}, errs.Storage("insert_worktree", err)
	}
	return w, nil
}

func (s *Store) getWorktreeLocked(path string) (model.Worktree, error) {
	row := s.db.QueryRow(`
		SELECT path, repo_id, branch, head, status, commit_message, dirty, ahead, behind,
		       last_status_check, created_at, deleted_at
		FROM worktrees WHERE path = ? AND deleted_at IS NULL`, path)
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return model.Worktree{}, errs.NotFoundf("worktree", path)
	}
	if err != nil {
		return model.Worktree{}, errs.Storage("get_worktree", err)
	}
	return w, nil
}

// UpdateWorktreeStatus transitions a worktree's status and optionally its
// head/commit_message (spec §4.5.1).
func (s *Store) UpdateWorktreeStatus(path string, status model.WorktreeStatus, head, commitMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE worktrees SET status = ?, head = COALESCE(?, head), commit_message = COALESCE(?, commit_message)
		WHERE path = ? AND deleted_at IS NULL`,
		status, nullableString(head), nullableString(commitMessage), path)
	if err != nil {
		return errs.Storage("update_worktree_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("worktree", path)
	}
	return nil
}

// UpdateWorktreeGitStatus stamps the most recent git-status triple and
// last_status_check.
func (s *Store) UpdateWorktreeGitStatus(path string, dirty bool, ahead, behind int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirtyInt := 0
	if dirty {
		dirtyInt = 1
	}

	res, err := s.db.Exec(`
		UPDATE worktrees SET dirty = ?, ahead = ?, behind = ?, last_status_check = ?
		WHERE path = ? AND deleted_at IS NULL`,
		dirtyInt, ahead, behind, nowMs(), path)
	if err != nil {
		return errs.Storage("update_worktree_git_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("worktree", path)
	}
	return nil
}

// DeleteWorktree hard-deletes a worktree row.
func (s *Store) DeleteWorktree(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM worktrees WHERE path = ?`, path)
	if err != nil {
		return errs.Storage("delete_worktree", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("worktree", path)
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// GetWorktreeConfig returns the per-repository worktree config, or
// NotFoundError if none has been set.
func (s *Store) GetWorktreeConfig(repoID string) (model.WorktreeConfig, error) {
	row := s.db.QueryRow(`
		SELECT repo_id, symlink_patterns, copy_patterns, upstream_remote, setup_commands
		FROM worktree_config WHERE repo_id = ?`, repoID)

	var cfg model.WorktreeConfig
	var symlinkJSON, copyJSON, setupJSON sql.NullString
	err := row.Scan(&cfg.RepoID, &symlinkJSON, &copyJSON, &cfg.UpstreamRemote, &setupJSON)
	if err == sql.ErrNoRows {
		return model.WorktreeConfig{}, errs.NotFoundf("worktree_config", repoID)
	}
	if err != nil {
		return model.WorktreeConfig{}, errs.Storage("get_worktree_config", err)
	}

	cfg.SymlinkPatterns = decodePatterns(symlinkJSON)
	cfg.CopyPatterns = decodePatterns(copyJSON)
	cfg.SetupCommands = decodePatterns(setupJSON)
	return cfg, nil
}

func decodePatterns(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		log.Warn("failed to unmarshal pattern list", "error", err)
		return nil
	}
	return out
}

func encodePatterns(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UpsertWorktreeConfig inserts or replaces the worktree config for a
// repository. Pattern lists are encoded as JSON arrays in their TEXT
// columns (SPEC_FULL §6 Open Question decision: avoids the undefined
// comma-escaping behavior of a raw comma-joined encoding).
func (s *Store) UpsertWorktreeConfig(cfg model.WorktreeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	symlinkJSON, err := encodePatterns(cfg.SymlinkPatterns)
	if err != nil {
		return errs.Storage("upsert_worktree_config", err)
	}
	copyJSON, err := encodePatterns(cfg.CopyPatterns)
	if err != nil {
		return errs.Storage("upsert_worktree_config", err)
	}
	setupJSON, err := encodePatterns(cfg.SetupCommands)
	if err != nil {
		return errs.Storage("upsert_worktree_config", err)
	}

	upstream := cfg.UpstreamRemote
	if upstream == "" {
		upstream = "origin"
	}

	_, err = s.db.Exec(`
		INSERT INTO worktree_config (repo_id, symlink_patterns, copy_patterns, upstream_remote, setup_commands)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			symlink_patterns = excluded.symlink_patterns,
			copy_patterns = excluded.copy_patterns,
			upstream_remote = excluded.upstream_remote,
			setup_commands = excluded.setup_commands`,
		cfg.RepoID, symlinkJSON, copyJSON, upstream, setupJSON)
	if err != nil {
		return errs.Storage("upsert_worktree_config", err)
	}
	return nil
}

var log = obslog.WithComponent("catalog")
