// Package model defines the core data structures shared by the catalog,
// lifecycle engine, and state broadcaster.
package model

// WorktreeStatus is the lifecycle state of a Worktree (§4.5.1).
type WorktreeStatus string

const (
	StatusCreating WorktreeStatus = "creating"
	StatusReady    WorktreeStatus = "ready"
	StatusError    WorktreeStatus = "error"
	StatusDeleting WorktreeStatus = "deleting"
)

// Repository is the origin-identity row for a cloned bare-repo-plus-worktrees
// tree on disk. See spec §3.
type Repository struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	CloneURL       string `json:"clone_url"`
	LocalPath      string `json:"local_path"`
	DefaultBranch  string `json:"default_branch"`
	LastSyncedMs   int64  `json:"last_synced"`
	CreatedAtMs    int64  `json:"created_at"`
	DeletedAtMs    *int64 `json:"deleted_at"`
}

// Worktree is a single checked-out working copy sharing a bare object store
// with its sibling worktrees. See spec §3.
type Worktree struct {
	Path             string         `json:"path"`
	RepoID           string         `json:"repo_id"`
	Branch           string         `json:"branch"`
	Head             *string        `json:"head"`
	Status           WorktreeStatus `json:"status"`
	CommitMessage    *string        `json:"commit_message"`
	Dirty            bool           `json:"dirty"`
	Ahead            int            `json:"ahead"`
	Behind           int            `json:"behind"`
	LastStatusCheckMs *int64        `json:"last_status_check"`
	CreatedAtMs      int64          `json:"created_at"`
	DeletedAtMs      *int64         `json:"deleted_at"`
}

// WorktreeConfig holds per-repository file-sharing and upstream-remote
// settings (§3, §6.5). SetupCommands is a supplemental field (SPEC_FULL §4)
// grounded on the "repository_settings" pattern seen in the wider corpus;
// it defaults to empty and never changes §8's testable properties.
type WorktreeConfig struct {
	RepoID         string   `json:"repo_id"`
	SymlinkPatterns []string `json:"symlink_patterns"`
	CopyPatterns    []string `json:"copy_patterns"`
	UpstreamRemote  string   `json:"upstream_remote"`
	SetupCommands   []string `json:"setup_commands"`
}

// RepositoryWithWorktrees is a Repository plus its live worktrees, the shape
// a Snapshot's repositories entries take (§6.3).
type RepositoryWithWorktrees struct {
	Repository
	Worktrees []Worktree `json:"worktrees"`
}

// Snapshot is the full world as seen by a subscriber: live repositories
// (with their worktrees) plus the ephemeral progress map (§3, §6.3).
type Snapshot struct {
	Repositories []RepositoryWithWorktrees `json:"repositories"`
	Progress     map[string]string         `json:"progress"`
}

// Clone returns a copy of the snapshot with its own repository and
// worktree slices and its own progress map. Pointer fields (Head,
// CommitMessage, the optional timestamps) are not copied: the clone's
// pointers refer to the same values as the original's.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Repositories: make([]RepositoryWithWorktrees, len(s.Repositories)),
		Progress:     make(map[string]string, len(s.Progress)),
	}
	for i, r := range s.Repositories {
		rc := r
		rc.Worktrees = append([]Worktree(nil), r.Worktrees...)
		out.Repositories[i] = rc
	}
	for k, v := range s.Progress {
		out.Progress[k] = v
	}
	return out
}

// GitStatus is the result of a single status probe of a worktree (§4.2).
type GitStatus struct {
	Branch        string
	Head          string
	Dirty         bool
	Ahead         int
	Behind        int
	CommitMessage string
}
