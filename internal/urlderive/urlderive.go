// Package urlderive parses clone URLs into (provider, username, name) and
// derives on-disk paths for repositories and worktrees (spec §4.7).
package urlderive

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nrazumov/grove-fleet/internal/errs"
)

// PrimarySegment is the fixed directory name used across the system to
// identify the primary worktree. The source material used two historical
// names (__main__, .main); this implementation canonicalizes on the more
// recent one (SPEC_FULL §6 Open Question decision).
const PrimarySegment = ".main"

var (
	sshPattern   = regexp.MustCompile(`^git@([^:]+):([^/]+)/(.+?)(?:\.git)?$`)
	httpsPattern = regexp.MustCompile(`^https?://([^/]+)/([^/]+)/(.+?)(?:\.git)?/?$`)
	dotsOnly     = regexp.MustCompile(`^\.+$`)
	safeSegment  = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// Identity is the (provider, username, name) triple extracted from a
// clone URL.
type Identity struct {
	Provider string
	Username string
	Name     string
}

// Parse extracts the origin identity triple from a clone URL, recognizing
// the SSH (`git@host:user/name[.git]`) and HTTPS
// (`http(s)://host/user/name[.git]`) shapes. provider is the host up to
// its first dot.
func Parse(cloneURL string) (Identity, error) {
	url := strings.TrimSpace(cloneURL)

	var host, username, name string
	switch {
	case sshPattern.MatchString(url):
		m := sshPattern.FindStringSubmatch(url)
		host, username, name = m[1], m[2], m[3]
	case httpsPattern.MatchString(url):
		m := httpsPattern.FindStringSubmatch(url)
		host, username, name = m[1], m[2], m[3]
	default:
		return Identity{}, errs.InvalidUrl(cloneURL)
	}

	if username == "" || name == "" {
		return Identity{}, errs.InvalidUrl(cloneURL)
	}

	provider := host
	if idx := strings.Index(host, "."); idx >= 0 {
		provider = host[:idx]
	}

	return Identity{Provider: provider, Username: username, Name: name}, nil
}

// LocalPath derives the filesystem root for a repository: CODE_ROOT/username/name.
func LocalPath(codeRoot string, id Identity) string {
	return filepath.Join(codeRoot, id.Username, id.Name)
}

// ValidateBranch checks that a user-supplied branch name is non-empty
// after trimming and is not dots-only (spec §4.5.4 step 2).
func ValidateBranch(branch string) error {
	trimmed := strings.TrimSpace(branch)
	if trimmed == "" {
		return errs.InvalidBranch(branch, "branch name is empty")
	}
	if dotsOnly.MatchString(trimmed) {
		return errs.InvalidBranch(branch, "branch name is dots-only")
	}
	return nil
}

// Segment derives the worktree directory segment for a branch (§4.7
// "branch-to-segment mapping"). defaultBranch is the repository's default
// branch; when branch equals it, the primary segment is returned.
//
// Segment is a pure function of (branch, defaultBranch) with no filesystem
// side effects, satisfying §8 property 6.
func Segment(branch, defaultBranch string) string {
	if branch == defaultBranch {
		return PrimarySegment
	}

	segment := strings.ReplaceAll(branch, "..", "__")
	segment = strings.ReplaceAll(segment, "/", "--")
	segment = safeSegment.ReplaceAllString(segment, "-")
	return segment
}

// WorktreePath composes and validates the on-disk path for a new worktree,
// rejecting any derivation that would escape localPath (§4.5.4 step 3,
// §8 property 5: path containment).
func WorktreePath(localPath, segment string) (string, error) {
	if segment == "" || dotsOnly.MatchString(segment) {
		return "", errs.InvalidBranch(segment, "derived segment is empty or dots-only")
	}

	candidate := filepath.Join(localPath, segment)
	prefix := strings.TrimSuffix(localPath, string(filepath.Separator)) + string(filepath.Separator)
	if !strings.HasPrefix(candidate+string(filepath.Separator), prefix) {
		return "", errs.InvalidBranch(segment, "derived path escapes repository root")
	}

	return candidate, nil
}
