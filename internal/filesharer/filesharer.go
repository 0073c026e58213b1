// Package filesharer propagates untracked developer/agent files from a
// repository's primary worktree into freshly created sibling worktrees
// (spec §4.4).
package filesharer

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nrazumov/grove-fleet/internal/obslog"
)

var log = obslog.WithComponent("filesharer")

// Patterns holds the symlink and copy glob pattern lists evaluated against
// paths relative to the source worktree root.
type Patterns struct {
	Symlink []string
	Copy    []string
}

// Share walks sourceRoot once and, for every regular file under it whose
// relative path matches a symlink or copy pattern, propagates it into
// destRoot. Directories and anything under .git are skipped. A missing
// source file is a silent no-op, and so is a symlink whose destination
// already exists; a copy overwrites an existing destination file. File
// sharing never fails the enclosing lifecycle operation (spec §4.4).
func Share(sourceRoot, destRoot string, patterns Patterns) error {
	if len(patterns.Symlink) == 0 && len(patterns.Copy) == 0 {
		return nil
	}

	return filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, relErr := filepath.Rel(sourceRoot, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}

		slashRel := filepath.ToSlash(rel)
		if slashRel == ".git" || strings.HasPrefix(slashRel, ".git/") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		destPath := filepath.Join(destRoot, rel)
		switch {
		case matchesAny(slashRel, patterns.Symlink):
			shareSymlink(path, destPath)
		case matchesAny(slashRel, patterns.Copy):
			shareCopy(path, destPath)
		}
		return nil
	})
}

func matchesAny(relPath string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
		// Directory-style patterns ("name/") match anything beneath them.
		if strings.HasPrefix(relPath, pattern+"/") {
			return true
		}
	}
	return false
}

func shareSymlink(src, dest string) {
	if _, err := os.Lstat(dest); err == nil {
		return // idempotent: target already exists
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		log.Warn("failed to create parent directory for symlink", "dest", dest, "error", err)
		return
	}
	if err := os.Symlink(src, dest); err != nil {
		log.Warn("failed to create symlink", "src", src, "dest", dest, "error", err)
	}
}

func shareCopy(src, dest string) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Warn("failed to open source file for copy", "src", src, "error", err)
		return
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		log.Warn("failed to create parent directory for copy", "dest", dest, "error", err)
		return
	}

	info, err := in.Stat()
	if err != nil {
		log.Warn("failed to stat source file for copy", "src", src, "error", err)
		return
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		log.Warn("failed to create destination file for copy", "dest", dest, "error", err)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		log.Warn("failed to copy file contents", "src", src, "dest", dest, "error", err)
	}
}
