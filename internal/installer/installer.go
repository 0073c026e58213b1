// Package installer detects and runs the appropriate JavaScript
// package-manager install command for a worktree (spec §4.3).
package installer

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nrazumov/grove-fleet/internal/obslog"
)

var log = obslog.WithComponent("installer")

// Manager is bun, pnpm, yarn, or npm.
type Manager string

const (
	Bun  Manager = "bun"
	Pnpm Manager = "pnpm"
	Yarn Manager = "yarn"
	Npm  Manager = "npm"
)

var installArgs = map[Manager][]string{
	Bun:  {"install"},
	Pnpm: {"install"},
	Yarn: {"install"},
	Npm:  {"install"},
}

// Detect inspects path for lockfiles and returns the package manager to use,
// in first-match order, or "" if no installer applies (spec §4.3).
func Detect(path string) Manager {
	checks := []struct {
		file string
		pm   Manager
	}{
		{"bun.lock", Bun},
		{"bun.lockb", Bun},
		{"pnpm-lock.yaml", Pnpm},
		{"yarn.lock", Yarn},
		{"package-lock.json", Npm},
	}
	for _, c := range checks {
		if exists(filepath.Join(path, c.file)) {
			return c.pm
		}
	}
	if exists(filepath.Join(path, "package.json")) {
		return Npm
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ProgressFunc publishes the last non-empty line of output seen so far
// under progressKey.
type ProgressFunc func(progressKey, line string)

// RunInstall runs the install subcommand for pm in path. The last
// non-empty line of stdout/stderr is published as progress under
// progressKey as output streams in. A non-zero exit is returned as an
// error, but the engine treats installer failures as warnings, not fatal
// lifecycle errors (spec §4.3, §7).
func RunInstall(ctx context.Context, path string, pm Manager, progressKey string, progress ProgressFunc) error {
	args, ok := installArgs[pm]
	if !ok {
		return nil
	}

	cmd := exec.CommandContext(ctx, string(pm), args...)
	cmd.Dir = path

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLast(stdout, &wg, progressKey, progress)
	go streamLast(stderr, &wg, progressKey, progress)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		log.Warn("package install failed", "pm", string(pm), "path", path, "error", err)
		return err
	}
	return nil
}

func streamLast(r io.Reader, wg *sync.WaitGroup, progressKey string, progress ProgressFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if progress != nil {
			progress(progressKey, line)
		}
	}
}
