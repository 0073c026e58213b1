package filesharer

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestShareSymlinksMatchingFiles(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	writeFile(t, filepath.Join(source, ".env"), "SECRET=1")
	writeFile(t, filepath.Join(source, "README.md"), "hello")

	err := Share(source, dest, Patterns{Symlink: []string{".env"}})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}

	link := filepath.Join(dest, ".env")
	info, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Error("expected .env to be a symlink")
	}

	if _, err := os.Lstat(filepath.Join(dest, "README.md")); err == nil {
		t.Error("README.md should not have been shared")
	}
}

func TestShareCopiesMatchingFiles(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	writeFile(t, filepath.Join(source, "config.local.json"), `{"k":1}`)

	err := Share(source, dest, Patterns{Copy: []string{"config.local.json"}})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "config.local.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != `{"k":1}` {
		t.Errorf("copied content = %q", content)
	}
}

func TestShareSkipsGitDirectory(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	writeFile(t, filepath.Join(source, ".git", "config"), "x")
	writeFile(t, filepath.Join(source, ".env"), "SECRET=1")

	err := Share(source, dest, Patterns{Symlink: []string{".env", "config"}})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dest, ".git", "config")); err == nil {
		t.Error(".git contents should never be shared")
	}
}

func TestShareDirectoryPattern(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	writeFile(t, filepath.Join(source, ".agent", "notes.md"), "notes")

	err := Share(source, dest, Patterns{Symlink: []string{".agent/"}})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(dest, ".agent", "notes.md")); err != nil {
		t.Errorf("expected .agent/notes.md to be shared: %v", err)
	}
}

func TestShareMissingSourceIsNoOp(t *testing.T) {
	dest := t.TempDir()
	err := Share(filepath.Join(t.TempDir(), "missing"), dest, Patterns{Symlink: []string{".env"}})
	if err != nil {
		t.Fatalf("Share on missing source should be a no-op, got %v", err)
	}
}

func TestShareIdempotentSkipsExistingTarget(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()

	writeFile(t, filepath.Join(source, ".env"), "SECRET=1")
	writeFile(t, filepath.Join(dest, ".env"), "ALREADY=THERE")

	err := Share(source, dest, Patterns{Symlink: []string{".env"}})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, ".env"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "ALREADY=THERE" {
		t.Error("existing destination file should not have been overwritten")
	}
}
