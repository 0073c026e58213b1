package errs

import (
	"errors"
	"testing"
)

func TestErrorKindsAreDistinguishable(t *testing.T) {
	err := NotFoundf("repository", "abc123")

	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatal("expected errors.As to match *NotFoundError")
	}
	if nf.Kind != "repository" || nf.Key != "abc123" {
		t.Errorf("unexpected fields: %+v", nf)
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		t.Error("NotFoundError should not match *ConflictError")
	}
}

func TestGitFailedMessage(t *testing.T) {
	err := GitFailed("clone", 128, "fatal: repository not found")
	want := `git clone failed (exit 128): fatal: repository not found`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStorageUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := Storage("insert_repository", inner)
	if !errors.Is(err, inner) {
		t.Error("Storage error should unwrap to the inner error")
	}
}
