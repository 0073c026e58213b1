package urlderive

import (
	"errors"
	"testing"

	"github.com/nrazumov/grove-fleet/internal/errs"
)

func TestParseSSH(t *testing.T) {
	id, err := Parse("git@github.com:alice/widgets.git")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	want := Identity{Provider: "github", Username: "alice", Name: "widgets"}
	if id != want {
		t.Errorf("Parse() = %+v, want %+v", id, want)
	}
}

func TestParseHTTPS(t *testing.T) {
	id, err := Parse("https://gitlab.example.com/bob/tools")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if id.Provider != "gitlab" || id.Username != "bob" || id.Name != "tools" {
		t.Errorf("Parse() = %+v", id)
	}
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-url-at-all")
	var invalid *errs.InvalidUrlError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidUrlError, got %v", err)
	}
}

func TestValidateBranch(t *testing.T) {
	cases := []struct {
		branch  string
		wantErr bool
	}{
		{"main", false},
		{"feature/a", false},
		{"", true},
		{"   ", true},
		{"..", true},
		{"....", true},
	}
	for _, c := range cases {
		err := ValidateBranch(c.branch)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateBranch(%q) err=%v, wantErr=%v", c.branch, err, c.wantErr)
		}
	}
}

func TestSegmentPrimary(t *testing.T) {
	if got := Segment("main", "main"); got != PrimarySegment {
		t.Errorf("Segment(main, main) = %q, want %q", got, PrimarySegment)
	}
}

func TestSegmentFeatureBranch(t *testing.T) {
	if got := Segment("feature/a", "main"); got != "feature--a" {
		t.Errorf("Segment(feature/a) = %q, want feature--a", got)
	}
}

func TestSegmentSanitizesSpecialChars(t *testing.T) {
	got := Segment("wip:what?", "main")
	if got != "wip-what-" {
		t.Errorf("Segment(wip:what?) = %q, want wip-what-", got)
	}
}

func TestSegmentIdempotentOnSanitizedInput(t *testing.T) {
	// §8 property 6: applying Segment to an already-sanitized branch name
	// (one containing no "/" or "..") is a no-op relative to itself.
	first := Segment("feature/a", "main")
	second := Segment(first, "main")
	if first != second {
		t.Errorf("Segment not idempotent: %q != %q", first, second)
	}
}

func TestWorktreePathContainment(t *testing.T) {
	path, err := WorktreePath("/code/alice/widgets", "feature--a")
	if err != nil {
		t.Fatalf("WorktreePath returned error: %v", err)
	}
	want := "/code/alice/widgets/feature--a"
	if path != want {
		t.Errorf("WorktreePath() = %q, want %q", path, want)
	}
}

func TestWorktreePathRejectsEscape(t *testing.T) {
	if _, err := WorktreePath("/code/alice/widgets", ".."); err == nil {
		t.Error("expected error for escaping segment")
	}
	if _, err := WorktreePath("/code/alice/widgets", ""); err == nil {
		t.Error("expected error for empty segment")
	}
}
