package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/crohr/smart-git-proxy/internal/gitdriver"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, allowed ...string) *Registry {
	t.Helper()
	requireGit(t)

	driver, err := gitdriver.New(testLogger())
	if err != nil {
		t.Fatalf("gitdriver.New: %v", err)
	}
	if len(allowed) == 0 {
		allowed = []string{"github.com"}
	}
	reg, err := New(Options{
		Root:             t.TempDir(),
		AllowedUpstreams: allowed,
		Driver:           driver,
		Log:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func TestRegistry_OpenCreatesBareMirror(t *testing.T) {
	reg := newTestRegistry(t)

	h, err := reg.Open(context.Background(), "github.com/octocat/Hello-World")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.LocalPath(), "HEAD")); err != nil {
		t.Fatalf("expected bare repo HEAD file, stat failed: %v", err)
	}
	if h.Upstream() != "github.com/octocat/Hello-World" {
		t.Fatalf("Upstream() = %q, want original upstream string", h.Upstream())
	}
}

func TestRegistry_OpenIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	h1, err := reg.Open(context.Background(), "github.com/octocat/Hello-World")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := reg.Open(context.Background(), "github.com/octocat/Hello-World")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected second Open to return the same shared handle")
	}
}

func TestRegistry_OpenInitializesEmptyDirectory(t *testing.T) {
	reg := newTestRegistry(t)

	key := "github.com/octocat/Hello-World.git"
	path := filepath.Join(reg.Root(), key)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h, err := reg.Open(context.Background(), "github.com/octocat/Hello-World")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.LocalPath(), "HEAD")); err != nil {
		t.Fatalf("expected init-bare into pre-existing empty dir, stat failed: %v", err)
	}
}

func TestRegistry_OpenRejectsDisallowedHost(t *testing.T) {
	reg := newTestRegistry(t, "github.com")

	if _, err := reg.Open(context.Background(), "evil.example.com/org/repo"); err == nil {
		t.Fatal("expected rejection for disallowed host")
	}
}

func TestRegistry_OpenRejectsPathTraversal(t *testing.T) {
	reg := newTestRegistry(t, "github.com")

	cases := []string{
		"github.com/../../../etc/passwd",
		"/absolute/path",
		"github.com\\org\\repo",
	}
	for _, upstream := range cases {
		if _, err := reg.Open(context.Background(), upstream); err == nil {
			t.Fatalf("Open(%q): expected rejection", upstream)
		}
	}
}

func TestRegistry_OpenNormalizesDotGitSuffix(t *testing.T) {
	reg := newTestRegistry(t)

	h1, err := reg.Open(context.Background(), "github.com/octocat/Hello-World")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := reg.Open(context.Background(), "github.com/octocat/Hello-World.git")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h1.LocalPath() != h2.LocalPath() {
		t.Fatalf("expected .git-suffixed and unsuffixed upstream to share one mirror: %q vs %q", h1.LocalPath(), h2.LocalPath())
	}
}
