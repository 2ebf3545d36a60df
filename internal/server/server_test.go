package server_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crohr/smart-git-proxy/internal/gitdriver"
	"github.com/crohr/smart-git-proxy/internal/logging"
	"github.com/crohr/smart-git-proxy/internal/metrics"
	"github.com/crohr/smart-git-proxy/internal/registry"
	"github.com/crohr/smart-git-proxy/internal/server"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

func newTestServer(t *testing.T, allowed ...string) *server.Server {
	t.Helper()
	requireGit(t)

	log, err := logging.New("error")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	driver, err := gitdriver.New(log)
	if err != nil {
		t.Fatalf("gitdriver.New: %v", err)
	}
	if len(allowed) == 0 {
		allowed = []string{"github.com"}
	}
	reg, err := registry.New(registry.Options{
		Root:             t.TempDir(),
		AllowedUpstreams: allowed,
		Driver:           driver,
		Log:              log,
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return server.New(server.Options{
		Registry:                 reg,
		Log:                      log,
		Metrics:                  metrics.NewForTest(),
		UploadPackTimeoutSeconds: 60,
	})
}

func TestServer_RejectsUnsupportedPath(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_RejectsMalformedAuthorization(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/github.com/octocat/Hello-World/info/refs?service=git-upload-pack", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Basic not-valid-base64!!!")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_RejectsDisallowedUpstream(t *testing.T) {
	s := newTestServer(t, "github.com")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/evil.example.com/org/repo/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected non-200 for disallowed upstream, got %d", resp.StatusCode)
	}
}

func TestServer_ClonePublicRepoEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cloneDir := t.TempDir()
	insteadOf := ts.URL + "/github.com/"
	clonePath := filepath.Join(cloneDir, "hello-world")

	cmd := exec.Command("git",
		"-c", "url."+insteadOf+".insteadOf=https://github.com/",
		"clone", "--depth=1", "https://github.com/octocat/Hello-World", clonePath,
	)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("clone failed: %v\noutput: %s", err, out)
	}

	logCmd := exec.Command("git", "-C", clonePath, "log", "-1", "--format=%H")
	logOut, err := logCmd.Output()
	if err != nil {
		t.Fatalf("git log failed: %v", err)
	}
	if strings.TrimSpace(string(logOut)) == "" {
		t.Fatal("expected a commit hash after clone")
	}
}

func TestServer_RefsAdvertisementEndsWithFlushPacket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Prime the mirror first so refs() has something to advertise.
	cloneDir := t.TempDir()
	insteadOf := ts.URL + "/github.com/"
	cmd := exec.Command("git",
		"-c", "url."+insteadOf+".insteadOf=https://github.com/",
		"clone", "--depth=1", "https://github.com/octocat/Hello-World", filepath.Join(cloneDir, "c"),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("priming clone failed: %v\noutput: %s", err, out)
	}

	resp, err := http.Get(ts.URL + "/github.com/octocat/Hello-World/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("GET info/refs: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "HEAD") {
		t.Fatalf("expected advertisement to contain HEAD, got: %q", body)
	}
	if !strings.HasSuffix(string(body), "0000") {
		t.Fatalf("expected advertisement to end with flush packet, got: %q", body)
	}
}
