// Package gitdriver invokes the `git` and `git-upload-pack` executables and
// exposes their results (or, for upload-pack, their still-open stdio) to
// callers. It is the only package in this module that spawns a subprocess.
package gitdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crohr/smart-git-proxy/internal/giterr"
)

// Version is a parsed `git --version` result. Git's version string has been
// stable in shape ("git version <ver>\n") since 1.4.0, but the <ver> part has
// only looked like dotted-numeric-plus-pre-release since 1.9.0.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
	Raw                 string
}

// String returns the version exactly as git printed it.
func (v Version) String() string {
	return v.Raw
}

// Less reports whether v is older than other, comparing major.minor.patch
// only (pre-release suffixes are not ordered).
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// ParseVersion parses the trailing whitespace-separated token of a
// `git --version` stdout capture, e.g. "git version 2.26.0-rc2\n".
func ParseVersion(output string) (Version, error) {
	trimmed := strings.TrimSpace(output)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return Version{}, fmt.Errorf("could not parse git version from: %q", output)
	}
	token := fields[len(fields)-1]

	numeric, pre, _ := strings.Cut(token, "-")
	parts := strings.Split(numeric, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("could not parse git version from: %q", output)
	}
	nums := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, fmt.Errorf("could not parse git version from: %q", output)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Pre: pre, Raw: token}, nil
}

// Driver spawns `git` and `git-upload-pack` subprocesses resolved via PATH.
type Driver struct {
	gitPath        string
	uploadPackPath string
	log            *slog.Logger
}

// New resolves the `git` and `git-upload-pack` executables on PATH.
func New(log *slog.Logger) (*Driver, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, giterr.New(giterr.CannotRunGit, fmt.Errorf("git not found in PATH: %w", err))
	}
	uploadPackPath, err := exec.LookPath("git-upload-pack")
	if err != nil {
		// Fall back to `git upload-pack`, which every git installation provides
		// even when the standalone binary isn't on PATH.
		uploadPackPath = ""
	}
	return &Driver{gitPath: gitPath, uploadPackPath: uploadPackPath, log: log}, nil
}

// Version runs `git --version` and parses its output.
func (d *Driver) Version(ctx context.Context) (Version, error) {
	cmd := exec.CommandContext(ctx, d.gitPath, "--version")
	out, err := cmd.Output()
	if err != nil {
		return Version{}, giterr.New(giterr.CannotRunGit, fmt.Errorf("failed to spawn git: %w", err))
	}
	v, err := ParseVersion(string(out))
	if err != nil {
		return Version{}, giterr.New(giterr.CannotParseGitVersion, err)
	}
	return v, nil
}

// InitBare runs `git init --bare --quiet <path>`. The parent directory of
// path must already exist: if it is missing, InitBare returns a
// CouldNotCreate error instead of letting git create it.
func (d *Driver) InitBare(ctx context.Context, path string) error {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return giterr.New(giterr.CouldNotCreate, fmt.Errorf("parent directory of %s: %w", path, err))
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.gitPath, "init", "--bare", "--quiet", path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return giterr.New(giterr.CannotRunGit, fmt.Errorf("failed to spawn git: %w", err))
		}
		gitErr := giterr.New(giterr.CouldNotCreate, fmt.Errorf("git init --bare failed: %w", err)).
			WithStderr(tail(stderr.String()))
		d.logStderr("git init --bare", path, stderr.String())
		return gitErr
	}
	return nil
}

// Fetch runs `git fetch --quiet <url> <refspec>` with its working directory
// set to path. extraEnv, if non-nil, is appended to the child's environment
// (used to forward client credentials without persisting them to disk).
func (d *Driver) Fetch(ctx context.Context, path, url, refspec string, extraEnv []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.gitPath, "fetch", "--quiet", url, refspec)
	cmd.Dir = path
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), extraEnv...)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return giterr.New(giterr.CannotRunGit, fmt.Errorf("failed to spawn git: %w", err))
		}
		stderrText := stderr.String()
		updateErr := giterr.New(giterr.UpdateFailure, fmt.Errorf("git fetch failed: %w", err)).
			WithStderr(tail(stderrText))
		if looksLikeAuthFailure(stderrText) {
			updateErr = updateErr.WithUnauthorized()
		}
		d.logStderr("git fetch", path, stderrText)
		return updateErr
	}
	return nil
}

// authFailureMarkers are substrings `git` emits on stderr when the remote
// rejected credentials (as opposed to, say, a network timeout or an unknown
// host). They are conservative: missing one just means an auth failure is
// reported as a generic 502 instead of 401.
var authFailureMarkers = []string{
	"Authentication failed",
	"authentication failed",
	"could not read Username",
	"could not read Password",
	"403",
	"401",
	"terminal prompts disabled",
}

func looksLikeAuthFailure(stderr string) bool {
	for _, marker := range authFailureMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func tail(s string) string {
	const maxLen = 4096
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

// UploadPackHandle wraps a still-running `git-upload-pack` child process with
// its piped stdio. The caller is responsible for draining Stdout, closing
// Stdin at the right time, and calling Wait (or Kill, on cancellation).
type UploadPackHandle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd       *exec.Cmd
	stderrBuf *syncBuffer
}

// Wait blocks until the child exits and returns any non-zero-exit error,
// annotated with a captured stderr tail.
func (h *UploadPackHandle) Wait() error {
	err := h.cmd.Wait()
	if err == nil {
		return nil
	}
	return giterr.New(giterr.UpdateFailure, fmt.Errorf("git-upload-pack exited with error: %w", err)).
		WithStderr(tail(h.stderrBuf.String()))
}

// Kill terminates the child, first politely (SIGTERM) and then, if it
// doesn't exit promptly, forcibly (SIGKILL). Used when the HTTP handler's
// request context is cancelled mid-stream.
func (h *UploadPackHandle) Kill() {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = h.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = h.cmd.Process.Kill()
	}
}

// UploadPack spawns `git-upload-pack` with --strict, --timeout=<n>, and the
// requested combination of --stateless-rpc/--advertise-refs, with path as
// the final positional argument. It does not wait for the child; see Wait.
func (d *Driver) UploadPack(ctx context.Context, path string, statelessRPC, advertiseRefs bool, timeoutSeconds int, extraEnv []string) (*UploadPackHandle, error) {
	args := []string{}
	if statelessRPC {
		args = append(args, "--stateless-rpc")
	}
	if advertiseRefs {
		args = append(args, "--advertise-refs")
	}
	args = append(args, "--strict", fmt.Sprintf("--timeout=%d", timeoutSeconds), path)

	name := d.uploadPackPath
	if name == "" {
		name = d.gitPath
		args = append([]string{"upload-pack"}, args...)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, giterr.New(giterr.CannotRunGit, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, giterr.New(giterr.CannotRunGit, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, giterr.New(giterr.CannotRunGit, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, giterr.New(giterr.CannotRunGit, fmt.Errorf("failed to spawn git-upload-pack: %w", err))
	}

	// Stderr is mirrored into an internal buffer (for the error attached to
	// Wait) and into a pipe the caller can optionally read from.
	buf := &syncBuffer{}
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.Copy(io.MultiWriter(buf, pw), stderrPipe)
		_ = pw.Close()
	}()

	return &UploadPackHandle{
		Stdin:     stdin,
		Stdout:    stdout,
		Stderr:    pr,
		cmd:       cmd,
		stderrBuf: buf,
	}, nil
}

// Maintain runs lightweight, idempotent upkeep against an existing mirror:
// a reachable commit-graph write and a bitmapped multi-pack-index write.
// It never repacks, so it is safe to run after every fetch without
// competing for the kind of I/O a full gc would need.
func (d *Driver) Maintain(ctx context.Context, path string) error {
	if err := d.runGit(ctx, path, "commit-graph", "write", "--reachable"); err != nil {
		return err
	}
	return d.runGit(ctx, path, "multi-pack-index", "write", "--bitmap")
}

func (d *Driver) runGit(ctx context.Context, path string, args ...string) error {
	var stderr bytes.Buffer
	fullArgs := append([]string{"-C", path}, args...)
	cmd := exec.CommandContext(ctx, d.gitPath, fullArgs...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		gitErr := giterr.New(giterr.UpdateFailure, fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)).
			WithStderr(tail(stderr.String()))
		d.logStderr("git "+strings.Join(args, " "), path, stderr.String())
		return gitErr
	}
	return nil
}

// logStderr records a failed subprocess's stderr tail, if a logger was
// supplied to New. Tests construct drivers with a nil logger to exercise
// failure paths without a logging destination, so this is guarded.
func (d *Driver) logStderr(op, path, stderr string) {
	if d.log == nil {
		return
	}
	d.log.Warn("git subprocess failed", "op", op, "path", path, "stderr", tail(stderr))
}

// syncBuffer is a bytes.Buffer safe for concurrent Write (from the stderr
// drain goroutine) and String (from Wait, on another goroutine).
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
