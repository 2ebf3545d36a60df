package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crohr/smart-git-proxy/internal/authcache"
	"github.com/crohr/smart-git-proxy/internal/gitdriver"
	"github.com/crohr/smart-git-proxy/internal/giterr"
	"golang.org/x/sync/singleflight"
)

// Registry is the cache-registry component: a process-wide map from
// repository-key to shared Handle. Entries are never removed for the
// lifetime of the Registry.
type Registry struct {
	root             string
	allowedUpstreams []string
	driver           *gitdriver.Driver
	log              *slog.Logger

	enableAuthCache    bool
	maintainAfterSync  bool
	uploadPackThreads  int
	minRefetchInterval time.Duration

	mu      sync.Mutex
	entries map[string]*Handle

	creating singleflight.Group
}

// Options configures a Registry.
type Options struct {
	Root              string
	AllowedUpstreams  []string
	Driver            *gitdriver.Driver
	Log               *slog.Logger
	EnableAuthCache   bool
	MaintainAfterSync bool
	UploadPackThreads int
	// MinRefetchInterval bounds how often Update actually runs `git fetch`
	// for a repeat request using already-proven credentials (see
	// Handle.skipRefetch). Zero disables this and fetches on every call.
	MinRefetchInterval time.Duration
}

// New constructs a Registry rooted at opts.Root, creating the directory if
// necessary.
func New(opts Options) (*Registry, error) {
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Registry{
		root:               opts.Root,
		allowedUpstreams:   opts.AllowedUpstreams,
		driver:             opts.Driver,
		log:                opts.Log,
		enableAuthCache:    opts.EnableAuthCache,
		maintainAfterSync:  opts.MaintainAfterSync,
		uploadPackThreads:  opts.UploadPackThreads,
		minRefetchInterval: opts.MinRefetchInterval,
		entries:            make(map[string]*Handle),
	}, nil
}

// Open implements the state machine from the design: look up an existing
// handle by key, or create one, initializing a bare mirror on disk as
// needed. Calling Open(k) twice with the same k returns the same shared
// handle; the second call never re-initializes anything.
func (r *Registry) Open(ctx context.Context, upstream string) (*Handle, error) {
	key, localPath, err := r.resolve(upstream)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if h, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	// Creation is coalesced via singleflight so that two concurrent first
	// opens of the same key race into a single init-bare, not two. This is
	// narrower than the update path: once a handle exists, every Update call
	// still runs its own serial fetch (see Handle.Update).
	v, err, _ := r.creating.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		if h, ok := r.entries[key]; ok {
			r.mu.Unlock()
			return h, nil
		}
		r.mu.Unlock()

		if err := r.initializeMirror(ctx, localPath); err != nil {
			return nil, err
		}

		h := &Handle{
			upstream:           upstream,
			localPath:          localPath,
			driver:             r.driver,
			log:                r.log,
			maintainAfterSync:  r.maintainAfterSync,
			uploadPackThreads:  r.uploadPackThreads,
			minRefetchInterval: r.minRefetchInterval,
		}
		if r.enableAuthCache {
			h.authCch = authcache.New(localPath)
		}

		r.mu.Lock()
		r.entries[key] = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// initializeMirror implements step 3 of the design's open(upstream)
// algorithm: decide whether localPath needs `git init --bare`, assume an
// existing repository, or reject the collision outright.
func (r *Registry) initializeMirror(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return giterr.New(giterr.CouldNotCreate, fmt.Errorf("create mirror parent dir: %w", err))
		}
		return r.driver.InitBare(ctx, localPath)
	case err != nil:
		return giterr.New(giterr.ExistsButNotRepository, err)
	case !info.IsDir():
		return giterr.New(giterr.ExistsButNotRepository, fmt.Errorf("%s exists and is not a directory", localPath))
	}

	entries, err := os.ReadDir(localPath)
	if err != nil {
		return giterr.New(giterr.ExistsButNotRepository, err)
	}
	if len(entries) == 0 {
		// An empty directory was not ours but is safe to initialize into.
		return r.driver.InitBare(ctx, localPath)
	}
	// Non-empty: assume a pre-existing bare repository. Do not pollute the
	// directory; a wrong assumption surfaces later as an update failure.
	return nil
}

// resolve computes the registry key and on-disk path for an upstream
// host+path string, validating it against the allowed-upstream host list and
// rejecting anything that could escape the cache root.
func (r *Registry) resolve(upstream string) (key, localPath string, err error) {
	if upstream == "" {
		return "", "", giterr.New(giterr.ExistsButNotRepository, fmt.Errorf("empty upstream"))
	}
	if strings.HasPrefix(upstream, "/") || strings.Contains(upstream, "..") || strings.Contains(upstream, "\\") {
		return "", "", giterr.New(giterr.ExistsButNotRepository, fmt.Errorf("upstream %q is not a safe path component", upstream))
	}

	key = upstream
	if !strings.HasSuffix(key, ".git") {
		key += ".git"
	}

	if !r.hostAllowed(key) {
		return "", "", giterr.New(giterr.UnsupportedService, fmt.Errorf("upstream host for %q is not in the allowed list", upstream))
	}

	joined := filepath.Join(r.root, filepath.FromSlash(key))
	cleanRoot := filepath.Clean(r.root) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(joined)+string(os.PathSeparator), cleanRoot) {
		return "", "", giterr.New(giterr.ExistsButNotRepository, fmt.Errorf("upstream %q escapes cache root", upstream))
	}
	return key, joined, nil
}

func (r *Registry) hostAllowed(key string) bool {
	host, _, _ := strings.Cut(key, "/")
	for _, allowed := range r.allowedUpstreams {
		if host == allowed {
			return true
		}
	}
	return false
}

// Root returns the cache root directory.
func (r *Registry) Root() string { return r.root }

// Healthy reports whether the registry's cache root is still a usable
// directory. This is the signal fleet self-registration (internal/cloudmap)
// heartbeats upstream: a proxy instance whose cache root has been unmounted
// or replaced by a non-directory should stop receiving traffic even though
// its HTTP listener is still accepting connections.
func (r *Registry) Healthy() bool {
	info, err := os.Stat(r.root)
	return err == nil && info.IsDir()
}
