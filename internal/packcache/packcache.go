// Package packcache stores a small, content-addressed cache of
// upload-pack response bodies for shallow (depth=1, single-want) clone
// requests, whose result is fully determined by the repository's current
// refs and the request body. It never evicts: the spec this is built
// against explicitly excludes cache eviction by size or age, so the only
// way entries disappear is if an operator clears the directory by hand.
package packcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

// Cache is a write-once, read-many store of upload-pack response bytes.
type Cache struct {
	root string
}

// New returns a Cache rooted at dir, creating it if necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{root: dir}, nil
}

// Key derives a cache key from the repository key and the raw negotiation
// request body. Only requests that look like single-want, depth=1
// shallow clones should be cached by callers (see server.shouldCachePack),
// since any ref update upstream can invalidate a cached response there is
// no way to detect from the body alone.
func Key(repoKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(repoKey))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Get opens the cached entry for key, if present.
func (c *Cache) Get(key string) (*os.File, error) {
	return os.Open(c.entryPath(key))
}

// Writer accumulates bytes into a temp file, atomically renamed into place
// on Commit so concurrent readers never observe a partially-written entry.
type Writer struct {
	cache  *Cache
	key    string
	temp   string
	file   *os.File
	closed bool
}

// NewWriter begins a new cache entry for key.
func (c *Cache) NewWriter(key string) (*Writer, error) {
	final := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(final), "*.tmp")
	if err != nil {
		return nil, err
	}
	return &Writer{cache: c, key: key, temp: f.Name(), file: f}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("packcache: write to closed writer")
	}
	return w.file.Write(p)
}

// Commit finalizes the entry, making it visible to Get.
func (w *Writer) Commit() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.temp)
		return err
	}
	return os.Rename(w.temp, w.cache.entryPath(w.key))
}

// Abort discards the in-progress entry, e.g. because the upstream child
// failed mid-stream.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	_ = w.file.Close()
	_ = os.Remove(w.temp)
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.root, key[:2], key+".pack-response")
}
