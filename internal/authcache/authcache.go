// Package authcache remembers which Authorization header values have
// already been proven valid against a given mirror's upstream, so a
// repeated request against a fresh mirror doesn't need to re-validate
// credentials that already worked earlier. The fingerprints are kept in a
// file next to the mirror, so they outlast the process that wrote them. It
// never stores raw credentials, only their SHA-1 fingerprints, adapting the
// teacher's own addAuthCache/checkAuthCache pattern onto a per-mirror file.
package authcache

import (
	"crypto/sha1" //nolint:gosec // fingerprinting only, not a security boundary
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-set/v3"
)

const fileName = ".auth-cache.json"

// Cache is a small on-disk set of credential fingerprints, one per mirror.
type Cache struct {
	path string
	mu   sync.Mutex
}

// New returns a Cache backed by a file under dir.
func New(dir string) *Cache {
	return &Cache{path: filepath.Join(dir, fileName)}
}

func fingerprint(authHeader string) [20]byte {
	return sha1.Sum([]byte(authHeader)) //nolint:gosec
}

// Seen reports whether authHeader was previously Remembered and not since
// Forgotten. Any error reading the backing file is treated as "not seen"
// rather than propagated, since this cache is purely an optimization.
func (c *Cache) Seen(authHeader string) bool {
	if authHeader == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.load()
	if err != nil {
		return false
	}
	return s.Contains(fingerprint(authHeader))
}

// Remember records that authHeader was successfully used to access the
// upstream.
func (c *Cache) Remember(authHeader string) {
	if authHeader == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.load()
	if err != nil {
		s = set.New[[20]byte](1)
	}
	s.Insert(fingerprint(authHeader))
	_ = c.store(s)
}

// Forget removes authHeader from the cache, e.g. after upstream rejects it.
func (c *Cache) Forget(authHeader string) {
	if authHeader == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.load()
	if err != nil {
		return
	}
	s.Remove(fingerprint(authHeader))
	_ = c.store(s)
}

func (c *Cache) load() (*set.Set[[20]byte], error) {
	blob, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	s := set.New[[20]byte](1)
	if err := s.UnmarshalJSON(blob); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Cache) store(s *set.Set[[20]byte]) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, blob, 0o600)
}
