package cache

import (
    "context"
    "crypto/sha256"
    "encoding/hex"
    "errors"
    "os"
    "path/filepath"
    "time"
)

// ResponseCache stores remote rewrite and transform responses keyed by a
// digest of everything that shaped the request.
type ResponseCache struct {
    Dir         string
    // StrictPerms, when true, enforces 0700 on cache directories and 0600 on
    // files to provide at-rest protection via restricted permissions.
    StrictPerms bool
}

func (c *ResponseCache) ensureDir() error {
    if c == nil || c.Dir == "" {
        return errors.New("cache dir not configured")
    }
    return ensureDir(c.Dir, c.StrictPerms)
}

// KeyFrom builds a cache key from model and prompt digest.
func KeyFrom(model string, prompt string) string {
    h := sha256.Sum256([]byte(model + "\n\n" + prompt))
    return hex.EncodeToString(h[:])
}

// KeyFromBytes builds a cache key from a parameter string and a binary payload.
func KeyFromBytes(params string, payload []byte) string {
    h := sha256.New()
    h.Write([]byte(params))
    h.Write([]byte{0})
    h.Write(payload)
    return hex.EncodeToString(h.Sum(nil))
}

func (c *ResponseCache) pathFor(key string) string {
    return filepath.Join(c.Dir, key+".json")
}

// Get returns cached bytes if present. A miss is not an error.
func (c *ResponseCache) Get(_ context.Context, key string) ([]byte, bool, error) {
    if err := c.ensureDir(); err != nil {
        return nil, false, err
    }
    p := c.pathFor(key)
    b, err := os.ReadFile(p)
    if err != nil {
        return nil, false, nil
    }
    // Touch file mtime on access for LRU purposes
    now := time.Now()
    _ = os.Chtimes(p, now, now)
    return b, true, nil
}

// Save writes bytes to cache.
func (c *ResponseCache) Save(_ context.Context, key string, data []byte) error {
    if err := c.ensureDir(); err != nil {
        return err
    }
    mode := os.FileMode(0o644)
    if c.StrictPerms {
        mode = 0o600
    }
    return os.WriteFile(c.pathFor(key), data, mode)
}
