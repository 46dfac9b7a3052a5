package cache

import (
    "encoding/json"
    "errors"
    "io/fs"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"
)

// ClearDir removes the directory and all contents. It recreates the directory
// afterwards to leave a valid empty cache location.
func ClearDir(dir string) error {
    if strings.TrimSpace(dir) == "" {
        return errors.New("empty dir")
    }
    if err := os.RemoveAll(dir); err != nil {
        return err
    }
    return os.MkdirAll(dir, 0o755)
}

// PurgeHTTPCacheByAge removes HTTP cache entries older than maxAge.
// It inspects <key>.meta.json for SavedAt timestamp and deletes both meta and
// corresponding <key>.body when expired.
func PurgeHTTPCacheByAge(dir string, maxAge time.Duration) (int, error) {
    if maxAge <= 0 {
        return 0, nil
    }
    now := time.Now().UTC()
    removed := 0
    err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
        if err != nil {
            if errors.Is(err, fs.ErrNotExist) {
                return nil
            }
            return err
        }
        if d.IsDir() || !strings.HasSuffix(d.Name(), ".meta.json") {
            return nil
        }
        b, err := os.ReadFile(path)
        if err != nil {
            return nil // skip unreadable
        }
        var e HTTPEntry
        if err := json.Unmarshal(b, &e); err != nil {
            return nil // skip malformed
        }
        if now.Sub(e.SavedAt) <= maxAge {
            return nil
        }
        removed++
        _ = os.Remove(path)
        _ = os.Remove(strings.TrimSuffix(path, ".meta.json") + ".body")
        return nil
    })
    return removed, err
}

// PurgeResponseCacheByAge removes response cache entries older than maxAge
// based on file modification time.
func PurgeResponseCacheByAge(dir string, maxAge time.Duration) (int, error) {
    if maxAge <= 0 {
        return 0, nil
    }
    now := time.Now().UTC()
    removed := 0
    for _, f := range responseFiles(dir) {
        if now.Sub(f.mod.UTC()) <= maxAge {
            continue
        }
        if os.Remove(f.path) == nil {
            removed++
        }
    }
    return removed, nil
}

type cacheFile struct {
    paths []string
    path  string
    size  int64
    mod   time.Time
}

func responseFiles(dir string) []cacheFile {
    var out []cacheFile
    _ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
        if err != nil || d.IsDir() {
            return nil
        }
        name := d.Name()
        if strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
            return nil
        }
        info, err := d.Info()
        if err != nil {
            return nil
        }
        out = append(out, cacheFile{path: path, paths: []string{path}, size: info.Size(), mod: info.ModTime()})
        return nil
    })
    return out
}

func httpEntries(dir string) []cacheFile {
    var out []cacheFile
    _ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
        if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".body") {
            return nil
        }
        info, err := d.Info()
        if err != nil {
            return nil
        }
        meta := strings.TrimSuffix(path, ".body") + ".meta.json"
        size := info.Size()
        if mi, err := os.Stat(meta); err == nil {
            size += mi.Size()
        }
        out = append(out, cacheFile{path: path, paths: []string{path, meta}, size: size, mod: info.ModTime()})
        return nil
    })
    return out
}

// EnforceHTTPCacheLimits evicts least recently used HTTP entries until the
// cache holds at most maxCount entries and maxBytes bytes. Zero disables a limit.
func EnforceHTTPCacheLimits(dir string, maxBytes int64, maxCount int) (int, error) {
    return enforce(httpEntries(dir), maxBytes, maxCount)
}

// EnforceResponseCacheLimits is EnforceHTTPCacheLimits for the response cache.
func EnforceResponseCacheLimits(dir string, maxBytes int64, maxCount int) (int, error) {
    return enforce(responseFiles(dir), maxBytes, maxCount)
}

func enforce(files []cacheFile, maxBytes int64, maxCount int) (int, error) {
    sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
    var total int64
    for _, f := range files {
        total += f.size
    }
    count := len(files)
    removed := 0
    var firstErr error
    for _, f := range files {
        overCount := maxCount > 0 && count > maxCount
        overBytes := maxBytes > 0 && total > maxBytes
        if !overCount && !overBytes {
            break
        }
        for _, p := range f.paths {
            if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
                firstErr = err
            }
        }
        count--
        total -= f.size
        removed++
    }
    return removed, firstErr
}
