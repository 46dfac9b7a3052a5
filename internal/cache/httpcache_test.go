package cache

import (
    "context"
    "fmt"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func TestHTTPCache_SaveLoad(t *testing.T) {
    c := &HTTPCache{Dir: t.TempDir()}
    u := "https://example.com/page"
    if err := c.Save(context.Background(), u, "text/html", `"e1"`, "Mon, 01 Jan 2024 00:00:00 GMT", []byte("body")); err != nil {
        t.Fatalf("save: %v", err)
    }
    meta, err := c.LoadMeta(context.Background(), u)
    if err != nil {
        t.Fatalf("meta: %v", err)
    }
    if meta.ETag != `"e1"` || meta.ContentType != "text/html" || meta.URL != u {
        t.Fatalf("unexpected meta %+v", meta)
    }
    b, err := c.LoadBody(context.Background(), u)
    if err != nil || string(b) != "body" {
        t.Fatalf("body %q err %v", b, err)
    }
}

func TestHTTPCache_LRUEnforcement_Count(t *testing.T) {
    t.Parallel()
    dir := t.TempDir()
    c := &HTTPCache{Dir: dir}
    urls := []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"}
    for i, u := range urls {
        if err := c.Save(context.Background(), u, "text/html", "", "", []byte(fmt.Sprintf("body-%d", i))); err != nil {
            t.Fatalf("save %d: %v", i, err)
        }
        past := time.Now().Add(time.Duration(i-10) * time.Minute)
        _ = os.Chtimes(c.bodyPath(c.key(u)), past, past)
    }
    // Touch first to make it MRU
    if _, err := c.LoadBody(context.Background(), urls[0]); err != nil {
        t.Fatalf("touch body: %v", err)
    }
    removed, err := EnforceHTTPCacheLimits(dir, 0, 2)
    if err != nil {
        t.Fatalf("enforce: %v", err)
    }
    if removed != 1 {
        t.Fatalf("expected 1 removed, got %d", removed)
    }
    if _, err := c.LoadBody(context.Background(), urls[1]); err == nil {
        t.Fatalf("expected least recently used evicted")
    }
    if _, err := os.Stat(c.metaPath(c.key(urls[1]))); err == nil {
        t.Fatalf("expected meta evicted together with body")
    }
}

func TestPurgeHTTPCacheByAge(t *testing.T) {
    dir := t.TempDir()
    c := &HTTPCache{Dir: dir}
    if err := c.Save(context.Background(), "https://x/1", "text/html", "", "", []byte("x")); err != nil {
        t.Fatal(err)
    }
    // Rewrite SavedAt into the past
    meta := filepath.Join(dir, c.key("https://x/1")+".meta.json")
    old := []byte(`{"url":"https://x/1","saved_at":"2000-01-01T00:00:00Z"}`)
    if err := os.WriteFile(meta, old, 0o644); err != nil {
        t.Fatal(err)
    }
    removed, err := PurgeHTTPCacheByAge(dir, time.Hour)
    if err != nil || removed != 1 {
        t.Fatalf("removed=%d err=%v", removed, err)
    }
}
