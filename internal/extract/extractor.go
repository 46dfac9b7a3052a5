package extract

import (
    "sync"

    "github.com/hyperifyio/gorewrite/internal/dom"
)

// Extractor defines a minimal interface for content extraction strategies.
// Implementations can swap readability tactics without changing callers.
type Extractor interface {
    // Extract runs one pass over doc. An empty Result means nothing to do.
    Extract(doc *dom.Document) Result
}

var (
    selMu    sync.Mutex
    selCache = map[string]dom.Selector{}
)

// compiled memoizes selector compilation across passes.
func compiled(raw string) (dom.Selector, error) {
    selMu.Lock()
    defer selMu.Unlock()
    if s, ok := selCache[raw]; ok {
        return s, nil
    }
    s, err := dom.Compile(raw)
    if err != nil {
        return dom.Selector{}, err
    }
    selCache[raw] = s
    return s, nil
}
