package extract

import (
    "strings"
    "sync/atomic"

    "github.com/rs/zerolog/log"
    "golang.org/x/net/html"

    "github.com/hyperifyio/gorewrite/internal/dom"
)

// Separator delimits segments in the serialized form of a chunk. It is not
// expected to appear in natural text.
const Separator = "---SPLIT---"

// DefaultMinWords is the amount of text below which a page is not worth rewriting.
const DefaultMinWords = 100

// DefaultRootSelectors is probed in order to find the content container.
var DefaultRootSelectors = []string{
    "article",
    `[role="main"]`,
    "main",
    ".post-content",
    ".article-content",
    "#article-content",
    ".entry-content",
}

// Segment is one extracted run of text. Node points back into the document
// and is only used to write rewritten text in place.
type Segment struct {
    Text       string
    IsHeading  bool
    Node       *html.Node
    Index      int
    Generation uint64
}

// Result is the output of a single extraction pass.
type Result struct {
    Segments   []Segment
    FullText   string
    Root       *html.Node
    Generation uint64
    // Fallback is true when no content container qualified and the body was used.
    Fallback bool
}

// Empty reports whether there is nothing to transform.
func (r Result) Empty() bool { return len(r.Segments) == 0 }

// Words returns the word count of the extracted text, separators excluded.
func (r Result) Words() int {
    n := 0
    for _, s := range r.Segments {
        n += dom.WordCount(s.Text)
    }
    return n
}

// Generations hands out monotonically increasing extraction pass ids.
type Generations struct {
    n atomic.Uint64
}

// Next starts a new pass and returns its id.
func (g *Generations) Next() uint64 { return g.n.Add(1) }

// Current returns the id of the latest pass.
func (g *Generations) Current() uint64 { return g.n.Load() }

// Join serializes segment texts with the separator on its own line.
func Join(segs []Segment) string {
    var b strings.Builder
    for i, s := range segs {
        if i > 0 {
            b.WriteString("\n" + Separator + "\n")
        }
        b.WriteString(s.Text)
    }
    return b.String()
}

// Split is the inverse of Join. Exactly one newline on each side of a
// separator is consumed; any other whitespace belongs to the segments.
func Split(text string) []string {
    parts := strings.Split(text, Separator)
    for i := range parts {
        if i > 0 {
            parts[i] = strings.TrimPrefix(parts[i], "\n")
        }
        if i < len(parts)-1 {
            parts[i] = strings.TrimSuffix(parts[i], "\n")
        }
    }
    return parts
}

// Title returns the trimmed <title> of the document, if any.
func Title(root *html.Node) string {
    head := dom.FindFirst(root, "head")
    if head == nil {
        return ""
    }
    t := dom.FindFirst(head, "title")
    if t == nil {
        return ""
    }
    return strings.TrimSpace(dom.TextContent(t, false))
}

// HeuristicExtractor picks the content root from a selector priority list and
// walks it in document order.
type HeuristicExtractor struct {
    // RootSelectors overrides DefaultRootSelectors when non-empty.
    RootSelectors []string
    // MinWords overrides DefaultMinWords when positive.
    MinWords int
    // StrictRoot disables the body fallback: without a qualifying container the
    // result is empty.
    StrictRoot bool
    // Generations is shared with the orchestrator so stale chunks can be
    // recognised. A private counter is used when nil.
    Generations *Generations
}

func (e *HeuristicExtractor) minWords() int {
    if e.MinWords > 0 {
        return e.MinWords
    }
    return DefaultMinWords
}

func (e *HeuristicExtractor) generations() *Generations {
    if e.Generations == nil {
        e.Generations = &Generations{}
    }
    return e.Generations
}

// Extract runs one extraction pass over doc. It never fails: too little
// content yields an empty Result.
func (e *HeuristicExtractor) Extract(doc *dom.Document) Result {
    gen := e.generations().Next()
    var res Result
    doc.Mutate(func(root *html.Node) {
        res = e.extract(root)
    })
    res.Generation = gen
    for i := range res.Segments {
        res.Segments[i].Generation = gen
    }
    return res
}

func (e *HeuristicExtractor) extract(root *html.Node) Result {
    content, fallback := e.pickRoot(root)
    if content == nil {
        log.Debug().Msg("no main content container found")
        return Result{}
    }
    segs := make([]Segment, 0, 64)
    collect(content, content, &segs)
    for i := range segs {
        segs[i].Index = i
    }
    res := Result{Segments: segs, Root: content, Fallback: fallback}
    if len(segs) == 0 || res.Words() < e.minWords() {
        log.Debug().Int("words", res.Words()).Int("min", e.minWords()).Msg("not enough main content")
        return Result{}
    }
    res.FullText = Join(segs)
    return res
}

func (e *HeuristicExtractor) pickRoot(root *html.Node) (*html.Node, bool) {
    selectors := e.RootSelectors
    if len(selectors) == 0 {
        selectors = DefaultRootSelectors
    }
    var best *html.Node
    longest := 0
    for _, raw := range selectors {
        sel, err := compiled(raw)
        if err != nil {
            log.Warn().Err(err).Msg("skipping root selector")
            continue
        }
        cand := sel.First(root)
        if cand == nil {
            continue
        }
        text := strings.TrimSpace(dom.VisibleText(cand))
        if len(text) > longest && dom.WordCount(text) > e.minWords() {
            best = cand
            longest = len(text)
        }
    }
    if best != nil {
        return best, false
    }
    if e.StrictRoot {
        return nil, false
    }
    return dom.Body(root), true
}

func collect(n, root *html.Node, out *[]Segment) {
    switch dom.Classify(n) {
    case dom.SkippableContainer:
        return
    case dom.HiddenAccessibilityText:
        text := dom.TextContent(n, true)
        if strings.TrimSpace(text) != "" {
            *out = append(*out, Segment{Text: text, Node: n, IsHeading: dom.HasHeadingAncestor(n, root)})
        }
        return
    case dom.TextLeaf:
        *out = append(*out, Segment{Text: n.Data, Node: n, IsHeading: dom.HasHeadingAncestor(n, root)})
        return
    }
    for c := n.FirstChild; c != nil; c = c.NextSibling {
        collect(c, root, out)
    }
}
