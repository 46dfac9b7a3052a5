package rewrite

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/hyperifyio/gorewrite/internal/dom"
    "github.com/hyperifyio/gorewrite/internal/extract"
    "github.com/hyperifyio/gorewrite/internal/segment"
)

func page(paragraphs int) string {
    var b strings.Builder
    b.WriteString("<html><head><title>t</title></head><body><nav>Menu</nav><article><h1>Heading here now</h1>")
    for i := 0; i < paragraphs; i++ {
        fmt.Fprintf(&b, "<p> Paragraph number %d says something. </p>", i)
    }
    b.WriteString("</article></body></html>")
    return b.String()
}

type fixture struct {
    doc    *dom.Document
    gens   *extract.Generations
    res    extract.Result
    chunks []segment.Chunk
}

func newFixture(t *testing.T, paragraphs int) *fixture {
    t.Helper()
    doc, err := dom.ParseString(page(paragraphs))
    if err != nil {
        t.Fatal(err)
    }
    gens := &extract.Generations{}
    res := (&extract.HeuristicExtractor{MinWords: 1, Generations: gens}).Extract(doc)
    if res.Empty() {
        t.Fatal("expected segments")
    }
    return &fixture{doc: doc, gens: gens, res: res, chunks: segment.Pack(res.Segments, 5)}
}

func mapParts(text string, fn func(int, string) string) string {
    parts := extract.Split(text)
    for i := range parts {
        parts[i] = fn(i, parts[i])
    }
    return strings.Join(parts, "\n"+extract.Separator+"\n")
}

var upper = RewriterFunc(func(_ context.Context, text string) (string, error) {
    return mapParts(text, func(_ int, s string) string { return strings.ToUpper(s) }), nil
})

func TestRun_RoundTripNoOp(t *testing.T) {
    f := newFixture(t, 12)
    before := f.doc.String()
    echo := RewriterFunc(func(_ context.Context, text string) (string, error) { return text, nil })
    o := &Orchestrator{Doc: f.doc, Rewriter: echo, Generations: f.gens}
    stats := o.Run(context.Background(), f.chunks)
    if stats.Applied != len(f.chunks) {
        t.Fatalf("stats = %+v", stats)
    }
    if after := f.doc.String(); after != before {
        t.Fatalf("round trip changed the document:\n%s\n%s", before, after)
    }
}

func TestRun_AppliesAllSegmentsPreservingStructure(t *testing.T) {
    f := newFixture(t, 12)
    o := &Orchestrator{Doc: f.doc, Rewriter: upper, Generations: f.gens}
    o.Run(context.Background(), f.chunks)
    for _, s := range f.res.Segments {
        if s.Node.Data != strings.ToUpper(s.Text) {
            t.Fatalf("segment %d not rewritten: %q", s.Index, s.Node.Data)
        }
    }
    after := f.doc.String()
    if !strings.Contains(after, "<nav>Menu</nav>") {
        t.Fatalf("navigation must be untouched")
    }
    if !strings.Contains(after, "<p> PARAGRAPH NUMBER 3 SAYS SOMETHING. </p>") {
        t.Fatalf("whitespace around segment must be preserved: %s", after)
    }
}

func TestApply_CountMismatchVoidsWholeChunk(t *testing.T) {
    f := newFixture(t, 12)
    dropLast := RewriterFunc(func(_ context.Context, text string) (string, error) {
        parts := extract.Split(text)
        if len(parts) > 1 && strings.Contains(text, "number 0 ") {
            parts = parts[:len(parts)-1]
        }
        for i := range parts {
            parts[i] = strings.ToUpper(parts[i])
        }
        return strings.Join(parts, "\n"+extract.Separator+"\n"), nil
    })
    o := &Orchestrator{Doc: f.doc, Rewriter: dropLast, Generations: f.gens}
    stats := o.Run(context.Background(), f.chunks)
    if stats.Voided != 1 || stats.Applied != len(f.chunks)-1 {
        t.Fatalf("stats = %+v", stats)
    }
    var voided segment.Chunk
    for _, c := range f.chunks {
        if strings.Contains(c.Text(), "number 0 ") {
            voided = c
        }
    }
    for _, s := range voided.Segments {
        if s.Node.Data != s.Text {
            t.Fatalf("voided chunk was partially applied: %q", s.Node.Data)
        }
    }
}

func TestApply_EmptyResponse(t *testing.T) {
    f := newFixture(t, 2)
    o := &Orchestrator{Doc: f.doc}
    if err := o.Apply(f.chunks[0], ""); !errors.Is(err, ErrEmptyResponse) {
        t.Fatalf("err = %v", err)
    }
}

func TestRun_DiscardsStaleGeneration(t *testing.T) {
    f := newFixture(t, 12)
    // A second pass over the same document supersedes the first.
    (&extract.HeuristicExtractor{MinWords: 1, Generations: f.gens}).Extract(f.doc)
    before := f.doc.String()
    o := &Orchestrator{Doc: f.doc, Rewriter: upper, Generations: f.gens}
    stats := o.Run(context.Background(), f.chunks)
    if stats.Stale != len(f.chunks) || stats.Applied != 0 {
        t.Fatalf("stats = %+v", stats)
    }
    if f.doc.String() != before {
        t.Fatalf("stale results must not be applied")
    }
}

func TestApply_StaleCheckedAtApplyTime(t *testing.T) {
    f := newFixture(t, 3)
    o := &Orchestrator{Doc: f.doc, Generations: f.gens}
    f.gens.Next()
    if err := o.Apply(f.chunks[0], f.chunks[0].Text()); !errors.Is(err, ErrStale) {
        t.Fatalf("err = %v", err)
    }
}

func TestRun_FailuresKeepOriginals(t *testing.T) {
    f := newFixture(t, 8)
    before := f.doc.String()
    failing := RewriterFunc(func(context.Context, string) (string, error) { return "", errors.New("boom") })
    o := &Orchestrator{Doc: f.doc, Rewriter: failing}
    stats := o.Run(context.Background(), f.chunks)
    if stats.Failed != len(f.chunks) {
        t.Fatalf("stats = %+v", stats)
    }
    if f.doc.String() != before {
        t.Fatalf("document changed after failures")
    }
}

func TestRun_BatchesBoundConcurrency(t *testing.T) {
    f := newFixture(t, 40)
    if len(f.chunks) < 7 {
        t.Fatalf("need several batches, got %d chunks", len(f.chunks))
    }
    var inFlight, peak int32
    var mu sync.Mutex
    var order []int
    slow := RewriterFunc(func(_ context.Context, text string) (string, error) {
        n := atomic.AddInt32(&inFlight, 1)
        for {
            p := atomic.LoadInt32(&peak)
            if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
                break
            }
        }
        time.Sleep(5 * time.Millisecond)
        atomic.AddInt32(&inFlight, -1)
        mu.Lock()
        order = append(order, len(order))
        mu.Unlock()
        return text, nil
    })
    var progress int32
    o := &Orchestrator{Doc: f.doc, Rewriter: slow, BatchSize: 3, OnProgress: func(done, total int) {
        atomic.StoreInt32(&progress, int32(done))
    }}
    o.Run(context.Background(), f.chunks)
    if peak > 3 {
        t.Fatalf("peak concurrency %d exceeds batch size", peak)
    }
    if int(progress) != len(f.chunks) || len(order) != len(f.chunks) {
        t.Fatalf("progress %d, calls %d, chunks %d", progress, len(order), len(f.chunks))
    }
}

func TestApply_ShortSegmentPolicy(t *testing.T) {
    doc, err := dom.ParseString(`<html><body><article><p>Hi</p><p>a much longer sentence here.</p></article></body></html>`)
    if err != nil {
        t.Fatal(err)
    }
    res := (&extract.HeuristicExtractor{MinWords: 1}).Extract(doc)
    chunks := segment.Pack(res.Segments, 5)
    resp := mapParts(chunks[0].Text(), func(_ int, s string) string { return "X " + s })

    o := &Orchestrator{Doc: doc, ShortSegments: PreserveShort}
    if err := o.Apply(chunks[0], resp); err != nil {
        t.Fatal(err)
    }
    if res.Segments[0].Node.Data != "Hi" {
        t.Fatalf("short segment should be preserved, got %q", res.Segments[0].Node.Data)
    }
    if res.Segments[1].Node.Data != "X a much longer sentence here." {
        t.Fatalf("long segment should be rewritten, got %q", res.Segments[1].Node.Data)
    }

    o.ShortSegments = ApplyShort
    if err := o.Apply(chunks[0], resp); err != nil {
        t.Fatal(err)
    }
    if res.Segments[0].Node.Data != "X Hi" {
        t.Fatalf("apply policy should rewrite short segment, got %q", res.Segments[0].Node.Data)
    }
}

func TestParseShortSegmentPolicy(t *testing.T) {
    if p, err := ParseShortSegmentPolicy("apply"); err != nil || p != ApplyShort {
        t.Fatalf("apply: %v %v", p, err)
    }
    if p, err := ParseShortSegmentPolicy(""); err != nil || p != PreserveShort {
        t.Fatalf("default: %v %v", p, err)
    }
    if _, err := ParseShortSegmentPolicy("bogus"); err == nil {
        t.Fatal("expected error")
    }
}
