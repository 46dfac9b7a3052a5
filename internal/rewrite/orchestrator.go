package rewrite

import (
    "context"
    "errors"
    "fmt"
    "sync"

    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    "golang.org/x/net/html"

    "github.com/hyperifyio/gorewrite/internal/dom"
    "github.com/hyperifyio/gorewrite/internal/extract"
    "github.com/hyperifyio/gorewrite/internal/segment"
)

// DefaultBatchSize is the number of chunks in flight at once.
const DefaultBatchSize = 3

// ShortSegmentPolicy decides what happens to segments under MinSegmentWords.
type ShortSegmentPolicy int

const (
    // PreserveShort keeps the original text of short segments whatever the
    // service returned. They still count toward chunk size.
    PreserveShort ShortSegmentPolicy = iota
    // ApplyShort writes back whatever came back for short segments.
    ApplyShort
)

// ParseShortSegmentPolicy maps "preserve" and "apply" to a policy.
func ParseShortSegmentPolicy(s string) (ShortSegmentPolicy, error) {
    switch s {
    case "", "preserve":
        return PreserveShort, nil
    case "apply", "send":
        return ApplyShort, nil
    }
    return PreserveShort, fmt.Errorf("unknown short segment policy %q", s)
}

var (
    // ErrCountMismatch voids a chunk whose response has the wrong number of segments.
    ErrCountMismatch = errors.New("segment count mismatch")
    // ErrStale is returned when a newer extraction pass superseded the chunk.
    ErrStale = errors.New("stale extraction generation")
)

// Stats summarises one orchestrator run.
type Stats struct {
    Chunks  int
    Applied int
    Voided  int
    Failed  int
    Stale   int
}

// Orchestrator dispatches chunks to a Rewriter in fixed-size batches and
// writes results back into the document.
type Orchestrator struct {
    Doc      *dom.Document
    Rewriter Rewriter
    // BatchSize bounds concurrent calls; DefaultBatchSize when zero.
    BatchSize int
    // Generations, when set, is consulted before applying a chunk so that
    // results from a superseded pass are dropped.
    Generations     *extract.Generations
    ShortSegments   ShortSegmentPolicy
    MinSegmentWords int
    // OnProgress is called after every chunk with the number settled so far.
    OnProgress func(done, total int)
    Logger     *zerolog.Logger
}

func (o *Orchestrator) logger() *zerolog.Logger {
    if o.Logger != nil {
        return o.Logger
    }
    return &log.Logger
}

// Run processes chunks batch by batch. Each chunk is applied as soon as its
// call returns; a batch is awaited before the next one starts. Failures are
// absorbed per chunk.
func (o *Orchestrator) Run(ctx context.Context, chunks []segment.Chunk) Stats {
    size := o.BatchSize
    if size <= 0 {
        size = DefaultBatchSize
    }
    var (
        mu    sync.Mutex
        stats = Stats{Chunks: len(chunks)}
        done  int
    )
    for start := 0; start < len(chunks); start += size {
        if ctx.Err() != nil {
            o.logger().Warn().Err(ctx.Err()).Int("remaining", len(chunks)-start).Msg("rewrite stopped")
            break
        }
        end := min(start+size, len(chunks))
        var wg sync.WaitGroup
        for _, c := range chunks[start:end] {
            wg.Add(1)
            go func(c segment.Chunk) {
                defer wg.Done()
                err := o.runChunk(ctx, c)
                mu.Lock()
                switch {
                case err == nil:
                    stats.Applied++
                case errors.Is(err, ErrStale):
                    stats.Stale++
                case errors.Is(err, ErrCountMismatch):
                    stats.Voided++
                default:
                    stats.Failed++
                }
                done++
                d := done
                mu.Unlock()
                if o.OnProgress != nil {
                    o.OnProgress(d, len(chunks))
                }
            }(c)
        }
        wg.Wait()
    }
    o.logger().Info().
        Int("chunks", stats.Chunks).
        Int("applied", stats.Applied).
        Int("voided", stats.Voided).
        Int("failed", stats.Failed).
        Int("stale", stats.Stale).
        Msg("rewrite finished")
    return stats
}

func (o *Orchestrator) stale(c segment.Chunk) bool {
    return o.Generations != nil && c.Generation != o.Generations.Current()
}

func (o *Orchestrator) runChunk(ctx context.Context, c segment.Chunk) error {
    l := o.logger().With().Int("chunk", c.Index).Int("segments", c.Len()).Logger()
    if o.stale(c) {
        l.Debug().Msg("skipping chunk from superseded pass")
        return ErrStale
    }
    if o.Rewriter == nil {
        return ErrNotConfigured
    }
    out, err := o.Rewriter.Rewrite(ctx, c.Text())
    if err != nil {
        l.Warn().Err(err).Msg("rewrite failed; keeping original text")
        return err
    }
    if err := o.Apply(c, out); err != nil {
        l.Warn().Err(err).Msg("rewrite result discarded")
        return err
    }
    l.Debug().Msg("chunk applied")
    return nil
}

// Apply splits a rewrite response and writes it over the chunk's nodes. It
// updates every segment or none: an empty response, a segment count that
// differs from the chunk, or a superseded generation leaves the document as is.
func (o *Orchestrator) Apply(c segment.Chunk, response string) error {
    if response == "" {
        return ErrEmptyResponse
    }
    parts := extract.Split(response)
    if len(parts) != c.Len() {
        return fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(parts), c.Len())
    }
    minWords := o.MinSegmentWords
    if minWords <= 0 {
        minWords = DefaultMinSegmentWords
    }
    var err error
    o.Doc.Mutate(func(_ *html.Node) {
        // Checked under the lock so a pass that started meanwhile wins.
        if o.stale(c) {
            err = ErrStale
            return
        }
        for i, s := range c.Segments {
            text := parts[i]
            if o.ShortSegments == PreserveShort && dom.WordCount(s.Text) < minWords {
                continue
            }
            if text == s.Text {
                continue
            }
            dom.SetText(s.Node, text)
        }
    })
    return err
}
