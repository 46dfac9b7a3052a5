package report

import (
    "fmt"
    "strings"
    "time"

    "github.com/rs/zerolog"

    "github.com/hyperifyio/gorewrite/internal/images"
    "github.com/hyperifyio/gorewrite/internal/rewrite"
)

// Block is one rewritten piece of text in document order.
type Block struct {
    Text    string
    Heading bool
}

// Summary collects the per-stage counts of one run.
type Summary struct {
    RunID     string
    Source    string
    Title     string
    StartedAt time.Time
    Duration  time.Duration
    DryRun    bool

    Segments int
    Words    int
    // Fallback is set when no content root qualified and the body was used.
    Fallback bool

    Text   rewrite.Stats
    Images images.Stats

    // Blocks is the rewritten text, used by the PDF report.
    Blocks []Block
}

// Log writes the summary as one structured line.
func (s Summary) Log(l *zerolog.Logger) {
    l.Info().
        Str("run_id", s.RunID).
        Str("source", s.Source).
        Int("segments", s.Segments).
        Int("words", s.Words).
        Bool("fallback_root", s.Fallback).
        Int("chunks", s.Text.Chunks).
        Int("chunks_applied", s.Text.Applied).
        Int("chunks_voided", s.Text.Voided).
        Int("chunks_failed", s.Text.Failed).
        Int("chunks_stale", s.Text.Stale).
        Int("images", s.Images.Total).
        Int("images_done", s.Images.Done).
        Int("images_failed", s.Images.Failed).
        Int("images_skipped", s.Images.Skipped).
        Bool("dry_run", s.DryRun).
        Dur("elapsed", s.Duration).
        Msg("run summary")
}

// Markdown renders the summary and the rewritten text as simple Markdown.
func (s Summary) Markdown() string {
    var b strings.Builder
    title := strings.TrimSpace(s.Title)
    if title == "" {
        title = "Rewrite report"
    }
    fmt.Fprintf(&b, "# %s\n\n", title)
    if s.Source != "" {
        fmt.Fprintf(&b, "Source: %s\n", s.Source)
    }
    if s.RunID != "" {
        fmt.Fprintf(&b, "Run: %s\n", s.RunID)
    }
    if !s.StartedAt.IsZero() {
        fmt.Fprintf(&b, "Started: %s (%s)\n", s.StartedAt.UTC().Format(time.RFC3339), s.Duration.Round(time.Millisecond))
    }
    b.WriteString("\n## Summary\n\n")
    fmt.Fprintf(&b, "Segments: %d (%d words)\n", s.Segments, s.Words)
    fmt.Fprintf(&b, "Chunks: %d applied, %d voided, %d failed, %d stale of %d\n",
        s.Text.Applied, s.Text.Voided, s.Text.Failed, s.Text.Stale, s.Text.Chunks)
    fmt.Fprintf(&b, "Images: %d done, %d failed, %d skipped of %d\n",
        s.Images.Done, s.Images.Failed, s.Images.Skipped, s.Images.Total)
    if s.DryRun {
        b.WriteString("Dry run: no rewrite or transform calls were made.\n")
    }
    if len(s.Blocks) == 0 {
        return b.String()
    }
    b.WriteString("\n## Text\n\n")
    for _, blk := range s.Blocks {
        t := strings.TrimSpace(blk.Text)
        if t == "" {
            continue
        }
        if blk.Heading {
            // Heading text is flattened to one line.
            fmt.Fprintf(&b, "### %s\n\n", strings.Join(strings.Fields(t), " "))
            continue
        }
        b.WriteString(t)
        b.WriteString("\n\n")
    }
    return b.String()
}
