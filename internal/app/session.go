package app

import (
	"sync"

	"golang.org/x/net/html"

	"github.com/hyperifyio/gorewrite/internal/dom"
	"github.com/hyperifyio/gorewrite/internal/extract"
	"github.com/hyperifyio/gorewrite/internal/images"
	"github.com/hyperifyio/gorewrite/internal/report"
	"github.com/hyperifyio/gorewrite/internal/rewrite"
)

// session is the per-document state shared by repeated passes: the
// extraction generation counter, the image claim table and running totals.
type session struct {
	gens  extract.Generations
	table *images.Table

	once       sync.Once
	discoverer *images.Discoverer

	mu  sync.Mutex
	sum report.Summary
}

func (a *App) session(doc *dom.Document) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[doc]; ok {
		return s
	}
	s := &session{table: images.NewTable()}
	a.sessions[doc] = s
	return s
}

func (a *App) forget(doc *dom.Document) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, doc)
}

func (s *session) discover(a *App) *images.Discoverer {
	s.once.Do(func() {
		s.discoverer = &images.Discoverer{
			Table:   s.table,
			Prober:  &images.AcquireProber{Acquirer: a.acquirer},
			MinSize: a.cfg.ImageMinSize,
		}
	})
	return s.discoverer
}

// recordExtraction keeps the latest pass's numbers; earlier passes were
// superseded.
func (s *session) recordExtraction(res extract.Result, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum.Segments = len(res.Segments)
	s.sum.Words = res.Words()
	s.sum.Fallback = res.Fallback
	if title != "" {
		s.sum.Title = title
	}
}

// recordBlocks captures the current text of segs for the report.
func (s *session) recordBlocks(doc *dom.Document, segs []extract.Segment) {
	blocks := make([]report.Block, 0, len(segs))
	doc.Mutate(func(*html.Node) {
		for _, seg := range segs {
			blocks = append(blocks, report.Block{Text: dom.TextContent(seg.Node, true), Heading: seg.IsHeading})
		}
	})
	s.mu.Lock()
	s.sum.Blocks = blocks
	s.mu.Unlock()
}

func (s *session) addText(st rewrite.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum.Text.Chunks += st.Chunks
	s.sum.Text.Applied += st.Applied
	s.sum.Text.Voided += st.Voided
	s.sum.Text.Failed += st.Failed
	s.sum.Text.Stale += st.Stale
}

func (s *session) addImages(st images.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum.Images.Total += st.Total
	s.sum.Images.Done += st.Done
	s.sum.Images.Failed += st.Failed
	s.sum.Images.Skipped += st.Skipped
}

func (s *session) snapshot() report.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sum
	out.Blocks = append([]report.Block(nil), s.sum.Blocks...)
	return out
}
