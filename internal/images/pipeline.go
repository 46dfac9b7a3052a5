package images

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hyperifyio/gorewrite/internal/dom"
)

// DefaultMaxAttempts bounds normalize+transform attempts per image.
const DefaultMaxAttempts = 3

// lazyAttrs would make the browser load the original image instead of the
// replacement, so they are dropped on swap.
var lazyAttrs = []string{"srcset", "sizes", "data-src", "data-srcset", "data-lazy-src", "loading"}

// Stats summarises one pipeline run.
type Stats struct {
	Total   int
	Done    int
	Failed  int
	Skipped int
}

// Processor produces a payload for a candidate. *Normalizer implements it.
type Processor interface {
	Normalize(ctx context.Context, c Candidate) (Payload, error)
}

// Pipeline transforms claimed images and swaps the results into the document.
type Pipeline struct {
	Doc         *dom.Document
	Table       *Table
	Normalizer  Processor
	Transformer Transformer
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// RetryDelay is waited between attempts. Zero retries immediately.
	RetryDelay time.Duration
	// DryRun marks every image Skipped without any network call.
	DryRun     bool
	OnProgress func(done, total int)
	Logger     *zerolog.Logger
}

func (p *Pipeline) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}

// Run claims the given candidates and processes the ones it won. Candidates
// claimed by someone else or already settled are dropped.
func (p *Pipeline) Run(ctx context.Context, cands []Candidate) Stats {
	nodes := make([]*html.Node, len(cands))
	for i, c := range cands {
		nodes[i] = c.Node
	}
	won := make(map[*html.Node]bool, len(cands))
	for _, n := range p.Table.Claim(nodes) {
		won[n] = true
	}
	claimed := make([]Candidate, 0, len(won))
	for _, c := range cands {
		if won[c.Node] {
			claimed = append(claimed, c)
			delete(won, c.Node)
		}
	}
	return p.Process(ctx, claimed)
}

// Process handles candidates already claimed by the caller, e.g. through
// Discoverer.Scan. Anything not in the Queued state is ignored. All images
// run concurrently; Process returns when every one has settled.
func (p *Pipeline) Process(ctx context.Context, claimed []Candidate) Stats {
	queued := make([]Candidate, 0, len(claimed))
	for _, c := range claimed {
		if p.Table.Get(c.Node) == Queued {
			queued = append(queued, c)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool { return queued[i].Position < queued[j].Position })

	st := Stats{Total: len(queued)}
	if len(queued) == 0 {
		return st
	}
	if p.DryRun {
		for _, c := range queued {
			if p.Table.Transition(c.Node, Queued, Skipped) {
				st.Skipped++
			}
		}
		p.logger().Info().Int("images", st.Skipped).Msg("dry run: images skipped")
		return st
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		settled int
	)
	for _, c := range queued {
		wg.Add(1)
		go func(c Candidate) {
			defer wg.Done()
			ok := p.processOne(ctx, c)
			mu.Lock()
			if ok {
				st.Done++
			} else {
				st.Failed++
			}
			settled++
			n := settled
			mu.Unlock()
			if p.OnProgress != nil {
				p.OnProgress(n, len(queued))
			}
		}(c)
	}
	wg.Wait()
	p.logger().Info().Int("done", st.Done).Int("failed", st.Failed).Int("total", st.Total).Msg("images processed")
	return st
}

func (p *Pipeline) processOne(ctx context.Context, c Candidate) bool {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		out, err := p.attempt(ctx, c)
		if err == nil {
			p.Doc.Mutate(func(*html.Node) { Swap(c, out) })
			p.Table.Transition(c.Node, Queued, Done)
			return true
		}
		lastErr = err
		p.logger().Warn().Err(err).Str("src", c.Src).Int("attempt", attempt).Msg("image attempt failed")
		if attempt < attempts && p.RetryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.RetryDelay):
			}
		}
	}
	p.logger().Error().Err(lastErr).Str("src", c.Src).Msg("image left unchanged")
	p.Table.Transition(c.Node, Queued, Failed)
	return false
}

func (p *Pipeline) attempt(ctx context.Context, c Candidate) ([]byte, error) {
	if p.Normalizer == nil || p.Transformer == nil {
		return nil, errors.New("image pipeline not configured")
	}
	payload, err := p.Normalizer.Normalize(ctx, c)
	if err != nil {
		return nil, err
	}
	out, err := p.Transformer.Transform(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoArtifact
	}
	return out, nil
}

// Swap replaces the image source with png and restores the layout
// attributes captured at discovery. Callers must hold the document lock.
func Swap(c Candidate, png []byte) {
	n := c.Node
	dom.SetAttr(n, "src", "data:image/png;base64,"+base64.StdEncoding.EncodeToString(png))
	for _, k := range lazyAttrs {
		dom.RemoveAttr(n, k)
	}
	restore(n, "width", c.Width, c.HasWidth)
	restore(n, "height", c.Height, c.HasHeight)
	restore(n, "style", c.Style, c.HasStyle)

	if parent := n.Parent; parent != nil && parent.Type == html.ElementNode && parent.DataAtom == atom.Picture {
		for s := parent.FirstChild; s != nil; {
			next := s.NextSibling
			if s.Type == html.ElementNode && s.DataAtom == atom.Source {
				parent.RemoveChild(s)
			}
			s = next
		}
	}
}

func restore(n *html.Node, key, val string, had bool) {
	if had {
		dom.SetAttr(n, key, val)
		return
	}
	dom.RemoveAttr(n, key)
}
