package images

import (
	"bytes"
	"context"
	"image"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hyperifyio/gorewrite/internal/dom"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMinSize is the smallest natural width and height worth transforming.
const DefaultMinSize = 100

// DefaultExclude matches site chrome whose images are left alone.
var DefaultExclude = dom.MustCompile(`nav, header, footer, [role="navigation"], [role="banner"], ` +
	`[class*="logo"], [id*="logo"], [class*="avatar"], [class*="icon"]`)

// Candidate is an image element eligible for transformation together with
// the attribute values needed to restore its layout after the swap.
type Candidate struct {
	Node *html.Node
	// Src is the resolved source URL or data URI.
	Src string
	Alt string

	NaturalWidth  int
	NaturalHeight int

	Width, Height, Style          string
	HasWidth, HasHeight, HasStyle bool

	// Position is the element's order among images in the document; used as
	// a stand-in for vertical position.
	Position int
}

// SizeProber reports the natural pixel size behind an image source.
type SizeProber interface {
	Probe(ctx context.Context, src string) (w, h int, err error)
}

// AcquireProber downloads the image and reads its header.
type AcquireProber struct {
	Acquirer Acquirer
}

// Probe decodes only the image config, not the pixels.
func (p *AcquireProber) Probe(ctx context.Context, src string) (int, int, error) {
	raw, err := p.Acquirer.Acquire(ctx, src)
	if err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Discoverer finds eligible images in a document.
type Discoverer struct {
	// Table is consulted for the claim state. Required.
	Table *Table
	// Prober supplies natural sizes. When nil or failing, width and height
	// attributes are used.
	Prober  SizeProber
	MinSize int
	// Exclude defaults to DefaultExclude.
	Exclude *dom.Selector

	mu    sync.Mutex
	sizes map[string][2]int
}

// Discover returns unclaimed, large enough images outside excluded regions,
// in document order. It claims nothing.
func (d *Discoverer) Discover(ctx context.Context, doc *dom.Document) []Candidate {
	var raw []Candidate
	doc.Mutate(func(root *html.Node) {
		raw = d.collect(root, doc.URL)
	})
	minSize := d.MinSize
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	out := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		if ctx.Err() != nil {
			break
		}
		if d.Table.Get(c.Node) != Unclaimed {
			continue
		}
		w, h, ok := d.size(ctx, c)
		if !ok {
			log.Debug().Str("src", c.Src).Msg("image size unknown; will retry on a later pass")
			continue
		}
		if w < minSize || h < minSize {
			continue
		}
		c.NaturalWidth, c.NaturalHeight = w, h
		out = append(out, c)
	}
	return out
}

// Scan discovers and claims in one step. Two back-to-back scans of the same
// document return disjoint sets.
func (d *Discoverer) Scan(ctx context.Context, doc *dom.Document) []Candidate {
	found := d.Discover(ctx, doc)
	nodes := make([]*html.Node, len(found))
	for i, c := range found {
		nodes[i] = c.Node
	}
	won := make(map[*html.Node]bool, len(found))
	for _, n := range d.Table.Claim(nodes) {
		won[n] = true
	}
	out := found[:0]
	for _, c := range found {
		if won[c.Node] {
			out = append(out, c)
		}
	}
	return out
}

func (d *Discoverer) collect(root *html.Node, base string) []Candidate {
	exclude := DefaultExclude
	if d.Exclude != nil {
		exclude = *d.Exclude
	}
	var baseURL *url.URL
	if base != "" {
		baseURL, _ = url.Parse(base)
	}
	var out []Candidate
	pos := 0
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			p := pos
			pos++
			if c, ok := candidateFor(n, baseURL, exclude); ok {
				c.Position = p
				out = append(out, c)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func candidateFor(n *html.Node, base *url.URL, exclude dom.Selector) (Candidate, bool) {
	if exclude.Closest(n) != nil {
		return Candidate{}, false
	}
	alt, _ := dom.Attr(n, "alt")
	if strings.Contains(strings.ToLower(alt), "logo") {
		return Candidate{}, false
	}
	src := sourceOf(n)
	if src == "" {
		return Candidate{}, false
	}
	if !strings.HasPrefix(src, "data:") {
		u, err := url.Parse(src)
		if err != nil {
			return Candidate{}, false
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		src = u.String()
	}
	c := Candidate{Node: n, Src: src, Alt: alt}
	c.Width, c.HasWidth = dom.Attr(n, "width")
	c.Height, c.HasHeight = dom.Attr(n, "height")
	c.Style, c.HasStyle = dom.Attr(n, "style")
	return c, true
}

// sourceOf prefers src, falling back to common lazy-loading attributes when
// src is missing or a tiny inline placeholder.
func sourceOf(n *html.Node) string {
	src, _ := dom.Attr(n, "src")
	src = strings.TrimSpace(src)
	if src != "" && !(strings.HasPrefix(src, "data:") && len(src) < 200) {
		return src
	}
	for _, k := range []string{"data-src", "data-lazy-src"} {
		if v, ok := dom.Attr(n, k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return src
}

func (d *Discoverer) size(ctx context.Context, c Candidate) (int, int, bool) {
	d.mu.Lock()
	if s, ok := d.sizes[c.Src]; ok {
		d.mu.Unlock()
		return s[0], s[1], true
	}
	d.mu.Unlock()

	if d.Prober != nil {
		w, h, err := d.Prober.Probe(ctx, c.Src)
		if err == nil && w > 0 && h > 0 {
			d.remember(c.Src, w, h)
			return w, h, true
		}
		if err != nil {
			log.Debug().Err(err).Str("src", c.Src).Msg("probe image size")
		}
	}
	w, wok := pixels(c.Width, c.HasWidth)
	h, hok := pixels(c.Height, c.HasHeight)
	if wok && hok {
		return w, h, true
	}
	return 0, 0, false
}

func (d *Discoverer) remember(src string, w, h int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sizes == nil {
		d.sizes = make(map[string][2]int)
	}
	d.sizes[src] = [2]int{w, h}
}

func pixels(v string, ok bool) (int, bool) {
	if !ok {
		return 0, false
	}
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
