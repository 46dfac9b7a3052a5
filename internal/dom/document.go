package dom

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/html"
)

// Document is a parsed HTML tree shared by the text and image pipelines.
// Node reads and writes that can race with a pipeline applying results must
// happen inside Mutate; the tree is otherwise never locked.
type Document struct {
	// URL is the address the document was loaded from, if any. It is used to
	// resolve relative image sources.
	URL string

	mu   sync.Mutex
	root *html.Node
}

// New wraps an already parsed tree.
func New(root *html.Node) *Document {
	return &Document{root: root}
}

// Parse reads UTF-8 HTML from r.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return New(root), nil
}

// ParseString is a convenience for tests and small inputs.
func ParseString(s string) (*Document, error) {
	return Parse(bytes.NewReader([]byte(s)))
}

// Root returns the document node. Callers must not mutate the tree outside Mutate.
func (d *Document) Root() *html.Node {
	return d.root
}

// Mutate runs fn with exclusive access to the tree. fn must not call Mutate.
func (d *Document) Mutate(fn func(root *html.Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root)
}

// Render serialises the current tree.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the document, returning an empty string on error.
func (d *Document) String() string {
	var b bytes.Buffer
	if err := d.Render(&b); err != nil {
		return ""
	}
	return b.String()
}

// Body returns the <body> element, or the root when there is none.
func Body(root *html.Node) *html.Node {
	if b := FindFirst(root, "body"); b != nil {
		return b
	}
	return root
}

// FindFirst returns the first element with the given tag in document order.
func FindFirst(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if res := FindFirst(c, tag); res != nil {
			return res
		}
	}
	return nil
}

// Order maps every node under root to its position in a depth-first,
// document-order walk. Earlier positions render higher on the page.
func Order(root *html.Node) map[*html.Node]int {
	out := make(map[*html.Node]int)
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		out[n] = i
		i++
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}
