package dom

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector group.
type Selector struct {
	raw string
	sel cascadia.Selector
}

// Compile parses a selector group such as "nav, header, [role=banner]".
func Compile(s string) (Selector, error) {
	sel, err := cascadia.Compile(s)
	if err != nil {
		return Selector{}, fmt.Errorf("compile selector %q: %w", s, err)
	}
	return Selector{raw: s, sel: sel}, nil
}

// MustCompile is like Compile but panics on invalid input. Use for constants.
func MustCompile(s string) Selector {
	sel, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return sel
}

func (s Selector) String() string { return s.raw }

// Match reports whether n itself matches.
func (s Selector) Match(n *html.Node) bool {
	if s.sel == nil || n == nil || n.Type != html.ElementNode {
		return false
	}
	return s.sel.Match(n)
}

// First returns the first match at or below root in document order.
func (s Selector) First(root *html.Node) *html.Node {
	if s.sel == nil || root == nil {
		return nil
	}
	return s.sel.MatchFirst(root)
}

// All returns every match at or below root in document order.
func (s Selector) All(root *html.Node) []*html.Node {
	if s.sel == nil || root == nil {
		return nil
	}
	return s.sel.MatchAll(root)
}

// Closest returns n or the nearest ancestor matching s.
func (s Selector) Closest(n *html.Node) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if s.Match(cur) {
			return cur
		}
	}
	return nil
}
