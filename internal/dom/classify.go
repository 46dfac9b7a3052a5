package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Category is the closed set of node kinds the extractor distinguishes.
type Category int

const (
	Generic Category = iota
	Heading
	SkippableContainer
	TextLeaf
	HiddenAccessibilityText
)

func (c Category) String() string {
	switch c {
	case Heading:
		return "heading"
	case SkippableContainer:
		return "skippable"
	case TextLeaf:
		return "text"
	case HiddenAccessibilityText:
		return "hidden-text"
	default:
		return "generic"
	}
}

var skippable = map[atom.Atom]bool{
	atom.Script:     true,
	atom.Style:      true,
	atom.Noscript:   true,
	atom.Template:   true,
	atom.Button:     true,
	atom.Input:      true,
	atom.Select:     true,
	atom.Option:     true,
	atom.Textarea:   true,
	atom.Nav:        true,
	atom.Header:     true,
	atom.Footer:     true,
	atom.Aside:      true,
	atom.Picture:    true,
	atom.Img:        true,
	atom.Svg:        true,
	atom.Canvas:     true,
	atom.Figure:     true,
	atom.Figcaption: true,
	atom.Video:      true,
	atom.Audio:      true,
	atom.Iframe:     true,
	atom.Object:     true,
	atom.Embed:      true,
	atom.Pre:        true,
	atom.Code:       true,
}

var skippableRoles = map[string]bool{
	"navigation":  true,
	"banner":      true,
	"contentinfo": true,
	"button":      true,
	"menu":        true,
	"menubar":     true,
	"toolbar":     true,
	"search":      true,
}

var hiddenClasses = []string{"sr-only", "visually-hidden", "visuallyhidden", "screen-reader-text", "a11y-hidden"}

// Classify resolves the category of a single node. It looks only at the node
// itself, never at ancestors, so it can be tested on detached nodes.
func Classify(n *html.Node) Category {
	if n == nil {
		return Generic
	}
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) != "" {
			return TextLeaf
		}
		return Generic
	case html.ElementNode:
	default:
		return Generic
	}
	if IsHeading(n) {
		return Heading
	}
	if skippable[n.DataAtom] {
		return SkippableContainer
	}
	if role, ok := Attr(n, "role"); ok && skippableRoles[strings.ToLower(strings.TrimSpace(role))] {
		return SkippableContainer
	}
	if isBoilerplateContainer(n) {
		return SkippableContainer
	}
	if n.DataAtom == atom.Span && isVisuallyHidden(n) {
		return HiddenAccessibilityText
	}
	return Generic
}

// IsHeading reports whether n is an h1..h6 element.
func IsHeading(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

// HasHeadingAncestor reports whether any ancestor of n, up to and including
// stop, is a heading element.
func HasHeadingAncestor(n, stop *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if IsHeading(p) {
			return true
		}
		if p == stop {
			break
		}
	}
	return false
}

func isVisuallyHidden(n *html.Node) bool {
	if _, ok := Attr(n, "hidden"); ok {
		return true
	}
	if class, ok := Attr(n, "class"); ok {
		for _, c := range strings.Fields(strings.ToLower(class)) {
			for _, h := range hiddenClasses {
				if c == h {
					return true
				}
			}
		}
	}
	if style, ok := Attr(n, "style"); ok {
		s := strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(s, "display:none") || strings.Contains(s, "clip:rect(") || strings.Contains(s, "clip-path:inset(50%)") {
			return true
		}
	}
	return false
}

// isBoilerplateContainer returns true if the element looks like a cookie/consent banner.
func isBoilerplateContainer(n *html.Node) bool {
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if key != "id" && key != "class" && !strings.HasPrefix(key, "data-") && key != "aria-label" {
			continue
		}
		val := strings.ToLower(attr.Val)
		if containsAny(val, []string{"cookie", "consent", "gdpr"}) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
