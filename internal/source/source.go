// Package source loads documents to rewrite from files, stdin or URLs.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/hyperifyio/gorewrite/internal/cache"
	"github.com/hyperifyio/gorewrite/internal/dom"
	"github.com/hyperifyio/gorewrite/internal/fetch"
)

// ErrEmptyInput is returned for a zero-length document.
var ErrEmptyInput = errors.New("empty input")

// Page is a loaded document.
type Page struct {
	Doc *dom.Document
	// URL is the final address for fetched pages or the path for files.
	URL string
	// NotModified is set when a fetch was answered from cache after a 304.
	NotModified bool
	// Digest identifies the raw body; it changes when the content does.
	Digest string
}

// Loader resolves an input reference into a parsed document.
type Loader struct {
	// Client fetches http(s) references. Required for URLs only.
	Client *fetch.Client
	// Charset overrides detection, e.g. "windows-1252".
	Charset string
	// Stdin is read for the reference "-". Defaults to os.Stdin.
	Stdin io.Reader
}

// Load reads ref, which is "-", a file path or an http(s) URL.
func (l *Loader) Load(ctx context.Context, ref string) (Page, error) {
	switch {
	case ref == "-":
		in := l.Stdin
		if in == nil {
			in = os.Stdin
		}
		b, err := io.ReadAll(in)
		if err != nil {
			return Page{}, fmt.Errorf("read stdin: %w", err)
		}
		return l.parse(b, "", "", "")
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		if l.Client == nil {
			return Page{}, fmt.Errorf("fetch %s: no http client", ref)
		}
		resp, err := l.Client.Fetch(ctx, ref)
		if err != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", ref, err)
		}
		final := resp.FinalURL
		if final == "" {
			final = ref
		}
		p, err := l.parse(resp.Body, resp.ContentType, final, final)
		p.NotModified = resp.NotModified
		return p, err
	default:
		b, err := os.ReadFile(ref)
		if err != nil {
			return Page{}, fmt.Errorf("read %s: %w", ref, err)
		}
		return l.parse(b, "", ref, "")
	}
}

// Parse builds a page from raw bytes. contentType and name are hints used to
// spot Markdown and the character set; either may be empty.
func (l *Loader) Parse(body []byte, contentType, name string) (Page, error) {
	return l.parse(body, contentType, name, "")
}

func (l *Loader) parse(body []byte, contentType, name, docURL string) (Page, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Page{}, ErrEmptyInput
	}
	digest := cache.KeyFromBytes("page", body)
	r, err := l.decode(body, contentType)
	if err != nil {
		return Page{}, err
	}
	if IsMarkdown(contentType, name) {
		src, err := io.ReadAll(r)
		if err != nil {
			return Page{}, fmt.Errorf("decode markdown: %w", err)
		}
		out, err := MarkdownToHTML(src)
		if err != nil {
			return Page{}, err
		}
		r = bytes.NewReader(out)
	}
	doc, err := dom.Parse(r)
	if err != nil {
		return Page{}, err
	}
	doc.URL = docURL
	url := docURL
	if url == "" {
		url = name
	}
	return Page{Doc: doc, URL: url, Digest: digest}, nil
}

// decode converts body to UTF-8 using the override, the Content-Type
// parameter, a BOM or a <meta charset>, in that order.
func (l *Loader) decode(body []byte, contentType string) (io.Reader, error) {
	if l.Charset != "" {
		enc, err := htmlindex.Get(l.Charset)
		if err != nil {
			return nil, fmt.Errorf("unknown charset %q: %w", l.Charset, err)
		}
		return transform.NewReader(bytes.NewReader(body), enc.NewDecoder()), nil
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}
	return r, nil
}

// IsMarkdown reports whether the hints point at Markdown input.
func IsMarkdown(contentType, name string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "text/markdown" {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// MarkdownToHTML renders Markdown as a full HTML page whose body is a single
// article, so the extractor picks it as the content root.
func MarkdownToHTML(src []byte) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"></head><body><article>\n")
	if err := md.Convert(src, &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	buf.WriteString("</article></body></html>\n")
	return buf.Bytes(), nil
}
