package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hyperifyio/gorewrite/internal/cache"
)

// HTMLTypes accepts documents.
var HTMLTypes = []string{"text/html", "application/xhtml+xml", "text/markdown", "text/plain"}

// ImageTypes accepts raster images.
var ImageTypes = []string{"image/"}

// Client wraps http.Client and provides timeouts and limited retry on transient errors.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	// MaxAttempts includes the initial attempt. Minimum 1.
	MaxAttempts int
	// PerRequestTimeout bounds each request.
	PerRequestTimeout time.Duration
	// Optional on-disk cache for HTTP GET bodies and headers.
	Cache *cache.HTTPCache
	// If true, bypass cache entirely and fetch fresh (no conditional headers),
	// but still save the latest response to cache.
	BypassCache bool
	// AllowedTypes lists accepted Content-Type prefixes. HTMLTypes when empty.
	AllowedTypes []string
	// Anonymous sends no cookies and no credentials, like a crossorigin="anonymous" request.
	Anonymous bool
	// MaxBodyBytes caps the body size. Zero means 32 MiB.
	MaxBodyBytes int64

	// RedirectMaxHops caps redirect following to avoid loops. Zero means default (5).
	RedirectMaxHops int
	// MaxConcurrent limits concurrent in-flight requests per client instance.
	// Zero means unlimited.
	MaxConcurrent int

	// internal limiter initialized on first use when MaxConcurrent > 0
	limiter     chan struct{}
	limiterOnce sync.Once
}

// Response is the outcome of a successful fetch.
type Response struct {
	Body        []byte
	ContentType string
	// FinalURL is the address after redirects.
	FinalURL string
	// NotModified is true when the body was served from cache after a 304.
	NotModified bool
}

// StatusError is returned for non-success HTTP statuses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	if e.Code >= 500 {
		return fmt.Sprintf("server error: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

func (c *Client) getHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		// Clone to attach our redirect policy without mutating caller's client
		base := *c.HTTPClient
		base.CheckRedirect = c.checkRedirectFunc()
		if c.Anonymous {
			base.Jar = nil
		}
		return &base
	}
	return &http.Client{Timeout: c.PerRequestTimeout, CheckRedirect: c.checkRedirectFunc()}
}

// Get issues a GET and returns body and content type.
func (c *Client) Get(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.ContentType, nil
}

// Fetch issues a GET with context, user-agent, conditional revalidation
// against the cache, and bounded retry for transient errors.
func (c *Client) Fetch(ctx context.Context, url string) (Response, error) {
	var etag, lastMod string
	if c.Cache != nil && !c.BypassCache {
		if meta, err := c.Cache.LoadMeta(ctx, url); err == nil && meta != nil {
			etag = meta.ETag
			lastMod = meta.LastModified
		}
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, status, newEtag, newLastMod, err := c.tryOnce(ctx, url, etag, lastMod)
		if err == nil {
			if status == http.StatusNotModified && c.Cache != nil {
				cached, cerr := c.Cache.LoadBody(ctx, url)
				if cerr == nil {
					resp.Body = cached
					resp.NotModified = true
					if meta, merr := c.Cache.LoadMeta(ctx, url); merr == nil && resp.ContentType == "" {
						resp.ContentType = meta.ContentType
					}
					return resp, nil
				}
				// Cache lost its body; ask again without validators.
				etag, lastMod = "", ""
				lastErr = fmt.Errorf("cached body missing: %w", cerr)
				continue
			}
			if c.Cache != nil && status == http.StatusOK {
				_ = c.Cache.Save(ctx, url, resp.ContentType, newEtag, newLastMod, resp.Body)
			}
			return resp, nil
		}
		if !isTransient(err) || i == attempts-1 {
			return Response{}, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return Response{}, lastErr
}

func (c *Client) tryOnce(ctx context.Context, rawURL string, etag string, lastMod string) (Response, int, string, string, error) {
	// Concurrency gate per client instance
	c.acquire()
	defer c.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, 0, "", "", fmt.Errorf("new request: %w", err)
	}
	// Reject non-HTTP(S) schemes early
	if !isHTTPScheme(req.URL) {
		return Response{}, 0, "", "", fmt.Errorf("unsupported URL scheme: %q", req.URL.String())
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastMod != "" {
		req.Header.Set("If-Modified-Since", lastMod)
	}

	if c.PerRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(req.Context(), c.PerRequestTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		return Response{}, 0, "", "", err
	}
	defer resp.Body.Close()

	out := Response{ContentType: resp.Header.Get("Content-Type"), FinalURL: resp.Request.URL.String()}
	if resp.StatusCode == http.StatusNotModified {
		// 304: no body expected
		return out, resp.StatusCode, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, resp.StatusCode, "", "", &StatusError{Code: resp.StatusCode}
	}
	if !c.allowed(out.ContentType) {
		return Response{}, resp.StatusCode, "", "", fmt.Errorf("unsupported content type: %s", out.ContentType)
	}
	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Response{}, resp.StatusCode, "", "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(b)) > limit {
		return Response{}, resp.StatusCode, "", "", fmt.Errorf("body exceeds %d bytes", limit)
	}
	out.Body = b
	return out, resp.StatusCode, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) checkRedirectFunc() func(req *http.Request, via []*http.Request) error {
	max := c.RedirectMaxHops
	if max <= 0 {
		max = 5
	}
	anonymous := c.Anonymous
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return errors.New("too many redirects")
		}
		// Only allow http/https during redirects
		if !isHTTPScheme(req.URL) {
			return errors.New("redirect to unsupported scheme")
		}
		if anonymous {
			req.Header.Del("Referer")
			req.Header.Del("Authorization")
			req.Header.Del("Cookie")
		}
		return nil
	}
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func (c *Client) allowed(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	types := c.AllowedTypes
	if len(types) == 0 {
		types = HTMLTypes
	}
	for _, t := range types {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}

func (c *Client) acquire() {
	if c.MaxConcurrent <= 0 {
		return
	}
	c.limiterOnce.Do(func() {
		c.limiter = make(chan struct{}, c.MaxConcurrent)
	})
	c.limiter <- struct{}{}
}

func (c *Client) release() {
	if c.MaxConcurrent <= 0 || c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
		// should not happen, but avoid blocking
	}
}
