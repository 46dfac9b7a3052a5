package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hyperifyio/gorewrite/internal/fetch"
)

// ErrAcquire wraps failures to obtain source image bytes.
var ErrAcquire = errors.New("acquire image")

// Acquirer loads the bytes behind an image source.
type Acquirer interface {
	Acquire(ctx context.Context, src string) ([]byte, error)
}

// HTTPAcquirer decodes data: URIs inline and fetches everything else through
// Client. Build Client with NewImageClient so no credentials travel to
// third-party hosts.
type HTTPAcquirer struct {
	Client *fetch.Client
}

// Acquire returns the raw image bytes for src.
func (a *HTTPAcquirer) Acquire(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "data:") {
		b, err := decodeDataURI(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
		}
		return b, nil
	}
	if a == nil || a.Client == nil {
		return nil, fmt.Errorf("%w: no http client", ErrAcquire)
	}
	c := a.Client
	body, _, err := c.Get(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAcquire, src, err)
	}
	return body, nil
}

// ImageContentTypes is accepted by the anonymous image client.
var ImageContentTypes = append([]string{"application/octet-stream"}, fetch.ImageTypes...)

// NewImageClient derives an anonymous, image-only client from base. The base
// client is not modified.
func NewImageClient(base *fetch.Client) *fetch.Client {
	if base == nil {
		return &fetch.Client{MaxAttempts: 2, AllowedTypes: ImageContentTypes, Anonymous: true}
	}
	return &fetch.Client{
		HTTPClient:        base.HTTPClient,
		UserAgent:         base.UserAgent,
		MaxAttempts:       base.MaxAttempts,
		PerRequestTimeout: base.PerRequestTimeout,
		Cache:             base.Cache,
		BypassCache:       base.BypassCache,
		AllowedTypes:      ImageContentTypes,
		Anonymous:         true,
		RedirectMaxHops:   base.RedirectMaxHops,
		MaxConcurrent:     base.MaxConcurrent,
	}
}

func decodeDataURI(src string) ([]byte, error) {
	comma := strings.IndexByte(src, ',')
	if comma < 0 {
		return nil, errors.New("malformed data uri")
	}
	meta, data := src[len("data:"):comma], src[comma+1:]
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(data)
	}
	s, err := url.PathUnescape(data)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}
