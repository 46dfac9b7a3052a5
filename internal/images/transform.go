package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/hyperifyio/gorewrite/internal/cache"
)

var (
	// ErrTransform wraps failures reported by the transform service.
	ErrTransform = errors.New("transform image")
	// ErrNoArtifact is returned when the service answered without an image.
	ErrNoArtifact = errors.New("transform returned no image")
)

// Transformer turns a normalized payload into replacement PNG bytes.
type Transformer interface {
	Transform(ctx context.Context, p Payload) ([]byte, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, p Payload) ([]byte, error)

func (f TransformFunc) Transform(ctx context.Context, p Payload) ([]byte, error) { return f(ctx, p) }

// Default generation parameters.
const (
	DefaultPrompt         = "A Star Wars science fiction version of this scene, cinematic, detailed"
	DefaultNegativePrompt = "blurry, distorted, watermark, text"
	DefaultStrength       = 0.35
	DefaultSteps          = 30
	DefaultCFGScale       = 7.0
	AltTextWeight         = 0.5
)

// HTTPTransformer posts payloads to an image-to-image endpoint as multipart
// form data.
type HTTPTransformer struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client

	Prompt         string
	NegativePrompt string
	Strength       float64
	Steps          int
	CFGScale       float64

	// Cache, when set, stores results keyed by parameters and input bytes.
	Cache *cache.ResponseCache
}

type artifactResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Transform sends p and returns the first artifact.
func (t *HTTPTransformer) Transform(ctx context.Context, p Payload) ([]byte, error) {
	if strings.TrimSpace(t.Endpoint) == "" {
		return nil, fmt.Errorf("%w: no endpoint configured", ErrTransform)
	}
	key := cache.KeyFromBytes(t.params(p), p.PNG)
	if t.Cache != nil {
		if b, ok, _ := t.Cache.Get(ctx, key); ok && len(b) > 0 {
			return b, nil
		}
	}

	body, contentType, err := t.form(p)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransform, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png, application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
	hc := t.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransform, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransform, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTransform, resp.StatusCode, snippet(raw))
	}
	out, err := decodeArtifact(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, err
	}
	if t.Cache != nil {
		_ = t.Cache.Save(ctx, key, out)
	}
	return out, nil
}

func (t *HTTPTransformer) prompt() string {
	if t.Prompt != "" {
		return t.Prompt
	}
	return DefaultPrompt
}

func (t *HTTPTransformer) negative() string {
	if t.NegativePrompt != "" {
		return t.NegativePrompt
	}
	return DefaultNegativePrompt
}

func (t *HTTPTransformer) strength() float64 {
	if t.Strength > 0 {
		return t.Strength
	}
	return DefaultStrength
}

func (t *HTTPTransformer) steps() int {
	if t.Steps > 0 {
		return t.Steps
	}
	return DefaultSteps
}

func (t *HTTPTransformer) cfgScale() float64 {
	if t.CFGScale > 0 {
		return t.CFGScale
	}
	return DefaultCFGScale
}

func (t *HTTPTransformer) params(p Payload) string {
	return strings.Join([]string{
		t.Endpoint, t.prompt(), t.negative(), p.Alt, p.Bucket.String(),
		ftoa(t.strength()), strconv.Itoa(t.steps()), ftoa(t.cfgScale()),
	}, "\n")
}

func (t *HTTPTransformer) form(p Payload) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="image.png"`)
	h.Set("Content-Type", "image/png")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("%w: create image part: %v", ErrTransform, err)
	}
	if _, err := part.Write(p.PNG); err != nil {
		return nil, "", fmt.Errorf("%w: write image part: %v", ErrTransform, err)
	}

	fields := [][2]string{
		{"text_prompts[0][text]", t.prompt()},
		{"text_prompts[0][weight]", "1"},
		{"text_prompts[1][text]", t.negative()},
		{"text_prompts[1][weight]", "-1"},
	}
	if alt := strings.TrimSpace(p.Alt); alt != "" {
		fields = append(fields,
			[2]string{"text_prompts[2][text]", alt},
			[2]string{"text_prompts[2][weight]", ftoa(AltTextWeight)},
		)
	}
	fields = append(fields,
		[2]string{"init_image_mode", "IMAGE_STRENGTH"},
		[2]string{"image_strength", ftoa(t.strength())},
		[2]string{"steps", strconv.Itoa(t.steps())},
		[2]string{"cfg_scale", ftoa(t.cfgScale())},
		[2]string{"samples", "1"},
	)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("%w: write field %s: %v", ErrTransform, f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("%w: close multipart writer: %v", ErrTransform, err)
	}
	return &buf, w.FormDataContentType(), nil
}

func decodeArtifact(contentType string, raw []byte) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mt, "image/") {
		if len(raw) == 0 {
			return nil, ErrNoArtifact
		}
		return raw, nil
	}
	var ar artifactResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransform, err)
	}
	if len(ar.Artifacts) == 0 {
		return nil, ErrNoArtifact
	}
	a := ar.Artifacts[0]
	if a.FinishReason != "" && a.FinishReason != "SUCCESS" {
		return nil, fmt.Errorf("%w: finish reason %s", ErrTransform, a.FinishReason)
	}
	if a.Base64 == "" {
		return nil, ErrNoArtifact
	}
	b, err := base64.StdEncoding.DecodeString(a.Base64)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact base64: %v", ErrTransform, err)
	}
	return b, nil
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
