package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperifyio/gorewrite/internal/dom"
	"golang.org/x/net/html"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func dataURI(b []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(b)
}

func TestNearestBucket(t *testing.T) {
	cases := []struct {
		w, h int
		want Bucket
	}{
		{500, 500, Bucket{1024, 1024}},
		{2400, 1000, Bucket{1536, 640}},
		{1000, 2400, Bucket{640, 1536}},
		{1600, 900, Bucket{1344, 768}},
		{4000, 100, Bucket{1536, 640}},
		{0, 10, Bucket{1024, 1024}},
	}
	for _, c := range cases {
		if got := NearestBucket(c.w, c.h); got != c.want {
			t.Errorf("NearestBucket(%d,%d)=%v want %v", c.w, c.h, got, c.want)
		}
	}
}

func TestTable_Transitions(t *testing.T) {
	tb := NewTable()
	n := &html.Node{Type: html.ElementNode, Data: "img"}
	if tb.Get(n) != Unclaimed {
		t.Fatalf("new node should be unclaimed")
	}
	if tb.Transition(n, Unclaimed, Done) {
		t.Fatalf("unclaimed->done must be rejected")
	}
	if !tb.Transition(n, Unclaimed, Queued) {
		t.Fatalf("claim failed")
	}
	if tb.Transition(n, Unclaimed, Queued) {
		t.Fatalf("second claim must fail")
	}
	if !tb.Transition(n, Queued, Failed) {
		t.Fatalf("queued->failed failed")
	}
	if tb.Transition(n, Failed, Queued) || tb.Get(n) != Failed {
		t.Fatalf("terminal state must be sticky, got %v", tb.Get(n))
	}
	if !Failed.Terminal() || Queued.Terminal() {
		t.Fatalf("Terminal wrong")
	}
}

const discoverHTML = `<html><body>
<nav><img src="/nav.png" width="300" height="300"></nav>
<header><img src="/hdr.png" width="300" height="300"></header>
<main>
<img src="/small.png" width="50" height="50">
<img src="/unknown.png">
<div class="site-logo"><img src="/l.png" width="400" height="400"></div>
<img src="/alt.png" alt="Company Logo" width="400" height="400">
<img id="big" src="/photo.jpg" alt="A cat" width="400" height="300" style="border:0">
<img id="lazy" src="" data-src="img/lazy.jpg" width="640" height="480">
</main>
<footer><img src="/f.png" width="300" height="300"></footer>
</body></html>`

func TestDiscover_FiltersAndResolves(t *testing.T) {
	doc, err := dom.ParseString(discoverHTML)
	if err != nil {
		t.Fatal(err)
	}
	doc.URL = "https://example.com/blog/post.html"
	d := &Discoverer{Table: NewTable()}
	got := d.Discover(context.Background(), doc)
	if len(got) != 2 {
		var srcs []string
		for _, c := range got {
			srcs = append(srcs, c.Src)
		}
		t.Fatalf("want 2 candidates, got %v", srcs)
	}
	if got[0].Src != "https://example.com/photo.jpg" || got[0].Alt != "A cat" {
		t.Fatalf("first candidate: %+v", got[0])
	}
	if got[0].NaturalWidth != 400 || got[0].NaturalHeight != 300 || !got[0].HasStyle || got[0].Style != "border:0" {
		t.Fatalf("attributes not captured: %+v", got[0])
	}
	if got[1].Src != "https://example.com/blog/img/lazy.jpg" {
		t.Fatalf("lazy src not resolved: %s", got[1].Src)
	}
	if got[0].Position >= got[1].Position {
		t.Fatalf("positions not in document order")
	}
	// Discover claims nothing.
	if again := d.Discover(context.Background(), doc); len(again) != 2 {
		t.Fatalf("discover must not claim; got %d", len(again))
	}
}

func TestScan_Disjoint(t *testing.T) {
	doc, _ := dom.ParseString(discoverHTML)
	d := &Discoverer{Table: NewTable()}
	first := d.Scan(context.Background(), doc)
	second := d.Scan(context.Background(), doc)
	if len(first) != 2 || len(second) != 0 {
		t.Fatalf("want 2 then 0, got %d then %d", len(first), len(second))
	}
	for _, c := range first {
		if d.Table.Get(c.Node) != Queued {
			t.Fatalf("scanned image not queued")
		}
	}
}

type fixedProber struct{ w, h int }

func (p fixedProber) Probe(context.Context, string) (int, int, error) { return p.w, p.h, nil }

func TestDiscover_ProberOverridesAttributes(t *testing.T) {
	doc, _ := dom.ParseString(`<body><img src="a.png" width="40" height="40"><img src="b.png"></body>`)
	d := &Discoverer{Table: NewTable(), Prober: fixedProber{800, 600}}
	if got := d.Discover(context.Background(), doc); len(got) != 2 {
		t.Fatalf("natural size from prober should qualify both, got %d", len(got))
	}
}

func TestAcquireProber_DataURI(t *testing.T) {
	p := &AcquireProber{Acquirer: &HTTPAcquirer{}}
	w, h, err := p.Probe(context.Background(), dataURI(testPNG(t, 120, 80)))
	if err != nil || w != 120 || h != 80 {
		t.Fatalf("probe: %d %d %v", w, h, err)
	}
	if _, _, err := p.Probe(context.Background(), "https://example.com/x.png"); !errors.Is(err, ErrAcquire) {
		t.Fatalf("want ErrAcquire without client, got %v", err)
	}
}

func TestNormalize_StretchesToBucket(t *testing.T) {
	n := &Normalizer{Acquirer: &HTTPAcquirer{}}
	c := Candidate{Src: dataURI(testPNG(t, 300, 100)), Alt: "wide"}
	p, err := n.Normalize(context.Background(), c)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if p.Bucket != (Bucket{1536, 640}) || p.Alt != "wide" {
		t.Fatalf("payload: %+v", p.Bucket)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(p.PNG))
	if err != nil || format != "png" || cfg.Width != 1536 || cfg.Height != 640 {
		t.Fatalf("output %s %dx%d %v", format, cfg.Width, cfg.Height, err)
	}
}

func TestNormalize_DecodeError(t *testing.T) {
	n := &Normalizer{Acquirer: &HTTPAcquirer{}}
	_, err := n.Normalize(context.Background(), Candidate{Src: "data:text/plain,hello"})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("want ErrDecode, got %v", err)
	}
}

type stubNormalizer struct{}

func (stubNormalizer) Normalize(_ context.Context, c Candidate) (Payload, error) {
	return Payload{PNG: []byte("in"), Bucket: Buckets[0], Alt: c.Alt}, nil
}

const pictureHTML = `<body><picture><source srcset="a.webp" type="image/webp"><source srcset="a.avif">` +
	`<img src="a.png" srcset="a2.png 2x" sizes="100vw" loading="lazy" data-src="a.png" width="300" height="200" style="border:0"></picture></body>`

func pictureCandidate(t *testing.T, tb *Table) (*dom.Document, Candidate) {
	t.Helper()
	doc, err := dom.ParseString(pictureHTML)
	if err != nil {
		t.Fatal(err)
	}
	d := &Discoverer{Table: tb}
	got := d.Discover(context.Background(), doc)
	if len(got) != 1 {
		t.Fatalf("want 1 candidate, got %d", len(got))
	}
	return doc, got[0]
}

func TestPipeline_SwapsAndStripsSources(t *testing.T) {
	tb := NewTable()
	doc, c := pictureCandidate(t, tb)
	out := testPNG(t, 4, 4)
	p := &Pipeline{
		Doc: doc, Table: tb, Normalizer: stubNormalizer{},
		Transformer: TransformFunc(func(context.Context, Payload) ([]byte, error) { return out, nil }),
	}
	st := p.Run(context.Background(), []Candidate{c})
	if st.Total != 1 || st.Done != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if tb.Get(c.Node) != Done {
		t.Fatalf("state %v", tb.Get(c.Node))
	}
	src, _ := dom.Attr(c.Node, "src")
	if src != dataURI(out) {
		t.Fatalf("src not swapped: %.40s", src)
	}
	for _, k := range []string{"srcset", "sizes", "loading", "data-src"} {
		if _, ok := dom.Attr(c.Node, k); ok {
			t.Fatalf("%s should be removed", k)
		}
	}
	if w, _ := dom.Attr(c.Node, "width"); w != "300" {
		t.Fatalf("width %q", w)
	}
	if s, _ := dom.Attr(c.Node, "style"); s != "border:0" {
		t.Fatalf("style %q", s)
	}
	if strings.Contains(doc.String(), "<source") {
		t.Fatalf("picture sources not removed: %s", doc.String())
	}
	// A second run over the same candidate does nothing.
	if st := p.Run(context.Background(), []Candidate{c}); st.Total != 0 {
		t.Fatalf("rerun should be a no-op: %+v", st)
	}
}

func TestPipeline_RetriesThenFails(t *testing.T) {
	tb := NewTable()
	doc, c := pictureCandidate(t, tb)
	var calls int32
	p := &Pipeline{
		Doc: doc, Table: tb, Normalizer: stubNormalizer{},
		Transformer: TransformFunc(func(context.Context, Payload) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("boom")
		}),
	}
	st := p.Run(context.Background(), []Candidate{c})
	if st.Failed != 1 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("stats %+v calls %d", st, calls)
	}
	if tb.Get(c.Node) != Failed {
		t.Fatalf("state %v", tb.Get(c.Node))
	}
	if src, _ := dom.Attr(c.Node, "src"); src != "a.png" {
		t.Fatalf("failed image must be unchanged, src=%q", src)
	}
}

func TestPipeline_SucceedsOnLastAttempt(t *testing.T) {
	tb := NewTable()
	doc, c := pictureCandidate(t, tb)
	var calls int32
	p := &Pipeline{
		Doc: doc, Table: tb, Normalizer: stubNormalizer{},
		Transformer: TransformFunc(func(context.Context, Payload) ([]byte, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("flaky")
			}
			return []byte("ok"), nil
		}),
	}
	if st := p.Run(context.Background(), []Candidate{c}); st.Done != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestPipeline_DryRunSkips(t *testing.T) {
	tb := NewTable()
	doc, c := pictureCandidate(t, tb)
	p := &Pipeline{
		Doc: doc, Table: tb, DryRun: true,
		Transformer: TransformFunc(func(context.Context, Payload) ([]byte, error) {
			t.Fatalf("transform called in dry run")
			return nil, nil
		}),
	}
	st := p.Run(context.Background(), []Candidate{c})
	if st.Skipped != 1 || tb.Get(c.Node) != Skipped {
		t.Fatalf("stats %+v state %v", st, tb.Get(c.Node))
	}
}

func TestPipeline_ProcessIgnoresUnclaimed(t *testing.T) {
	tb := NewTable()
	doc, c := pictureCandidate(t, tb)
	p := &Pipeline{Doc: doc, Table: tb, DryRun: true}
	if st := p.Process(context.Background(), []Candidate{c}); st.Total != 0 {
		t.Fatalf("unclaimed candidate processed: %+v", st)
	}
}

func TestHTTPTransformer_MultipartAndJSON(t *testing.T) {
	want := []byte("transformed")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("auth header %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		f := r.MultipartForm
		if got := f.Value["text_prompts[2][text]"]; len(got) != 1 || got[0] != "a cat" {
			t.Errorf("alt prompt %v", got)
		}
		if got := f.Value["text_prompts[1][weight]"]; len(got) != 1 || got[0] != "-1" {
			t.Errorf("negative weight %v", got)
		}
		if f.Value["init_image_mode"][0] != "IMAGE_STRENGTH" || f.Value["image_strength"][0] != "0.35" ||
			f.Value["steps"][0] != "30" || f.Value["cfg_scale"][0] != "7" || f.Value["samples"][0] != "1" {
			t.Errorf("params %v", f.Value)
		}
		if len(f.File["image"]) != 1 {
			t.Errorf("image part missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"artifacts": []map[string]string{{"base64": base64.StdEncoding.EncodeToString(want), "finishReason": "SUCCESS"}},
		})
	}))
	defer srv.Close()

	tr := &HTTPTransformer{Endpoint: srv.URL, APIKey: "k"}
	got, err := tr.Transform(context.Background(), Payload{PNG: []byte("png"), Bucket: Buckets[0], Alt: "a cat"})
	if err != nil || string(got) != string(want) {
		t.Fatalf("got %q err %v", got, err)
	}
}

func TestHTTPTransformer_ImageBodyAndErrors(t *testing.T) {
	var mode atomic.Value
	mode.Store("image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		if _, ok := r.MultipartForm.Value["text_prompts[2][text]"]; ok {
			t.Errorf("alt prompt sent for empty alt")
		}
		switch mode.Load().(string) {
		case "image":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("raw-png"))
		case "filtered":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"artifacts":[{"base64":"","finishReason":"CONTENT_FILTERED"}]}`))
		case "empty":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"artifacts":[]}`))
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	tr := &HTTPTransformer{Endpoint: srv.URL}
	p := Payload{PNG: []byte("png"), Bucket: Buckets[0]}

	got, err := tr.Transform(context.Background(), p)
	if err != nil || string(got) != "raw-png" {
		t.Fatalf("image body: %q %v", got, err)
	}
	mode.Store("filtered")
	if _, err := tr.Transform(context.Background(), p); !errors.Is(err, ErrTransform) {
		t.Fatalf("want ErrTransform, got %v", err)
	}
	mode.Store("empty")
	if _, err := tr.Transform(context.Background(), p); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("want ErrNoArtifact, got %v", err)
	}
	mode.Store("down")
	if _, err := tr.Transform(context.Background(), p); !errors.Is(err, ErrTransform) {
		t.Fatalf("want ErrTransform on 502, got %v", err)
	}
}
