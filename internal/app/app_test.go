package app

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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func pngDataURI(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func testPage(t *testing.T) string {
	t.Helper()
	para := strings.Repeat("The galaxy is vast and full of quiet stars. ", 12)
	return `<html><head><title>Stars</title></head><body>
<nav><a href="/">Home</a></nav>
<article>
<h2>About the galaxy</h2>
<p>` + para + `</p>
<p>` + para + `</p>
<img src="` + pngDataURI(t, 200, 150) + `" alt="a nebula" width="200" height="150" srcset="big.png 2x">
</article>
</body></html>`
}

// rewriteStub serves /models and /chat/completions, upper-casing "galaxy".
func rewriteStub(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			_ = json.NewEncoder(w).Encode(openai.ModelsList{Models: []openai.Model{{ID: "stub"}}})
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			atomic.AddInt32(calls, 1)
			var req openai.ChatCompletionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			text := req.Messages[len(req.Messages)-1].Content
			_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleAssistant, Content: strings.ReplaceAll(text, "galaxy", "GALAXY"),
				}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func imageStub(t *testing.T, out []byte, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("text_prompts[2][text]") != "a nebula" {
			t.Errorf("alt text not sent: %v", r.MultipartForm.Value)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(out)
	}))
}

func TestRun_RewritesTextAndImages(t *testing.T) {
	var llmCalls, imgCalls int32
	llmSrv := rewriteStub(t, &llmCalls)
	defer llmSrv.Close()
	transformed := []byte("\x89PNG-transformed")
	imgSrv := imageStub(t, transformed, &imgCalls)
	defer imgSrv.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "page.html")
	if err := os.WriteFile(in, []byte(testPage(t)), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.html")
	cfg := Config{
		InputPath:     in,
		OutputPath:    out,
		OutputPDFPath: filepath.Join(dir, "report.pdf"),
		LLMBaseURL:    llmSrv.URL + "/v1",
		LLMModel:      "stub",
		ImageURL:      imgSrv.URL,
		CacheDir:      filepath.Join(dir, "cache"),
	}
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	var (
		progMu sync.Mutex
		stages = map[string]int{}
	)
	a.progress = func(stage string, done, total int) {
		progMu.Lock()
		defer progMu.Unlock()
		if done == total {
			stages[stage]++
		}
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if stages["text"] != 1 || stages["images"] != 1 {
		t.Fatalf("progress not reported for both passes: %v", stages)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	html := string(b)
	if !strings.Contains(html, "About the GALAXY") || strings.Contains(html, "The galaxy is") {
		t.Fatalf("text not rewritten:\n%s", html)
	}
	if !strings.Contains(html, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(transformed)) {
		t.Fatalf("image not swapped")
	}
	if strings.Contains(html, "srcset") {
		t.Fatalf("srcset should be stripped")
	}
	if !strings.Contains(html, "<a href=\"/\">Home</a>") {
		t.Fatalf("navigation must be left alone")
	}
	if !strings.Contains(html, "run_id="+a.RunID()) {
		t.Fatalf("repro comment missing")
	}
	if _, err := os.Stat(filepath.Join(dir, "report.pdf")); err != nil {
		t.Fatalf("pdf: %v", err)
	}
	man, err := os.ReadFile(out + ".manifest.json")
	if err != nil || !bytes.Contains(man, []byte(`"run_id": "`+a.RunID()+`"`)) {
		t.Fatalf("manifest: %v %s", err, man)
	}
	if atomic.LoadInt32(&imgCalls) != 1 || atomic.LoadInt32(&llmCalls) == 0 {
		t.Fatalf("calls llm=%d img=%d", llmCalls, imgCalls)
	}

	// A second run is served from the response cache.
	before := atomic.LoadInt32(&llmCalls)
	a2, _ := New(context.Background(), cfg)
	if err := a2.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if atomic.LoadInt32(&llmCalls) != before || atomic.LoadInt32(&imgCalls) != 1 {
		t.Fatalf("expected cache hits, llm %d->%d img=%d", before, llmCalls, imgCalls)
	}
}

func TestRun_DryRunCallsNothing(t *testing.T) {
	var llmCalls, imgCalls int32
	llmSrv := rewriteStub(t, &llmCalls)
	defer llmSrv.Close()
	imgSrv := imageStub(t, []byte("x"), &imgCalls)
	defer imgSrv.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "page.html")
	_ = os.WriteFile(in, []byte(testPage(t)), 0o644)
	out := filepath.Join(dir, "out.html")
	a, err := New(context.Background(), Config{
		InputPath: in, OutputPath: out, DryRun: true,
		LLMBaseURL: llmSrv.URL + "/v1", LLMModel: "stub", ImageURL: imgSrv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if llmCalls != 0 || imgCalls != 0 {
		t.Fatalf("dry run made calls: llm=%d img=%d", llmCalls, imgCalls)
	}
	b, _ := os.ReadFile(out)
	if !strings.Contains(string(b), "The galaxy is") || !strings.Contains(string(b), "dry_run=true") {
		t.Fatalf("dry run output should be unchanged text with marker")
	}
}

func TestRun_NothingToRewrite(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "tiny.html")
	_ = os.WriteFile(in, []byte("<html><body><p>Too short.</p></body></html>"), 0o644)
	a, err := New(context.Background(), Config{InputPath: in, OutputPath: filepath.Join(dir, "o.html"), DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background()); !errors.Is(err, ErrNothingToRewrite) {
		t.Fatalf("want ErrNothingToRewrite, got %v", err)
	}
}

func TestRewrite_MarkdownInput(t *testing.T) {
	var llmCalls int32
	llmSrv := rewriteStub(t, &llmCalls)
	defer llmSrv.Close()
	dir := t.TempDir()
	in := filepath.Join(dir, "notes.md")
	md := "# The galaxy\n\n" + strings.Repeat("A galaxy of words keeps going here. ", 40) + "\n"
	_ = os.WriteFile(in, []byte(md), 0o644)
	out := filepath.Join(dir, "notes.html")
	a, err := New(context.Background(), Config{InputPath: in, OutputPath: out, LLMBaseURL: llmSrv.URL + "/v1", LLMModel: "stub", DisableImages: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	b, _ := os.ReadFile(out)
	if !strings.Contains(string(b), "A GALAXY of words") || !strings.Contains(string(b), "<h1>The galaxy</h1>") {
		t.Fatalf("markdown body should be rewritten and the short heading kept:\n%s", b)
	}
}
