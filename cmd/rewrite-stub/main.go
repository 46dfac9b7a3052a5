package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const separator = "---SPLIT---"

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// themed maps everyday words to their galactic counterparts. Matching is on
// whole words so segment whitespace and punctuation survive untouched.
var themed = map[string]string{
	"company":   "Empire",
	"companies": "Empires",
	"team":      "Rebel squadron",
	"manager":   "Sith Lord",
	"managers":  "Sith Lords",
	"computer":  "droid",
	"computers": "droids",
	"city":      "star system",
	"car":       "speeder",
	"cars":      "speeders",
	"world":     "galaxy",
	"police":    "stormtroopers",
	"boss":      "Emperor",
}

var wordRE = regexp.MustCompile(`[A-Za-z]+`)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	model := os.Getenv("MODEL_ID")
	if strings.TrimSpace(model) == "" {
		model = "test-model"
	}
	addr := os.Getenv("ADDR")
	if strings.TrimSpace(addr) == "" {
		addr = ":8081"
	}

	log.Info().Str("addr", addr).Str("model", model).Msg("rewrite-stub listening")
	if err := http.ListenAndServe(addr, newHandler(model)); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
}

func newHandler(model string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{{"id": model, "object": "model"}},
		})
	})
	r.Post("/v1/chat/completions", handleChat)
	r.Post("/v1/generation/image-to-image", handleImage)
	return r
}

// handleChat echoes the last user message with the word table applied to
// each segment, keeping the separator count intact.
func handleChat(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	user := req.Messages[len(req.Messages)-1].Content
	parts := strings.Split(user, separator)
	for i, p := range parts {
		parts[i] = theme(p)
	}
	writeJSON(w, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": strings.Join(parts, separator)}},
		},
	})
}

func theme(s string) string {
	return wordRE.ReplaceAllStringFunc(s, func(word string) string {
		repl, ok := themed[strings.ToLower(word)]
		if !ok {
			return word
		}
		if word[0] >= 'A' && word[0] <= 'Z' {
			return strings.ToUpper(repl[:1]) + repl[1:]
		}
		return repl
	})
}

// handleImage inverts the uploaded picture and returns it as an artifact.
func handleImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()
	f, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		http.Error(w, "undecodable image", http.StatusBadRequest)
		return
	}
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(src.At(x, y)).(color.RGBA)
			out.SetRGBA(x, y, color.RGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: c.A})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Debug().Str("prompt", r.FormValue("text_prompts[0][text]")).Int("bytes", buf.Len()).Msg("image transformed")
	writeJSON(w, map[string]any{
		"artifacts": []map[string]string{
			{"base64": base64.StdEncoding.EncodeToString(buf.Bytes()), "finishReason": "SUCCESS"},
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
