package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/hyperifyio/gorewrite/internal/images"
	"github.com/hyperifyio/gorewrite/internal/report"
	"github.com/hyperifyio/gorewrite/internal/rewrite"
)

// manifestEntry records one rewritten text segment by digest.
type manifestEntry struct {
	Index   int    `json:"index"`
	Heading bool   `json:"heading,omitempty"`
	SHA256  string `json:"sha256"`
	Chars   int    `json:"chars"`
}

// manifestMeta captures high-level run details that aid reproducibility.
type manifestMeta struct {
	RunID         string    `json:"run_id"`
	Version       string    `json:"version"`
	Source        string    `json:"source"`
	Model         string    `json:"model"`
	LLMBaseURL    string    `json:"llm_base_url"`
	ImageURL      string    `json:"image_url,omitempty"`
	HTTPCache     bool      `json:"http_cache"`
	ResponseCache bool      `json:"response_cache"`
	DryRun        bool      `json:"dry_run"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func (a *App) manifestMeta(sum report.Summary) manifestMeta {
	return manifestMeta{
		RunID:         a.runID,
		Version:       BuildVersion,
		Source:        sum.Source,
		Model:         a.cfg.LLMModel,
		LLMBaseURL:    a.cfg.LLMBaseURL,
		ImageURL:      a.cfg.ImageURL,
		HTTPCache:     a.httpCache != nil,
		ResponseCache: a.respCache != nil,
		DryRun:        a.cfg.DryRun,
		GeneratedAt:   time.Now().UTC(),
	}
}

// computeSHA256Hex returns a lowercase hex-encoded SHA-256 of the given text.
func computeSHA256Hex(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// buildManifestEntries digests the final text of every segment in order.
func buildManifestEntries(blocks []report.Block) []manifestEntry {
	out := make([]manifestEntry, 0, len(blocks))
	for i, b := range blocks {
		content := strings.TrimSpace(b.Text)
		out = append(out, manifestEntry{
			Index:   i,
			Heading: b.Heading,
			SHA256:  computeSHA256Hex(content),
			Chars:   len(content),
		})
	}
	return out
}

// marshalManifestJSON encodes a machine-readable sidecar manifest.
func marshalManifestJSON(meta manifestMeta, sum report.Summary) ([]byte, error) {
	payload := struct {
		Meta     manifestMeta    `json:"meta"`
		Text     rewrite.Stats   `json:"text"`
		Images   images.Stats    `json:"images"`
		Segments []manifestEntry `json:"segments"`
	}{Meta: meta, Text: sum.Text, Images: sum.Images, Segments: buildManifestEntries(sum.Blocks)}
	return json.MarshalIndent(payload, "", "  ")
}

// deriveManifestSidecarPath returns a sidecar JSON path next to the output.
func deriveManifestSidecarPath(outputPath string) string {
	return outputPath + ".manifest.json"
}
