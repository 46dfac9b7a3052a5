package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hyperifyio/gorewrite/internal/source"
)

type preferenceBody struct {
	Enabled *bool `json:"isEnabled"`
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.maxBody {
		jsonError(w, fmt.Sprintf("page exceeds max size (%d bytes)", s.maxBody), http.StatusRequestEntityTooLarge)
		return
	}

	enabled, err := s.prefs.Enabled()
	if err != nil {
		s.logger.Warn().Err(err).Msg("preference unreadable; treating as disabled")
	}
	if !enabled {
		// Disabled means pages pass through untouched.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Rewrite-Status", "disabled")
		w.Write(body)
		return
	}

	withImages := true
	if v := r.URL.Query().Get("images"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			withImages = b
		}
	}
	out, sum, err := s.rewriter.RewriteHTML(r.Context(), body, r.Header.Get("Content-Type"), r.URL.Query().Get("url"), withImages)
	if err != nil {
		if errors.Is(err, source.ErrEmptyInput) {
			jsonError(w, "empty page", http.StatusBadRequest)
			return
		}
		s.logger.Error().Err(err).Msg("rewrite failed")
		jsonError(w, "rewrite failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	status := "rewritten"
	if sum.Segments == 0 && sum.Images.Total == 0 {
		status = "unchanged"
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("X-Rewrite-Status", status)
	h.Set("X-Rewrite-Run-Id", sum.RunID)
	h.Set("X-Rewrite-Segments", strconv.Itoa(sum.Segments))
	h.Set("X-Rewrite-Images", strconv.Itoa(sum.Images.Done))
	w.Write(out)
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.prefs.Enabled()
	if err != nil {
		jsonError(w, "failed to read preference", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, preferenceBody{Enabled: &enabled})
}

func (s *Server) handlePutPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		jsonError(w, "isEnabled is required", http.StatusBadRequest)
		return
	}
	if err := s.prefs.SetEnabled(*req.Enabled); err != nil {
		jsonError(w, "failed to save preference", http.StatusInternalServerError)
		return
	}
	s.logger.Info().Bool("enabled", *req.Enabled).Msg("preference updated")
	writeJSON(w, http.StatusOK, req)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
