package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	anchor "github.com/RSBalchII/Anchor"
	"github.com/RSBalchII/Anchor/llm"
	"github.com/RSBalchII/Anchor/scribe"
)

type handler struct {
	engine anchor.Engine
}

func newHandler(e anchor.Engine) *handler {
	return &handler{engine: e}
}

// --- ingest ---

type ingestRequest struct {
	Content string   `json:"content"`
	Source  string   `json:"source,omitempty"`
	Type    string   `json:"type,omitempty"`
	Buckets []string `json:"buckets,omitempty"`
}

func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(anchor.ErrBadRequest, err))
		return
	}

	res, err := h.engine.Ingest(r.Context(), req.Content, req.Source, req.Type, req.Buckets)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- search ---

type searchRequest struct {
	Query      string   `json:"query"`
	Buckets    []string `json:"buckets,omitempty"`
	ScopeTags  []string `json:"scope_tags,omitempty"`
	MaxChars   int      `json:"max_chars"`
	Provenance string   `json:"provenance,omitempty"`
}

func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(anchor.ErrBadRequest, err))
		return
	}

	res, err := h.engine.Search(r.Context(), req.Query, anchor.SearchOptions{
		Buckets:    req.Buckets,
		ScopeTags:  req.ScopeTags,
		MaxChars:   req.MaxChars,
		Provenance: req.Provenance,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- buckets / dream / backup / stats ---

func (h *handler) handleBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.engine.Buckets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"buckets": buckets})
}

func (h *handler) handleDream(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Dream(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Backup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Snapshot-Path", res.Path)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Document)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- scribe ---

type scribeUpdateRequest struct {
	History []scribe.Turn `json:"history"`
}

func (h *handler) handleScribeUpdate(w http.ResponseWriter, r *http.Request) {
	var req scribeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(anchor.ErrBadRequest, err))
		return
	}
	if err := h.engine.Scribe().Update(r.Context(), req.History); err != nil {
		writeError(w, errors.Join(anchor.ErrGenerator, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *handler) handleScribeGet(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Scribe().Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (h *handler) handleScribeClear(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Scribe().Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- chat ---

type chatRequest struct {
	Messages []llm.Message     `json:"messages"`
	Params   anchor.ChatParams `json:"params"`
}

func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(anchor.ErrBadRequest, err))
		return
	}

	text, err := h.engine.Chat(r.Context(), req.Messages, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": text})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders the single-line "<kind>: <detail>" form with the
// matching HTTP status. Stack traces never reach the client.
func writeError(w http.ResponseWriter, err error) {
	kind := anchor.Kind(err)

	status := http.StatusInternalServerError
	switch kind {
	case "BadRequest":
		status = http.StatusBadRequest
	case "NotFound":
		status = http.StatusNotFound
	case "TimeoutError":
		status = http.StatusGatewayTimeout
	case "GeneratorError":
		status = http.StatusBadGateway
	}

	detail := err.Error()
	// Strip the sentinel prefix so the kind is not stated twice.
	if idx := strings.Index(detail, ": "); idx > 0 && strings.HasPrefix(detail, "anchor: ") {
		if rest := strings.TrimPrefix(detail, "anchor: "); strings.Contains(rest, ": ") {
			detail = rest[strings.Index(rest, ": ")+2:]
		}
	}

	writeJSON(w, status, map[string]string{"error": kind + ": " + detail})
}
