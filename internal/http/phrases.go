package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ai-speech-stream-service/internal/service/phrase"
)

const frequentPhrases = 20

type phraseRequest struct {
	Phrase       string   `json:"phrase"`
	Category     string   `json:"category"`
	Alternatives []string `json:"alternatives,omitempty"`
}

type phraseListResponse struct {
	Phrases    map[string]map[string][]string `json:"phrases"`
	Categories []string                       `json:"categories"`
	Frequent   []phrase.FrequencyEntry        `json:"frequent"`
}

func (h *handler) listPhrases(w http.ResponseWriter, r *http.Request) {
	dict := h.app.Phrases
	writeJSON(w, http.StatusOK, phraseListResponse{
		Phrases:    dict.Phrases(r.URL.Query().Get("category")),
		Categories: dict.CategoryNames(),
		Frequent:   dict.Frequent(frequentPhrases),
	})
}

func (h *handler) phraseAlternatives(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "phrase")
	alts := h.app.Phrases.Alternatives(p, r.URL.Query().Get("category"))
	if alts == nil {
		writeError(w, http.StatusNotFound, "phrase not found", errors.New(p))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phrase": p, "alternatives": alts})
}

func (h *handler) addPhrase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePhraseRequest(w, r)
	if !ok {
		return
	}
	if err := h.app.Phrases.Add(req.Phrase, req.Category, req.Alternatives...); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, phrase.ErrUnknownCategory) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "failed to add phrase", err)
		return
	}
	h.log.Info().Str("phrase", req.Phrase).Str("category", req.Category).Msg("Phrase added")
	writeJSON(w, http.StatusCreated, map[string]string{"status": "success", "phrase": req.Phrase, "category": req.Category})
}

func (h *handler) removePhrase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePhraseRequest(w, r)
	if !ok {
		return
	}
	h.app.Phrases.Remove(req.Phrase, req.Category)
	h.log.Info().Str("phrase", req.Phrase).Str("category", req.Category).Msg("Phrase removed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "phrase": req.Phrase, "category": req.Category})
}

func decodePhraseRequest(w http.ResponseWriter, r *http.Request) (phraseRequest, bool) {
	var req phraseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return req, false
	}
	req.Phrase = strings.TrimSpace(req.Phrase)
	req.Category = strings.TrimSpace(req.Category)
	if req.Phrase == "" || req.Category == "" {
		writeError(w, http.StatusBadRequest, "both phrase and category are required", errors.New("missing field"))
		return req, false
	}
	return req, true
}
