package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/walnut-ai/was/internal/corpus"
	"github.com/walnut-ai/was/internal/retrieval"
)

type searchResponse struct {
	Query   string            `json:"query"`
	NoMatch bool              `json:"no_match"`
	Matches []retrieval.Match `json:"matches"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		topK := parseIntParam(r, "top_k", deps.TopK, 50)
		threshold := parseFloatParam(r, "threshold", deps.Threshold)

		res, err := deps.Knowledge.Search(r.Context(), q, topK, threshold)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		matches := res.Matches
		if matches == nil {
			matches = []retrieval.Match{}
		}
		writeJSON(w, http.StatusOK, searchResponse{Query: q, NoMatch: res.NoMatch(), Matches: matches})
	}
}

func handleReloadCorpus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.ReloadCorpus == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "no corpus source configured")
			return
		}
		n, err := deps.ReloadCorpus(r.Context())
		var le *corpus.LoadError
		if errors.As(err, &le) {
			slog.Warn("corpus reload rejected", "error", err)
			httpError(w, http.StatusUnprocessableEntity, "corpus_load_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reload failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "entries": n})
	}
}
