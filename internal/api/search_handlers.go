package api

import (
	"errors"
	"net/http"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/search"
)

type searchRequest struct {
	Term            string             `json:"term"`
	Marketplaces    []string           `json:"marketplaces"`
	MaxResults      int                `json:"max_results"`
	ExcludePatterns []string           `json:"exclude_patterns"`
	Enqueue         bool               `json:"enqueue"`
	Options         crawler.JobOptions `json:"options"`
}

type searchResponse struct {
	search.Result
	JobIDs []string `json:"job_ids,omitempty"`
}

func (s *Server) searchProducts(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxResults < 0 {
		writeError(w, http.StatusBadRequest, "max_results must be >= 0")
		return
	}
	res, err := s.search.Search(r.Context(), req.Term, search.Options{
		Marketplaces: req.Marketplaces,
		MaxResults:   req.MaxResults,
		Exclude:      req.ExcludePatterns,
	})
	if errors.Is(err, crawler.ErrCrawlFailed) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":        err.Error(),
			"marketplaces": res.Marketplaces,
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, "search", err)
		return
	}
	resp := searchResponse{Result: res}
	if urls := res.URLs(); req.Enqueue && len(urls) > 0 {
		if !s.admit(w, r, urls) {
			return
		}
		ids, err := s.submitAll(r.Context(), urls, req.Options)
		if err != nil {
			s.writeSubmitError(w, "enqueue search results", ids, err)
			return
		}
		resp.JobIDs = ids
	}
	writeJSON(w, http.StatusOK, resp)
}
