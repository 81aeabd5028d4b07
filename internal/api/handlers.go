package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

const (
	defaultRunLimit      = 20
	maxRunLimit          = 500
	defaultUnmappedLimit = 50
	maxUnmappedLimit     = 1000
)

// getStats handles GET /v1/stats.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// listRuns handles GET /v1/runs?limit=. Runs are newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

// listUnmapped handles GET /v1/unmapped?limit=, most frequent first.
func (s *Server) listUnmapped(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultUnmappedLimit, maxUnmappedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	names, err := s.store.TopUnmapped(ctx, limit)
	if err != nil {
		s.logger.Error("list unmapped failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list unmapped names")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unmapped": nonNil(names)})
}

// listDiscrepancies handles GET /v1/discrepancies?limit=.
func (s *Server) listDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultUnmappedLimit, maxUnmappedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	found, err := s.store.Discrepancies(ctx, limit)
	if err != nil {
		s.logger.Error("list discrepancies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list discrepancies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": nonNil(found)})
}

// getDeck handles GET /v1/decks/{source}/{external_id}. It returns 404 when the
// store reports harvest.ErrNotFound.
func (s *Server) getDeck(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	externalID := chi.URLParam(r, "external_id")
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	detail, err := s.store.GetDeck(ctx, source, externalID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deck not found")
			return
		}
		s.logger.Error("get deck failed", zap.String("source", source), zap.String("external_id", externalID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load deck")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
