package apihttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/library"
)

type LibraryService interface {
	Upsert(ctx context.Context, entry library.Entry) (library.Entry, error)
	Get(ctx context.Context, id string) (library.Entry, error)
	Update(ctx context.Context, id string, patch library.Patch) (library.Entry, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter library.Filter) ([]library.Entry, error)
	Stats(ctx context.Context) (library.Stats, error)
}

const maxLibraryPage = 500

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/library" {
		http.NotFound(w, r)
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "library is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter, ok := parseLibraryFilter(w, r)
		if !ok {
			return
		}
		entries, err := s.library.List(r.Context(), filter)
		if err != nil {
			s.writeLibraryError(w, "list", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":  entries,
			"count":  len(entries),
			"limit":  filter.Limit,
			"offset": filter.Offset,
		})
	case http.MethodPost:
		var payload library.Entry
		if err := decodeJSONBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		payload.ID = ""
		entry, err := s.library.Upsert(r.Context(), payload)
		if err != nil {
			s.writeLibraryError(w, "upsert", err)
			return
		}
		s.logger.Info("library entry saved",
			slog.String("id", entry.ID),
			slog.String("resultId", entry.ResultID()),
			slog.String("status", string(entry.Status)),
		)
		writeJSON(w, http.StatusOK, entry)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLibraryEntry(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/library/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "library is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.library.Get(r.Context(), id)
		if err != nil {
			s.writeLibraryError(w, "get", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodPatch:
		var patch library.Patch
		if err := decodeJSONBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		entry, err := s.library.Update(r.Context(), id, patch)
		if err != nil {
			s.writeLibraryError(w, "update", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := s.library.Delete(r.Context(), id); err != nil {
			s.writeLibraryError(w, "delete", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLibraryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "library is not configured")
		return
	}
	stats, err := s.library.Stats(r.Context())
	if err != nil {
		s.writeLibraryError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseLibraryFilter(w http.ResponseWriter, r *http.Request) (library.Filter, bool) {
	query := r.URL.Query()
	var filter library.Filter

	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		mediaType, ok := domain.ParseMediaType(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown type")
			return filter, false
		}
		filter.Type = mediaType
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := library.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown status")
			return filter, false
		}
		filter.Status = status
	}
	filter.Collection = strings.TrimSpace(query.Get("collection"))

	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return filter, false
	}
	offset, err := parseNonNegativeInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return filter, false
	}
	filter.Limit = min(limit, maxLibraryPage)
	filter.Offset = offset
	return filter, true
}

func (s *Server) writeLibraryError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, library.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("library request failed", slog.String("op", op), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "library unavailable")
	}
}
