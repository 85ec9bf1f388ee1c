package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

const (
	defaultItemLimit = 50
	maxItemLimit     = 500
)

type createSourceRequest struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	sources, err := s.deps.Repo.ListSources(r.Context())
	if err != nil {
		s.logger.Error("list sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if sources == nil {
		sources = []watch.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sources})
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	raw := strings.TrimSpace(req.URL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	src, err := s.deps.Repo.CreateSource(r.Context(), watch.Source{
		URL:       raw,
		Name:      strings.TrimSpace(req.Name),
		AvatarURL: strings.TrimSpace(req.AvatarURL),
	})
	if err != nil {
		if errors.Is(err, watch.ErrDuplicate) {
			writeError(w, http.StatusConflict, "source already exists")
			return
		}
		s.logger.Error("create source failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create source")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": src})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	id, err := parseInt64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := s.deps.Repo.GetSource(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err, "source not found", "failed to load source")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": src})
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	id, err := parseInt64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Repo.DeleteSource(r.Context(), id); err != nil {
		s.notFoundOr500(w, err, "source not found", "failed to delete source")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSourceItems(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	id, err := parseInt64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _, err := parseLimitOffset(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Repo.GetSource(r.Context(), id); err != nil {
		s.notFoundOr500(w, err, "source not found", "failed to load source")
		return
	}
	items, err := s.deps.Repo.ListItems(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []watch.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (s *Server) markWatched(w http.ResponseWriter, r *http.Request) {
	if s.deps.Marker == nil {
		writeError(w, http.StatusServiceUnavailable, "checker unavailable")
		return
	}
	id, err := parseInt64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Marker.MarkWatched(r.Context(), id); err != nil {
		s.notFoundOr500(w, err, "item not found", "failed to mark item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_watched": true})
}

// openItem returns the page link of an item and the configured external
// opener, leaving the launch to the client.
func (s *Server) openItem(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	id, err := parseInt64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := s.deps.Repo.GetItem(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err, "item not found", "failed to load item")
		return
	}
	src, err := s.deps.Repo.GetSource(r.Context(), item.SourceID)
	if err != nil {
		s.notFoundOr500(w, err, "source not found", "failed to load source")
		return
	}
	opener := s.deps.Opener
	if opener == nil {
		opener = watch.PathOpener{}
	}
	link := opener.ItemURL(src, item)
	if link == "" {
		writeError(w, http.StatusUnprocessableEntity, "item has no link")
		return
	}
	resp := map[string]any{"url": link}
	if s.deps.Settings != nil {
		if settings, err := s.deps.Settings.GetSettings(r.Context()); err == nil && settings.OpenerPath != "" {
			resp["browser_path"] = settings.OpenerPath
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, watch.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error(failed, zap.Error(err))
	writeError(w, http.StatusInternalServerError, failed)
}

func parseInt64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}
