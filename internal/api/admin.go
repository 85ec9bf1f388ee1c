package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/logging"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
)

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.deps.Governor != nil {
		resp["governor"] = s.deps.Governor.Statistics()
	}
	if s.deps.Cache != nil {
		cs, err := s.deps.Cache.Stats(r.Context())
		if err != nil {
			s.logger.Warn("cache stats failed", zap.Error(err))
		} else {
			resp["cache"] = map[string]any{
				"memory_count": cs.MemoryCount,
				"disk_count":   cs.DiskCount,
				"disk_bytes":   cs.DiskBytes,
				"ttl_seconds":  int(cs.TTL.Seconds()),
			}
		}
	}
	if s.deps.Repo != nil {
		if sources, err := s.deps.Repo.ListSources(r.Context()); err == nil {
			resp["sources"] = len(sources)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": resp})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return
	}
	settings, err := s.deps.Settings.GetSettings(r.Context())
	if err != nil {
		s.logger.Error("get settings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// putSettings applies a partial update; omitted fields keep their values.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return
	}
	current, err := s.deps.Settings.GetSettings(r.Context())
	if err != nil {
		s.logger.Error("get settings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	var req struct {
		CheckInterval   *int    `json:"check_interval"`
		UpdateRangeDays *int    `json:"update_range_days"`
		AutoCheck       *bool   `json:"auto_check"`
		BrowserPath     *string `json:"browser_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	next := current
	next.CheckIntervalSeconds = valueOrDefault(req.CheckInterval, current.CheckIntervalSeconds)
	next.UpdateRangeDays = valueOrDefault(req.UpdateRangeDays, current.UpdateRangeDays)
	next.AutoCheck = valueOrDefault(req.AutoCheck, current.AutoCheck)
	next.OpenerPath = valueOrDefault(req.BrowserPath, current.OpenerPath)
	if err := scheduler.ValidateSettings(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Settings.SaveSettings(r.Context(), next); err != nil {
		if errors.Is(err, scheduler.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("save settings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) logs(w http.ResponseWriter, _ *http.Request) {
	text, err := logging.Tail(s.cfg.Logging.File, logging.DefaultTailBytes)
	if err != nil {
		s.logger.Warn("tail log file failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": text})
}

func (s *Server) feedAtom(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "application/atom+xml; charset=utf-8", func(ctx context.Context, out io.Writer) error {
		return s.deps.Feeds.WriteAtom(ctx, out)
	})
}

func (s *Server) feedRSS(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "application/rss+xml; charset=utf-8", func(ctx context.Context, out io.Writer) error {
		return s.deps.Feeds.WriteRSS(ctx, out)
	})
}

func (s *Server) exportJSON(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "application/json", func(ctx context.Context, out io.Writer) error {
		return s.deps.Feeds.WriteJSON(ctx, out)
	})
}

// render buffers the export so a failure can still produce an error status.
func (s *Server) render(
	w http.ResponseWriter,
	r *http.Request,
	contentType string,
	write func(context.Context, io.Writer) error,
) {
	if s.deps.Feeds == nil {
		writeError(w, http.StatusServiceUnavailable, "export unavailable")
		return
	}
	var buf bytes.Buffer
	if err := write(r.Context(), &buf); err != nil {
		s.logger.Error("render export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render export")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("write export failed", zap.Error(err))
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
