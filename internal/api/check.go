package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

func (s *Server) startCheck(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "checker unavailable")
		return
	}
	if err := s.deps.Runner.Start(); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
			return
		}
		s.logger.Error("start check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start check")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) stopCheck(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "checker unavailable")
		return
	}
	status := "idle"
	if s.deps.Runner.Stop() {
		status = "stopping"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) checkStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "checker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runner.Status())
}

func (s *Server) listUpdates(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "checker unavailable")
		return
	}
	updates := s.deps.Runner.Updates()
	if updates == nil {
		updates = []watch.Update{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": updates})
}

// streamProgress relays run events as Server-Sent Events until the client
// goes away or the event source closes.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "progress stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel := s.deps.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			name, payload := sseMessage(evt)
			if name == "" {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				s.logger.Warn("encode progress event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseMessage maps an event onto the stream's message types. Fetch events are
// not streamed.
func sseMessage(evt progress.Event) (string, any) {
	runID := evt.RunUUID().String()
	switch evt.Stage {
	case progress.StageCheckStart:
		return "start", map[string]any{"run_id": runID, "total": evt.Total}
	case progress.StageSourceDone:
		return "progress", map[string]any{
			"run_id":  runID,
			"current": evt.Current,
			"total":   evt.Total,
			"name":    evt.Source,
			"failed":  evt.Failed,
		}
	case progress.StageItemFound:
		return "item", map[string]any{"run_id": runID, "data": evt.Update}
	case progress.StageCheckDone, progress.StageCheckStopped, progress.StageCheckError:
		status := watch.RunSuccess
		switch evt.Stage {
		case progress.StageCheckStopped:
			status = watch.RunStopped
		case progress.StageCheckError:
			status = watch.RunError
		}
		msg := map[string]any{"run_id": runID, "count": evt.Items, "status": status}
		if evt.Note != "" {
			msg["note"] = evt.Note
		}
		return "done", msg
	default:
		return "", nil
	}
}
