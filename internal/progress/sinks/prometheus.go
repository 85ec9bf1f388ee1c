package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

// PrometheusSink exports check progress metrics via Prometheus. It owns the
// collectors for runs started/completed/running, per-source results, items
// found and per-site fetch counters.
type PrometheusSink struct {
	checksStarted   prometheus.Counter
	checksCompleted *prometheus.CounterVec
	checksRunning   prometheus.Gauge
	checkRuntime    *prometheus.HistogramVec
	sourcesChecked  *prometheus.CounterVec
	itemsFound      prometheus.Counter

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		checksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewatch_checks_started_total",
			Help: "Total check runs that have started.",
		}),
		checksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_checks_completed_total",
			Help: "Total check runs completed partitioned by result.",
		}, []string{"result"}),
		checksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagewatch_checks_running",
			Help: "Current number of running check runs.",
		}),
		checkRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagewatch_check_runtime_seconds",
			Help:    "Wall time per completed check run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		sourcesChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_check_sources_total",
			Help: "Sources finished within check runs partitioned by result.",
		}, []string{"result"}),
		itemsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewatch_check_items_found_total",
			Help: "Updates reported by check runs.",
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_fetch_completions_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_fetch_response_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagewatch_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"site", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.checksStarted,
		s.checksCompleted,
		s.checksRunning,
		s.checkRuntime,
		s.sourcesChecked,
		s.itemsFound,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCheckStart, progress.StageCheckDone, progress.StageCheckStopped, progress.StageCheckError:
		s.handleRunEvent(evt)
	case progress.StageSourceDone:
		result := "success"
		if evt.Failed {
			result = "error"
		}
		s.sourcesChecked.WithLabelValues(result).Inc()
	case progress.StageItemFound:
		s.itemsFound.Inc()
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	var result string
	switch evt.Stage {
	case progress.StageCheckStart:
		s.checksStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.checksRunning.Inc()
		}
		return
	case progress.StageCheckDone:
		result = "success"
	case progress.StageCheckStopped:
		result = "stopped"
	case progress.StageCheckError:
		result = "error"
	}
	s.checksCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.checkRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.checksRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
