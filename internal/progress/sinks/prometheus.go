package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
)

// PrometheusSink exports task progress metrics via Prometheus. It owns all
// collectors for tasks started/completed/running, phase transitions and
// harvested item totals.
type PrometheusSink struct {
	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec

	phaseTransitions *prometheus.CounterVec
	phaseFailures    *prometheus.CounterVec
	itemsHarvested   *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_tasks_started_total",
			Help: "Total tasks that have started processing, partitioned by kind.",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_tasks_completed_total",
			Help: "Total tasks finished partitioned by kind and result.",
		}, []string{"kind", "result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_phase_transitions_total",
			Help: "Phase transitions partitioned by phase and status.",
		}, []string{"phase", "status"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_phase_failures_total",
			Help: "Task failures partitioned by the phase that failed.",
		}, []string{"phase"}),
		itemsHarvested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_items_total",
			Help: "Items written by completed tasks, partitioned by kind.",
		}, []string{"kind"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.phaseTransitions,
		s.phaseFailures,
		s.itemsHarvested,
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
	if evt.Status == "" {
		return
	}
	kind := string(evt.Kind)
	if kind == "" {
		kind = "unknown"
	}
	if evt.Phase != harvest.PhaseNone {
		s.phaseTransitions.WithLabelValues(string(evt.Phase), string(evt.Status)).Inc()
	}
	switch evt.Status {
	case harvest.StatusProcessing:
		if s.tracker.start(evt.TaskID, evt.TS) {
			s.tasksStarted.WithLabelValues(kind).Inc()
			s.tasksRunning.Inc()
		}
	case harvest.StatusPaused:
		if _, ok := s.tracker.complete(evt.TaskID); ok {
			s.tasksRunning.Dec()
		}
	case harvest.StatusCompleted:
		s.tasksCompleted.WithLabelValues(kind, "success").Inc()
		if evt.Data.ItemCount != nil {
			s.itemsHarvested.WithLabelValues(kind).Add(float64(*evt.Data.ItemCount))
		}
		s.finish(evt, "success")
	case harvest.StatusFailed:
		s.tasksCompleted.WithLabelValues(kind, "error").Inc()
		phase := string(evt.Data.FailedPhase)
		if phase == "" {
			phase = "unknown"
		}
		s.phaseFailures.WithLabelValues(phase).Inc()
		s.finish(evt, "error")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	started, ok := s.tracker.complete(evt.TaskID)
	if !ok {
		return
	}
	s.tasksRunning.Dec()
	if d := evt.TS.Sub(started); d > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(d.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]time.Time)}
}

func (t *taskTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *taskTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return at, true
}
