package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/readlater-archiver/internal/events"
)

// PrometheusSink counts lifecycle events and tracks items between
// capture.started and a terminal capture event.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	inFlight    prometheus.Gauge
	attemptTime *prometheus.HistogramVec

	tracker *attemptTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_lifecycle_events_total",
			Help: "Lifecycle events emitted partitioned by kind.",
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_capture_attempts_in_flight",
			Help: "Capture attempts started but not yet settled.",
		}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_attempt_runtime_seconds",
			Help:    "Capture attempt wall time as reported by terminal events.",
			Buckets: []float64{1, 5, 15, 30, 60, 90, 120, 300},
		}, []string{"result"}),
		tracker: newAttemptTracker(),
	}
	for _, collector := range []prometheus.Collector{s.events, s.inFlight, s.attemptTime} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	s.events.WithLabelValues(string(evt.Kind)).Inc()
	key := attemptKey{id: evt.ItemID, attempt: evt.Attempt}
	switch evt.Kind {
	case events.KindCaptureStarted:
		if s.tracker.start(key) {
			s.inFlight.Inc()
		}
	case events.KindCaptureCompleted, events.KindCaptureFailed:
		result := "completed"
		if evt.Kind == events.KindCaptureFailed {
			result = "failed"
		}
		if evt.Dur > 0 {
			s.attemptTime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(key) {
			s.inFlight.Dec()
		}
	case events.KindDeleted:
		s.inFlight.Sub(float64(s.tracker.forget(evt.ItemID)))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type attemptKey struct {
	id      string
	attempt int
}

// attemptTracker is only touched from the hub goroutine.
type attemptTracker struct {
	running map[attemptKey]struct{}
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{running: make(map[attemptKey]struct{})}
}

func (t *attemptTracker) start(key attemptKey) bool {
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *attemptTracker) complete(key attemptKey) bool {
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}

func (t *attemptTracker) forget(id string) int {
	n := 0
	for key := range t.running {
		if key.id == id {
			delete(t.running, key)
			n++
		}
	}
	return n
}
