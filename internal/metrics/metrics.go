// Package metrics exposes per-stream pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream holds the counters of one pipeline
type Stream struct {
	// Frame counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	FramesDropped   atomic.Uint64 // live output overwritten before a reader took it

	// Error counters
	DetectorErrors   atomic.Uint64
	SnapshotFailures atomic.Uint64
	RecordFailures   atomic.Uint64
	EventsDropped    atomic.Uint64

	ActiveTracks     atomic.Uint64
	ProcessLatencyMs atomic.Uint64 // last frame

	events *prometheus.CounterVec
	name   string
}

// UpdateProcessLatency stores how long the last processed frame took.
func (s *Stream) UpdateProcessLatency(d time.Duration) {
	s.ProcessLatencyMs.Store(uint64(d.Milliseconds()))
}

// Event counts one crossing in the given direction.
func (s *Stream) Event(direction string) {
	if s.events == nil {
		return
	}
	s.events.WithLabelValues(s.name, direction).Inc()
}

// Metrics owns the registry and the per-stream counters.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec

	mu      sync.Mutex
	streams map[string]*Stream
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zone_counter_events_total",
				Help: "Zone crossing events by stream and direction",
			},
			[]string{"stream", "direction"},
		),
		streams: make(map[string]*Stream),
	}
	m.registry.MustRegister(m.events)
	return m
}

// NewStream returns counters that are not exported anywhere.
func NewStream(name string) *Stream {
	return &Stream{name: name}
}

// Stream returns the counters for name, registering them on first use.
// A nil Metrics hands out unregistered counters.
func (m *Metrics) Stream(name string) *Stream {
	if m == nil {
		return NewStream(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[name]; ok {
		return s
	}
	s := &Stream{name: name, events: m.events}
	m.streams[name] = s
	m.register(s)
	return s
}

func (m *Metrics) register(s *Stream) {
	gauges := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"zone_counter_frames_read_total", "Frames read from the video source", &s.FramesRead},
		{"zone_counter_frames_processed_total", "Frames passed to the tracker", &s.FramesProcessed},
		{"zone_counter_frames_skipped_total", "Frames skipped by the frame stride", &s.FramesSkipped},
		{"zone_counter_frames_dropped_total", "Live frames overwritten before delivery", &s.FramesDropped},
		{"zone_counter_detector_errors_total", "Frames the tracker failed on", &s.DetectorErrors},
		{"zone_counter_snapshot_failures_total", "Event snapshots that could not be written", &s.SnapshotFailures},
		{"zone_counter_record_failures_total", "Event records that could not be stored", &s.RecordFailures},
		{"zone_counter_events_dropped_total", "Events not delivered to a slow subscriber", &s.EventsDropped},
		{"zone_counter_active_tracks", "Tracks currently held in memory", &s.ActiveTracks},
		{"zone_counter_process_latency_ms", "Processing time of the last frame in milliseconds", &s.ProcessLatencyMs},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        g.name,
				Help:        g.help,
				ConstLabels: prometheus.Labels{"stream": s.name},
			},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests and embedding.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
