// Package counting runs one counting pipeline per configured stream and
// exposes their state to the API.
package counting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kai5263499/zone-counter/backend/internal/config"
	"github.com/kai5263499/zone-counter/backend/internal/counter"
	"github.com/kai5263499/zone-counter/backend/internal/detector"
	"github.com/kai5263499/zone-counter/backend/internal/health"
	"github.com/kai5263499/zone-counter/backend/internal/logger"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/pipeline"
	"github.com/kai5263499/zone-counter/backend/internal/sink"
	"github.com/kai5263499/zone-counter/backend/internal/snapshot"
	"github.com/kai5263499/zone-counter/backend/internal/store"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

const Version = "0.1.0"

var (
	ErrUnknownStream = errors.New("stream not found")
	ErrNotRunning    = errors.New("stream is not running")
)

// SourceOpener opens the video source of a stream.
type SourceOpener func(sc config.StreamConfig) (camera.Source, error)

// TrackerOpener builds the detector/tracker of a stream.
type TrackerOpener func(sc config.StreamConfig) (detector.Tracker, error)

// OpenTracker builds the tracker described by the stream configuration.
func OpenTracker(sc config.StreamConfig) (detector.Tracker, error) {
	return detector.New(detector.Options{
		Kind:       sc.Tracker.Kind,
		Command:    sc.Tracker.Command,
		Args:       sc.Tracker.Args,
		ReplayPath: sc.Tracker.ReplayPath,
		RecordPath: sc.Tracker.RecordPath,
		Timeout:    time.Duration(sc.Tracker.TimeoutMs) * time.Millisecond,
	})
}

type Manager struct {
	cfg         *config.Config
	db          *store.DB
	metrics     *metrics.Metrics
	openSource  SourceOpener
	openTracker TrackerOpener

	monitors  map[string]*StreamMonitor
	counters  map[string]*counter.Counters
	// last failed start per stream, cleared by a successful start
	startErrs map[string]string
	mu        sync.RWMutex

	healthChecker *health.Checker
	healthCache   map[string]health.CheckResult
	healthMu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StreamMonitor is the running state of one stream.
type StreamMonitor struct {
	Name     string
	pipeline *pipeline.Pipeline
	sink     *sink.Sink
	info     camera.StreamInfo

	subscribers []chan []byte
	closed      bool
	mu          sync.RWMutex
}

// NewManager builds a manager. db and m may be nil; without db no vehicle
// records are written.
func NewManager(cfg *config.Config, db *store.DB, m *metrics.Metrics, openSource SourceOpener, openTracker TrackerOpener) *Manager {
	snap := cfg.Get()
	log.Info().Int("health_check_interval", snap.Health.CheckIntervalSeconds).Int("health_timeout", snap.Health.TimeoutSeconds).Msg("Health config loaded")

	if openTracker == nil {
		openTracker = OpenTracker
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:           cfg,
		db:            db,
		metrics:       m,
		openSource:    openSource,
		openTracker:   openTracker,
		monitors:      make(map[string]*StreamMonitor),
		counters:      make(map[string]*counter.Counters),
		startErrs:     make(map[string]string),
		healthChecker: health.NewChecker(time.Duration(snap.Health.TimeoutSeconds) * time.Second),
		healthCache:   make(map[string]health.CheckResult),
		ctx:           ctx,
		cancel:        cancel,
	}

	cfg.Subscribe(mgr.onConfigChange)
	return mgr
}

// Start launches every enabled stream and the background health checks.
// Streams that fail to start are logged and skipped.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg.Get()
	for _, sc := range cfg.Streams {
		if !sc.Enabled {
			continue
		}
		if err := m.startMonitor(sc); err != nil {
			log.Error().Str("stream", sc.Name).Err(err).Msg("Failed to start stream")
		}
	}

	m.wg.Add(1)
	go m.runHealthChecks()
	return nil
}

// Stop stops every stream and the background work.
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	for name, monitor := range m.monitors {
		log.Info().Str("stream", name).Msg("Stopping stream")
		monitor.pipeline.Stop()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// StartStream starts counting on a configured stream.
func (m *Manager) StartStream(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if monitor, exists := m.monitors[name]; exists && monitor.running() {
		return fmt.Errorf("stream %s: %w", name, pipeline.ErrAlreadyRunning)
	}

	sc, ok := m.cfg.Get().Stream(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return m.startMonitor(sc)
}

// StopStream stops counting on a stream. Its counts are kept.
func (m *Manager) StopStream(name string) error {
	m.mu.Lock()
	monitor, exists := m.monitors[name]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	if !monitor.running() {
		return fmt.Errorf("stream %s: %w", name, ErrNotRunning)
	}

	monitor.pipeline.Stop()
	log.Info().Str("stream", name).Msg("Stream stopped")
	return nil
}

// Callers hold m.mu. A failure is kept as the stream's status reason.
func (m *Manager) startMonitor(sc config.StreamConfig) (err error) {
	defer func() {
		if err != nil {
			m.startErrs[sc.Name] = err.Error()
		} else {
			delete(m.startErrs, sc.Name)
		}
	}()

	if m.ctx.Err() != nil {
		return fmt.Errorf("manager stopped")
	}
	l := logger.Stream(sc.Name)
	l.Info().Str("url", sc.URL).Msg("Starting stream")

	evaluator, err := m.newEvaluator(sc)
	if err != nil {
		return err
	}

	counters, ok := m.counters[sc.Name]
	if !ok {
		counters = counter.New(labels(sc.Directions)...)
		m.counters[sc.Name] = counters
	}

	stats := m.metrics.Stream(sc.Name)
	writer := snapshot.NewWriter(sc.Name, sc.SnapshotDir, sc.SnapshotQuality)
	var records sink.VehicleRecorder
	if m.db != nil {
		records = m.db
	}
	s := sink.New(sc.Name, counters, writer, records, stats)

	if m.openSource == nil {
		return fmt.Errorf("%w: no video backend", pipeline.ErrSourceUnavailable)
	}
	source, err := m.openSource(sc)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
	}
	tracker, err := m.openTracker(sc)
	if err != nil {
		source.Close()
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	p := pipeline.New(pipeline.Config{
		Stream:        sc.Name,
		FrameSkip:     sc.FrameSkip,
		Width:         sc.Width,
		Height:        sc.Height,
		SweepInterval: time.Duration(m.cfg.Get().Tracking.SweepIntervalSeconds) * time.Second,
		Overlay:       sc.Overlay,
	}, source, tracker, evaluator, s, stats)

	monitor := &StreamMonitor{
		Name:     sc.Name,
		pipeline: p,
		sink:     s,
	}
	if ip, ok := source.(camera.InfoProvider); ok {
		monitor.info = ip.Info()
	}

	if err := p.Start(m.ctx); err != nil {
		p.Stop()
		return err
	}
	m.monitors[sc.Name] = monitor

	m.wg.Add(1)
	go m.broadcast(monitor)
	return nil
}

func (m *Manager) newEvaluator(sc config.StreamConfig) (*tracking.Evaluator, error) {
	zones := make([]tracking.Zone, len(sc.Zones))
	for i, z := range sc.Zones {
		zones[i] = tracking.Zone{ID: z.ID, Polygon: z.Polygon()}
	}
	rules := make([]tracking.DirectionRule, len(sc.Directions))
	for i, d := range sc.Directions {
		rules[i] = tracking.DirectionRule{Label: d.Label, From: d.From, To: d.To}
	}

	return tracking.NewEvaluator(tracking.EvaluatorConfig{
		Stream:        sc.Name,
		Zones:         zones,
		Rules:         rules,
		Classes:       sc.Classes,
		MinConfidence: sc.MinConfidence,
		TrackTimeout:  time.Duration(m.cfg.Get().Tracking.TrackTimeoutSeconds) * time.Second,
	})
}

// broadcast encodes processed frames for live viewers until the pipeline
// stops, then ends every subscription.
func (m *Manager) broadcast(monitor *StreamMonitor) {
	defer m.wg.Done()
	defer monitor.closeSubscribers()
	defer monitor.sink.Close()

	var buf bytes.Buffer
	for out := range monitor.pipeline.Frames() {
		monitor.mu.RLock()
		hasSubscribers := len(monitor.subscribers) > 0
		monitor.mu.RUnlock()
		if !hasSubscribers {
			continue
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, out.Image, &jpeg.Options{Quality: 75}); err != nil {
			log.Warn().Str("stream", monitor.Name).Err(err).Msg("Failed to encode live frame")
			continue
		}
		frameBytes := append([]byte(nil), buf.Bytes()...)

		monitor.mu.RLock()
		for _, sub := range monitor.subscribers {
			select {
			case sub <- frameBytes:
			default:
				// Skip if channel is full
			}
		}
		monitor.mu.RUnlock()
	}
}

func (sm *StreamMonitor) running() bool {
	return sm.pipeline.Status().State == pipeline.Running
}

func (sm *StreamMonitor) closeSubscribers() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, sub := range sm.subscribers {
		close(sub)
	}
	sm.subscribers = nil
	sm.closed = true
}

func (m *Manager) onConfigChange(cfg *config.Config) {
	log.Info().Int("streams", len(cfg.Get().Streams)).Msg("Configuration changed, restart a stream to apply its new settings")
}

// StreamStatus describes one configured stream.
type StreamStatus struct {
	Name     string              `json:"name"`
	Enabled  bool                `json:"enabled"`
	Running  bool                `json:"running"`
	Reason   string              `json:"reason,omitempty"`
	Counts   map[string]uint64   `json:"counts"`
	Pipeline *pipeline.Status    `json:"pipeline,omitempty"`
	Info     *camera.StreamInfo  `json:"info,omitempty"`
	Health   *health.CheckResult `json:"health,omitempty"`
}

// Status describes the whole system.
type Status struct {
	Streams []StreamStatus `json:"streams"`
	Version string         `json:"version"`
	Storage *StorageStatus `json:"storage,omitempty"`
}

// StorageStatus reports space left for snapshots.
type StorageStatus struct {
	Path        string  `json:"path"`
	AvailableGB float64 `json:"available_gb"`
	TotalGB     float64 `json:"total_gb"`
	Snapshots   int     `json:"snapshots"`
}

func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := m.cfg.Get()
	status := Status{
		Streams: make([]StreamStatus, 0, len(cfg.Streams)),
		Version: Version,
	}

	// Loop through ALL configured streams, not just running ones
	for _, sc := range cfg.Streams {
		st := StreamStatus{
			Name:    sc.Name,
			Enabled: sc.Enabled,
		}
		if c, ok := m.counters[sc.Name]; ok {
			st.Counts = c.Snapshot()
		} else {
			st.Counts = counter.New(labels(sc.Directions)...).Snapshot()
		}

		if monitor, exists := m.monitors[sc.Name]; exists {
			ps := monitor.pipeline.Status()
			st.Pipeline = &ps
			st.Running = ps.State == pipeline.Running
			st.Reason = ps.Reason
			if monitor.info.Width > 0 {
				info := monitor.info
				st.Info = &info
			}
		}

		if reason, failed := m.startErrs[sc.Name]; failed {
			st.Reason = reason
		}

		m.healthMu.RLock()
		if result, exists := m.healthCache[sc.Name]; exists {
			st.Health = &result
		}
		m.healthMu.RUnlock()

		status.Streams = append(status.Streams, st)
	}

	if len(cfg.Streams) > 0 {
		path := cfg.Streams[0].SnapshotDir
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err == nil {
			status.Storage = &StorageStatus{
				Path:        path,
				AvailableGB: float64(stat.Bavail*uint64(stat.Bsize)) / (1 << 30),
				TotalGB:     float64(stat.Blocks*uint64(stat.Bsize)) / (1 << 30),
				Snapshots:   len(m.Snapshots()),
			}
		}
	}

	return status
}

// Counts returns the direction counts of a stream.
func (m *Manager) Counts(name string) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[name]; ok {
		return c.Snapshot(), nil
	}
	sc, ok := m.cfg.Get().Stream(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	// configured but never started
	return counter.New(labels(sc.Directions)...).Snapshot(), nil
}

// Subscribe to live JPEG frames from a stream
func (m *Manager) Subscribe(name string) (chan []byte, error) {
	monitor, err := m.runningMonitor(name)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 5) // Buffer 5 frames
	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	if monitor.closed {
		return nil, fmt.Errorf("stream %s: %w", name, ErrNotRunning)
	}
	monitor.subscribers = append(monitor.subscribers, ch)

	return ch, nil
}

// Unsubscribe from live frames
func (m *Manager) Unsubscribe(name string, ch chan []byte) {
	m.mu.RLock()
	monitor, exists := m.monitors[name]
	m.mu.RUnlock()
	if !exists {
		return
	}

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	for i, sub := range monitor.subscribers {
		if sub == ch {
			monitor.subscribers = append(monitor.subscribers[:i], monitor.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// SubscribeEvents delivers every crossing handled on a running stream.
func (m *Manager) SubscribeEvents(name string) (chan sink.Record, error) {
	monitor, err := m.runningMonitor(name)
	if err != nil {
		return nil, err
	}
	return monitor.sink.Subscribe(32), nil
}

func (m *Manager) UnsubscribeEvents(name string, ch chan sink.Record) {
	m.mu.RLock()
	monitor, exists := m.monitors[name]
	m.mu.RUnlock()
	if exists {
		monitor.sink.Unsubscribe(ch)
	}
}

func (m *Manager) runningMonitor(name string) (*StreamMonitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	monitor, exists := m.monitors[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	if !monitor.running() {
		return nil, fmt.Errorf("stream %s: %w", name, ErrNotRunning)
	}
	return monitor, nil
}

// Snapshots lists the stored event snapshots of every stream, newest first.
func (m *Manager) Snapshots() []snapshot.FileInfo {
	files := make([]snapshot.FileInfo, 0)
	for _, sc := range m.cfg.Get().Streams {
		w := snapshot.NewWriter(sc.Name, sc.SnapshotDir, 0)
		list, err := w.List()
		if err != nil {
			log.Warn().Str("stream", sc.Name).Err(err).Msg("Failed to list snapshots")
			continue
		}
		files = append(files, list...)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files
}

// SnapshotDirs returns the directories snapshots may be served from.
func (m *Manager) SnapshotDirs() []string {
	cfg := m.cfg.Get()
	dirs := make([]string, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		dirs = append(dirs, sc.SnapshotDir)
	}
	return dirs
}

// runHealthChecks performs periodic health checks on all configured streams
func (m *Manager) runHealthChecks() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(m.cfg.Get().Health.CheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	// Run initial check immediately
	m.performHealthChecks()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.performHealthChecks()
		}
	}
}

// performHealthChecks checks all configured streams
func (m *Manager) performHealthChecks() {
	cfg := m.cfg.Get()

	for _, sc := range cfg.Streams {
		result := m.healthChecker.Check(sc.URL)

		m.healthMu.Lock()
		m.healthCache[sc.Name] = result
		m.healthMu.Unlock()

		log.Debug().
			Str("stream", sc.Name).
			Bool("host_reachable", result.HostReachable).
			Bool("url_accessible", result.URLAccessible).
			Int64("response_time_ms", result.ResponseTime).
			Msg("Health check")
	}
}

func labels(directions []config.DirectionConfig) []string {
	out := make([]string, len(directions))
	for i, d := range directions {
		out[i] = d.Label
	}
	return out
}
