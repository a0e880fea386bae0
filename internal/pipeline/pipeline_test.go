package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kai5263499/zone-counter/backend/internal/counter"
	"github.com/kai5263499/zone-counter/backend/internal/geometry"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/sink"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

var t0 = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu     sync.Mutex
	frames []*camera.Frame
	next   int
	err    error // returned once frames run out
	block  bool  // wait for cancellation once frames run out
	closed bool
}

func newSource(n int, w, h int) *fakeSource {
	s := &fakeSource{}
	for i := 1; i <= n; i++ {
		s.frames = append(s.frames, &camera.Frame{
			Seq:      int64(i),
			Captured: t0.Add(time.Duration(i) * time.Second),
			Image:    image.NewRGBA(image.Rect(0, 0, w, h)),
		})
	}
	return s
}

func (s *fakeSource) Next(ctx context.Context) (*camera.Frame, error) {
	s.mu.Lock()
	if s.next < len(s.frames) {
		f := s.frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, camera.ErrEndOfStream
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTracker struct {
	mu     sync.Mutex
	dets   map[int64][]tracking.Detection
	errAt  map[int64]bool
	seen   []int64
	sizes  []image.Rectangle
	closed bool
}

func newTracker() *fakeTracker {
	return &fakeTracker{dets: make(map[int64][]tracking.Detection), errAt: make(map[int64]bool)}
}

func (f *fakeTracker) at(seq int64, id string, cx, cy int) {
	f.dets[seq] = append(f.dets[seq], tracking.Detection{
		TrackID:    id,
		Box:        geometry.Box{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10},
		Class:      "car",
		Confidence: 0.9,
	})
}

func (f *fakeTracker) Track(_ context.Context, frame *camera.Frame) ([]tracking.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, frame.Seq)
	f.sizes = append(f.sizes, frame.Image.Bounds())
	if f.errAt[frame.Seq] {
		return nil, errors.New("model exploded")
	}
	return f.dets[frame.Seq], nil
}

func (f *fakeTracker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func evaluator(t *testing.T) *tracking.Evaluator {
	t.Helper()
	e, err := tracking.NewEvaluator(tracking.EvaluatorConfig{
		Stream: "cam",
		Zones: []tracking.Zone{
			{ID: "area1", Polygon: geometry.Polygon{geometry.Pt(200, 100), geometry.Pt(600, 100), geometry.Pt(600, 200), geometry.Pt(200, 200)}},
			{ID: "area2", Polygon: geometry.Polygon{geometry.Pt(300, 300), geometry.Pt(800, 300), geometry.Pt(1000, 400), geometry.Pt(300, 400)}},
		},
		Rules: []tracking.DirectionRule{
			{Label: "up", From: "area1", To: "area2"},
			{Label: "down", From: "area2", To: "area1"},
		},
		TrackTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	return e
}

type harness struct {
	p       *Pipeline
	source  *fakeSource
	tracker *fakeTracker
	sink    *sink.Sink
	stats   *metrics.Stream
}

func newHarness(t *testing.T, cfg Config, source *fakeSource, tracker *fakeTracker) *harness {
	t.Helper()
	cfg.Stream = "cam"
	stats := metrics.NewStream("cam")
	s := sink.New("cam", counter.New("up", "down"), nil, nil, stats)
	return &harness{
		p:       New(cfg, source, tracker, evaluator(t), s, stats),
		source:  source,
		tracker: tracker,
		sink:    s,
		stats:   stats,
	}
}

func waitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestScenarioCountsOneUpEvent(t *testing.T) {
	tr := newTracker()
	tr.at(1, "7", 400, 150)
	tr.at(5, "7", 650, 350)
	tr.at(9, "7", 650, 350)

	h := newHarness(t, Config{FrameSkip: 1}, newSource(10, 1020, 500), tr)
	events := h.sink.Subscribe(8)

	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	st := h.p.Status()
	assert.Equal(t, Stopped, st.State)
	assert.Empty(t, st.Reason)
	assert.NoError(t, h.p.Err())
	assert.Equal(t, map[string]uint64{"up": 1, "down": 0}, st.Counts)
	assert.Equal(t, uint64(10), st.FramesRead)
	assert.Equal(t, uint64(10), st.FramesProcessed)
	assert.NotEmpty(t, st.RunID)

	assert.True(t, h.source.isClosed())
	assert.True(t, h.tracker.closed)

	require.Len(t, events, 1)
	rec := <-events
	assert.Equal(t, "7", rec.Event.TrackID)
	assert.Equal(t, "up", rec.Event.Direction)
	assert.Equal(t, int64(5), rec.Event.FrameSeq)
	assert.Equal(t, t0.Add(5*time.Second), rec.Event.Timestamp)
}

func TestFrameSkipProcessesEveryThirdFrame(t *testing.T) {
	h := newHarness(t, Config{}, newSource(9, 1020, 500), newTracker())
	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	assert.Equal(t, []int64{3, 6, 9}, h.tracker.seen)
	st := h.p.Status()
	assert.Equal(t, uint64(9), st.FramesRead)
	assert.Equal(t, uint64(6), st.FramesSkipped)
	assert.Equal(t, uint64(3), st.FramesProcessed)
}

func TestDetectorErrorSkipsFrame(t *testing.T) {
	tr := newTracker()
	tr.at(5, "7", 400, 150)
	tr.errAt[6] = true
	tr.at(7, "7", 650, 350)

	h := newHarness(t, Config{FrameSkip: 1}, newSource(8, 1020, 500), tr)
	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	st := h.p.Status()
	assert.Equal(t, Stopped, st.State)
	assert.NoError(t, h.p.Err())
	assert.Equal(t, uint64(1), st.DetectorErrors)
	assert.Equal(t, uint64(7), st.FramesProcessed)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, tr.seen)
	assert.Equal(t, uint64(1), st.Counts["up"])
}

func TestSourceFailureStopsWithReason(t *testing.T) {
	src := newSource(2, 1020, 500)
	src.err = errors.New("read failed 5 times")

	h := newHarness(t, Config{FrameSkip: 1}, src, newTracker())
	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	assert.ErrorIs(t, h.p.Err(), ErrSourceUnavailable)
	st := h.p.Status()
	assert.Equal(t, Stopped, st.State)
	assert.Contains(t, st.Reason, "read failed 5 times")
	assert.True(t, src.isClosed())
}

func TestStopReleasesSource(t *testing.T) {
	src := newSource(3, 1020, 500)
	src.block = true

	h := newHarness(t, Config{FrameSkip: 1}, src, newTracker())
	require.NoError(t, h.p.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return h.p.Status().FramesRead == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Running, h.p.Status().State)

	h.p.Stop()

	assert.True(t, src.isClosed())
	assert.Equal(t, Stopped, h.p.Status().State)
	assert.NoError(t, h.p.Err())

	// no implicit restart
	assert.ErrorIs(t, h.p.Start(context.Background()), ErrStopped)
	assert.NotPanics(t, h.p.Stop)
}

func TestCancelledParentContextStops(t *testing.T) {
	src := newSource(0, 1020, 500)
	src.block = true

	h := newHarness(t, Config{}, src, newTracker())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.p.Start(ctx))
	cancel()
	waitDone(t, h.p)
	assert.True(t, src.isClosed())
}

func TestStartTwice(t *testing.T) {
	src := newSource(0, 1020, 500)
	src.block = true

	h := newHarness(t, Config{}, src, newTracker())
	require.NoError(t, h.p.Start(context.Background()))
	defer h.p.Stop()

	assert.ErrorIs(t, h.p.Start(context.Background()), ErrAlreadyRunning)
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, Config{}, newSource(1, 1020, 500), newTracker())
	assert.Equal(t, Idle, h.p.Status().State)

	h.p.Stop()
	waitDone(t, h.p)
	assert.True(t, h.source.isClosed())
	assert.True(t, h.tracker.closed)
	assert.ErrorIs(t, h.p.Start(context.Background()), ErrStopped)
}

func TestFramesKeepNewest(t *testing.T) {
	h := newHarness(t, Config{FrameSkip: 1, OutputBuffer: 1}, newSource(5, 1020, 500), newTracker())
	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	var seqs []int64
	for out := range h.p.Frames() {
		seqs = append(seqs, out.Seq)
	}
	assert.Equal(t, []int64{5}, seqs)
	assert.Equal(t, uint64(4), h.stats.FramesDropped.Load())
}

func TestFramesResizedToWorkingResolution(t *testing.T) {
	h := newHarness(t, Config{FrameSkip: 1, Overlay: true}, newSource(2, 640, 480), newTracker())
	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	for _, b := range h.tracker.sizes {
		assert.Equal(t, image.Rect(0, 0, DefaultWidth, DefaultHeight), b)
	}
	out, ok := <-h.p.Frames()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, DefaultWidth, DefaultHeight), out.Image.Bounds())
}

func TestStaleTracksSwept(t *testing.T) {
	tr := newTracker()
	tr.at(1, "old", 50, 50)
	for seq := int64(2); seq <= 45; seq++ {
		tr.at(seq, "new", 60, 60)
	}

	h := newHarness(t, Config{FrameSkip: 1, SweepInterval: 5 * time.Second}, newSource(45, 1020, 500), tr)
	require.NoError(t, h.p.Start(context.Background()))
	waitDone(t, h.p)

	// "old" was last seen 44s before the end, beyond the 30s timeout
	assert.Equal(t, uint64(1), h.p.Status().ActiveTracks)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	text, err := Stopped.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "stopped", string(text))
}

func TestStatusJSONRoundTrip(t *testing.T) {
	in := Status{
		Stream:    "cam",
		RunID:     "run-1",
		State:     Stopped,
		Reason:    "video source unavailable: eof",
		Counts:    map[string]uint64{"up": 2, "down": 1},
		StartedAt: t0,
		StoppedAt: t0.Add(time.Minute),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"stopped"`)

	var out Status
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, Stopped, out.State)
	assert.Equal(t, in.Counts, out.Counts)
	assert.True(t, in.StoppedAt.Equal(out.StoppedAt))

	var st State
	assert.Error(t, st.UnmarshalText([]byte("paused")))
	require.NoError(t, st.UnmarshalText([]byte("running")))
	assert.Equal(t, Running, st)
}
