package counting

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kai5263499/zone-counter/backend/internal/config"
	"github.com/kai5263499/zone-counter/backend/internal/detector"
	"github.com/kai5263499/zone-counter/backend/internal/geometry"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/pipeline"
	"github.com/kai5263499/zone-counter/backend/internal/store"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

var t0 = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu     sync.Mutex
	n      int
	next   int
	block  bool
	closed bool
}

func (s *fakeSource) Next(ctx context.Context) (*camera.Frame, error) {
	s.mu.Lock()
	if s.next < s.n {
		s.next++
		seq := s.next
		s.mu.Unlock()
		return &camera.Frame{
			Seq:      int64(seq),
			Captured: t0.Add(time.Duration(seq) * time.Second),
			Image:    image.NewRGBA(image.Rect(0, 0, 1020, 500)),
		}, nil
	}
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, camera.ErrEndOfStream
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) Info() camera.StreamInfo {
	return camera.StreamInfo{Width: 1020, Height: 500, FPS: 25, Resolution: "1020x500"}
}

// crossingTracker reports one car driving from area1 into area2.
type crossingTracker struct{}

func (crossingTracker) Track(_ context.Context, frame *camera.Frame) ([]tracking.Detection, error) {
	var cx, cy int
	switch frame.Seq {
	case 1:
		cx, cy = 400, 150
	case 2:
		cx, cy = 500, 350
	default:
		return nil, nil
	}
	return []tracking.Detection{{
		TrackID:    "7",
		Box:        geometry.Box{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10},
		Class:      "car",
		Confidence: 0.9,
	}}, nil
}

func (crossingTracker) Close() error { return nil }

type harness struct {
	mgr     *Manager
	db      *store.DB
	mu      sync.Mutex
	sources []*fakeSource
	frames  int
	block   bool
}

func newHarness(t *testing.T, frames int, block bool) *harness {
	t.Helper()
	dir := t.TempDir()
	video := filepath.Join(dir, "traffic.mp4")
	require.NoError(t, os.WriteFile(video, []byte("x"), 0o644))

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
health:
  check_interval_seconds: 60
streams:
  - name: cam
    url: %s
    frame_skip: 1
    snapshot_dir: %s
    zones:
      - id: area1
        points: [[200, 100], [600, 100], [600, 200], [200, 200]]
      - id: area2
        points: [[300, 300], [800, 300], [1000, 400], [300, 400]]
  - name: idle
    url: %s
    snapshot_dir: %s
    zones:
      - id: area1
        points: [[0, 0], [10, 0], [10, 10]]
      - id: area2
        points: [[20, 0], [30, 0], [30, 10]]
`, video, filepath.Join(dir, "cam"), video, filepath.Join(dir, "idle"))))
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(dir, "vehicles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, frames: frames, block: block}
	open := func(sc config.StreamConfig) (camera.Source, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		src := &fakeSource{n: h.frames, block: h.block}
		h.sources = append(h.sources, src)
		return src, nil
	}
	track := func(config.StreamConfig) (detector.Tracker, error) {
		return crossingTracker{}, nil
	}
	h.mgr = NewManager(cfg, db, metrics.New(), open, track)
	t.Cleanup(h.mgr.Stop)
	return h
}

func (h *harness) waitStopped(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, err := h.mgr.runningMonitor(name)
		return m == nil && errors.Is(err, ErrNotRunning)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStreamCountsCrossing(t *testing.T) {
	h := newHarness(t, 5, false)

	require.NoError(t, h.mgr.StartStream("cam"))
	h.waitStopped(t, "cam")

	counts, err := h.mgr.Counts("cam")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"up": 1, "down": 0}, counts)

	byDir, err := h.db.CountByDirection(context.Background(), "cam")
	require.NoError(t, err)
	assert.Equal(t, int64(1), byDir["up"])

	snaps := h.mgr.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "cam", snaps[0].Stream)

	h.mu.Lock()
	assert.True(t, h.sources[0].closed)
	h.mu.Unlock()
}

func TestCountsSurviveRestart(t *testing.T) {
	h := newHarness(t, 3, false)

	require.NoError(t, h.mgr.StartStream("cam"))
	h.waitStopped(t, "cam")
	require.NoError(t, h.mgr.StartStream("cam"))
	h.waitStopped(t, "cam")

	counts, err := h.mgr.Counts("cam")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts["up"])
}

func TestStartStreamErrors(t *testing.T) {
	h := newHarness(t, 0, true)

	assert.ErrorIs(t, h.mgr.StartStream("nope"), ErrUnknownStream)
	assert.ErrorIs(t, h.mgr.StopStream("cam"), ErrUnknownStream)

	require.NoError(t, h.mgr.StartStream("cam"))
	assert.ErrorIs(t, h.mgr.StartStream("cam"), pipeline.ErrAlreadyRunning)

	require.NoError(t, h.mgr.StopStream("cam"))
	assert.ErrorIs(t, h.mgr.StopStream("cam"), ErrNotRunning)
}

func TestSourceOpenFailure(t *testing.T) {
	h := newHarness(t, 0, false)
	h.mgr.openSource = func(config.StreamConfig) (camera.Source, error) {
		return nil, errors.New("connection refused")
	}

	err := h.mgr.StartStream("cam")
	assert.ErrorIs(t, err, pipeline.ErrSourceUnavailable)
	assert.ErrorIs(t, h.mgr.StopStream("cam"), ErrUnknownStream)
	assert.Equal(t, err.Error(), h.mgr.GetStatus().Streams[0].Reason)
}

func TestSubscribeReceivesFramesUntilStop(t *testing.T) {
	h := newHarness(t, 0, true)

	_, err := h.mgr.Subscribe("cam")
	assert.ErrorIs(t, err, ErrUnknownStream)

	require.NoError(t, h.mgr.StartStream("cam"))
	frames, err := h.mgr.Subscribe("cam")
	require.NoError(t, err)
	events, err := h.mgr.SubscribeEvents("cam")
	require.NoError(t, err)

	require.NoError(t, h.mgr.StopStream("cam"))

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-frames:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeDeliversJPEG(t *testing.T) {
	h := newHarness(t, 1, true)
	h.mgr.openSource = func(config.StreamConfig) (camera.Source, error) {
		return &endless{}, nil
	}

	require.NoError(t, h.mgr.StartStream("cam"))
	frames, err := h.mgr.Subscribe("cam")
	require.NoError(t, err)

	select {
	case b := <-frames:
		require.Greater(t, len(b), 2)
		assert.Equal(t, []byte{0xFF, 0xD8}, b[:2])
	case <-time.After(2 * time.Second):
		t.Fatal("no live frame")
	}

	h.mgr.Unsubscribe("cam", frames)
	for range frames {
	}
}

type endless struct{ seq int64 }

func (e *endless) Next(ctx context.Context) (*camera.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	e.seq++
	return &camera.Frame{Seq: e.seq, Captured: t0, Image: image.NewRGBA(image.Rect(0, 0, 64, 32))}, nil
}

func (e *endless) Close() error { return nil }

func TestGetStatus(t *testing.T) {
	h := newHarness(t, 0, true)
	require.NoError(t, h.mgr.StartStream("cam"))

	status := h.mgr.GetStatus()
	assert.Equal(t, Version, status.Version)
	require.Len(t, status.Streams, 2)

	cam := status.Streams[0]
	assert.Equal(t, "cam", cam.Name)
	assert.True(t, cam.Running)
	require.NotNil(t, cam.Pipeline)
	assert.Equal(t, pipeline.Running, cam.Pipeline.State)
	require.NotNil(t, cam.Info)
	assert.Equal(t, 1020, cam.Info.Width)

	idle := status.Streams[1]
	assert.False(t, idle.Running)
	assert.Nil(t, idle.Pipeline)
	assert.Equal(t, map[string]uint64{"up": 0, "down": 0}, idle.Counts)
}

func TestHealthChecksCache(t *testing.T) {
	h := newHarness(t, 0, false)
	h.mgr.performHealthChecks()

	status := h.mgr.GetStatus()
	require.NotNil(t, status.Streams[0].Health)
	assert.Equal(t, "file", status.Streams[0].Health.Kind)
	assert.True(t, status.Streams[0].Health.Healthy())
}

func TestSnapshotDirs(t *testing.T) {
	h := newHarness(t, 0, false)
	dirs := h.mgr.SnapshotDirs()
	require.Len(t, dirs, 2)
	assert.Equal(t, "cam", filepath.Base(dirs[0]))
}

func TestStartupFailureReportedInStatus(t *testing.T) {
	h := newHarness(t, 0, true)
	h.mgr.cfg.Update(func(c *config.Config) {
		c.Streams[0].Enabled = true
	})
	working := h.mgr.openSource
	h.mgr.openSource = func(config.StreamConfig) (camera.Source, error) {
		return nil, errors.New("connection refused")
	}

	require.NoError(t, h.mgr.Start())

	cam := h.mgr.GetStatus().Streams[0]
	assert.True(t, cam.Enabled)
	assert.False(t, cam.Running)
	assert.Nil(t, cam.Pipeline)
	assert.Contains(t, cam.Reason, pipeline.ErrSourceUnavailable.Error())
	assert.Contains(t, cam.Reason, "connection refused")
	assert.Empty(t, h.mgr.GetStatus().Streams[1].Reason)

	h.mgr.openSource = working
	require.NoError(t, h.mgr.StartStream("cam"))

	cam = h.mgr.GetStatus().Streams[0]
	assert.True(t, cam.Running)
	assert.Empty(t, cam.Reason)
}
