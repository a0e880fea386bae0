package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: 9090
streams:
  - name: cam_truoc
    url: rtsp://10.0.0.5:554/stream1
    enabled: true
    zones:
      - id: area1
        points: [[200, 100], [600, 100], [600, 200], [200, 200]]
      - id: area2
        points: [[300, 300], [800, 300], [1000, 400], [300, 400]]
    tracker:
      command: ./models/run_tracker.sh
  - name: lot
    url: ./testdata/lot.mp4
    frame_skip: 1
    classes: []
    zones:
      - id: gate
        points: [[0, 0], [100, 0], [100, 100]]
      - id: yard
        points: [[200, 0], [300, 0], [300, 100]]
    directions:
      - {label: in, from: gate, to: yard}
      - {label: out, from: yard, to: gate}
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	snap := cfg.Get()
	assert.Equal(t, "0.0.0.0", snap.Server.Host)
	assert.Equal(t, 9090, snap.Server.Port)
	assert.Equal(t, 30, snap.Tracking.TrackTimeoutSeconds)
	assert.Equal(t, 5, snap.Tracking.SweepIntervalSeconds)
	assert.Equal(t, 30, snap.Health.CheckIntervalSeconds)
	assert.Equal(t, "data/vehicles.db", snap.Storage.DBPath)
	assert.Equal(t, "info", snap.LogLevel)

	cam, ok := snap.Stream("cam_truoc")
	require.True(t, ok)
	assert.Equal(t, 3, cam.FrameSkip)
	assert.Equal(t, 1020, cam.Width)
	assert.Equal(t, 500, cam.Height)
	assert.Equal(t, filepath.Join("images", "cam_truoc"), cam.SnapshotDir)
	assert.Equal(t, []string{"car"}, cam.Classes)
	assert.Equal(t, "process", cam.Tracker.Kind)
	assert.Equal(t, 2000, cam.Tracker.TimeoutMs)
	assert.Equal(t, []DirectionConfig{
		{Label: "up", From: "area1", To: "area2"},
		{Label: "down", From: "area2", To: "area1"},
	}, cam.Directions)

	lot, ok := snap.Stream("lot")
	require.True(t, ok)
	assert.Equal(t, 1, lot.FrameSkip)
	assert.Empty(t, lot.Classes)
	assert.NotNil(t, lot.Classes)
	assert.Equal(t, "in", lot.Directions[0].Label)

	_, ok = snap.Stream("missing")
	assert.False(t, ok)
}

func TestZonePolygon(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	poly := cfg.Get().Streams[0].Zones[0].Polygon()
	require.Len(t, poly, 4)
	assert.Equal(t, 600, poly[1].X)
	assert.Equal(t, 100, poly[1].Y)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ZONE_COUNTER_PORT", "7000")
	t.Setenv("ZONE_COUNTER_SNAPSHOT_DIR", "/var/snapshots")
	t.Setenv("ZONE_COUNTER_FRAME_SKIP", "2")
	t.Setenv("ZONE_COUNTER_DB_PATH", "/var/db/vehicles.db")
	t.Setenv("ZONE_COUNTER_TRACK_TIMEOUT_SECONDS", "12")
	t.Setenv("ZONE_COUNTER_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	snap := cfg.Get()

	assert.Equal(t, 7000, snap.Server.Port)
	assert.Equal(t, filepath.Join("/var/snapshots", "cam_truoc"), snap.Streams[0].SnapshotDir)
	assert.Equal(t, filepath.Join("/var/snapshots", "lot"), snap.Streams[1].SnapshotDir)
	assert.Equal(t, 2, snap.Streams[0].FrameSkip)
	assert.Equal(t, 2, snap.Streams[1].FrameSkip)
	assert.Equal(t, "/var/db/vehicles.db", snap.Storage.DBPath)
	assert.Equal(t, 12, snap.Tracking.TrackTimeoutSeconds)
	assert.Equal(t, "debug", snap.LogLevel)
}

func TestValidateRejectsBadZones(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"too few zones", `
streams:
  - name: a
    url: x.mp4
    zones:
      - {id: area1, points: [[0, 0], [10, 0], [10, 10]]}
`},
		{"degenerate polygon", `
streams:
  - name: a
    url: x.mp4
    zones:
      - {id: area1, points: [[0, 0], [10, 0], [20, 0]]}
      - {id: area2, points: [[0, 20], [10, 20], [10, 30]]}
`},
		{"two vertices", `
streams:
  - name: a
    url: x.mp4
    zones:
      - {id: area1, points: [[0, 0], [10, 0]]}
      - {id: area2, points: [[0, 20], [10, 20], [10, 30]]}
`},
		{"unknown zone in direction", `
streams:
  - name: a
    url: x.mp4
    zones:
      - {id: area1, points: [[0, 0], [10, 0], [10, 10]]}
      - {id: area2, points: [[0, 20], [10, 20], [10, 30]]}
    directions:
      - {label: up, from: area1, to: area9}
`},
		{"duplicate zone", `
streams:
  - name: a
    url: x.mp4
    zones:
      - {id: area1, points: [[0, 0], [10, 0], [10, 10]]}
      - {id: area1, points: [[0, 20], [10, 20], [10, 30]]}
`},
		{"direction into its own zone", `
streams:
  - name: a
    url: x.mp4
    zones:
      - {id: area1, points: [[0, 0], [10, 0], [10, 10]]}
      - {id: area2, points: [[0, 20], [10, 20], [10, 30]]}
    directions:
      - {label: up, from: area1, to: area1}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidZone)
		})
	}
}

func TestValidateRejectsBadStreams(t *testing.T) {
	zones := `
    zones:
      - {id: area1, points: [[0, 0], [10, 0], [10, 10]]}
      - {id: area2, points: [[0, 20], [10, 20], [10, 30]]}
`
	_, err := Parse([]byte("streams:\n  - url: x.mp4" + zones))
	assert.ErrorContains(t, err, "without a name")

	_, err = Parse([]byte("streams:\n  - name: a" + zones))
	assert.ErrorContains(t, err, "url is required")

	_, err = Parse([]byte("streams:\n  - name: a\n    url: x.mp4" + zones + "  - name: a\n    url: y.mp4" + zones))
	assert.ErrorContains(t, err, "duplicate stream")

	_, err = Parse([]byte("streams:\n  - name: a\n    url: x.mp4\n    min_confidence: 1.5" + zones))
	assert.ErrorContains(t, err, "min_confidence")
}

func TestGetReturnsCopy(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	snap := cfg.Get()
	snap.Streams[0].Zones[0].Points[0] = [2]int{-1, -1}
	snap.Streams[0].Classes[0] = "bus"

	again := cfg.Get()
	assert.Equal(t, [2]int{200, 100}, again.Streams[0].Zones[0].Points[0])
	assert.Equal(t, "car", again.Streams[0].Classes[0])
}

func TestUpdateNotifiesSubscribers(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	changed := make(chan int, 1)
	cfg.Subscribe(func(c *Config) {
		changed <- c.Get().Server.Port
	})
	cfg.Update(func(c *Config) { c.Server.Port = 9191 })

	assert.Equal(t, 9191, <-changed)
}

func TestSaveAndLoad(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Get(), loaded.Get())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}
