package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRegisteredOnce(t *testing.T) {
	m := New()
	a := m.Stream("cam-a")
	assert.Same(t, a, m.Stream("cam-a"))
	assert.NotSame(t, a, m.Stream("cam-b"))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	s := m.Stream("cam-a")
	s.FramesRead.Add(9)
	s.FramesProcessed.Add(3)
	s.FramesSkipped.Add(6)
	s.Event("up")
	s.Event("up")
	s.Event("down")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `zone_counter_frames_read_total{stream="cam-a"} 9`)
	assert.Contains(t, text, `zone_counter_frames_skipped_total{stream="cam-a"} 6`)
	assert.Contains(t, text, `zone_counter_events_total{direction="up",stream="cam-a"} 2`)
	assert.Contains(t, text, `zone_counter_events_total{direction="down",stream="cam-a"} 1`)
}

func TestGatherReportsEveryStream(t *testing.T) {
	m := New()
	m.Stream("cam-a")
	m.Stream("cam-b")

	families, err := m.Gather().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "zone_counter_frames_read_total" {
			assert.Len(t, f.GetMetric(), 2)
			return
		}
	}
	t.Fatal("frames read metric not gathered")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	s := m.Stream("cam")
	assert.NotPanics(t, func() {
		s.FramesRead.Add(1)
		s.Event("up")
	})
}
