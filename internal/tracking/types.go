// Package tracking turns per-frame tracker observations into zone crossing events.
package tracking

import (
	"time"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
)

// Zone is a named polygonal region in frame coordinates.
type Zone struct {
	ID      string
	Polygon geometry.Polygon
}

// DirectionRule fires Label when a track seen in From later appears in To.
type DirectionRule struct {
	Label string
	From  string
	To    string
}

// Detection is one tracked object in one processed frame.
type Detection struct {
	TrackID    string       `json:"track_id"`
	Box        geometry.Box `json:"box"`
	Class      string       `json:"class"`
	Confidence float64      `json:"confidence"`
}

// Event is a qualifying zone transition. It is created once and never mutated.
type Event struct {
	ID         string       `json:"id"`
	Stream     string       `json:"stream"`
	TrackID    string       `json:"track_id"`
	Direction  string       `json:"direction"`
	Box        geometry.Box `json:"box"`
	Class      string       `json:"class"`
	Confidence float64      `json:"confidence"`
	FrameSeq   int64        `json:"frame_seq"`
	Timestamp  time.Time    `json:"timestamp"`
}

// TrackState is the per-track memory the evaluator keeps between frames.
type TrackState struct {
	TrackID string
	// Entries holds, per direction label, the centroid where the track was
	// first seen inside that rule's origin zone.
	Entries      map[string]geometry.Point
	LastFired    string
	ResidentZone string
	LastCentroid geometry.Point
	FirstSeen    time.Time
	LastSeen     time.Time
	Observations int
}
