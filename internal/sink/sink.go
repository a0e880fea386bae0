// Package sink applies the side effects of a zone crossing: the direction
// count, the snapshot, the vehicle record and the live event feed.
package sink

import (
	"context"
	"image"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kai5263499/zone-counter/backend/internal/counter"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/snapshot"
	"github.com/kai5263499/zone-counter/backend/internal/store"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
)

// SnapshotWriter stores an annotated image of an event.
type SnapshotWriter interface {
	Write(req snapshot.Request) (string, error)
}

// VehicleRecorder persists crossing records.
type VehicleRecorder interface {
	InsertVehicle(ctx context.Context, v *store.Vehicle) error
}

// Record is what subscribers receive for each handled event.
type Record struct {
	Event     tracking.Event `json:"event"`
	Count     uint64         `json:"count"`
	ImagePath string         `json:"image_path,omitempty"`
	VehicleID int64          `json:"vehicle_id,omitempty"`
}

// Sink handles the events of one stream. Snapshots and records are optional.
type Sink struct {
	Stream string

	counters  *counter.Counters
	snapshots SnapshotWriter
	records   VehicleRecorder
	stats     *metrics.Stream

	subMu       sync.RWMutex
	subscribers map[chan Record]struct{}
}

func New(stream string, counters *counter.Counters, snapshots SnapshotWriter, records VehicleRecorder, stats *metrics.Stream) *Sink {
	if stats == nil {
		stats = metrics.NewStream(stream)
	}
	return &Sink{
		Stream:      stream,
		counters:    counters,
		snapshots:   snapshots,
		records:     records,
		stats:       stats,
		subscribers: make(map[chan Record]struct{}),
	}
}

// Handle applies one event. The count is incremented before anything else
// and is never rolled back: snapshot and record failures are logged and
// the event still counts.
func (s *Sink) Handle(ctx context.Context, frame image.Image, ev tracking.Event) Record {
	rec := Record{Event: ev}

	n, err := s.counters.Inc(ev.Direction)
	if err != nil {
		log.Error().Err(err).Str("stream", s.Stream).Str("track_id", ev.TrackID).Msg("Event has no counter")
		return rec
	}
	rec.Count = n
	s.stats.Event(ev.Direction)

	log.Info().
		Str("stream", s.Stream).
		Str("track_id", ev.TrackID).
		Str("direction", ev.Direction).
		Int64("frame", ev.FrameSeq).
		Uint64("count", n).
		Msg("Vehicle crossed")

	if s.snapshots != nil {
		path, err := s.snapshots.Write(snapshot.Request{Frame: frame, Event: ev})
		if err != nil {
			s.stats.SnapshotFailures.Add(1)
			log.Warn().Err(err).Str("stream", s.Stream).Str("track_id", ev.TrackID).Msg("Failed to save snapshot")
		} else {
			rec.ImagePath = path
		}
	}

	if s.records != nil {
		v := &store.Vehicle{
			CreatedAt:  ev.Timestamp,
			TrackID:    ev.TrackID,
			Direction:  ev.Direction,
			ImagePath:  rec.ImagePath,
			Stream:     ev.Stream,
			Class:      ev.Class,
			Confidence: ev.Confidence,
			EventID:    ev.ID,
		}
		if err := s.records.InsertVehicle(ctx, v); err != nil {
			s.stats.RecordFailures.Add(1)
			log.Warn().Err(err).Str("stream", s.Stream).Str("track_id", ev.TrackID).Msg("Failed to store vehicle record")
		} else {
			rec.VehicleID = v.ID
		}
	}

	s.publish(rec)
	return rec
}

// Subscribe returns a channel receiving every handled event. When the
// buffer is full new records are dropped for that subscriber.
func (s *Sink) Subscribe(buffer int) chan Record {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Record, buffer)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Sink) Unsubscribe(ch chan Record) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// Close ends every subscription.
func (s *Sink) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}

func (s *Sink) publish(rec Record) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- rec:
		default:
			s.stats.EventsDropped.Add(1)
		}
	}
}

// Counts returns the current direction counts.
func (s *Sink) Counts() map[string]uint64 {
	return s.counters.Snapshot()
}
