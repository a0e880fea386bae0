package detector

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

// Recorder wraps a Tracker and appends every result to w in the format
// Replay reads back.
type Recorder struct {
	Tracker

	mu sync.Mutex
	w  io.Writer
}

func NewRecorder(t Tracker, w io.Writer) *Recorder {
	return &Recorder{Tracker: t, w: w}
}

func (r *Recorder) Track(ctx context.Context, frame *camera.Frame) ([]tracking.Detection, error) {
	dets, err := r.Tracker.Track(ctx, frame)
	if frame == nil {
		return dets, err
	}

	line, encErr := EncodeLine(frame.Seq, dets, err)
	if encErr != nil {
		log.Warn().Err(encErr).Int64("frame", frame.Seq).Msg("Failed to encode detections")
		return dets, err
	}

	r.mu.Lock()
	_, werr := io.WriteString(r.w, line+"\n")
	r.mu.Unlock()
	if werr != nil {
		log.Warn().Err(werr).Int64("frame", frame.Seq).Msg("Failed to record detections")
	}
	return dets, err
}

// Close closes the wrapped tracker and the output when it is closable.
func (r *Recorder) Close() error {
	err := r.Tracker.Close()
	if c, ok := r.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// EncodeLine renders one frame's result as a JSON line.
func EncodeLine(seq int64, dets []tracking.Detection, trackErr error) (string, error) {
	line, err := sjson.Set("", "frame", seq)
	if err != nil {
		return "", err
	}
	if trackErr != nil {
		return sjson.Set(line, "error", trackErr.Error())
	}

	line, err = sjson.SetRaw(line, "detections", "[]")
	if err != nil {
		return "", err
	}
	for _, d := range dets {
		item, err := encodeDetection(d)
		if err != nil {
			return "", err
		}
		if line, err = sjson.SetRaw(line, "detections.-1", item); err != nil {
			return "", err
		}
	}
	return line, nil
}

func encodeDetection(d tracking.Detection) (string, error) {
	item, err := sjson.Set("", "track_id", d.TrackID)
	if err != nil {
		return "", err
	}
	box := fmt.Sprintf("[%d,%d,%d,%d]", d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	if item, err = sjson.SetRaw(item, "box", box); err != nil {
		return "", err
	}
	if item, err = sjson.Set(item, "class", d.Class); err != nil {
		return "", err
	}
	return sjson.Set(item, "confidence", d.Confidence)
}
