package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tidwall/gjson"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

// Replay serves detections captured earlier, one JSON object per line:
//
//	{"frame":12,"detections":[{"track_id":7,"box":[x1,y1,x2,y2],"class":"car","confidence":0.9}]}
//	{"frame":13,"error":"model failure"}
//
// Frames without a line yield no detections.
type Replay struct {
	frames map[int64][]tracking.Detection
	errs   map[int64]string
}

func OpenReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()
	return ReadReplay(f)
}

// ReadReplay parses JSON lines from r. Malformed lines are an error.
func ReadReplay(r io.Reader) (*Replay, error) {
	rp := &Replay{
		frames: make(map[int64][]tracking.Detection),
		errs:   make(map[int64]string),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("replay line %d: invalid json", lineNo)
		}
		doc := gjson.ParseBytes(line)
		frame := doc.Get("frame")
		if !frame.Exists() {
			return nil, fmt.Errorf("replay line %d: missing frame", lineNo)
		}
		seq := frame.Int()

		if msg := doc.Get("error"); msg.Exists() {
			rp.errs[seq] = msg.String()
			continue
		}

		dets := rp.frames[seq]
		doc.Get("detections").ForEach(func(_, item gjson.Result) bool {
			dets = append(dets, parseDetection(item))
			return true
		})
		rp.frames[seq] = dets
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rp, nil
}

func parseDetection(item gjson.Result) tracking.Detection {
	var box [4]int
	i := 0
	item.Get("box").ForEach(func(_, v gjson.Result) bool {
		if i < len(box) {
			box[i] = int(math.Floor(v.Float()))
		}
		i++
		return true
	})

	id := item.Get("track_id")
	trackID := ""
	if id.Exists() && id.Type != gjson.Null {
		trackID = id.String()
	}

	return tracking.Detection{
		TrackID:    trackID,
		Box:        geometry.Box{X1: box[0], Y1: box[1], X2: box[2], Y2: box[3]}.Normalize(),
		Class:      item.Get("class").String(),
		Confidence: item.Get("confidence").Float(),
	}
}

// Frames returns how many frames carry detections or errors.
func (r *Replay) Frames() int {
	return len(r.frames) + len(r.errs)
}

func (r *Replay) Track(ctx context.Context, frame *camera.Frame) ([]tracking.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, errors.New("empty frame")
	}
	if msg, ok := r.errs[frame.Seq]; ok {
		return nil, fmt.Errorf("replayed tracker error: %s", msg)
	}
	dets := r.frames[frame.Seq]
	out := make([]tracking.Detection, len(dets))
	copy(out, dets)
	return out, nil
}

func (r *Replay) Close() error {
	return nil
}
