// Package snapshot persists annotated still images of crossing events.
package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kai5263499/zone-counter/backend/internal/overlay"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
)

const maxNameAttempts = 1000

// Request asks for one event snapshot.
type Request struct {
	Frame image.Image
	Event tracking.Event
}

// Writer stores event snapshots as JPEG files under OutputPath.
type Writer struct {
	Name       string
	OutputPath string
	Quality    int

	renderer overlay.Renderer
	seq      atomic.Uint64
}

func NewWriter(name, outputPath string, quality int) *Writer {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Writer{
		Name:       name,
		OutputPath: outputPath,
		Quality:    quality,
	}
}

// Filename returns the file name used for an event. The trailing sequence
// number keeps two events of one track within the same second apart; Write
// skips numbers whose file already exists.
func (w *Writer) Filename(ev tracking.Event, seq uint64) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("vehicle_%s_%s_%04d.jpg", sanitize(ev.TrackID), ts.Format("20060102_150405"), seq)
}

// Write renders the event box onto a copy of the frame and stores it,
// returning the written path.
func (w *Writer) Write(req Request) (string, error) {
	if req.Frame == nil {
		return "", fmt.Errorf("no frame for event %s", req.Event.ID)
	}

	if err := os.MkdirAll(w.OutputPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	img := w.renderer.Snapshot(req.Frame, req.Event)

	tmp, err := os.CreateTemp(w.OutputPath, ".snapshot-*.jpg")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: w.Quality}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to flush snapshot: %w", err)
	}

	filename, err := w.link(tmp.Name(), req.Event)
	if err != nil {
		return "", err
	}

	log.Debug().Str("stream", w.Name).Str("track_id", req.Event.TrackID).Str("file", filename).Msg("Snapshot saved")
	return filename, nil
}

// link publishes the encoded temp file under the first event filename that
// does not exist yet. An existing file is never replaced.
func (w *Writer) link(tmp string, ev tracking.Event) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		filename := filepath.Join(w.OutputPath, w.Filename(ev, w.seq.Add(1)))
		err := os.Link(tmp, filename)
		if err == nil {
			return filename, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to store snapshot: %w", err)
		}
	}
	return "", fmt.Errorf("failed to store snapshot: no free filename for track %s", ev.TrackID)
}

// List returns the snapshot files currently stored, newest first.
func (w *Writer) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(w.OutputPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "vehicle_") || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Path:    filepath.Join(w.OutputPath, e.Name()),
			Stream:  w.Name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// FileInfo describes a stored snapshot.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Stream  string    `json:"stream"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"timestamp"`
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
