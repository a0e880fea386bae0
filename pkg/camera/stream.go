//go:build opencv

package camera

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

const defaultMaxReadFailures = 5

// Stream reads frames from a file, RTSP or HTTP source through OpenCV.
type Stream struct {
	Name string
	URL  string
	// Width and Height, when set, resize every frame before it is returned.
	Width  int
	Height int
	// MaxReadFailures bounds consecutive failed reads on live sources.
	MaxReadFailures int

	capture    *gocv.VideoCapture
	isOpen     bool
	lastError  error
	frameCount int64
	mu         sync.RWMutex
}

func NewStream(name, url string, width, height int) *Stream {
	return &Stream{
		Name:            name,
		URL:             url,
		Width:           width,
		Height:          height,
		MaxReadFailures: defaultMaxReadFailures,
	}
}

func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info().Str("stream", s.Name).Str("url", s.URL).Msg("Opening stream")

	capture, err := gocv.OpenVideoCapture(s.URL)
	if err != nil {
		s.lastError = fmt.Errorf("failed to open stream: %w", err)
		return s.lastError
	}

	if !capture.IsOpened() {
		s.lastError = fmt.Errorf("stream opened but not ready")
		capture.Close()
		return s.lastError
	}

	s.capture = capture
	s.isOpen = true
	log.Info().Str("stream", s.Name).Msg("Stream opened successfully")
	return nil
}

func (s *Stream) Info() StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isOpen || s.capture == nil {
		return StreamInfo{}
	}

	width := int(s.capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(s.capture.Get(gocv.VideoCaptureFrameHeight))

	return StreamInfo{
		Width:      width,
		Height:     height,
		FPS:        s.capture.Get(gocv.VideoCaptureFPS),
		Resolution: fmt.Sprintf("%dx%d", width, height),
	}
}

// Next reads the next frame. A failed read on a local file means the file is
// exhausted; live sources get MaxReadFailures consecutive attempts.
func (s *Stream) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOpen || s.capture == nil {
		return nil, fmt.Errorf("stream not open")
	}

	mat := gocv.NewMat()
	defer mat.Close()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.capture.Read(&mat) && !mat.Empty() {
			break
		}
		if !s.isLive() {
			return nil, ErrEndOfStream
		}
		failures++
		if failures >= s.MaxReadFailures {
			s.lastError = fmt.Errorf("failed to read frame after %d attempts", failures)
			return nil, s.lastError
		}
		log.Warn().Str("stream", s.Name).Int("attempt", failures).Msg("Frame read failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	if s.Width > 0 && s.Height > 0 && (mat.Cols() != s.Width || mat.Rows() != s.Height) {
		gocv.Resize(mat, &mat, image.Pt(s.Width, s.Height), 0, 0, gocv.InterpolationLinear)
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}

	s.frameCount++
	return &Frame{Seq: s.frameCount, Captured: time.Now(), Image: img}, nil
}

func (s *Stream) isLive() bool {
	return strings.Contains(s.URL, "://")
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
	s.isOpen = false
	log.Info().Str("stream", s.Name).Int64("frames", s.frameCount).Msg("Stream closed")
	return nil
}

func (s *Stream) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}
