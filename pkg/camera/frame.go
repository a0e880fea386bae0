// Package camera defines video frames and the sources that produce them.
package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrEndOfStream is returned by Source.Next once a finite source is exhausted.
var ErrEndOfStream = errors.New("end of stream")

// Frame is one decoded video frame.
type Frame struct {
	Seq      int64
	Captured time.Time
	Image    image.Image
}

// Source yields frames in capture order. Next may block on I/O and must
// return ErrEndOfStream when no more frames will arrive.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// StreamInfo describes the negotiated capture format.
type StreamInfo struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	Resolution string  `json:"resolution"`
}

// InfoProvider is implemented by sources that can report their format.
type InfoProvider interface {
	Info() StreamInfo
}
