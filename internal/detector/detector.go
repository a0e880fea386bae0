// Package detector adapts external object detector/trackers to the pipeline.
//
// A Tracker turns one frame into detections whose track ids stay stable
// across frames. The counting core never talks to a model directly: it only
// sees this interface, so a live model worker, a replay file and test fakes
// are interchangeable.
package detector

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

// Tracker detects and tracks objects in one frame.
type Tracker interface {
	Track(ctx context.Context, frame *camera.Frame) ([]tracking.Detection, error)
	Close() error
}

const (
	KindProcess = "process"
	KindReplay  = "replay"
)

// Options selects and configures a Tracker implementation.
type Options struct {
	Kind       string
	Command    string
	Args       []string
	Env        []string
	ReplayPath string
	RecordPath string
	Timeout    time.Duration
}

// New builds the tracker described by opts. When RecordPath is set the
// tracker is wrapped so every result is also written as a JSON line.
func New(opts Options) (Tracker, error) {
	var (
		t   Tracker
		err error
	)
	switch opts.Kind {
	case KindProcess, "":
		if opts.Command == "" {
			return nil, fmt.Errorf("process tracker requires a command")
		}
		t = NewProcess(opts.Command, opts.Args, opts.Env, opts.Timeout)
	case KindReplay:
		t, err = OpenReplay(opts.ReplayPath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown tracker kind %q", opts.Kind)
	}

	if opts.RecordPath == "" {
		return t, nil
	}

	f, err := os.OpenFile(opts.RecordPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	return NewRecorder(t, f), nil
}
