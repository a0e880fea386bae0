// Package pipeline drives one video stream through tracking, zone
// evaluation and the event sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kai5263499/zone-counter/backend/internal/detector"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/overlay"
	"github.com/kai5263499/zone-counter/backend/internal/sink"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

var (
	ErrAlreadyRunning    = errors.New("pipeline already running")
	ErrStopped           = errors.New("pipeline stopped")
	ErrSourceUnavailable = errors.New("video source unavailable")
)

const (
	DefaultFrameSkip     = 3
	DefaultWidth         = 1020
	DefaultHeight        = 500
	DefaultSweepInterval = 5 * time.Second
	DefaultOutputBuffer  = 2
)

type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "stopped":
		*s = Stopped
	default:
		return fmt.Errorf("unknown pipeline state %q", text)
	}
	return nil
}

// Config tunes one pipeline. Zero values select the defaults.
type Config struct {
	Stream string
	// FrameSkip processes one frame in every FrameSkip frames read.
	FrameSkip     int
	Width         int
	Height        int
	SweepInterval time.Duration
	// Overlay draws zones, boxes and counts onto the output frames.
	Overlay      bool
	OutputBuffer int
}

func (c *Config) setDefaults() {
	if c.FrameSkip <= 0 {
		c.FrameSkip = DefaultFrameSkip
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = DefaultWidth, DefaultHeight
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = DefaultOutputBuffer
	}
}

// Output is one processed frame handed to live viewers.
type Output struct {
	Seq        int64
	Captured   time.Time
	Image      image.Image
	Detections []tracking.Detection
	Events     []tracking.Event
}

// Status is a point-in-time view of a pipeline.
type Status struct {
	Stream          string            `json:"stream"`
	RunID           string            `json:"run_id"`
	State           State             `json:"state"`
	Reason          string            `json:"reason,omitempty"`
	FramesRead      uint64            `json:"frames_read"`
	FramesProcessed uint64            `json:"frames_processed"`
	FramesSkipped   uint64            `json:"frames_skipped"`
	DetectorErrors  uint64            `json:"detector_errors"`
	ActiveTracks    uint64            `json:"active_tracks"`
	Counts          map[string]uint64 `json:"counts"`
	StartedAt       time.Time         `json:"started_at"`
	StoppedAt       time.Time         `json:"stopped_at"`
}

// Pipeline moves through Idle, Running and Stopped exactly once. A stopped
// pipeline is never restarted; the owner builds a new one.
type Pipeline struct {
	cfg       Config
	source    camera.Source
	tracker   detector.Tracker
	evaluator *tracking.Evaluator
	sink      *sink.Sink
	renderer  *overlay.Renderer
	stats     *metrics.Stream

	mu        sync.Mutex
	state     State
	err       error
	runID     string
	startedAt time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	out chan *Output
}

// New wires a pipeline. It takes ownership of source and tracker and
// closes both when it stops.
func New(cfg Config, source camera.Source, tracker detector.Tracker, evaluator *tracking.Evaluator, s *sink.Sink, stats *metrics.Stream) *Pipeline {
	cfg.setDefaults()
	if stats == nil {
		stats = metrics.NewStream(cfg.Stream)
	}
	return &Pipeline{
		cfg:       cfg,
		source:    source,
		tracker:   tracker,
		evaluator: evaluator,
		sink:      s,
		renderer:  &overlay.Renderer{Zones: evaluator.Zones()},
		stats:     stats,
		state:     Idle,
		done:      make(chan struct{}),
		out:       make(chan *Output, cfg.OutputBuffer),
	}
}

// Start launches the frame loop on its own goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Running:
		return ErrAlreadyRunning
	case Stopped:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = Running
	p.runID = uuid.NewString()
	p.startedAt = time.Now()

	log.Info().Str("stream", p.cfg.Stream).Str("run_id", p.runID).Int("frame_skip", p.cfg.FrameSkip).Msg("Pipeline started")
	go p.run(runCtx)
	return nil
}

// Stop asks the loop to finish the frame in flight, release the source and
// exit. It returns once that has happened.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	switch p.state {
	case Idle:
		p.state = Stopped
		p.stoppedAt = time.Now()
		p.mu.Unlock()
		p.release()
		close(p.out)
		close(p.done)
		return
	case Stopped:
		p.mu.Unlock()
		<-p.done
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	<-p.done
}

// Done is closed once the pipeline has stopped and released its source.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Frames delivers processed frames. Only the newest frames are kept when
// the reader falls behind. The channel is closed when the pipeline stops.
func (p *Pipeline) Frames() <-chan *Output {
	return p.out
}

// Err returns why a stopped pipeline stopped, or nil for an explicit stop
// or a finished file.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		Stream:    p.cfg.Stream,
		RunID:     p.runID,
		State:     p.state,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
	}
	if p.err != nil {
		st.Reason = p.err.Error()
	}
	p.mu.Unlock()

	st.FramesRead = p.stats.FramesRead.Load()
	st.FramesProcessed = p.stats.FramesProcessed.Load()
	st.FramesSkipped = p.stats.FramesSkipped.Load()
	st.DetectorErrors = p.stats.DetectorErrors.Load()
	st.ActiveTracks = p.stats.ActiveTracks.Load()
	st.Counts = p.sink.Counts()
	return st
}

func (p *Pipeline) run(ctx context.Context) {
	var runErr error
	defer func() {
		p.release()

		p.mu.Lock()
		p.state = Stopped
		p.err = runErr
		p.stoppedAt = time.Now()
		p.mu.Unlock()

		close(p.out)
		close(p.done)

		ev := log.Info()
		if runErr != nil {
			ev = log.Error().Err(runErr)
		}
		ev.Str("stream", p.cfg.Stream).Uint64("frames_read", p.stats.FramesRead.Load()).Msg("Pipeline stopped")
	}()

	var (
		read      int
		lastSweep time.Time
	)

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := p.source.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, camera.ErrEndOfStream):
				log.Info().Str("stream", p.cfg.Stream).Msg("End of stream")
			default:
				runErr = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
			}
			return
		}

		p.stats.FramesRead.Add(1)
		read++
		if read%p.cfg.FrameSkip != 0 {
			p.stats.FramesSkipped.Add(1)
			continue
		}

		now := frame.Captured
		if now.IsZero() {
			now = time.Now()
		}

		p.process(ctx, frame, now)

		if lastSweep.IsZero() {
			lastSweep = now
		} else if now.Sub(lastSweep) >= p.cfg.SweepInterval {
			if n := p.evaluator.Sweep(now); n > 0 {
				log.Debug().Str("stream", p.cfg.Stream).Int("evicted", n).Msg("Evicted stale tracks")
			}
			lastSweep = now
		}
		p.stats.ActiveTracks.Store(uint64(p.evaluator.ActiveTracks()))
	}
}

func (p *Pipeline) process(ctx context.Context, frame *camera.Frame, now time.Time) {
	start := time.Now()
	img := overlay.Resize(frame.Image, p.cfg.Width, p.cfg.Height)
	working := &camera.Frame{Seq: frame.Seq, Captured: now, Image: img}

	dets, err := p.tracker.Track(ctx, working)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.stats.DetectorErrors.Add(1)
		log.Warn().Err(err).Str("stream", p.cfg.Stream).Int64("frame", frame.Seq).Msg("Tracker failed, skipping frame")
		return
	}
	p.stats.FramesProcessed.Add(1)

	events := p.evaluator.Observe(now, frame.Seq, dets)

	// side effects of a detected crossing finish even while stopping
	sinkCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		p.sink.Handle(sinkCtx, img, ev)
	}

	out := &Output{
		Seq:        frame.Seq,
		Captured:   now,
		Image:      img,
		Detections: dets,
		Events:     events,
	}
	if p.cfg.Overlay {
		out.Image = p.renderer.Render(img, overlay.Scene{
			Detections: dets,
			Events:     events,
			Labels:     labels(p.evaluator.Rules()),
			Counts:     p.sink.Counts(),
		})
	}
	p.emit(out)
	p.stats.UpdateProcessLatency(time.Since(start))
}

// emit delivers out, discarding the oldest queued frame when full.
func (p *Pipeline) emit(out *Output) {
	select {
	case p.out <- out:
		return
	default:
	}
	select {
	case <-p.out:
		p.stats.FramesDropped.Add(1)
	default:
	}
	select {
	case p.out <- out:
	default:
		p.stats.FramesDropped.Add(1)
	}
}

func (p *Pipeline) release() {
	if err := p.source.Close(); err != nil {
		log.Warn().Err(err).Str("stream", p.cfg.Stream).Msg("Failed to close source")
	}
	if err := p.tracker.Close(); err != nil {
		log.Warn().Err(err).Str("stream", p.cfg.Stream).Msg("Failed to close tracker")
	}
}

func labels(rules []tracking.DirectionRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Label
	}
	return out
}
