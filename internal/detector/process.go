package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
	"github.com/kai5263499/zone-counter/backend/pkg/camera"
)

const (
	DefaultTimeout = 2 * time.Second
	maxMessageSize = 64 << 20
)

// ErrWorkerExited is returned when the model worker is not running.
var ErrWorkerExited = errors.New("tracker worker exited")

// Request is sent to the worker for every frame.
type Request struct {
	Seq       int64  `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	FrameData []byte `msgpack:"frame_data"`
}

// Response is the worker's answer for one frame.
type Response struct {
	Seq        int64           `msgpack:"seq"`
	Detections []WireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error,omitempty"`
}

// WireDetection is a detection as encoded by the worker. TrackID may be an
// integer, a float or a string; nil means the object is not tracked yet.
type WireDetection struct {
	TrackID    interface{} `msgpack:"track_id"`
	Box        [4]float64  `msgpack:"box"`
	Class      string      `msgpack:"class"`
	Confidence float64     `msgpack:"confidence"`
}

// WriteMessage writes v as a 4-byte big-endian length followed by msgpack.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v interface{}) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// Process runs an external model worker and exchanges one request/response
// pair per frame over its stdin/stdout. The worker is started on first use
// and restarted on the next call after it dies or times out.
type Process struct {
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
}

func NewProcess(command string, args, env []string, timeout time.Duration) *Process {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Process{
		Command: command,
		Args:    args,
		Env:     env,
		Timeout: timeout,
	}
}

func (p *Process) start() error {
	cmd := exec.Command(p.Command, p.Args...)
	if len(p.Env) > 0 {
		cmd.Env = p.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start tracker worker: %w", err)
	}

	done := make(chan struct{})
	go logStderr(p.Command, stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Warn().Err(err).Str("command", p.Command).Msg("Tracker worker exited")
		} else {
			log.Debug().Str("command", p.Command).Msg("Tracker worker exited")
		}
		close(done)
	}()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.done = done
	log.Info().Str("command", p.Command).Int("pid", cmd.Process.Pid).Msg("Tracker worker started")
	return nil
}

func logStderr(command string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERROR"), strings.Contains(line, "CRITICAL"):
			log.Error().Str("command", command).Msg(line)
		case strings.Contains(line, "WARN"):
			log.Warn().Str("command", command).Msg(line)
		default:
			log.Debug().Str("command", command).Msg(line)
		}
	}
}

func (p *Process) alive() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// kill stops the worker. Callers hold p.mu.
func (p *Process) kill() {
	if p.cmd == nil {
		return
	}
	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(time.Second):
		p.cmd.Process.Kill()
		<-p.done
	}
	p.cmd = nil
}

// Track sends the frame to the worker and waits for its detections.
func (p *Process) Track(ctx context.Context, frame *camera.Frame) ([]tracking.Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("empty frame")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	b := frame.Image.Bounds()
	req := Request{
		Seq:       frame.Seq,
		Timestamp: frame.Captured.UTC().Format(time.RFC3339Nano),
		Width:     b.Dx(),
		Height:    b.Dy(),
		FrameData: buf.Bytes(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive() {
		if p.cmd != nil {
			p.kill()
		}
		if err := p.start(); err != nil {
			return nil, err
		}
	}

	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	stdin, stdout := p.stdin, p.stdout
	go func() {
		var r result
		if r.err = WriteMessage(stdin, req); r.err == nil {
			r.err = ReadMessage(stdout, &r.resp)
		}
		ch <- r
	}()

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			p.kill()
			if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
				return nil, ErrWorkerExited
			}
			return nil, r.err
		}
		if r.resp.Error != "" {
			return nil, fmt.Errorf("tracker worker: %s", r.resp.Error)
		}
		if r.resp.Seq != frame.Seq {
			p.kill()
			return nil, fmt.Errorf("tracker worker answered frame %d for frame %d", r.resp.Seq, frame.Seq)
		}
		return toDetections(r.resp.Detections), nil
	case <-timer.C:
		// the stream is out of step now; start over with a fresh worker
		p.kill()
		return nil, fmt.Errorf("tracker worker timed out after %s", p.Timeout)
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	case <-p.done:
		p.kill()
		return nil, ErrWorkerExited
	}
}

func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kill()
	return nil
}

func toDetections(in []WireDetection) []tracking.Detection {
	dets := make([]tracking.Detection, 0, len(in))
	for _, d := range in {
		dets = append(dets, tracking.Detection{
			TrackID: trackID(d.TrackID),
			Box: geometry.Box{
				X1: int(math.Floor(d.Box[0])),
				Y1: int(math.Floor(d.Box[1])),
				X2: int(math.Floor(d.Box[2])),
				Y2: int(math.Floor(d.Box[3])),
			}.Normalize(),
			Class:      d.Class,
			Confidence: d.Confidence,
		})
	}
	return dets
}

func trackID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float32:
		return fmt.Sprintf("%.0f", id)
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
