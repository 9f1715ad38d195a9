// Package pipeline runs the per-camera frame loop:
// Acquire → Detect → Classify&Decide → Annotate → Emit/Persist.
//
// The loop is strictly sequential per frame. Actuator signals and alert
// notifications leave the loop in detached goroutines; evidence goes through
// the ordered recorder. The engine's AlertState is touched only here.
package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
	"github.com/dj-oyu/esp32-object-sentry/internal/policy"
	"github.com/dj-oyu/esp32-object-sentry/internal/source"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Detector finds objects in a decoded frame.
type Detector interface {
	Detect(image.Image) ([]types.Detection, error)
}

// Renderer turns a frame and its detections into the JPEG shown live.
type Renderer interface {
	Render(types.Frame, []types.Detection) ([]byte, error)
}

// Signaler sends a message to the actuator without blocking.
type Signaler interface {
	Dispatch(msg string)
}

// EvidenceWriter persists the raw JPEG of a triggering frame.
type EvidenceWriter interface {
	Record(t time.Time, jpeg []byte) error
}

// Notifier publishes alert events without blocking.
type Notifier interface {
	Notify(types.AlertEvent)
}

// FrameSink receives annotated frames for the live stream.
type FrameSink interface {
	Publish(camera string, jpeg []byte)
}

// Observer receives per-frame results.
type Observer interface {
	Observe(FrameStats)
}

// FrameStats summarises one processed frame.
type FrameStats struct {
	Camera      string
	Seq         uint64
	Timestamp   time.Time
	Detections  int
	Counts      policy.Counts
	Condition   policy.Condition
	Fired       bool
	Message     string
	State       policy.AlertState
	DetectError bool
	Latency     time.Duration
}

// Config wires a pipeline. Source, Detector and Engine are required; every
// other collaborator is optional.
type Config struct {
	Camera   string
	Source   source.Source
	Detector Detector
	Engine   *policy.Engine
	Renderer Renderer
	Signaler Signaler
	Evidence EvidenceWriter
	Notifier Notifier
	Frames   FrameSink
	Observer Observer
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Pipeline is the frame loop of one camera.
type Pipeline struct {
	cfg    Config
	clock  clock.Clock
	module string
}

// New validates cfg and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("pipeline needs a source")
	case cfg.Detector == nil:
		return nil, errors.New("pipeline needs a detector")
	case cfg.Engine == nil:
		return nil, errors.New("pipeline needs a policy engine")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{cfg: cfg, clock: clk, module: "Pipeline:" + cfg.Camera}, nil
}

// Camera returns the camera name.
func (p *Pipeline) Camera() string {
	return p.cfg.Camera
}

// Run processes frames until the source ends (nil) or ctx is cancelled
// (ctx.Err()). The source is closed on return.
func (p *Pipeline) Run(ctx context.Context) error {
	var stop sync.Once
	closeSource := func() {
		stop.Do(func() {
			if err := p.cfg.Source.Close(); err != nil {
				logger.Debug(p.module, "Close source: %v", err)
			}
		})
	}
	defer closeSource()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeSource()
		case <-done:
		}
	}()

	logger.Info(p.module, "Frame loop started")

	for {
		frame, ok := p.cfg.Source.Read()
		if !ok {
			if err := ctx.Err(); err != nil {
				logger.Info(p.module, "Frame loop stopped")
				return err
			}
			logger.Info(p.module, "Source ended")
			return nil
		}
		p.Process(frame)
	}
}

// Process runs one frame through detect, decide, annotate and emit.
func (p *Pipeline) Process(frame types.Frame) FrameStats {
	m := p.cfg.Metrics
	if m != nil {
		m.FramesRead.Add(1)
	}

	stats := FrameStats{Camera: p.cfg.Camera, Seq: frame.Seq, Timestamp: frame.Timestamp}

	start := p.clock.Now()
	dets, err := p.cfg.Detector.Detect(frame.Image)
	if m != nil {
		m.ObserveDetect(p.clock.Since(start))
	}

	if err != nil {
		// No state transition on a failed detection; the raw frame still goes out.
		logger.Warn(p.module, "Detect frame %d: %v", frame.Seq, err)
		if m != nil {
			m.DetectErrors.Add(1)
		}
		stats.DetectError = true
		stats.State = p.cfg.Engine.State()
		p.emit(frame, nil)
		p.finish(frame, &stats)
		return stats
	}

	d := p.cfg.Engine.Evaluate(dets)
	stats.Detections = len(dets)
	stats.Counts = d.Counts
	stats.Condition = d.Condition
	stats.Fired = d.Fire
	stats.Message = d.Message
	stats.State = p.cfg.Engine.State()

	if d.Fire {
		p.fire(frame, d)
	}

	p.emit(frame, dets)
	p.finish(frame, &stats)
	return stats
}

func (p *Pipeline) fire(frame types.Frame, d policy.Decision) {
	logger.Info(p.module, "Alert %q (%s) on frame %d: suspicious=%d allowed=%d",
		d.Message, d.Condition, frame.Seq, d.Counts.Suspicious, d.Counts.Allowed)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordAlert(p.cfg.Camera, d.Message)
	}
	if p.cfg.Signaler != nil {
		p.cfg.Signaler.Dispatch(d.Message)
	}

	persisted := false
	if d.Persist && p.cfg.Evidence != nil {
		at := frame.Timestamp
		if at.IsZero() {
			at = d.At
		}
		if err := p.cfg.Evidence.Record(at, frame.JPEG); err != nil {
			logger.Warn(p.module, "Evidence for frame %d: %v", frame.Seq, err)
		} else {
			persisted = true
		}
	}

	if p.cfg.Notifier != nil {
		p.cfg.Notifier.Notify(types.AlertEvent{
			Camera:          p.cfg.Camera,
			Condition:       d.Condition.String(),
			Message:         d.Message,
			SuspiciousCount: d.Counts.Suspicious,
			AllowedCount:    d.Counts.Allowed,
			FrameSeq:        frame.Seq,
			Persisted:       persisted,
			Timestamp:       d.At,
		})
	}
}

func (p *Pipeline) emit(frame types.Frame, dets []types.Detection) {
	if p.cfg.Frames == nil {
		return
	}

	out := frame.JPEG
	if p.cfg.Renderer != nil && len(dets) > 0 {
		rendered, err := p.cfg.Renderer.Render(frame, dets)
		if err != nil {
			logger.Warn(p.module, "Annotate frame %d: %v", frame.Seq, err)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.EncodeErrors.Add(1)
			}
		} else {
			out = rendered
		}
	}
	if len(out) > 0 {
		p.cfg.Frames.Publish(p.cfg.Camera, out)
	}
}

func (p *Pipeline) finish(frame types.Frame, stats *FrameStats) {
	if !frame.Timestamp.IsZero() {
		stats.Latency = p.clock.Since(frame.Timestamp)
	}
	if m := p.cfg.Metrics; m != nil {
		m.FramesProcessed.Add(1)
		m.UpdateFrameLatency(stats.Latency)
	}
	if p.cfg.Observer != nil {
		p.cfg.Observer.Observe(*stats)
	}
}
