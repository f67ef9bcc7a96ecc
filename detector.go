package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// Frame represents a captured video frame with its position in the stream.
type Frame struct {
	// Image holds the OpenCV Mat containing the raw frame pixels.
	// It belongs to the current iteration and must be closed by it.
	Image gocv.Mat

	// Index is a monotonically increasing counter starting from 1.
	Index int64

	// Timestamp records when the frame was retrieved from the source.
	Timestamp time.Time
}

// MotionEvent describes one frame that passed the deviation gate.
type MotionEvent struct {
	ID        string
	Frame     int64
	Deviation float64

	// Changes is the number of sampled foreground pixels.
	Changes int
	// Box encloses the changed pixels plus the margin; it lies inside the frame.
	// It is only meaningful when Localized is true.
	Box       image.Rectangle
	Localized bool

	Timestamp time.Time
	// Path is where the annotated frame was written, empty if the write failed.
	Path string
}

// Summary reports the outcome of a recording session.
type Summary struct {
	Frames      int64
	Events      int64
	WriteErrors int64
	// Elapsed is measured from the first frame.
	Elapsed time.Duration
}

// Detector runs the motion pipeline on a single goroutine:
// source, privacy mask, background model, erosion, deviation gate, localization, artifact.
type Detector struct {
	config *Config
	logger *slog.Logger
	clock  Clock

	source    *FrameSource
	privacy   *PrivacyMask
	model     BackgroundModel
	refiner   *MaskRefiner
	gate      MotionGate
	localizer *RegionLocalizer
	writer    ArtifactWriter
	metrics   *PipelineMetrics

	// mask and refined are scratch buffers reused by every iteration.
	mask    gocv.Mat
	refined gocv.Mat

	// onEvent, when set, observes every motion event after it was handled.
	onEvent func(MotionEvent)

	closeOnce sync.Once
}

// NewDetector creates a Detector reading from config.Input with OpenCV and writing JPEG snapshots.
// The source is opened lazily by Run, so an unavailable camera is not an error here.
// The caller must call Close on the returned Detector to release resources.
func NewDetector(config *Config, logger *slog.Logger) (*Detector, error) {
	writer, err := NewJPEGWriter(config)
	if err != nil {
		logger.Warn("Output directory unavailable, snapshots will fail", "error", err)
	}
	return newDetector(config, logger, openVideoCapture, systemClock{}, writer)
}

func newDetector(config *Config, logger *slog.Logger, open CaptureOpener, clock Clock, writer ArtifactWriter) (*Detector, error) {
	model, err := newBackgroundModel(config.Model)
	if err != nil {
		return nil, err
	}

	refiner, err := NewMaskRefiner(config.ErodeSize)
	if err != nil {
		model.Close()
		return nil, err
	}

	metrics := &PipelineMetrics{}
	d := &Detector{
		config:    config,
		logger:    logger,
		clock:     clock,
		source:    NewFrameSource(config.Input, open, NewRetryPolicy(defaultBackoff), clock, metrics, logger),
		privacy:   NewPrivacyMask(config.Privacy),
		model:     model,
		refiner:   refiner,
		gate:      MotionGate{Threshold: config.Deviation},
		localizer: NewRegionLocalizer(),
		writer:    writer,
		metrics:   metrics,
		mask:      gocv.NewMat(),
		refined:   gocv.NewMat(),
	}

	logger.Debug("Detector initialized",
		"model", config.Model,
		"erode", config.ErodeSize,
		"deviation", config.Deviation,
		"privacy", d.privacy.Enabled(),
		"timeout", config.Timeout)

	return d, nil
}

// Close releases the source, the model and all buffers. It is safe to call multiple times.
func (d *Detector) Close() error {
	var finalErr error

	d.closeOnce.Do(func() {
		var errs []error
		if err := d.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close frame source: %w", err))
		}
		if err := d.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close background model: %w", err))
		}
		if err := d.refiner.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mask refiner: %w", err))
		}
		for _, m := range []*gocv.Mat{&d.mask, &d.refined} {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		finalErr = errors.Join(errs...)

		d.logger.Debug("Detector cleanup completed")
	})

	return finalErr
}

// Run pulls frames until the configured timeout has elapsed or ctx is cancelled.
//
// Source failures never end the run: the source backs off and the loop tries again.
// The timeout clock starts at the first frame and is checked once per iteration,
// after the iteration's work is done; a timeout of zero runs until ctx is cancelled.
// Every frame is fed to the background model exactly once, in order.
func (d *Detector) Run(ctx context.Context) (Summary, error) {
	var (
		start       time.Time
		lastMetrics = d.clock.Now()
	)

	summary := func() Summary {
		s := Summary{
			Frames:      d.metrics.GetFramesProcessed(),
			Events:      d.metrics.GetMotionEvents(),
			WriteErrors: d.metrics.GetWriteErrors(),
		}
		if !start.IsZero() {
			s.Elapsed = d.clock.Now().Sub(start)
		}
		return s
	}

	d.logger.Info("Recording started", "input", d.config.Input, "timeout", d.config.Timeout)

	for {
		if err := ctx.Err(); err != nil {
			s := summary()
			d.logger.Info("Recording stopped",
				"reason", err,
				"frames", s.Frames,
				"events", s.Events,
				"elapsed_seconds", int64(s.Elapsed.Seconds()))
			return s, nil
		}

		frame, err := d.source.Next(ctx)
		if err == nil {
			if start.IsZero() {
				start = frame.Timestamp
			}
			d.processFrame(frame)
			frame.Image.Close()
		}

		now := d.clock.Now()
		if d.config.MetricsInterval > 0 && now.Sub(lastMetrics) >= d.config.MetricsInterval {
			d.reportMetrics(now)
			lastMetrics = now
		}

		if !start.IsZero() && d.config.Timeout > 0 && now.Sub(start) >= d.config.Timeout {
			s := summary()
			d.logger.Info("Recording ended",
				"elapsed_seconds", int64(s.Elapsed.Seconds()),
				"frames", s.Frames,
				"events", s.Events)
			return s, nil
		}
	}
}

// processFrame runs one frame through the pipeline and handles a resulting motion event.
// frame.Image is annotated in place when motion is localized.
func (d *Detector) processFrame(frame Frame) {
	started := time.Now()
	defer func() {
		d.metrics.framesProcessed.Add(1)
		d.metrics.lastFrameTime.Store(d.clock.Now().UnixNano())
		d.metrics.UpdateProcessingTime(time.Since(started))
	}()

	ev, triggered, err := d.detect(frame)
	if err != nil {
		d.logger.Warn("Frame skipped", "frame", frame.Index, "error", err)
		return
	}

	d.logger.Info("Frame processed", "frame", frame.Index, "deviation", ev.Deviation)
	if !triggered {
		return
	}

	d.metrics.motionEvents.Add(1)

	path, err := d.writer.Write(frame.Image, ev)
	if err != nil {
		d.metrics.writeErrors.Add(1)
		d.logger.Error("Failed to store motion snapshot",
			"frame", ev.Frame,
			"deviation", ev.Deviation,
			"error", err)
	} else {
		ev.Path = path
		d.logger.Info("Detected motion",
			"event_id", ev.ID,
			"frame", ev.Frame,
			"deviation", ev.Deviation,
			"changes", ev.Changes,
			"box", ev.Box,
			"path", path)
	}

	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

// detect computes the frame's deviation. When the gate triggers, the event gets an ID
// and the localized box has been drawn onto frame.Image.
func (d *Detector) detect(frame Frame) (MotionEvent, bool, error) {
	masked := d.privacy.Apply(frame.Image)
	defer masked.Close()

	if err := d.model.Apply(masked, &d.mask); err != nil {
		return MotionEvent{}, false, fmt.Errorf("background model: %w", err)
	}
	d.refiner.Refine(d.mask, &d.refined)

	deviation, triggered := d.gate.Evaluate(d.refined)
	ev := MotionEvent{
		Frame:     frame.Index,
		Deviation: deviation,
		Timestamp: frame.Timestamp,
	}
	if !triggered {
		return ev, false, nil
	}

	ev.ID = uuid.New().String()
	ev.Changes, ev.Box, ev.Localized = d.localizer.Locate(d.refined, &frame.Image)
	return ev, true, nil
}

// reportMetrics logs the session counters.
func (d *Detector) reportMetrics(now time.Time) {
	d.logger.Info("Pipeline metrics",
		"frames_processed", d.metrics.GetFramesProcessed(),
		"motion_events", d.metrics.GetMotionEvents(),
		"write_errors", d.metrics.GetWriteErrors(),
		"stream_errors", d.metrics.GetStreamErrors(),
		"open_failures", d.metrics.GetOpenFailures(),
		"reconnect_attempts", d.metrics.GetReconnectAttempts(),
		"avg_processing_time_ms", d.metrics.GetAvgProcessingTimeMs(),
		"last_frame_age", d.metrics.GetLastFrameAge(now),
		"source_state", d.source.State())
}
