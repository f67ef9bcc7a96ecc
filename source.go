package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gocv.io/x/gocv"
)

// defaultBackoff is the fixed delay between attempts to open or read the video source.
const defaultBackoff = time.Second

var (
	// ErrSourceUnavailable reports that the video source could not be opened.
	ErrSourceUnavailable = errors.New("video source unavailable")
	// ErrFrameUnavailable reports that an open video source failed to deliver a frame.
	ErrFrameUnavailable = errors.New("frame unavailable")
)

// SourceState represents the connection state of the frame source.
type SourceState int32

const (
	// SourceIdle indicates no device is open; the next read attempts to open it.
	SourceIdle SourceState = iota
	// SourceConnected indicates the device is open and waiting for a frame.
	SourceConnected
	// SourceFrameReady indicates a frame was retrieved and handed to the pipeline.
	SourceFrameReady
)

// String returns a string representation of the SourceState.
func (s SourceState) String() string {
	switch s {
	case SourceIdle:
		return "IDLE"
	case SourceConnected:
		return "CONNECTED"
	case SourceFrameReady:
		return "FRAME_READY"
	default:
		return "UNKNOWN"
	}
}

// Capture is an open video device or stream.
// *gocv.VideoCapture satisfies it; Read performs grab and retrieve in one call.
type Capture interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// CaptureOpener opens the video source identified by uri.
type CaptureOpener func(uri string) (Capture, error)

// openVideoCapture opens uri with OpenCV. Numeric strings select a local device.
func openVideoCapture(uri string) (Capture, error) {
	capture, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}

	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture is not opened")
	}

	return capture, nil
}

// Clock supplies wall-clock time and blocking sleeps to the pipeline.
// Timestamps and elapsed-time measurements come from the same Clock so they never drift apart.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, in which case it returns ctx.Err().
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy decides how long to wait after a failed open or read.
// Attempts are unbounded and the delay is constant; a successful frame does not reset it.
type RetryPolicy struct {
	backoff  backoff.BackOff
	attempts int64
}

// NewRetryPolicy returns a policy that waits interval between every attempt, forever.
func NewRetryPolicy(interval time.Duration) *RetryPolicy {
	return &RetryPolicy{backoff: backoff.NewConstantBackOff(interval)}
}

// Next records a failed attempt and returns the delay before the following one.
func (p *RetryPolicy) Next() time.Duration {
	p.attempts++
	return p.backoff.NextBackOff()
}

// Attempts returns how many failed attempts have been recorded.
func (p *RetryPolicy) Attempts() int64 {
	return p.attempts
}

// FrameSource wraps a reconnecting video capture and yields frames in device order.
// It never gives up: open and read failures release the device, wait one backoff
// interval and are reported to the caller as transient errors.
type FrameSource struct {
	uri     string
	open    CaptureOpener
	capture Capture

	// img is the scratch buffer frames are read into before being cloned.
	img gocv.Mat

	retry   *RetryPolicy
	clock   Clock
	state   SourceState
	metrics *PipelineMetrics
	logger  *slog.Logger

	// frameIndex counts successfully retrieved frames, starting at 1.
	frameIndex int64
}

// NewFrameSource creates a source for uri. The device is opened lazily by Next.
func NewFrameSource(uri string, open CaptureOpener, retry *RetryPolicy, clock Clock, metrics *PipelineMetrics, logger *slog.Logger) *FrameSource {
	return &FrameSource{
		uri:     uri,
		open:    open,
		img:     gocv.NewMat(),
		retry:   retry,
		clock:   clock,
		state:   SourceIdle,
		metrics: metrics,
		logger:  logger,
	}
}

// State returns the current connection state.
func (s *FrameSource) State() SourceState {
	return s.state
}

// Next returns the next frame from the device, opening it first if needed.
// The returned frame's Image is a clone owned by the caller, who must close it.
// Any failure is transient: the device is released if it was open, Next sleeps for
// one backoff interval and returns an error wrapping ErrSourceUnavailable or
// ErrFrameUnavailable. If ctx is cancelled during the backoff, the context error is
// joined to the returned error.
func (s *FrameSource) Next(ctx context.Context) (Frame, error) {
	if s.capture == nil {
		s.metrics.reconnectAttempts.Add(1)

		capture, err := s.open(s.uri)
		if err != nil {
			s.metrics.openFailures.Add(1)
			return Frame{}, s.backoff(ctx, fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
		}

		s.capture = capture
		s.setState(SourceConnected)
		s.logger.Info("Video source opened", "uri", s.uri)
	}

	if !s.capture.Read(&s.img) || s.img.Empty() {
		s.metrics.streamErrors.Add(1)
		s.release()
		return Frame{}, s.backoff(ctx, fmt.Errorf("%w: failed to read frame from %s", ErrFrameUnavailable, s.uri))
	}

	s.frameIndex++
	s.setState(SourceFrameReady)

	return Frame{
		Image:     s.img.Clone(),
		Index:     s.frameIndex,
		Timestamp: s.clock.Now(),
	}, nil
}

// backoff logs the failure once and waits for the retry interval.
func (s *FrameSource) backoff(ctx context.Context, cause error) error {
	delay := s.retry.Next()

	s.logger.Warn("Video source failure, retrying",
		"error", cause,
		"attempt", s.retry.Attempts(),
		"retry_in", delay)

	if err := s.clock.Sleep(ctx, delay); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

// release closes the device so the next call reopens it.
func (s *FrameSource) release() {
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			s.logger.Debug("Failed to close video capture", "error", err)
		}
		s.capture = nil
	}
	s.setState(SourceIdle)
}

func (s *FrameSource) setState(state SourceState) {
	if s.state == state {
		return
	}
	s.logger.Debug("Video source state transition", "from", s.state, "to", state)
	s.state = state
}

// Close releases the device and the scratch buffer.
func (s *FrameSource) Close() error {
	var err error
	if s.capture != nil {
		err = s.capture.Close()
		s.capture = nil
	}
	s.state = SourceIdle
	if cerr := s.img.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
