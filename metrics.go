package main

import (
	"sync/atomic"
	"time"
)

// PipelineMetrics tracks health and performance counters for one recording session.
type PipelineMetrics struct {
	// framesProcessed counts frames that went through the whole pipeline.
	framesProcessed atomic.Int64
	// streamErrors counts failed reads on an open device.
	streamErrors atomic.Int64
	// openFailures counts failed attempts to open the device.
	openFailures atomic.Int64
	// reconnectAttempts counts every attempt to open the device, including the first.
	reconnectAttempts atomic.Int64
	// motionEvents counts frames that passed the deviation gate.
	motionEvents atomic.Int64
	// writeErrors counts artifacts that could not be persisted.
	writeErrors atomic.Int64
	// lastFrameTime tracks when the last frame was processed.
	lastFrameTime atomic.Int64
	// avgProcessingTimeNs tracks the moving average frame processing time.
	avgProcessingTimeNs atomic.Int64
}

// GetFramesProcessed returns the total number of frames processed.
func (m *PipelineMetrics) GetFramesProcessed() int64 {
	return m.framesProcessed.Load()
}

// GetStreamErrors returns the number of failed frame reads.
func (m *PipelineMetrics) GetStreamErrors() int64 {
	return m.streamErrors.Load()
}

// GetOpenFailures returns the number of failed device opens.
func (m *PipelineMetrics) GetOpenFailures() int64 {
	return m.openFailures.Load()
}

// GetReconnectAttempts returns the number of device open attempts.
func (m *PipelineMetrics) GetReconnectAttempts() int64 {
	return m.reconnectAttempts.Load()
}

// GetMotionEvents returns the number of triggered frames.
func (m *PipelineMetrics) GetMotionEvents() int64 {
	return m.motionEvents.Load()
}

// GetWriteErrors returns the number of failed artifact writes.
func (m *PipelineMetrics) GetWriteErrors() int64 {
	return m.writeErrors.Load()
}

// GetAvgProcessingTimeMs returns the average frame processing time in milliseconds.
func (m *PipelineMetrics) GetAvgProcessingTimeMs() float64 {
	return float64(m.avgProcessingTimeNs.Load()) / 1e6
}

// UpdateProcessingTime folds a new measurement into the average processing time.
func (m *PipelineMetrics) UpdateProcessingTime(processingTime time.Duration) {
	current := m.avgProcessingTimeNs.Load()
	sample := processingTime.Nanoseconds()
	if current == 0 {
		m.avgProcessingTimeNs.Store(sample)
		return
	}
	// EMA with alpha = 0.1
	m.avgProcessingTimeNs.Store(int64(float64(current)*0.9 + float64(sample)*0.1))
}

// GetLastFrameAge returns how long before now the last frame was processed.
func (m *PipelineMetrics) GetLastFrameAge(now time.Time) time.Duration {
	last := m.lastFrameTime.Load()
	if last == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, last))
}
