package main

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

const (
	// artifactTimeFormat names artifacts with second resolution.
	artifactTimeFormat = "20060102_150405"
	stampTimeFormat    = "2006-01-02 15:04:05"

	// DefaultPrefix is the default artifact file name prefix.
	DefaultPrefix = "motion_"
	// DefaultQuality is the default JPEG quality.
	DefaultQuality = 90
)

// ArtifactWriter persists the frame of a motion event and returns where it went.
type ArtifactWriter interface {
	Write(img gocv.Mat, ev MotionEvent) (string, error)
}

// JPEGWriter stores motion frames as JPEG files in one directory.
type JPEGWriter struct {
	dir     string
	prefix  string
	quality int
	counter bool
	stamp   bool
}

// NewJPEGWriter returns a writer for the configured output directory.
// The directory is created if needed; failing to create it is reported but the
// writer is still usable, every write will then fail individually.
func NewJPEGWriter(config *Config) (*JPEGWriter, error) {
	w := &JPEGWriter{
		dir:     config.OutputDir,
		prefix:  config.Prefix,
		quality: config.Quality,
		counter: config.Counter,
		stamp:   config.Stamp,
	}
	if w.dir == "" {
		w.dir = "."
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return w, fmt.Errorf("failed to create output directory %s: %w", w.dir, err)
	}
	return w, nil
}

// Path returns the file name used for ev.
func (w *JPEGWriter) Path(ev MotionEvent) string {
	name := w.prefix + ev.Timestamp.Format(artifactTimeFormat)
	if w.counter {
		name += fmt.Sprintf("_%06d", ev.Frame)
	}
	return filepath.Join(w.dir, name+".jpg")
}

// Write encodes img as JPEG. With stamping enabled the event time is drawn onto img first.
func (w *JPEGWriter) Write(img gocv.Mat, ev MotionEvent) (string, error) {
	if img.Empty() {
		return "", fmt.Errorf("failed to write artifact: %w", errEmptyFrame)
	}

	if w.stamp {
		gocv.PutText(&img, ev.Timestamp.Format(stampTimeFormat), image.Pt(10, 20),
			gocv.FontHersheyPlain, 1.2, color.RGBA{255, 255, 255, 0}, 1)
	}

	if _, err := os.Stat(w.dir); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	path := w.Path(ev)
	if !gocv.IMWriteWithParams(path, img, []int{int(gocv.IMWriteJpegQuality), w.quality}) {
		return "", fmt.Errorf("failed to write artifact %s", path)
	}
	return path, nil
}
