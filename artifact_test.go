package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func testEvent() MotionEvent {
	return MotionEvent{
		ID:        "c0ffee",
		Frame:     42,
		Deviation: 12.5,
		Timestamp: time.Date(2024, 3, 9, 14, 30, 5, 0, time.UTC),
	}
}

func newTestWriter(t *testing.T, dir string, counter, stamp bool) *JPEGWriter {
	t.Helper()
	w, err := NewJPEGWriter(&Config{
		OutputDir: dir,
		Prefix:    DefaultPrefix,
		Quality:   DefaultQuality,
		Counter:   counter,
		Stamp:     stamp,
	})
	require.NoError(t, err)
	return w
}

func TestJPEGWriterPath(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		counter  bool
		expected string
	}{
		{name: "timestamp only", expected: "motion_20240309_143005.jpg"},
		{name: "with counter", counter: true, expected: "motion_20240309_143005_000042.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter(t, dir, tt.counter, false)
			assert.Equal(t, filepath.Join(dir, tt.expected), w.Path(testEvent()))
		})
	}
}

func TestNewJPEGWriterCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots", "front-door")

	newTestWriter(t, dir, false, false)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewJPEGWriterDefaultsToWorkingDirectory(t *testing.T) {
	w, err := NewJPEGWriter(&Config{Prefix: "x_", Quality: DefaultQuality})
	require.NoError(t, err)
	assert.Equal(t, "x_20240309_143005.jpg", w.Path(testEvent()))
}

func TestJPEGWriterWrite(t *testing.T) {
	w := newTestWriter(t, t.TempDir(), true, false)

	img := uniformMat(48, 64, 0, 128, 255)
	defer img.Close()

	path, err := w.Write(img, testEvent())
	require.NoError(t, err)
	assert.Equal(t, w.Path(testEvent()), path)

	decoded := gocv.IMRead(path, gocv.IMReadColor)
	defer decoded.Close()
	require.False(t, decoded.Empty())
	assert.Equal(t, 48, decoded.Rows())
	assert.Equal(t, 64, decoded.Cols())

	px := decoded.GetVecbAt(24, 32)
	assert.InDelta(t, 0, int(px[0]), 4)
	assert.InDelta(t, 128, int(px[1]), 4)
	assert.InDelta(t, 255, int(px[2]), 4)
}

func TestJPEGWriterStamp(t *testing.T) {
	w := newTestWriter(t, t.TempDir(), false, true)

	img := uniformMat(60, 240, 0, 0, 0)
	defer img.Close()

	_, err := w.Write(img, testEvent())
	require.NoError(t, err)
	assert.Positive(t, gocv.CountNonZero(greenChannel(t, img)), "the timestamp is drawn onto the frame")
}

func TestJPEGWriterMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	w := newTestWriter(t, dir, false, false)
	require.NoError(t, os.Remove(dir))

	img := uniformMat(8, 8, 1, 1, 1)
	defer img.Close()

	path, err := w.Write(img, testEvent())
	assert.Error(t, err)
	assert.Empty(t, path)
	assert.NoFileExists(t, w.Path(testEvent()))
}

func TestJPEGWriterEmptyImage(t *testing.T) {
	w := newTestWriter(t, t.TempDir(), false, false)

	img := gocv.NewMat()
	defer img.Close()

	_, err := w.Write(img, testEvent())
	assert.ErrorIs(t, err, errEmptyFrame)
}
