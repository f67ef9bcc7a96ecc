package main

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

const (
	// DefaultErodeSize is the side of the square erosion kernel.
	DefaultErodeSize = 2
	minErodeSize     = 2
	maxErodeSize     = 4

	// DefaultDeviation is the default MotionGate threshold.
	DefaultDeviation = 3.0

	// boxMargin is added around the changed pixels on every side.
	boxMargin = 10
	// scanStep samples every other row and column of the mask.
	scanStep = 2
)

// highlightColor is the colour of the motion box (yellow).
var highlightColor = color.RGBA{255, 255, 0, 0}

// MaskRefiner erodes the foreground mask to drop isolated noise pixels.
type MaskRefiner struct {
	kernel gocv.Mat
}

// NewMaskRefiner returns a refiner with a size x size rectangular kernel.
// Callers must call Close.
func NewMaskRefiner(size int) (*MaskRefiner, error) {
	if size < minErodeSize || size > maxErodeSize {
		return nil, fmt.Errorf("erode size must be between %d and %d, got %d", minErodeSize, maxErodeSize, size)
	}
	return &MaskRefiner{
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(size, size)),
	}, nil
}

// Refine writes the eroded mask into dst. src is not modified.
func (r *MaskRefiner) Refine(src gocv.Mat, dst *gocv.Mat) {
	gocv.Erode(src, dst, r.kernel)
}

// Close releases the kernel.
func (r *MaskRefiner) Close() error {
	return r.kernel.Close()
}

// MotionGate turns a foreground mask into a motion verdict using the standard
// deviation of all mask pixels. The statistic is global: many scattered noise pixels
// score the same as one object covering the same number of pixels.
type MotionGate struct {
	Threshold float64
}

// Evaluate returns the mask's standard deviation and whether it reaches the threshold.
func (g MotionGate) Evaluate(mask gocv.Mat) (float64, bool) {
	if mask.Empty() {
		return 0, g.Triggered(0)
	}

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()

	gocv.MeanStdDev(mask, &mean, &stddev)
	deviation := stddev.GetDoubleAt(0, 0)

	return deviation, g.Triggered(deviation)
}

// Triggered reports whether deviation counts as motion. The threshold itself triggers.
func (g MotionGate) Triggered(deviation float64) bool {
	return deviation >= g.Threshold
}

// RegionLocalizer finds the box around the changed pixels of a mask.
type RegionLocalizer struct {
	Margin int
	Step   int
	Color  color.RGBA
}

// NewRegionLocalizer returns a localizer with the default margin, sampling and colour.
func NewRegionLocalizer() *RegionLocalizer {
	return &RegionLocalizer{
		Margin: boxMargin,
		Step:   scanStep,
		Color:  highlightColor,
	}
}

// Locate counts the sampled foreground pixels of mask and returns their bounding box,
// grown by the margin and clipped to the mask bounds. When frame is non-nil the box
// is drawn onto it. ok is false, and nothing is drawn, when no pixel changed.
func (l *RegionLocalizer) Locate(mask gocv.Mat, frame *gocv.Mat) (changes int, box image.Rectangle, ok bool) {
	if mask.Empty() || mask.Type() != gocv.MatTypeCV8UC1 {
		return 0, image.Rectangle{}, false
	}

	data, err := mask.DataPtrUint8()
	if err != nil {
		return 0, image.Rectangle{}, false
	}

	step := max(l.Step, 1)
	rows, cols := mask.Rows(), mask.Cols()
	minX, minY := cols, rows
	maxX, maxY := 0, 0

	for y := 0; y < rows; y += step {
		row := data[y*cols : (y+1)*cols]
		for x := 0; x < cols; x += step {
			if row[x] != maskForeground {
				continue
			}
			changes++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	if changes == 0 {
		return 0, image.Rectangle{}, false
	}

	box = image.Rect(minX-l.Margin, minY-l.Margin, maxX+l.Margin+1, maxY+l.Margin+1).
		Intersect(image.Rect(0, 0, cols, rows))

	if frame != nil && !frame.Empty() {
		gocv.Rectangle(frame, box, l.Color, 1)
	}

	return changes, box, true
}
