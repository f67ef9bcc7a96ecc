package main

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

// PrivacyRegion is a rectangle, given by two opposite corners, that is hidden from motion detection.
type PrivacyRegion struct {
	A image.Point
	B image.Point
}

// ParsePrivacyRegion parses "x1,y1,x2,y2" into a region. Corners may be given in any order.
func ParsePrivacyRegion(s string) (*PrivacyRegion, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("privacy region %q: want x1,y1,x2,y2", s)
	}

	var v [4]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("privacy region %q: %w", s, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("privacy region %q: negative coordinate %d", s, n)
		}
		v[i] = n
	}

	return &PrivacyRegion{A: image.Pt(v[0], v[1]), B: image.Pt(v[2], v[3])}, nil
}

// Rect returns the covered pixels, both corners included.
func (r PrivacyRegion) Rect() image.Rectangle {
	rect := image.Rectangle{Min: r.A, Max: r.B}.Canon()
	rect.Max = rect.Max.Add(image.Pt(1, 1))
	return rect
}

// String formats the region the way ParsePrivacyRegion reads it.
func (r PrivacyRegion) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.A.X, r.A.Y, r.B.X, r.B.Y)
}

// PrivacyMask paints the privacy region over a copy of each frame before detection.
type PrivacyMask struct {
	region *PrivacyRegion
	fill   color.RGBA
}

// NewPrivacyMask returns a mask for region. A nil region disables masking.
func NewPrivacyMask(region *PrivacyRegion) *PrivacyMask {
	return &PrivacyMask{
		region: region,
		fill:   color.RGBA{0, 0, 0, 0},
	}
}

// Enabled reports whether a region is configured and its corners differ.
func (p *PrivacyMask) Enabled() bool {
	return p != nil && p.region != nil && p.region.A != p.region.B
}

// Apply returns a copy of frame with the privacy region filled. The caller owns and must
// close the result; frame itself is never modified.
func (p *PrivacyMask) Apply(frame gocv.Mat) gocv.Mat {
	masked := frame.Clone()
	if p.Enabled() {
		gocv.Rectangle(&masked, p.region.Rect(), p.fill, -1)
	}
	return masked
}
