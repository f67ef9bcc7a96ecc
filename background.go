package main

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

const (
	// Mask values.
	maskBackground = 0
	maskForeground = 255

	// Running Gaussian parameters. The learning rate is fixed; there is no tuning knob.
	gaussianLearningRate = 1.0 / 200
	gaussianVarInit      = 15
	gaussianVarMin       = 4
	gaussianVarMax       = 75
	// gaussianVarThreshold is the squared distance, in variances, beyond which a pixel is foreground.
	gaussianVarThreshold = 16
	// shadowTau is the darkest brightness ratio still treated as shadow.
	shadowTau = 0.5

	mog2History      = 500
	mog2VarThreshold = 16
	// mog2ShadowCut separates MOG2 foreground (255) from its shadow marker (127).
	mog2ShadowCut = 200

	// frameDiffThreshold is the intensity cut applied to the combined difference image.
	frameDiffThreshold = 35
)

// Background model names accepted by the -model flag.
const (
	ModelGaussian  = "gaussian"
	ModelMOG2      = "mog2"
	ModelFrameDiff = "diff"
)

var errEmptyFrame = errors.New("empty frame")

// BackgroundModel classifies the pixels of each frame as foreground or background and
// learns from the frame afterwards. Apply must be called once per frame, in frame order.
// mask receives a CV_8UC1 image of the frame's size holding 0 or 255; shadows are 0.
type BackgroundModel interface {
	Apply(frame gocv.Mat, mask *gocv.Mat) error
	Close() error
}

// newBackgroundModel returns the model registered under name.
func newBackgroundModel(name string) (BackgroundModel, error) {
	switch name {
	case ModelGaussian, "":
		return NewGaussianModel(), nil
	case ModelMOG2:
		return NewMOG2Model(), nil
	case ModelFrameDiff:
		return NewFrameDiffModel(), nil
	default:
		return nil, fmt.Errorf("unknown background model %q", name)
	}
}

// ensureMask (re)allocates mask as a rows x cols CV_8UC1 image.
func ensureMask(mask *gocv.Mat, rows, cols int) {
	if mask.Rows() == rows && mask.Cols() == cols && mask.Type() == gocv.MatTypeCV8UC1 {
		return
	}
	mask.Close()
	*mask = gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)
}

// GaussianModel keeps a running Gaussian per pixel: one mean per channel and a
// variance shared by the channels. Shadows are detected the way MOG2 does it, by
// brightness ratio against the mean, and reported as background.
type GaussianModel struct {
	mean     []float32
	variance []float32

	rows, cols, channels int
	frames               int64
}

// NewGaussianModel returns an empty model; the first frame initialises it.
func NewGaussianModel() *GaussianModel {
	return &GaussianModel{}
}

// Frames returns how many frames the model has learned from.
func (g *GaussianModel) Frames() int64 {
	return g.frames
}

// Apply classifies frame against the current estimate, writes the mask and then
// updates the estimate. While the model has no estimate (first frame, or the frame
// geometry changed) every pixel is foreground.
func (g *GaussianModel) Apply(frame gocv.Mat, mask *gocv.Mat) error {
	if frame.Empty() {
		return errEmptyFrame
	}

	switch frame.Type() {
	case gocv.MatTypeCV8UC1, gocv.MatTypeCV8UC3, gocv.MatTypeCV8UC4:
	default:
		return fmt.Errorf("unsupported frame type %v", frame.Type())
	}

	pixels, err := frame.DataPtrUint8()
	if err != nil {
		continuous := frame.Clone()
		defer continuous.Close()
		if pixels, err = continuous.DataPtrUint8(); err != nil {
			return fmt.Errorf("failed to access frame pixels: %w", err)
		}
	}

	rows, cols, channels := frame.Rows(), frame.Cols(), frame.Channels()
	ensureMask(mask, rows, cols)
	out, err := mask.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("failed to access mask pixels: %w", err)
	}

	if g.frames == 0 || rows != g.rows || cols != g.cols || channels != g.channels {
		g.reset(pixels, rows, cols, channels)
		for i := range out {
			out[i] = maskForeground
		}
		return nil
	}

	for p := range out {
		base := p * channels
		x := pixels[base : base+channels]
		mu := g.mean[base : base+channels]
		v := g.variance[p]

		var d2 float32
		for c := range x {
			diff := float32(x[c]) - mu[c]
			d2 += diff * diff
		}

		out[p] = maskBackground
		if d2 > gaussianVarThreshold*v && !isShadow(x, mu, v) {
			out[p] = maskForeground
		}

		for c := range x {
			mu[c] += gaussianLearningRate * (float32(x[c]) - mu[c])
		}
		v += gaussianLearningRate * (d2 - v)
		g.variance[p] = min(max(v, gaussianVarMin), gaussianVarMax)
	}

	g.frames++
	return nil
}

func (g *GaussianModel) reset(pixels []uint8, rows, cols, channels int) {
	g.rows, g.cols, g.channels = rows, cols, channels
	g.mean = make([]float32, rows*cols*channels)
	for i, px := range pixels[:len(g.mean)] {
		g.mean[i] = float32(px)
	}
	g.variance = make([]float32, rows*cols)
	for i := range g.variance {
		g.variance[i] = gaussianVarInit
	}
	g.frames = 1
}

// isShadow reports whether x is a darkened copy of mu: the brightness ratio lies in
// [shadowTau, 1] and the colour left after scaling is within the model's spread.
func isShadow(x []uint8, mu []float32, v float32) bool {
	var num, den float32
	for c := range x {
		num += float32(x[c]) * mu[c]
		den += mu[c] * mu[c]
	}
	if den == 0 {
		return false
	}

	a := num / den
	if a < shadowTau || a > 1 {
		return false
	}

	var d2 float32
	for c := range x {
		diff := float32(x[c]) - a*mu[c]
		d2 += diff * diff
	}
	return d2 < gaussianVarThreshold*v*a*a
}

// Close implements BackgroundModel.
func (g *GaussianModel) Close() error {
	g.mean, g.variance = nil, nil
	g.frames = 0
	return nil
}

// MOG2Model delegates to OpenCV's Gaussian mixture background subtractor with
// shadow detection enabled, and clears the shadow marker from its output.
type MOG2Model struct {
	subtractor gocv.BackgroundSubtractorMOG2
}

// NewMOG2Model returns a MOG2 model. Callers must call Close.
func NewMOG2Model() *MOG2Model {
	return &MOG2Model{
		subtractor: gocv.NewBackgroundSubtractorMOG2WithParams(mog2History, mog2VarThreshold, true),
	}
}

// Apply implements BackgroundModel.
func (m *MOG2Model) Apply(frame gocv.Mat, mask *gocv.Mat) error {
	if frame.Empty() {
		return errEmptyFrame
	}
	m.subtractor.Apply(frame, mask)
	gocv.Threshold(*mask, mask, mog2ShadowCut, maskForeground, gocv.ThresholdBinary)
	return nil
}

// Close implements BackgroundModel.
func (m *MOG2Model) Close() error {
	return m.subtractor.Close()
}

// FrameDiffModel is the three-frame differencing detector: with grayscale frames
// A, B and C, a pixel is foreground when it changed both from A to B and from B to C.
// It has no persistent statistics and produces an empty mask until three frames are held.
type FrameDiffModel struct {
	// prev holds A and B, oldest first.
	prev [2]gocv.Mat
	held int

	d1, d2 gocv.Mat
}

// NewFrameDiffModel returns an empty model. Callers must call Close.
func NewFrameDiffModel() *FrameDiffModel {
	return &FrameDiffModel{
		prev: [2]gocv.Mat{gocv.NewMat(), gocv.NewMat()},
		d1:   gocv.NewMat(),
		d2:   gocv.NewMat(),
	}
}

// Apply implements BackgroundModel.
func (f *FrameDiffModel) Apply(frame gocv.Mat, mask *gocv.Mat) error {
	if frame.Empty() {
		return errEmptyFrame
	}

	gray := gocv.NewMat()
	switch frame.Channels() {
	case 1:
		frame.CopyTo(&gray)
	case 4:
		gocv.CvtColor(frame, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	}

	if f.held > 0 && (f.prev[f.held-1].Rows() != gray.Rows() || f.prev[f.held-1].Cols() != gray.Cols()) {
		f.held = 0
	}

	if f.held < len(f.prev) {
		f.prev[f.held].Close()
		f.prev[f.held] = gray
		f.held++
		ensureMask(mask, frame.Rows(), frame.Cols())
		mask.SetTo(gocv.NewScalar(maskBackground, 0, 0, 0))
		return nil
	}

	a, b := f.prev[0], f.prev[1]
	gocv.AbsDiff(gray, b, &f.d1)
	gocv.AbsDiff(b, a, &f.d2)
	gocv.BitwiseAnd(f.d1, f.d2, mask)
	gocv.Threshold(*mask, mask, frameDiffThreshold, maskForeground, gocv.ThresholdBinary)

	a.Close()
	f.prev[0], f.prev[1] = b, gray
	return nil
}

// Close implements BackgroundModel.
func (f *FrameDiffModel) Close() error {
	var errs []error
	for _, m := range []*gocv.Mat{&f.prev[0], &f.prev[1], &f.d1, &f.d2} {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.held = 0
	return errors.Join(errs...)
}
