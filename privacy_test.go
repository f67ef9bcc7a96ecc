package main

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestParsePrivacyRegion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected *PrivacyRegion
		rect     image.Rectangle
		wantErr  bool
	}{
		{
			name:     "ordered corners",
			input:    "10,20,50,60",
			expected: &PrivacyRegion{A: image.Pt(10, 20), B: image.Pt(50, 60)},
			rect:     image.Rect(10, 20, 51, 61),
		},
		{
			name:     "swapped corners",
			input:    "50,60,10,20",
			expected: &PrivacyRegion{A: image.Pt(50, 60), B: image.Pt(10, 20)},
			rect:     image.Rect(10, 20, 51, 61),
		},
		{
			name:     "mixed corners",
			input:    "50,20,10,60",
			expected: &PrivacyRegion{A: image.Pt(50, 20), B: image.Pt(10, 60)},
			rect:     image.Rect(10, 20, 51, 61),
		},
		{
			name:     "spaces",
			input:    " 0, 0, 639, 99",
			expected: &PrivacyRegion{A: image.Pt(0, 0), B: image.Pt(639, 99)},
			rect:     image.Rect(0, 0, 640, 100),
		},
		{name: "too few parts", input: "1,2,3", wantErr: true},
		{name: "too many parts", input: "1,2,3,4,5", wantErr: true},
		{name: "not a number", input: "1,2,x,4", wantErr: true},
		{name: "negative", input: "1,-2,3,4", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region, err := ParsePrivacyRegion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, region)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, region)
			assert.Equal(t, tt.rect, region.Rect())
		})
	}
}

func TestPrivacyRegionString(t *testing.T) {
	region, err := ParsePrivacyRegion("50,60,10,20")
	require.NoError(t, err)
	assert.Equal(t, "50,60,10,20", region.String())

	again, err := ParsePrivacyRegion(region.String())
	require.NoError(t, err)
	assert.Equal(t, region, again)
}

func TestPrivacyMaskEnabled(t *testing.T) {
	assert.False(t, NewPrivacyMask(nil).Enabled())
	assert.False(t, NewPrivacyMask(&PrivacyRegion{A: image.Pt(5, 5), B: image.Pt(5, 5)}).Enabled())
	assert.True(t, NewPrivacyMask(&PrivacyRegion{A: image.Pt(5, 5), B: image.Pt(5, 6)}).Enabled())

	var mask *PrivacyMask
	assert.False(t, mask.Enabled())
}

func TestPrivacyMaskApply(t *testing.T) {
	privacy := NewPrivacyMask(&PrivacyRegion{A: image.Pt(50, 60), B: image.Pt(10, 20)})

	frame := uniformMat(80, 100, 90, 120, 200)
	defer frame.Close()

	masked := privacy.Apply(frame)
	defer masked.Close()

	white := []uint8{90, 120, 200}
	black := []uint8{0, 0, 0}

	// Both corners are covered.
	assert.Equal(t, black, []uint8(masked.GetVecbAt(20, 10)))
	assert.Equal(t, black, []uint8(masked.GetVecbAt(60, 50)))
	assert.Equal(t, black, []uint8(masked.GetVecbAt(40, 30)))

	assert.Equal(t, white, []uint8(masked.GetVecbAt(19, 10)))
	assert.Equal(t, white, []uint8(masked.GetVecbAt(61, 50)))
	assert.Equal(t, white, []uint8(masked.GetVecbAt(40, 51)))
	assert.Equal(t, white, []uint8(masked.GetVecbAt(0, 0)))

	assert.Equal(t, white, []uint8(frame.GetVecbAt(40, 30)), "the source frame must not change")
}

func TestPrivacyMaskDisabledCopies(t *testing.T) {
	frame := uniformMat(10, 10, 1, 2, 3)
	defer frame.Close()

	masked := NewPrivacyMask(nil).Apply(frame)
	defer masked.Close()

	assert.Equal(t, frame.ToBytes(), masked.ToBytes())

	masked.SetTo(gocv.NewScalar(0, 0, 0, 0))
	assert.Equal(t, []uint8{1, 2, 3}, []uint8(frame.GetVecbAt(5, 5)))
}

func TestPrivacyMaskHidesChangesFromModel(t *testing.T) {
	privacy := NewPrivacyMask(&PrivacyRegion{A: image.Pt(0, 0), B: image.Pt(39, 39)})
	hidden := image.Rect(0, 0, 40, 40)
	visible := image.Rect(60, 60, 80, 80)

	model := NewGaussianModel()
	defer model.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	apply := func(frame gocv.Mat) {
		t.Helper()
		masked := privacy.Apply(frame)
		defer masked.Close()
		require.NoError(t, model.Apply(masked, &mask))
	}

	background := uniformMat(100, 100, 30, 30, 30)
	defer background.Close()
	apply(background)
	apply(background)

	for i := 0; i < 5; i++ {
		frame := background.Clone()
		fillRect(&frame, image.Rect(5*i, 5*i, 5*i+20, 5*i+20), 250, 10, 250)
		apply(frame)
		frame.Close()
		assert.Zero(t, countForeground(t, mask, hidden), "frame %d", i)
	}

	frame := background.Clone()
	defer frame.Close()
	fillRect(&frame, visible, 250, 10, 250)
	apply(frame)
	assert.Zero(t, countForeground(t, mask, hidden))
	assert.Equal(t, visible.Dx()*visible.Dy(), countForeground(t, mask, visible))
}
