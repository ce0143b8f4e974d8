package conditioning

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLineArt struct {
	calls int
	err   error
}

func (f *fakeLineArt) LineArt(_ context.Context, img image.Image) (image.Image, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Scribble on the input to prove the caller's image is protected.
	if m, ok := img.(*image.NRGBA); ok {
		m.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	}
	return image.NewGray(img.Bounds()), nil
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "lineart", want: ModeLineArt},
		{in: "canny", want: ModeCanny},
		{in: "none", want: ModeNone},
		{in: " Canny ", want: ModeCanny},
		{in: "LINEART", want: ModeLineArt},
		{in: "", wantErr: true},
		{in: "sobel", wantErr: true},
		{in: "depth", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalidConfiguration(err))
				assert.True(t, errdefs.IsInvalidArgument(err))
				assert.Contains(t, err.Error(), "expected one of lineart, canny, none")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectNoneReturnsInput(t *testing.T) {
	detector := &fakeLineArt{}
	img := squareImage(16, 4, 12)
	got, err := NewSelector(detector).Select(context.Background(), img, ModeNone)
	require.NoError(t, err)
	assert.Same(t, img, got)
	assert.Zero(t, detector.calls)
}

func TestSelectUnknownModeMakesNoCalls(t *testing.T) {
	detector := &fakeLineArt{}
	_, err := NewSelector(detector).Select(context.Background(), squareImage(16, 4, 12), Mode("hed"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Zero(t, detector.calls)
}

func TestSelectLineArt(t *testing.T) {
	detector := &fakeLineArt{}
	img := squareImage(16, 4, 12)
	before := append([]uint8(nil), img.Pix...)

	got, err := NewSelector(detector).Select(context.Background(), img, ModeLineArt)
	require.NoError(t, err)
	assert.Equal(t, 1, detector.calls)
	assert.Equal(t, img.Bounds(), got.Bounds())
	assert.Equal(t, before, img.Pix, "caller's image must not be mutated")
}

func TestSelectLineArtErrors(t *testing.T) {
	t.Run("detector failure", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewSelector(&fakeLineArt{err: boom}).Select(context.Background(), squareImage(8, 2, 6), ModeLineArt)
		require.ErrorIs(t, err, boom)
	})
	t.Run("no detector", func(t *testing.T) {
		_, err := NewSelector(nil).Select(context.Background(), squareImage(8, 2, 6), ModeLineArt)
		require.ErrorIs(t, err, ErrDetectorUnavailable)
		assert.True(t, errdefs.IsUnavailable(err))
	})
}

func TestSelectCanny(t *testing.T) {
	detector := &fakeLineArt{}
	img := squareImage(32, 8, 24)
	got, err := NewSelector(detector).Select(context.Background(), img, ModeCanny)
	require.NoError(t, err)
	assert.Zero(t, detector.calls)
	assert.Equal(t, 32, got.Bounds().Dx())
}
