package tflite

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
)

func TestFillTensorUniformImage(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 128, B: 0, A: 255})
		}
	}

	dst := make([]float32, 4*4*3)
	FillTensor(dst, img, image.Rect(10, 10, 30, 30), 4, 4)

	for i := 0; i < len(dst); i += 3 {
		assert.InDelta(t, (255-127.5)/128, dst[i], 1e-5)
		assert.InDelta(t, (128-127.5)/128, dst[i+1], 1e-5)
		assert.InDelta(t, -127.5/128, dst[i+2], 1e-5)
	}
}

func TestFillTensorSamplesInsideRegion(t *testing.T) {
	t.Parallel()

	// left half black, right half white; region covers only the white half
	img := image.NewGray(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 10; x < 20; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}

	dst := make([]float32, 2*2*3)
	FillTensor(dst, img, image.Rect(10, 0, 20, 10), 2, 2)
	for _, v := range dst {
		assert.InDelta(t, 127.5/128, v, 1e-5)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	v := []float32{3, 4}
	normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	normalize(zero)
	assert.Equal(t, []float32{0, 0}, zero)

	var sum float64
	w := []float32{1, 2, 3, 4}
	normalize(w)
	for _, x := range w {
		sum += float64(x * x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
}

func TestNewEmbedderMissingModel(t *testing.T) {
	t.Parallel()

	_, err := NewEmbedder(&conf.TFLiteSettings{ModelPath: filepath.Join(t.TempDir(), "facenet.tflite"), InputSize: 160})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
}
