package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func points(values ...float64) []Point {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	out := make([]Point, 0, len(values))
	for i, v := range values {
		out = append(out, Point{At: start.Add(time.Duration(i) * 24 * time.Hour), Value: v})
	}
	return out
}

func TestChartRendersPNG(t *testing.T) {
	out, err := Chart("Fisch",
		Series{Name: "Marktpreis", Points: points(100, 120, 90)},
		Series{Name: "Staatswert", Color: "ff9900", Points: points(80, 80)},
	)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, pngMagic))
}

func TestChartFlatSeries(t *testing.T) {
	out, err := Chart("Stein", Series{Name: "Marktpreis", Points: points(50, 50, 50)})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, pngMagic))
}

func TestChartNeedsTwoPoints(t *testing.T) {
	_, err := Chart("Fisch", Series{Points: points(100)})
	assert.ErrorIs(t, err, ErrNotEnoughData)
	_, err = Chart("Fisch")
	assert.ErrorIs(t, err, ErrNotEnoughData)

	same := time.Now()
	_, err = Chart("Fisch", Series{Points: []Point{{At: same, Value: 1}, {At: same, Value: 2}}})
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestNormalizeImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 1024, 512))
	for x := 0; x < 1024; x++ {
		src.Set(x, x%512, color.NRGBA{R: 255, A: 255})
	}
	var in bytes.Buffer
	require.NoError(t, imaging.Encode(&in, src, imaging.JPEG))

	out, err := NormalizeImage(&in)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, ThumbnailSize, img.Bounds().Dx())
	assert.Equal(t, ThumbnailSize/2, img.Bounds().Dy())
}

func TestNormalizeImageRejectsGarbage(t *testing.T) {
	_, err := NormalizeImage(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}
