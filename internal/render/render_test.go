package render

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roadlens/roadlens/internal/models"
)

func blackFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return img
}

func isRed(c color.RGBA) bool {
	return c.R > 200 && c.G < 60 && c.B < 60
}

func TestAnnotateDrawsBox(t *testing.T) {
	frame := blackFrame(640, 480)
	dets := []models.Detection{{Label: "pothole", Score: 0.82, Box: models.Box{10, 20, 110, 90}}}

	out := New().Annotate(frame, dets)

	assert.Equal(t, frame.Bounds(), out.Bounds())
	assert.True(t, isRed(out.RGBAAt(10, 55)), "left edge")
	assert.True(t, isRed(out.RGBAAt(109, 55)), "right edge")
	assert.True(t, isRed(out.RGBAAt(60, 20)), "top edge")
	assert.True(t, isRed(out.RGBAAt(60, 89)), "bottom edge")
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(60, 55), "interior untouched")

	// caption lands above the box
	var captionPixels int
	for y := 0; y < 17; y++ {
		for x := 10; x < 120; x++ {
			if out.RGBAAt(x, y).R > 100 {
				captionPixels++
			}
		}
	}
	assert.Positive(t, captionPixels)
}

func TestAnnotateLeavesFrameAlone(t *testing.T) {
	frame := blackFrame(64, 64)
	New().Annotate(frame, []models.Detection{{Label: "crack", Score: 0.5, Box: models.Box{4, 20, 40, 40}}})
	assert.Equal(t, color.RGBA{A: 255}, frame.RGBAAt(4, 30))
}

func TestAnnotateRepaintsEachCall(t *testing.T) {
	frame := blackFrame(64, 64)
	r := New()
	first := r.Annotate(frame, []models.Detection{{Label: "crack", Score: 0.5, Box: models.Box{4, 20, 40, 40}}})
	assert.True(t, isRed(first.RGBAAt(4, 30)))

	second := r.Annotate(frame, nil)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if second.RGBAAt(x, y) != (color.RGBA{A: 255}) {
				t.Fatalf("stale overlay at %d,%d", x, y)
			}
		}
	}
}
