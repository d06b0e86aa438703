// Package render draws detection overlays onto frames.
package render

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/roadlens/roadlens/internal/models"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

const (
	DefaultLineWidth = 2
	DefaultFontSize  = 12
	// labelOffset lifts the caption above the top edge of its box.
	labelOffset = 5
)

var DefaultColor = color.RGBA{R: 255, A: 255}

// Renderer holds only the overlay style; every call starts from the frame it
// is given.
type Renderer struct {
	Color     color.Color
	LineWidth float64
	FontSize  float64
}

func New() *Renderer {
	return &Renderer{Color: DefaultColor, LineWidth: DefaultLineWidth, FontSize: DefaultFontSize}
}

// Annotate repaints frame onto a fresh surface and draws dets over it. The
// box coordinates must be relative to frame, i.e. the frame that was sent.
func (r *Renderer) Annotate(frame image.Image, dets []models.Detection) *image.RGBA {
	dc := gg.NewContextForImage(frame)
	r.Draw(dc, dets)
	return dc.Image().(*image.RGBA)
}

// Draw strokes each box with its caption onto a surface that already holds
// the background frame.
func (r *Renderer) Draw(dc *gg.Context, dets []models.Detection) {
	if len(dets) == 0 {
		return
	}
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: r.FontSize}))
	dc.SetColor(r.Color)
	dc.SetLineWidth(r.LineWidth)
	for _, d := range dets {
		x1, y1 := float64(d.Box[0]), float64(d.Box[1])
		dc.DrawRectangle(x1, y1, float64(d.Box.Width()), float64(d.Box.Height()))
		dc.Stroke()
		dc.DrawString(d.Caption(), x1, y1-labelOffset)
	}
}
