// Package overlay draws status text onto preview frames
package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Banner renders lines of text over an optional translucent box
type Banner struct {
	X       int
	Y       int
	Padding int
	Opacity float64

	TextColor  color.RGBA
	Background *color.RGBA // nil for no box

	face font.Face
}

// NewBanner returns a white-on-black banner in the top-left corner
func NewBanner() *Banner {
	bg := color.RGBA{A: 255}
	return &Banner{
		X:          6,
		Y:          6,
		Padding:    4,
		Opacity:    0.75,
		TextColor:  color.RGBA{R: 255, G: 255, B: 255, A: 255},
		Background: &bg,
		face:       basicfont.Face7x13,
	}
}

// Size returns the pixel dimensions lines would occupy, padding included
func (b *Banner) Size(lines []string) (width, height int) {
	if len(lines) == 0 {
		return 0, 0
	}
	d := &font.Drawer{Face: b.face}
	for _, line := range lines {
		if w := d.MeasureString(line).Ceil(); w > width {
			width = w
		}
	}
	lineHeight := b.face.Metrics().Height.Ceil()
	return width + 2*b.Padding, lineHeight*len(lines) + 2*b.Padding
}

// Render draws lines onto img. No lines draws nothing.
func (b *Banner) Render(img *image.RGBA, lines ...string) {
	width, height := b.Size(lines)
	if width == 0 {
		return
	}

	if b.Background != nil {
		DrawRectangle(img, b.X, b.Y, width, height, *b.Background, b.Opacity)
	}

	metrics := b.face.Metrics()
	lineHeight := metrics.Height.Ceil()

	text := image.NewRGBA(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  text,
		Src:  image.NewUniform(b.TextColor),
		Face: b.face,
	}
	for i, line := range lines {
		d.Dot = fixed.Point26_6{
			X: fixed.I(b.Padding),
			Y: fixed.I(b.Padding+i*lineHeight) + metrics.Ascent,
		}
		d.DrawString(line)
	}

	BlendImage(img, text, b.X, b.Y, 1.0)
}
