package overlay

import (
	"image"
	"image/color"
	"image/draw"
)

// BlendImage composites src onto dst with its top-left corner at (x, y).
// src is premultiplied as produced by image/draw. Pixels falling outside
// dst are clipped.
func BlendImage(dst, src *image.RGBA, x, y int, opacity float64) {
	if opacity <= 0 {
		return
	}
	if opacity > 1 {
		opacity = 1
	}

	sb := src.Bounds()
	area := sb.Sub(sb.Min).Add(image.Pt(x, y)).Intersect(dst.Bounds())

	for dy := area.Min.Y; dy < area.Max.Y; dy++ {
		sy := sb.Min.Y + dy - y
		for dx := area.Min.X; dx < area.Max.X; dx++ {
			sx := sb.Min.X + dx - x
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(dx, dy)

			a := float64(src.Pix[si+3]) / 255 * opacity
			if a == 0 {
				continue
			}
			for c := 0; c < 3; c++ {
				s := float64(src.Pix[si+c]) * opacity
				d := float64(dst.Pix[di+c])
				dst.Pix[di+c] = uint8(s + d*(1-a) + 0.5)
			}
			da := float64(dst.Pix[di+3])
			dst.Pix[di+3] = uint8(a*255 + da*(1-a) + 0.5)
		}
	}
}

// DrawRectangle fills a width x height box at (x, y) with c at the given opacity
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.Color, opacity float64) {
	if width <= 0 || height <= 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(tmp, tmp.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	BlendImage(dst, tmp, x, y, opacity)
}
