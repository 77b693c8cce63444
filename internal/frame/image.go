package frame

import (
	"image"
)

// Image wraps the converted pixels in a standard library image without copying.
// Mono frames become *image.Gray, RGB24 frames are expanded into *image.RGBA.
func (c *ConvertedFrame) Image() image.Image {
	rect := image.Rect(0, 0, c.Width, c.Height)
	if c.Layout == LayoutMono {
		return &image.Gray{Pix: c.Data[:c.Width*c.Height], Stride: c.Width, Rect: rect}
	}
	return c.RGBA()
}

// RGBA expands the frame into a freshly allocated RGBA image
func (c *ConvertedFrame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	n := c.Width * c.Height
	switch c.Layout {
	case LayoutMono:
		for i := 0; i < n; i++ {
			v := c.Data[i]
			img.Pix[i*4+0] = v
			img.Pix[i*4+1] = v
			img.Pix[i*4+2] = v
			img.Pix[i*4+3] = 0xff
		}
	case LayoutRGB24:
		for i := 0; i < n; i++ {
			img.Pix[i*4+0] = c.Data[i*3+0]
			img.Pix[i*4+1] = c.Data[i*3+1]
			img.Pix[i*4+2] = c.Data[i*3+2]
			img.Pix[i*4+3] = 0xff
		}
	}
	return img
}
