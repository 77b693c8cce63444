package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"testing"
)

func filled(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestBannerDrawsInsideItsBox(t *testing.T) {
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	img := filled(200, 60, gray)

	b := NewBanner()
	lines := []string{"frame 42", "ONLINE 14.9 fps"}
	b.Render(img, lines...)

	w, h := b.Size(lines)
	if w <= 2*b.Padding || h <= 2*b.Padding {
		t.Fatalf("Size() = %dx%d", w, h)
	}
	box := image.Rect(b.X, b.Y, b.X+w, b.Y+h)

	changedInside, changedOutside := false, false
	for y := 0; y < 60; y++ {
		for x := 0; x < 200; x++ {
			if img.RGBAAt(x, y) == gray {
				continue
			}
			if image.Pt(x, y).In(box) {
				changedInside = true
			} else {
				changedOutside = true
			}
		}
	}
	if !changedInside {
		t.Error("banner drew nothing")
	}
	if changedOutside {
		t.Error("banner drew outside its box")
	}

	// Glyph pixels are brighter than the darkened box
	bright := false
	for y := box.Min.Y; y < box.Max.Y && !bright; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if img.RGBAAt(x, y).R > gray.R {
				bright = true
				break
			}
		}
	}
	if !bright {
		t.Error("no text pixels found")
	}
}

func TestBannerNoLines(t *testing.T) {
	gray := color.RGBA{R: 9, G: 9, B: 9, A: 255}
	img := filled(20, 20, gray)
	NewBanner().Render(img)
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 9 {
			t.Fatal("Render() with no lines modified the image")
		}
	}
}

func TestBlendClipsAtEdges(t *testing.T) {
	dst := filled(4, 4, color.RGBA{A: 255})
	src := filled(4, 4, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	BlendImage(dst, src, 2, 2, 1.0)
	if got := dst.RGBAAt(3, 3); got.R != 255 {
		t.Errorf("overlapping pixel = %v, want white", got)
	}
	if got := dst.RGBAAt(1, 1); got.R != 0 {
		t.Errorf("pixel outside overlap = %v, want black", got)
	}

	BlendImage(dst, src, -10, -10, 1.0)
	BlendImage(dst, src, 10, 10, 1.0)
}

func TestBlendOpacity(t *testing.T) {
	dst := filled(1, 1, color.RGBA{A: 255})
	src := filled(1, 1, color.RGBA{R: 200, G: 200, B: 200, A: 255})

	BlendImage(dst, src, 0, 0, 0)
	if dst.RGBAAt(0, 0).R != 0 {
		t.Fatal("zero opacity changed the destination")
	}

	BlendImage(dst, src, 0, 0, 0.5)
	if got := dst.RGBAAt(0, 0).R; got != 100 {
		t.Errorf("half opacity red = %d, want 100", got)
	}
}
