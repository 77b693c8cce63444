package convert

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
)

var (
	// ErrUnsupportedFormat is returned for pixel formats the converter cannot handle
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	// ErrShortBuffer is returned when a raw payload or destination is too small
	ErrShortBuffer = errors.New("buffer too short for frame geometry")
)

// ConversionError describes why a single frame could not be converted.
// It is never fatal to acquisition; the frame is dropped.
type ConversionError struct {
	FrameID uint64
	Format  frame.PixelFormat
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert frame %d (%s): %v", e.FrameID, e.Format, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Demosaicer interpolates a one-byte-per-pixel Bayer mosaic into RGB24.
// dst holds width*height*3 bytes in R,G,B order.
type Demosaicer interface {
	Demosaic(dst, src []byte, width, height int, phase frame.BayerPhase) error
}

// OutputGeometry returns the converted layout and byte size for a raw format
func OutputGeometry(format frame.PixelFormat, width, height int) (frame.Layout, int, error) {
	switch {
	case format.IsMono():
		return frame.LayoutMono, width * height, nil
	case format.IsBayer():
		return frame.LayoutRGB24, width * height * 3, nil
	default:
		return frame.LayoutMono, 0, ErrUnsupportedFormat
	}
}

// ReduceBitDepth drops the low bits of a sample so that bitDepth bits fit in 8.
// 10-bit samples keep bits 2..9, 12-bit samples keep bits 4..11.
func ReduceBitDepth(sample uint16, bitDepth int) uint8 {
	if bitDepth <= 8 {
		return uint8(sample)
	}
	return uint8(sample >> uint(bitDepth-8))
}

// Converter maps raw frames into pool buffers. It keeps one scratch buffer
// for the bit-depth stage of high-depth Bayer formats, so it must not be
// shared between goroutines.
type Converter struct {
	demosaicer Demosaicer
	scratch    []byte
}

// New returns a converter using the given demosaic capability.
// A nil demosaicer selects BilinearDemosaicer.
func New(d Demosaicer) *Converter {
	if d == nil {
		d = BilinearDemosaicer{}
	}
	return &Converter{demosaicer: d}
}

// Convert writes raw into dst. dst must already be sized for the frame
// geometry; its layout is set from the raw format.
func (c *Converter) Convert(raw *frame.RawFrame, dst *frame.ConvertedFrame) error {
	layout, size, err := OutputGeometry(raw.Format, raw.Width, raw.Height)
	if err != nil {
		return &ConversionError{FrameID: raw.ID, Format: raw.Format, Err: err}
	}

	pixels := raw.Width * raw.Height
	if len(raw.Data) < raw.Format.PayloadSize(raw.Width, raw.Height) || len(dst.Data) < size {
		return &ConversionError{FrameID: raw.ID, Format: raw.Format, Err: ErrShortBuffer}
	}

	out := dst.Data[:size]
	depth := raw.Format.BitDepth()

	switch {
	case raw.Format.IsMono() && depth == 8:
		copy(out, raw.Data[:pixels])

	case raw.Format.IsMono():
		reduce(out, raw.Data, pixels, depth)

	case depth == 8:
		if err := c.demosaicer.Demosaic(out, raw.Data[:pixels], raw.Width, raw.Height, raw.Format.Phase()); err != nil {
			return &ConversionError{FrameID: raw.ID, Format: raw.Format, Err: err}
		}

	default:
		if cap(c.scratch) < pixels {
			c.scratch = make([]byte, pixels)
		}
		bayer8 := c.scratch[:pixels]
		reduce(bayer8, raw.Data, pixels, depth)
		if err := c.demosaicer.Demosaic(out, bayer8, raw.Width, raw.Height, raw.Format.Phase()); err != nil {
			return &ConversionError{FrameID: raw.ID, Format: raw.Format, Err: err}
		}
	}

	dst.Width = raw.Width
	dst.Height = raw.Height
	dst.Layout = layout
	dst.SourceID = raw.ID
	dst.Timestamp = raw.Timestamp
	return nil
}

// reduce shifts little-endian 16-bit samples down to 8 bits
func reduce(dst, src []byte, pixels, depth int) {
	shift := uint(depth - 8)
	for i := 0; i < pixels; i++ {
		sample := uint16(src[2*i]) | uint16(src[2*i+1])<<8
		dst[i] = uint8(sample >> shift)
	}
}
