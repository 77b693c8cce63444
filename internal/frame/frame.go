package frame

import (
	"fmt"
	"strings"
	"time"
)

// PixelFormat is the native sensor encoding tag delivered with a raw frame
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	Mono8
	Mono10
	Mono12
	BayerGR8
	BayerRG8
	BayerGB8
	BayerBG8
	BayerGR10
	BayerRG10
	BayerGB10
	BayerBG10
	BayerGR12
	BayerRG12
	BayerGB12
	BayerBG12
)

var formatNames = map[PixelFormat]string{
	Mono8:     "Mono8",
	Mono10:    "Mono10",
	Mono12:    "Mono12",
	BayerGR8:  "BayerGR8",
	BayerRG8:  "BayerRG8",
	BayerGB8:  "BayerGB8",
	BayerBG8:  "BayerBG8",
	BayerGR10: "BayerGR10",
	BayerRG10: "BayerRG10",
	BayerGB10: "BayerGB10",
	BayerBG10: "BayerBG10",
	BayerGR12: "BayerGR12",
	BayerRG12: "BayerRG12",
	BayerGB12: "BayerGB12",
	BayerBG12: "BayerBG12",
}

// String returns the vendor-style name of the format
func (f PixelFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// ParsePixelFormat looks up a format by name, case-insensitively
func ParsePixelFormat(name string) (PixelFormat, error) {
	for f, n := range formatNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unknown pixel format: %s", name)
}

// BayerPhase is the color of the top-left 2x2 cell, read row by row
type BayerPhase int

const (
	PhaseNone BayerPhase = iota
	PhaseGR
	PhaseRG
	PhaseGB
	PhaseBG
)

// String returns the two letter phase name
func (p BayerPhase) String() string {
	switch p {
	case PhaseGR:
		return "GR"
	case PhaseRG:
		return "RG"
	case PhaseGB:
		return "GB"
	case PhaseBG:
		return "BG"
	default:
		return "none"
	}
}

// BitDepth returns the significant bits per sample, or 0 for unknown formats
func (f PixelFormat) BitDepth() int {
	switch f {
	case Mono8, BayerGR8, BayerRG8, BayerGB8, BayerBG8:
		return 8
	case Mono10, BayerGR10, BayerRG10, BayerGB10, BayerBG10:
		return 10
	case Mono12, BayerGR12, BayerRG12, BayerGB12, BayerBG12:
		return 12
	default:
		return 0
	}
}

// Phase returns the Bayer phase, PhaseNone for mono and unknown formats
func (f PixelFormat) Phase() BayerPhase {
	switch f {
	case BayerGR8, BayerGR10, BayerGR12:
		return PhaseGR
	case BayerRG8, BayerRG10, BayerRG12:
		return PhaseRG
	case BayerGB8, BayerGB10, BayerGB12:
		return PhaseGB
	case BayerBG8, BayerBG10, BayerBG12:
		return PhaseBG
	default:
		return PhaseNone
	}
}

// IsMono reports whether the format is a single-channel mono format
func (f PixelFormat) IsMono() bool {
	return f == Mono8 || f == Mono10 || f == Mono12
}

// IsBayer reports whether the format is a Bayer mosaic
func (f PixelFormat) IsBayer() bool {
	return f.Phase() != PhaseNone
}

// BytesPerPixel returns the storage size of one raw sample.
// Samples wider than 8 bits are unpacked into little-endian 16-bit words.
func (f PixelFormat) BytesPerPixel() int {
	switch f.BitDepth() {
	case 8:
		return 1
	case 10, 12:
		return 2
	default:
		return 0
	}
}

// PayloadSize returns the raw buffer size for a frame of the given geometry
func (f PixelFormat) PayloadSize(width, height int) int {
	return width * height * f.BytesPerPixel()
}

// Status is the completeness flag the device attaches to a frame
type Status int

const (
	StatusSuccess Status = iota
	StatusIncomplete
)

// String returns a human-readable status
func (s Status) String() string {
	if s == StatusIncomplete {
		return "incomplete"
	}
	return "success"
}

// RawFrame is an unconverted frame as delivered by the capture device.
// It is owned by the device session until returned and must not be mutated.
type RawFrame struct {
	// ID is the monotonically increasing frame number assigned by the device
	ID uint64
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format is the native pixel format tag
	Format PixelFormat
	// Data holds the payload, sized to the device payload size
	Data []byte
	// Status reports whether the transfer completed
	Status Status
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Slot identifies the driver queue entry the buffer must be returned to
	Slot int
}

// Layout is the channel arrangement of a converted frame
type Layout int

const (
	LayoutMono Layout = iota
	LayoutRGB24
)

// Channels returns bytes per pixel for the layout
func (l Layout) Channels() int {
	if l == LayoutRGB24 {
		return 3
	}
	return 1
}

// String returns a human-readable layout name
func (l Layout) String() string {
	if l == LayoutRGB24 {
		return "rgb24"
	}
	return "mono"
}

// ConvertedFrame is a display-ready buffer owned by the frame buffer pool
type ConvertedFrame struct {
	Width  int
	Height int
	Layout Layout
	// Data is width*height*channels bytes, allocated once and reused
	Data []byte
	// SourceID is the RawFrame ID this buffer was last filled from
	SourceID uint64
	// Timestamp is the capture time of the source frame
	Timestamp time.Time

	slot       int
	generation uint64
}

// NewConvertedFrame allocates a buffer for the given geometry
func NewConvertedFrame(width, height int, layout Layout) *ConvertedFrame {
	return &ConvertedFrame{
		Width:  width,
		Height: height,
		Layout: layout,
		Data:   make([]byte, width*height*layout.Channels()),
	}
}

// Slot returns the pool index of this buffer
func (c *ConvertedFrame) Slot() int {
	return c.slot
}

// Generation returns the pool generation this buffer belongs to
func (c *ConvertedFrame) Generation() uint64 {
	return c.generation
}

// Bind records pool bookkeeping on the buffer. Only the pool calls this.
func (c *ConvertedFrame) Bind(slot int, generation uint64) {
	c.slot = slot
	c.generation = generation
}

// Size returns the expected byte length for the frame's geometry
func (c *ConvertedFrame) Size() int {
	return c.Width * c.Height * c.Layout.Channels()
}

// Clone returns a deep copy detached from the pool
func (c *ConvertedFrame) Clone() *ConvertedFrame {
	out := &ConvertedFrame{
		Width:     c.Width,
		Height:    c.Height,
		Layout:    c.Layout,
		Data:      make([]byte, len(c.Data)),
		SourceID:  c.SourceID,
		Timestamp: c.Timestamp,
		slot:      -1,
	}
	copy(out.Data, c.Data)
	return out
}
