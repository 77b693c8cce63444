package gstdriver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
)

// formatFor maps a caps media type and format field to a pixel format.
// Unrecognized combinations give FormatUnknown, which the converter rejects
// per frame.
func formatFor(mediaType, format string) frame.PixelFormat {
	switch mediaType {
	case "video/x-raw":
		switch format {
		case "GRAY8":
			return frame.Mono8
		case "GRAY16_LE":
			// 16-bit containers carry 10 and 12-bit sensors; 12 keeps the most range
			return frame.Mono12
		}
	case "video/x-bayer":
		switch strings.ToLower(format) {
		case "rggb":
			return frame.BayerRG8
		case "bggr":
			return frame.BayerBG8
		case "grbg":
			return frame.BayerGR8
		case "gbrg":
			return frame.BayerGB8
		}
	}
	return frame.FormatUnknown
}

// capsGeometry reads width, height and format from a caps string such as
// video/x-raw,format=GRAY8,width=640,height=480
func capsGeometry(caps string) (width, height int, format frame.PixelFormat, err error) {
	fields := strings.Split(caps, ",")
	if len(fields) == 0 || strings.TrimSpace(fields[0]) == "" {
		return 0, 0, frame.FormatUnknown, fmt.Errorf("no caps configured")
	}
	mediaType := strings.TrimSpace(fields[0])

	var formatName string
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			continue
		}
		// Typed values look like width=(int)640
		if i := strings.Index(value, ")"); strings.HasPrefix(value, "(") && i > 0 {
			value = value[i+1:]
		}
		switch key {
		case "width":
			width, err = strconv.Atoi(value)
		case "height":
			height, err = strconv.Atoi(value)
		case "format":
			formatName = value
		}
		if err != nil {
			return 0, 0, frame.FormatUnknown, fmt.Errorf("invalid caps field %s: %w", key, err)
		}
	}

	if width <= 0 || height <= 0 {
		return 0, 0, frame.FormatUnknown, fmt.Errorf("caps %q do not fix width and height", caps)
	}
	format = formatFor(mediaType, formatName)
	if format == frame.FormatUnknown {
		return 0, 0, frame.FormatUnknown, fmt.Errorf("caps %q have no supported pixel format", caps)
	}
	return width, height, format, nil
}

// structureGeometry reads the negotiated geometry of a sample
func structureGeometry(s *gst.Structure) (width, height int, format frame.PixelFormat, err error) {
	if s == nil {
		return 0, 0, frame.FormatUnknown, fmt.Errorf("sample caps have no structure")
	}

	wv, _ := s.GetValue("width")
	hv, _ := s.GetValue("height")
	w, ok := wv.(int)
	if !ok {
		return 0, 0, frame.FormatUnknown, fmt.Errorf("sample caps have no width")
	}
	h, ok := hv.(int)
	if !ok {
		return 0, 0, frame.FormatUnknown, fmt.Errorf("sample caps have no height")
	}

	var name string
	if fv, err := s.GetValue("format"); err == nil {
		name, _ = fv.(string)
	}
	return w, h, formatFor(s.Name(), name), nil
}
