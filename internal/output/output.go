package output

import (
	"image"
)

// Output is a display sink fed by the Poller. Implementations could be:
// - MJPEG HTTP stream
// - a local preview window
// - a V4L2 loopback device
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output. img may alias a pool buffer,
	// so implementations must be done with it when WriteFrame returns.
	WriteFrame(img image.Image) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// FPS is the target preview rate, informational for the output
	FPS int
	// Quality is the JPEG quality, 1-100
	Quality int
}
