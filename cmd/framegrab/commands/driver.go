package commands

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/FrameGrab/internal/config"
	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/device/gstdriver"
	"github.com/bryanchriswhite/FrameGrab/internal/device/simdriver"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
)

// newDriver builds the backend named by device.driver
func newDriver(cfg *config.Config) (device.Driver, error) {
	switch cfg.Device.Driver {
	case "sim":
		format, err := frame.ParsePixelFormat(cfg.Sim.PixelFormat)
		if err != nil {
			return nil, err
		}
		// The simulated camera takes on the configured identity so reconnect
		// matching behaves as it would against hardware
		id := device.ParseIdentity(cfg.Device.Identity)
		if id.Serial == "" {
			id.Serial = "SIM-0001"
		}
		if id.MAC == "" {
			id.MAC = "02:00:00:00:00:01"
		}
		id.Model = "framegrab-sim"
		return simdriver.New(simdriver.Settings{
			Width:         cfg.Sim.Width,
			Height:        cfg.Sim.Height,
			Format:        format,
			FrameInterval: time.Duration(cfg.Sim.FrameIntervalMS) * time.Millisecond,
		}, id), nil
	case "gst":
		return gstdriver.New(gstdriver.Options{
			Source: cfg.Gst.Source,
			Caps:   cfg.Gst.Caps,
		}), nil
	default:
		return nil, fmt.Errorf("unknown device driver %q", cfg.Device.Driver)
	}
}
