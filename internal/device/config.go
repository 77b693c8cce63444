package device

import (
	"fmt"
	"strconv"
)

// Config is the acquisition configuration applied to a device at open time.
// After the first successful configure, the driver's exported profile blob
// is what gets reapplied on reconnect, not this struct.
type Config struct {
	Identity         Identity `json:"identity" yaml:"identity" mapstructure:"identity"`
	AcquisitionMode  string   `json:"acquisition_mode" yaml:"acquisition_mode" mapstructure:"acquisition_mode"`
	TriggerMode      string   `json:"trigger_mode" yaml:"trigger_mode" mapstructure:"trigger_mode"`
	TriggerSource    string   `json:"trigger_source" yaml:"trigger_source" mapstructure:"trigger_source"`
	BufferQueueDepth int      `json:"buffer_queue_depth" yaml:"buffer_queue_depth" mapstructure:"buffer_queue_depth"`
	TransferSize     int      `json:"transfer_size" yaml:"transfer_size" mapstructure:"transfer_size"`
	URBCount         int      `json:"urb_count" yaml:"urb_count" mapstructure:"urb_count"`
}

// DefaultConfig returns continuous free-running acquisition
func DefaultConfig() Config {
	return Config{
		AcquisitionMode:  "Continuous",
		TriggerMode:      "Off",
		TriggerSource:    "Software",
		BufferQueueDepth: 8,
	}
}

// Option is a single key/value feature write
type Option struct {
	Key   string
	Value string
}

// Validate checks the values before they reach the driver
func (c Config) Validate() error {
	switch c.TriggerMode {
	case "On", "Off":
	default:
		return fmt.Errorf("invalid trigger mode %q (use On or Off)", c.TriggerMode)
	}
	if c.AcquisitionMode == "" {
		return fmt.Errorf("acquisition mode is required")
	}
	if c.BufferQueueDepth < 0 || c.TransferSize < 0 || c.URBCount < 0 {
		return fmt.Errorf("queue depth, transfer size and URB count must not be negative")
	}
	return nil
}

// Options returns the feature writes in the order they are applied.
// Zero-valued transfer settings are left at the device default.
func (c Config) Options() []Option {
	opts := []Option{
		{Key: OptAcquisitionMode, Value: c.AcquisitionMode},
		{Key: OptTriggerMode, Value: c.TriggerMode},
	}
	if c.TriggerMode == "On" && c.TriggerSource != "" {
		opts = append(opts, Option{Key: OptTriggerSource, Value: c.TriggerSource})
	}
	if c.BufferQueueDepth > 0 {
		opts = append(opts, Option{Key: OptBufferQueueDepth, Value: strconv.Itoa(c.BufferQueueDepth)})
	}
	if c.TransferSize > 0 {
		opts = append(opts, Option{Key: OptTransferSize, Value: strconv.Itoa(c.TransferSize)})
	}
	if c.URBCount > 0 {
		opts = append(opts, Option{Key: OptURBCount, Value: strconv.Itoa(c.URBCount)})
	}
	return opts
}
