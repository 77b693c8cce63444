package device

import (
	"strings"
	"time"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
)

// Handle is an opaque reference to an open device, issued by a Driver
type Handle uint64

// Identity identifies a physical device independently of its enumeration
// index, which is not stable across replug.
type Identity struct {
	Serial string `json:"serial" yaml:"serial" mapstructure:"serial"`
	MAC    string `json:"mac,omitempty" yaml:"mac,omitempty" mapstructure:"mac"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	// Index is the position in the last enumeration, informational only
	Index int `json:"index" yaml:"-" mapstructure:"-"`
}

// IsZero reports whether no identifying field is set
func (i Identity) IsZero() bool {
	return i.Serial == "" && i.MAC == ""
}

// Matches compares by MAC when both sides have one, otherwise by serial
func (i Identity) Matches(other Identity) bool {
	if i.MAC != "" && other.MAC != "" {
		return strings.EqualFold(i.MAC, other.MAC)
	}
	return i.Serial != "" && i.Serial == other.Serial
}

// String returns the most specific identifier available
func (i Identity) String() string {
	switch {
	case i.MAC != "" && i.Serial != "":
		return i.Serial + "/" + i.MAC
	case i.MAC != "":
		return i.MAC
	default:
		return i.Serial
	}
}

// ParseIdentity reads a configured identity: colon-separated hex is a MAC,
// anything else a serial number. An empty string is the zero identity.
func ParseIdentity(s string) Identity {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}
	}
	if strings.Count(s, ":") == 5 || strings.Count(s, "-") == 5 {
		return Identity{MAC: strings.ReplaceAll(s, "-", ":")}
	}
	return Identity{Serial: s}
}

// Option names understood by drivers
const (
	OptAcquisitionMode  = "AcquisitionMode"
	OptTriggerMode      = "TriggerMode"
	OptTriggerSource    = "TriggerSource"
	OptBufferQueueDepth = "BufferQueueDepth"
	OptTransferSize     = "TransferSize"
	OptURBCount         = "URBCount"
	OptPayloadSize      = "PayloadSize"
)

// OfflineFunc is invoked by a driver, on a goroutine of its choosing, when an
// open device becomes unreachable. Implementations must not call back into
// the driver.
type OfflineFunc func(id Identity)

// Driver is the vendor SDK capability the pipeline is built on
type Driver interface {
	// Name returns a short backend name for logs
	Name() string

	// Enumerate lists currently reachable devices
	Enumerate() ([]Identity, error)

	// Open opens a device by identity
	Open(id Identity) (Handle, error)

	// Close releases the handle. Closing an unknown handle is not an error.
	Close(h Handle) error

	// SetOption writes a device feature
	SetOption(h Handle, key, value string) error

	// GetOption reads a device feature
	GetOption(h Handle, key string) (string, error)

	// StreamOn starts the device transfer queue
	StreamOn(h Handle) error

	// StreamOff stops the device transfer queue
	StreamOff(h Handle) error

	// Pull blocks up to timeout for the next frame. It returns an error
	// matching ErrTimeout when no frame arrived in time.
	Pull(h Handle, timeout time.Duration) (*frame.RawFrame, error)

	// ReturnBuffer hands a pulled frame's buffer back to the device queue
	ReturnBuffer(h Handle, raw *frame.RawFrame) error

	// ExportConfig serializes the device configuration in the vendor format
	ExportConfig(h Handle) ([]byte, error)

	// ImportConfig applies a blob produced by ExportConfig
	ImportConfig(h Handle, blob []byte) error

	// OnOffline registers the offline notification for an open handle
	OnOffline(h Handle, fn OfflineFunc) error
}
