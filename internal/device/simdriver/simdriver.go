// Package simdriver is an in-memory camera driver. It stands in for vendor
// hardware in tests and in `framegrab serve --driver sim`, and supports
// unplug/replug and failure injection so recovery paths can be exercised.
package simdriver

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

// Operation names accepted by InjectFailure
const (
	OpEnumerate = "enumerate"
	OpOpen      = "open"
	OpSetOption = "set_option"
	OpImport    = "import"
	OpStreamOn  = "stream_on"
	OpPull      = "pull"
)

// Settings describe the synthetic sensor
type Settings struct {
	Width         int
	Height        int
	Format        frame.PixelFormat
	FrameInterval time.Duration
}

// FrameHook may rewrite a frame before it is handed out, e.g. to mark it
// incomplete or change its format tag
type FrameHook func(raw *frame.RawFrame)

type openDevice struct {
	id        device.Identity
	options   map[string]string
	streaming bool
	nextID    uint64
	slots     []bool // true while a slot is pulled and not returned
	gone      chan struct{}
	offline   device.OfflineFunc
}

// Driver implements device.Driver in memory
type Driver struct {
	settings Settings

	mu         sync.Mutex
	present    map[string]device.Identity
	open       map[device.Handle]*openDevice
	nextHandle device.Handle
	failures   map[string]int
	hook       FrameHook

	returned []uint64
	imported [][]byte
	opens    int
}

// New creates a driver with the given devices plugged in
func New(settings Settings, devices ...device.Identity) *Driver {
	if settings.Width <= 0 {
		settings.Width = 64
	}
	if settings.Height <= 0 {
		settings.Height = 48
	}
	if settings.Format == frame.FormatUnknown {
		settings.Format = frame.Mono8
	}

	d := &Driver{
		settings: settings,
		present:  make(map[string]device.Identity),
		open:     make(map[device.Handle]*openDevice),
		failures: make(map[string]int),
	}
	for _, id := range devices {
		d.present[id.Serial] = id
	}
	return d
}

// Name implements device.Driver
func (d *Driver) Name() string {
	return "sim"
}

// SetFrameHook installs a per-frame rewrite
func (d *Driver) SetFrameHook(hook FrameHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = hook
}

// InjectFailure makes the next count calls of op fail
func (d *Driver) InjectFailure(op string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] += count
}

func (d *Driver) failLocked(op string) error {
	if d.failures[op] > 0 {
		d.failures[op]--
		return device.NewError(op, device.CodeResource, fmt.Errorf("injected %s failure", op))
	}
	return nil
}

// Plug makes a device enumerable
func (d *Driver) Plug(id device.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present[id.Serial] = id
	logger.WithComponent("simdriver").Debug().Str("device", id.String()).Msg("Device plugged")
}

// Unplug removes a device and fires offline notifications for its handles
func (d *Driver) Unplug(serial string) {
	d.mu.Lock()
	delete(d.present, serial)

	var notify []func()
	for _, od := range d.open {
		if od.id.Serial != serial {
			continue
		}
		select {
		case <-od.gone:
		default:
			close(od.gone)
			if od.offline != nil {
				fn, id := od.offline, od.id
				notify = append(notify, func() { fn(id) })
			}
		}
	}
	d.mu.Unlock()

	logger.WithComponent("simdriver").Debug().Str("serial", serial).Msg("Device unplugged")

	// Vendor SDKs call back on their own threads
	for _, fn := range notify {
		go fn()
	}
}

// Returned lists frame IDs in the order their buffers were returned
func (d *Driver) Returned() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.returned...)
}

// Imported lists every blob passed to ImportConfig
func (d *Driver) Imported() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.imported))
	copy(out, d.imported)
	return out
}

// Opens counts successful Open calls
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// OpenHandles counts handles not yet closed
func (d *Driver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// Enumerate implements device.Driver
func (d *Driver) Enumerate() ([]device.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpEnumerate); err != nil {
		return nil, err
	}

	ids := make([]device.Identity, 0, len(d.present))
	for _, id := range d.present {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Serial < ids[j].Serial })
	for i := range ids {
		ids[i].Index = i
	}
	return ids, nil
}

// Open implements device.Driver
func (d *Driver) Open(id device.Identity) (device.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpOpen); err != nil {
		return 0, err
	}
	if _, ok := d.present[id.Serial]; !ok {
		return 0, device.NewError("open", device.CodeHandle, device.ErrDeviceNotFound)
	}
	for _, od := range d.open {
		if od.id.Serial == id.Serial {
			return 0, device.NewError("open", device.CodeResource, fmt.Errorf("device %s already open", id))
		}
	}

	d.nextHandle++
	h := d.nextHandle
	d.open[h] = &openDevice{
		id: id,
		options: map[string]string{
			"Width":                    strconv.Itoa(d.settings.Width),
			"Height":                   strconv.Itoa(d.settings.Height),
			"PixelFormat":              d.settings.Format.String(),
			device.OptAcquisitionMode:  "Continuous",
			device.OptTriggerMode:      "Off",
			device.OptBufferQueueDepth: "4",
		},
		gone: make(chan struct{}),
	}
	d.opens++
	return h, nil
}

func (d *Driver) lookupLocked(op string, h device.Handle) (*openDevice, error) {
	od, ok := d.open[h]
	if !ok {
		return nil, device.NewError(op, device.CodeHandle, fmt.Errorf("unknown handle %d", h))
	}
	select {
	case <-od.gone:
		return nil, device.NewError(op, device.CodeDisconnected, device.ErrOffline)
	default:
	}
	return od, nil
}

// Close implements device.Driver
func (d *Driver) Close(h device.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, h)
	return nil
}

// SetOption implements device.Driver
func (d *Driver) SetOption(h device.Handle, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, err := d.lookupLocked("set option", h)
	if err != nil {
		return err
	}
	if err := d.failLocked(OpSetOption); err != nil {
		return err
	}
	if key == device.OptPayloadSize {
		return device.NewError("set option", device.CodeParameter, fmt.Errorf("%s is read-only", key))
	}
	od.options[key] = value
	return nil
}

// GetOption implements device.Driver
func (d *Driver) GetOption(h device.Handle, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, err := d.lookupLocked("get option", h)
	if err != nil {
		return "", err
	}
	if key == device.OptPayloadSize {
		w, h, f, err := od.geometry()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(f.PayloadSize(w, h)), nil
	}
	v, ok := od.options[key]
	if !ok {
		return "", device.NewError("get option", device.CodeParameter, fmt.Errorf("unknown option %s", key))
	}
	return v, nil
}

func (od *openDevice) geometry() (int, int, frame.PixelFormat, error) {
	w, err1 := strconv.Atoi(od.options["Width"])
	h, err2 := strconv.Atoi(od.options["Height"])
	f, err3 := frame.ParsePixelFormat(od.options["PixelFormat"])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, frame.FormatUnknown, device.NewError("geometry", device.CodeParameter, fmt.Errorf("bad geometry options"))
	}
	return w, h, f, nil
}

func (od *openDevice) queueDepth() int {
	n, err := strconv.Atoi(od.options[device.OptBufferQueueDepth])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// StreamOn implements device.Driver
func (d *Driver) StreamOn(h device.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, err := d.lookupLocked("stream on", h)
	if err != nil {
		return err
	}
	if err := d.failLocked(OpStreamOn); err != nil {
		return err
	}
	od.slots = make([]bool, od.queueDepth())
	od.streaming = true
	return nil
}

// StreamOff implements device.Driver
func (d *Driver) StreamOff(h device.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, err := d.lookupLocked("stream off", h)
	if err != nil {
		return err
	}
	od.streaming = false
	return nil
}

// Pull implements device.Driver. A frame is produced every FrameInterval as
// long as a queue slot is free.
func (d *Driver) Pull(h device.Handle, timeout time.Duration) (*frame.RawFrame, error) {
	d.mu.Lock()
	od, err := d.lookupLocked("pull", h)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if !od.streaming {
		d.mu.Unlock()
		return nil, device.NewError("pull", device.CodeCallOrder, fmt.Errorf("not streaming"))
	}
	if err := d.failLocked(OpPull); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	slot := -1
	for i, used := range od.slots {
		if !used {
			slot = i
			break
		}
	}
	gone := od.gone
	d.mu.Unlock()

	wait := d.settings.FrameInterval
	if slot < 0 || wait > timeout {
		// No free buffer, or the next frame is later than the caller will wait
		select {
		case <-time.After(timeout):
			return nil, device.ErrTimeout
		case <-gone:
			return nil, device.NewError("pull", device.CodeDisconnected, device.ErrOffline)
		}
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-gone:
			return nil, device.NewError("pull", device.CodeDisconnected, device.ErrOffline)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	od, err = d.lookupLocked("pull", h)
	if err != nil {
		return nil, err
	}
	if !od.streaming {
		return nil, device.NewError("pull", device.CodeCallOrder, fmt.Errorf("not streaming"))
	}
	w, ht, f, err := od.geometry()
	if err != nil {
		return nil, err
	}

	od.nextID++
	raw := &frame.RawFrame{
		ID:        od.nextID,
		Width:     w,
		Height:    ht,
		Format:    f,
		Data:      synthesize(w, ht, f, od.nextID),
		Status:    frame.StatusSuccess,
		Timestamp: time.Now(),
		Slot:      slot,
	}
	if d.hook != nil {
		d.hook(raw)
	}
	od.slots[slot] = true
	return raw, nil
}

// synthesize renders a moving diagonal gradient
func synthesize(w, h int, f frame.PixelFormat, id uint64) []byte {
	data := make([]byte, f.PayloadSize(w, h))
	maxVal := uint32(1)<<uint(f.BitDepth()) - 1
	bpp := f.BytesPerPixel()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint32(x+y+int(id)) * 4 & maxVal
			i := (y*w + x) * bpp
			if bpp == 1 {
				data[i] = byte(v)
			} else {
				data[i] = byte(v)
				data[i+1] = byte(v >> 8)
			}
		}
	}
	return data
}

// ReturnBuffer implements device.Driver. Returns after unplug are accepted
// so callers can always balance their pulls.
func (d *Driver) ReturnBuffer(h device.Handle, raw *frame.RawFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.returned = append(d.returned, raw.ID)
	od, ok := d.open[h]
	if !ok {
		return device.NewError("return buffer", device.CodeHandle, fmt.Errorf("unknown handle %d", h))
	}
	if raw.Slot >= 0 && raw.Slot < len(od.slots) {
		od.slots[raw.Slot] = false
	}
	return nil
}

// ExportConfig implements device.Driver; the blob is YAML of every option
func (d *Driver) ExportConfig(h device.Handle) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, err := d.lookupLocked("export config", h)
	if err != nil {
		return nil, err
	}
	blob, err := yaml.Marshal(od.options)
	if err != nil {
		return nil, device.NewError("export config", device.CodeUnknown, err)
	}
	return blob, nil
}

// ImportConfig implements device.Driver
func (d *Driver) ImportConfig(h device.Handle, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, err := d.lookupLocked("import config", h)
	if err != nil {
		return err
	}
	if err := d.failLocked(OpImport); err != nil {
		return err
	}

	var opts map[string]string
	if err := yaml.Unmarshal(blob, &opts); err != nil {
		return device.NewError("import config", device.CodeParameter, fmt.Errorf("invalid profile: %w", err))
	}
	for k, v := range opts {
		od.options[k] = v
	}
	d.imported = append(d.imported, append([]byte(nil), blob...))
	return nil
}

// OnOffline implements device.Driver
func (d *Driver) OnOffline(h device.Handle, fn device.OfflineFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	od, ok := d.open[h]
	if !ok {
		return device.NewError("register offline", device.CodeHandle, fmt.Errorf("unknown handle %d", h))
	}
	od.offline = fn
	return nil
}
