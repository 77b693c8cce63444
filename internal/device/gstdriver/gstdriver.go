// Package gstdriver is a device.Driver backed by a GStreamer pipeline ending
// in an appsink. Any source GStreamer can open (v4l2src, aravissrc,
// videotestsrc) becomes a pullable camera.
package gstdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

const (
	defaultQueueDepth = 4
	busPollInterval   = 50 * time.Millisecond
)

// readOnly options are fixed by the pipeline description
var readOnly = map[string]bool{
	"Source":              true,
	"Caps":                true,
	device.OptPayloadSize: true,
}

var initOnce sync.Once

// Options describe the pipeline
type Options struct {
	// Source is the gst-launch description up to, not including, the caps
	Source string
	// Caps constrain the sink, e.g. video/x-raw,format=GRAY8,width=640,height=480
	Caps string
}

// Driver opens one pipeline per handle
type Driver struct {
	opts     Options
	identity device.Identity
	devPath  string

	mu   sync.Mutex
	next device.Handle
	open map[device.Handle]*stream
}

type stream struct {
	id       device.Identity
	pipeline *gst.Pipeline
	sink     *app.Sink
	options  map[string]string

	slots   []bool
	buffers [][]byte
	nextID  uint64

	streaming bool
	offline   device.OfflineFunc
	gone      chan struct{}
	goneOnce  sync.Once

	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// New creates a driver for the pipeline. A device=<path> property in the
// source makes enumeration depend on that path existing.
func New(opts Options) *Driver {
	d := &Driver{
		opts: opts,
		open: make(map[device.Handle]*stream),
	}

	fields := strings.Fields(opts.Source)
	model := "gstreamer"
	if len(fields) > 0 {
		model = fields[0]
	}
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "device="); ok {
			d.devPath = strings.Trim(v, `"'`)
		}
	}
	serial := "gst0"
	if d.devPath != "" {
		serial = "gst:" + d.devPath
	}
	d.identity = device.Identity{Serial: serial, Model: model}
	return d
}

// Name implements device.Driver
func (d *Driver) Name() string {
	return "gst"
}

// Enumerate implements device.Driver
func (d *Driver) Enumerate() ([]device.Identity, error) {
	if d.devPath != "" {
		if _, err := os.Stat(d.devPath); err != nil {
			return nil, nil
		}
	}
	return []device.Identity{d.identity}, nil
}

// pipelineString builds the launch line with the appsink the driver pulls from
func (d *Driver) pipelineString() string {
	desc := d.opts.Source
	if d.opts.Caps != "" {
		desc += " ! " + d.opts.Caps
	}
	return desc + " ! appsink name=sink emit-signals=false max-buffers=2 drop=true sync=false"
}

// Open implements device.Driver. The pipeline is built but not started.
func (d *Driver) Open(id device.Identity) (device.Handle, error) {
	if !id.IsZero() && !id.Matches(d.identity) {
		return 0, device.NewError("open", device.CodeParameter, device.ErrDeviceNotFound)
	}
	initOnce.Do(func() { gst.Init(nil) })

	desc := d.pipelineString()
	logger.WithComponent("gstreamer").Debug().Str("pipeline", desc).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return 0, device.NewError("open", device.CodeResource, fmt.Errorf("failed to create pipeline: %w", err))
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return 0, device.NewError("open", device.CodeResource, fmt.Errorf("failed to get appsink: %w", err))
	}

	s := &stream{
		id:       d.identity,
		pipeline: pipeline,
		sink:     app.SinkFromElement(sinkElement),
		options: map[string]string{
			"Source":                   d.opts.Source,
			"Caps":                     d.opts.Caps,
			device.OptAcquisitionMode:  "Continuous",
			device.OptTriggerMode:      "Off",
			device.OptBufferQueueDepth: strconv.Itoa(defaultQueueDepth),
		},
		gone: make(chan struct{}),
	}

	d.mu.Lock()
	d.next++
	h := d.next
	d.open[h] = s
	d.mu.Unlock()

	logger.WithComponent("gstreamer").Info().Str("device", d.identity.String()).Msg("GStreamer pipeline opened")
	return h, nil
}

func (d *Driver) lookup(op string, h device.Handle) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.open[h]
	if !ok {
		return nil, device.NewError(op, device.CodeHandle, fmt.Errorf("unknown handle %d", h))
	}
	return s, nil
}

// Close implements device.Driver
func (d *Driver) Close(h device.Handle) error {
	d.mu.Lock()
	s, ok := d.open[h]
	delete(d.open, h)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	s.stopMonitor()
	s.markGone()
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return device.NewError("close", device.CodeResource, err)
	}
	logger.WithComponent("gstreamer").Info().Msg("GStreamer pipeline closed")
	return nil
}

// SetOption implements device.Driver. Camera features the pipeline cannot
// express are stored so profiles round-trip.
func (d *Driver) SetOption(h device.Handle, key, value string) error {
	s, err := d.lookup("set option", h)
	if err != nil {
		return err
	}
	if readOnly[key] {
		return device.NewError("set option", device.CodeParameter, fmt.Errorf("%s is read-only", key))
	}
	if key == device.OptBufferQueueDepth {
		if n, err := strconv.Atoi(value); err != nil || n <= 0 {
			return device.NewError("set option", device.CodeParameter, fmt.Errorf("invalid %s %q", key, value))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.streaming && key == device.OptBufferQueueDepth {
		return device.NewError("set option", device.CodeCallOrder, fmt.Errorf("%s cannot change while streaming", key))
	}
	s.options[key] = value
	return nil
}

// GetOption implements device.Driver
func (d *Driver) GetOption(h device.Handle, key string) (string, error) {
	s, err := d.lookup("get option", h)
	if err != nil {
		return "", err
	}
	if key == device.OptPayloadSize {
		w, ht, f, err := capsGeometry(d.opts.Caps)
		if err != nil {
			return "", device.NewError("get option", device.CodeNoData, err)
		}
		return strconv.Itoa(f.PayloadSize(w, ht)), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := s.options[key]
	if !ok {
		return "", device.NewError("get option", device.CodeParameter, fmt.Errorf("unknown option %s", key))
	}
	return v, nil
}

// StreamOn implements device.Driver: the pipeline goes to PLAYING and its bus
// is watched for errors and end of stream.
func (d *Driver) StreamOn(h device.Handle) error {
	s, err := d.lookup("stream on", h)
	if err != nil {
		return err
	}

	d.mu.Lock()
	depth, _ := strconv.Atoi(s.options[device.OptBufferQueueDepth])
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	s.slots = make([]bool, depth)
	s.buffers = make([][]byte, depth)
	s.streaming = true
	d.mu.Unlock()

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		d.mu.Lock()
		s.streaming = false
		d.mu.Unlock()
		return device.NewError("stream on", device.CodeResource, fmt.Errorf("failed to start pipeline: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg = conc.NewWaitGroup()
	s.wg.Go(func() { d.monitor(ctx, s) })
	return nil
}

// StreamOff implements device.Driver
func (d *Driver) StreamOff(h device.Handle) error {
	s, err := d.lookup("stream off", h)
	if err != nil {
		return err
	}
	s.stopMonitor()

	d.mu.Lock()
	s.streaming = false
	d.mu.Unlock()

	if err := s.pipeline.SetState(gst.StatePaused); err != nil {
		return device.NewError("stream off", device.CodeResource, err)
	}
	return nil
}

func (s *stream) stopMonitor() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel, s.wg = nil, nil
	}
}

func (s *stream) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// monitor pops bus messages until ctx ends or the pipeline fails
func (d *Driver) monitor(ctx context.Context, s *stream) {
	log := logger.WithComponent("gstreamer")
	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		var cause error
		switch msg.Type() {
		case gst.MessageEOS:
			cause = errors.New("end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			log.Error().
				Str("error", gerr.Error()).
				Str("debug", gerr.DebugString()).
				Msg("Pipeline error")
			cause = fmt.Errorf("pipeline error: %s", gerr.Error())
		default:
			continue
		}

		log.Warn().Err(cause).Str("device", s.id.String()).Msg("GStreamer source went offline")
		s.markGone()

		d.mu.Lock()
		fn := s.offline
		d.mu.Unlock()
		if fn != nil {
			// Close waits for this goroutine, so the callback runs apart from it
			go fn(s.id)
		}
		return
	}
}

// Pull implements device.Driver
func (d *Driver) Pull(h device.Handle, timeout time.Duration) (*frame.RawFrame, error) {
	s, err := d.lookup("pull", h)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if !s.streaming {
		d.mu.Unlock()
		return nil, device.NewError("pull", device.CodeCallOrder, errors.New("not streaming"))
	}
	slot := -1
	for i, busy := range s.slots {
		if !busy {
			slot = i
			break
		}
	}
	d.mu.Unlock()

	select {
	case <-s.gone:
		return nil, device.NewError("pull", device.CodeDisconnected, device.ErrOffline)
	default:
	}

	if slot < 0 {
		select {
		case <-time.After(timeout):
			return nil, device.ErrTimeout
		case <-s.gone:
			return nil, device.NewError("pull", device.CodeDisconnected, device.ErrOffline)
		}
	}

	sample := s.sink.TryPullSample(timeout)
	if sample == nil {
		select {
		case <-s.gone:
			return nil, device.NewError("pull", device.CodeDisconnected, device.ErrOffline)
		default:
		}
		if s.sink.IsEOS() {
			s.markGone()
			return nil, device.NewError("pull", device.CodeDisconnected, errors.New("end of stream"))
		}
		return nil, device.ErrTimeout
	}

	return d.processSample(s, slot, sample)
}

// processSample copies the sample into the slot's buffer and tags it
func (d *Driver) processSample(s *stream, slot int, sample *gst.Sample) (*frame.RawFrame, error) {
	buffer := sample.GetBuffer()
	caps := sample.GetCaps()
	if buffer == nil || caps == nil {
		return nil, device.NewError("pull", device.CodeNoData, errors.New("sample without buffer or caps"))
	}
	w, h, format, err := structureGeometry(caps.GetStructureAt(0))
	if err != nil {
		return nil, device.NewError("pull", device.CodeNoData, err)
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, device.NewError("pull", device.CodeNoData, errors.New("failed to map buffer"))
	}
	data := mapInfo.Bytes()

	d.mu.Lock()
	dst := s.buffers[slot]
	if cap(dst) < len(data) {
		dst = make([]byte, len(data))
	}
	dst = dst[:len(data)]
	copy(dst, data)
	s.buffers[slot] = dst
	s.slots[slot] = true
	s.nextID++
	id := s.nextID
	d.mu.Unlock()
	buffer.Unmap()

	raw := &frame.RawFrame{
		ID:        id,
		Width:     w,
		Height:    h,
		Format:    format,
		Data:      dst,
		Status:    frame.StatusSuccess,
		Timestamp: time.Now(),
		Slot:      slot,
	}
	if format != frame.FormatUnknown && len(dst) < format.PayloadSize(w, h) {
		raw.Status = frame.StatusIncomplete
	}
	return raw, nil
}

// ReturnBuffer implements device.Driver. It keeps working after the source
// went away so the session can drain.
func (d *Driver) ReturnBuffer(h device.Handle, raw *frame.RawFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.open[h]
	if !ok {
		return device.NewError("return buffer", device.CodeHandle, fmt.Errorf("unknown handle %d", h))
	}
	if raw.Slot >= 0 && raw.Slot < len(s.slots) {
		s.slots[raw.Slot] = false
	}
	return nil
}

// ExportConfig implements device.Driver; the blob is YAML of every option
func (d *Driver) ExportConfig(h device.Handle) ([]byte, error) {
	s, err := d.lookup("export config", h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, err := yaml.Marshal(s.options)
	if err != nil {
		return nil, device.NewError("export config", device.CodeUnknown, err)
	}
	return blob, nil
}

// ImportConfig implements device.Driver. A profile exported from a different
// pipeline is rejected.
func (d *Driver) ImportConfig(h device.Handle, blob []byte) error {
	s, err := d.lookup("import config", h)
	if err != nil {
		return err
	}
	var options map[string]string
	if err := yaml.Unmarshal(blob, &options); err != nil {
		return device.NewError("import config", device.CodeParameter, fmt.Errorf("failed to parse profile: %w", err))
	}
	if src, ok := options["Source"]; ok && src != d.opts.Source {
		return device.NewError("import config", device.CodeParameter,
			fmt.Errorf("profile is for source %q, pipeline is %q", src, d.opts.Source))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range options {
		if readOnly[k] {
			continue
		}
		s.options[k] = v
	}
	return nil
}

// OnOffline implements device.Driver
func (d *Driver) OnOffline(h device.Handle, fn device.OfflineFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.open[h]
	if !ok {
		return device.NewError("register offline", device.CodeHandle, fmt.Errorf("unknown handle %d", h))
	}
	s.offline = fn
	return nil
}
