package device_test

import (
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/device/simdriver"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
)

var cam = device.Identity{Serial: "SN-0001", MAC: "00:11:22:33:44:55", Model: "sim-1"}

func openConfigured(t *testing.T, drv *simdriver.Driver) *device.Session {
	t.Helper()
	s := device.NewSession(drv, nil)
	if err := s.Open(cam); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Configure(device.DefaultConfig()); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 8, Height: 4, Format: frame.Mono10}, cam)
	s := device.NewSession(drv, nil)

	if s.State() != device.StateClosed {
		t.Fatalf("initial state = %s, want closed", s.State())
	}
	if err := s.Open(cam); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if s.State() != device.StateOpening || s.ID() == "" {
		t.Fatalf("after open: state=%s id=%q", s.State(), s.ID())
	}
	if err := s.Configure(device.DefaultConfig()); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	if s.State() != device.StateConfigured {
		t.Fatalf("after configure: state=%s", s.State())
	}
	if s.PayloadSize() != 8*4*2 {
		t.Errorf("PayloadSize() = %d, want %d", s.PayloadSize(), 8*4*2)
	}
	if err := s.StreamOn(); err != nil {
		t.Fatalf("StreamOn() failed: %v", err)
	}
	if s.State() != device.StateStreaming {
		t.Fatalf("after stream on: state=%s", s.State())
	}
	if err := s.StreamOff(); err != nil {
		t.Fatalf("StreamOff() failed: %v", err)
	}
	if s.State() != device.StateConfigured {
		t.Fatalf("after stream off: state=%s", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if s.State() != device.StateClosed || drv.OpenHandles() != 0 {
		t.Errorf("after close: state=%s handles=%d", s.State(), drv.OpenHandles())
	}
}

func TestOpenNoDevices(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{})
	s := device.NewSession(drv, nil)

	if err := s.Open(cam); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Open() error = %v, want ErrDeviceNotFound", err)
	}
	if s.State() != device.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestOpenMatchesByIdentityNotIndex(t *testing.T) {
	other := device.Identity{Serial: "SN-0000"}
	drv := simdriver.New(simdriver.Settings{}, other, cam)
	s := device.NewSession(drv, nil)

	if err := s.Open(device.Identity{MAC: "00:11:22:33:44:55"}); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if s.Identity().Serial != cam.Serial {
		t.Errorf("opened %s, want %s", s.Identity(), cam)
	}
}

func TestOpenFailureCarriesCode(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	drv.InjectFailure(simdriver.OpOpen, 1)
	s := device.NewSession(drv, nil)

	err := s.Open(cam)
	var de *device.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Open() error = %v, want DeviceError", err)
	}
	if de.Code != device.CodeResource {
		t.Errorf("code = %#x, want %#x", de.Code, device.CodeResource)
	}
	if s.State() != device.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestConfigureFailsFast(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	s := device.NewSession(drv, nil)
	if err := s.Open(cam); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	drv.InjectFailure(simdriver.OpSetOption, 1)
	if err := s.Configure(device.DefaultConfig()); err == nil {
		t.Fatal("Configure() succeeded despite injected failure")
	}
	if s.State() != device.StateOpening {
		t.Fatalf("state = %s, want opening", s.State())
	}
	if err := s.StreamOn(); !errors.Is(err, device.ErrInvalidState) {
		t.Errorf("StreamOn() error = %v, want ErrInvalidState", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestConfigureRejectsInvalidTriggerMode(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	s := device.NewSession(drv, nil)
	if err := s.Open(cam); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	cfg := device.DefaultConfig()
	cfg.TriggerMode = "Sometimes"
	if err := s.Configure(cfg); err == nil {
		t.Error("Configure() accepted invalid trigger mode")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	s := openConfigured(t, drv)

	blob, err := s.ExportProfile()
	if err != nil {
		t.Fatalf("ExportProfile() failed: %v", err)
	}
	s.Close()

	if err := s.Open(cam); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := s.ImportProfile(blob); err != nil {
		t.Fatalf("ImportProfile() failed: %v", err)
	}
	again, err := s.ExportProfile()
	if err != nil {
		t.Fatalf("ExportProfile() failed: %v", err)
	}
	if string(again) != string(blob) {
		t.Errorf("profile changed across import:\n%s\nvs\n%s", blob, again)
	}
}

func TestPullReturnAndClose(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	s := openConfigured(t, drv)
	if err := s.StreamOn(); err != nil {
		t.Fatalf("StreamOn() failed: %v", err)
	}

	first, err := s.Pull(time.Second)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if err := s.ReturnBuffer(first); err != nil {
		t.Fatalf("ReturnBuffer() failed: %v", err)
	}
	if err := s.ReturnBuffer(first); !errors.Is(err, device.ErrNotOutstanding) {
		t.Errorf("second ReturnBuffer() error = %v, want ErrNotOutstanding", err)
	}

	// Leave one outstanding; Close must hand it back
	second, err := s.Pull(time.Second)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	returned := drv.Returned()
	if len(returned) != 2 || returned[0] != first.ID || returned[1] != second.ID {
		t.Errorf("returned = %v, want [%d %d]", returned, first.ID, second.ID)
	}
}

func TestPullTimeoutWhenQueueExhausted(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	s := openConfigured(t, drv)
	s.StreamOn()

	// Default config uses a queue depth of 8
	for i := 0; i < 8; i++ {
		if _, err := s.Pull(time.Second); err != nil {
			t.Fatalf("Pull() %d failed: %v", i, err)
		}
	}
	if _, err := s.Pull(10 * time.Millisecond); !errors.Is(err, device.ErrTimeout) {
		t.Errorf("Pull() error = %v, want ErrTimeout", err)
	}
	if s.Outstanding() != 8 {
		t.Errorf("Outstanding() = %d, want 8", s.Outstanding())
	}
	s.Close()
}

func TestOfflineNotification(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{}, cam)
	notified := make(chan device.Identity, 1)
	s := device.NewSession(drv, func(id device.Identity) { notified <- id })

	if err := s.Open(cam); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Configure(device.DefaultConfig()); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	s.StreamOn()

	drv.Unplug(cam.Serial)

	select {
	case id := <-notified:
		if id.Serial != cam.Serial {
			t.Errorf("notified for %s, want %s", id, cam)
		}
	case <-time.After(time.Second):
		t.Fatal("no offline notification")
	}
	if !s.Offline() {
		t.Error("Offline() = false after notification")
	}

	_, err := s.Pull(time.Second)
	var de *device.DeviceError
	if !errors.As(err, &de) || de.Code != device.CodeDisconnected {
		t.Errorf("Pull() error = %v, want disconnected DeviceError", err)
	}

	// Teardown still succeeds enough to leave no handle behind
	s.Close()
	if s.State() != device.StateClosed || drv.OpenHandles() != 0 {
		t.Errorf("after close: state=%s handles=%d", s.State(), drv.OpenHandles())
	}
	if s.Offline() {
		t.Error("offline flag survived close")
	}
}

// callbackDriver keeps the registered offline callback so a test can fire it
// at any point, including after the session closed
type callbackDriver struct {
	*simdriver.Driver
	fn device.OfflineFunc
}

func (d *callbackDriver) OnOffline(h device.Handle, fn device.OfflineFunc) error {
	d.fn = fn
	return d.Driver.OnOffline(h, fn)
}

func TestLateOfflineNotificationAfterClose(t *testing.T) {
	drv := &callbackDriver{Driver: simdriver.New(simdriver.Settings{}, cam)}
	forwarded := 0
	s := device.NewSession(drv, func(device.Identity) { forwarded++ })

	if err := s.Open(cam); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	drv.fn(cam)

	if s.Offline() {
		t.Error("Offline() = true on a closed session")
	}
	if forwarded != 0 {
		t.Errorf("late notification forwarded %d times", forwarded)
	}
	if s.State() != device.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}
