package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/device/simdriver"
	"github.com/bryanchriswhite/FrameGrab/internal/recovery"
)

var cam = device.Identity{Serial: "SN-REC", MAC: "02:00:00:00:00:02", Model: "sim-1"}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startController(t *testing.T, drv *simdriver.Driver, opts recovery.Options) *recovery.Controller {
	t.Helper()
	if opts.Config.TriggerMode == "" {
		opts.Config = device.DefaultConfig()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.PullTimeout == 0 {
		opts.PullTimeout = 20 * time.Millisecond
	}
	c, err := recovery.New(drv, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func published(c *recovery.Controller) uint64 {
	return c.Loop().Stats().Published
}

func unplugAndWait(t *testing.T, drv *simdriver.Driver, c *recovery.Controller) {
	t.Helper()
	drv.Unplug(cam.Serial)
	waitFor(t, "offline", func() bool { return c.State() == recovery.StateOffline })
}

func TestReconnectReappliesProfile(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c := startController(t, drv, recovery.Options{Identity: device.Identity{MAC: cam.MAC}})

	if c.State() != recovery.StateOnline {
		t.Fatalf("state after Start = %s, want online", c.State())
	}
	waitFor(t, "first frames", func() bool { return published(c) > 0 })

	profile := c.Profile()
	if len(profile) == 0 {
		t.Fatal("no profile exported after first configure")
	}
	firstSession := c.Session().ID()

	unplugAndWait(t, drv, c)
	before := published(c)
	drv.Plug(cam)
	waitFor(t, "online", func() bool { return c.State() == recovery.StateOnline })

	imported := drv.Imported()
	if len(imported) != 1 || !bytes.Equal(imported[0], profile) {
		t.Fatalf("imported %q, want exactly the exported profile %q", imported, profile)
	}
	live, err := c.Session().ExportProfile()
	if err != nil {
		t.Fatalf("ExportProfile() failed: %v", err)
	}
	if !bytes.Equal(live, profile) {
		t.Errorf("profile after reconnect differs:\n%s\nvs\n%s", live, profile)
	}
	if c.Session().ID() == firstSession {
		t.Error("session ID unchanged across reconnect")
	}

	waitFor(t, "frames after reconnect", func() bool { return published(c) > before })

	st := c.Status()
	if st.Reconnects != 1 || st.LastOffline.IsZero() || st.LastRecovery.Before(st.LastOffline) {
		t.Errorf("status = %+v", st)
	}
	if drv.OpenHandles() != 1 {
		t.Errorf("open handles = %d, want 1", drv.OpenHandles())
	}
}

func TestReconnectRetriesAfterOpenFailure(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c := startController(t, drv, recovery.Options{})

	unplugAndWait(t, drv, c)
	drv.InjectFailure(simdriver.OpOpen, 2)
	drv.Plug(cam)
	waitFor(t, "online", func() bool { return c.State() == recovery.StateOnline })

	st := c.Status()
	if st.FailedAttempts != 2 {
		t.Errorf("failed attempts = %d, want 2", st.FailedAttempts)
	}
	if st.LastError == "" {
		t.Error("last error not recorded")
	}
	if drv.Opens() != 2 {
		t.Errorf("successful opens = %d, want 2", drv.Opens())
	}
	if drv.OpenHandles() != 1 {
		t.Errorf("open handles = %d, want 1", drv.OpenHandles())
	}
}

func TestFailedImportClosesHandle(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c := startController(t, drv, recovery.Options{})

	unplugAndWait(t, drv, c)
	drv.InjectFailure(simdriver.OpImport, 1)
	drv.Plug(cam)
	waitFor(t, "online", func() bool { return c.State() == recovery.StateOnline })

	if c.Status().FailedAttempts != 1 {
		t.Errorf("failed attempts = %d, want 1", c.Status().FailedAttempts)
	}
	// Initial open, the failed attempt and the successful one
	if drv.Opens() != 3 {
		t.Errorf("opens = %d, want 3", drv.Opens())
	}
	if drv.OpenHandles() != 1 {
		t.Errorf("open handles = %d, want 1", drv.OpenHandles())
	}
}

func TestLoopErrorTriggersRecovery(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c := startController(t, drv, recovery.Options{})
	waitFor(t, "first frames", func() bool { return published(c) > 0 })

	drv.InjectFailure(simdriver.OpPull, 1)
	waitFor(t, "reconnect", func() bool { return c.Status().Reconnects == 1 })

	before := published(c)
	waitFor(t, "frames after reconnect", func() bool { return published(c) > before })
	if c.State() != recovery.StateOnline {
		t.Errorf("state = %s, want online", c.State())
	}
}

func TestSubscribeSeesRecoveryCycle(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c := startController(t, drv, recovery.Options{})

	events, cancel := c.Subscribe()
	defer cancel()

	unplugAndWait(t, drv, c)
	drv.Plug(cam)

	var seen []recovery.State
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr := <-events:
			seen = append(seen, tr.To)
		case <-timeout:
			t.Fatalf("transitions so far: %v", seen)
		}
		if len(seen) > 0 && seen[len(seen)-1] == recovery.StateOnline {
			break
		}
	}

	want := []recovery.State{recovery.StateOffline, recovery.StateReconnecting, recovery.StateOnline}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestShutdownWhileOffline(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c, err := recovery.New(drv, recovery.Options{
		Config:       device.DefaultConfig(),
		PollInterval: 10 * time.Millisecond,
		PullTimeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	events, _ := c.Subscribe()

	unplugAndWait(t, drv, c)

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown() did not return")
	}

	if drv.OpenHandles() != 0 {
		t.Errorf("open handles = %d after shutdown", drv.OpenHandles())
	}
	for range events {
		// drain until closed
	}
	if err := c.Start(context.Background()); !errors.Is(err, recovery.ErrStopped) {
		t.Errorf("Start() after Shutdown = %v, want ErrStopped", err)
	}
}

// gatedDriver blocks Open while gated until release is closed
type gatedDriver struct {
	*simdriver.Driver
	gated   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDriver) Open(id device.Identity) (device.Handle, error) {
	if d.gated.Load() {
		d.once.Do(func() { close(d.entered) })
		<-d.release
	}
	return d.Driver.Open(id)
}

func TestShutdownWaitsForReconnect(t *testing.T) {
	drv := &gatedDriver{
		Driver:  simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := recovery.New(drv, recovery.Options{
		Config:       device.DefaultConfig(),
		PollInterval: 10 * time.Millisecond,
		PullTimeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	unplugAndWait(t, drv.Driver, c)
	drv.gated.Store(true)
	drv.Plug(cam)

	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never reached Open")
	}
	if c.State() != recovery.StateReconnecting {
		t.Fatalf("state = %s while Open is blocked, want reconnecting", c.State())
	}

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown() returned while a reconnect attempt was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(drv.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return after the reconnect finished")
	}

	if c.State() == recovery.StateReconnecting {
		t.Error("controller still reconnecting after Shutdown()")
	}
	if drv.OpenHandles() != 0 {
		t.Errorf("open handles = %d after shutdown", drv.OpenHandles())
	}
}

func TestStartWithoutDevice(t *testing.T) {
	drv := simdriver.New(simdriver.Settings{})
	c, err := recovery.New(drv, recovery.Options{Config: device.DefaultConfig()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer c.Shutdown()

	err = c.Start(context.Background())
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Start() error = %v, want ErrDeviceNotFound", err)
	}
	var rf *recovery.RecoveryFailed
	if !errors.As(err, &rf) || rf.Step != "open" {
		t.Errorf("Start() error = %#v, want RecoveryFailed at open", err)
	}
}

func TestProfilePersistedAndReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "camera.yaml")

	first := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	c := startController(t, first, recovery.Options{ProfilePath: path})
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("profile not written: %v", err)
	}
	if !bytes.Equal(saved, c.Profile()) {
		t.Errorf("saved profile differs from exported profile")
	}
	c.Shutdown()

	second := simdriver.New(simdriver.Settings{Width: 16, Height: 8}, cam)
	startController(t, second, recovery.Options{ProfilePath: path})
	imported := second.Imported()
	if len(imported) != 1 || !bytes.Equal(imported[0], saved) {
		t.Errorf("second start imported %q, want saved profile", imported)
	}
}
