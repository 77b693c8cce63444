package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/bryanchriswhite/FrameGrab/internal/config"
	"github.com/bryanchriswhite/FrameGrab/internal/device"
)

func newManager(t *testing.T) (*config.Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framegrab", "config.yaml")
	m, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return m, path
}

func TestDefaultsWrittenOnFirstLoad(t *testing.T) {
	m, path := newManager(t)

	cfg := m.Get()
	if cfg.ServerPort != 8080 || cfg.LogLevel != "info" || cfg.BufferPoolSize != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.PullTimeout() != time.Second || cfg.ReconnectPollInterval() != time.Second {
		t.Errorf("timeouts = %v / %v", cfg.PullTimeout(), cfg.ReconnectPollInterval())
	}
	if cfg.Device.Driver != "sim" || cfg.DisplayFPS != 15 || cfg.SaveDir != "./captures" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if !strings.Contains(string(data), "server_port: 8080") {
		t.Errorf("config file missing server_port:\n%s", data)
	}
}

func TestSetPersists(t *testing.T) {
	m, path := newManager(t)

	if err := m.Set("server_port", "9090"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := m.Set("device.trigger_mode", "On"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := m.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	reloaded, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	cfg := reloaded.Get()
	if cfg.ServerPort != 9090 || cfg.Device.TriggerMode != "On" {
		t.Errorf("after reload: port=%d trigger=%s", cfg.ServerPort, cfg.Device.TriggerMode)
	}
	if v, _ := reloaded.Value("server_port"); v != 9090 {
		t.Errorf("Value(server_port) = %v", v)
	}
}

func TestSetRejectsBadValues(t *testing.T) {
	m, _ := newManager(t)

	tests := []struct {
		key   string
		value string
	}{
		{"no_such_key", "1"},
		{"server_port", "eighty"},
		{"server_port", "70000"},
		{"log_level", "loud"},
		{"log_pretty", "maybe"},
		{"device.driver", "v4l2"},
		{"device.trigger_mode", "Sometimes"},
		{"sim.pixel_format", "YUV422"},
		{"buffer_pool_size", "0"},
		{"jpeg_quality", "101"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			before := m.Get()
			if err := m.Set(tt.key, tt.value); err == nil {
				t.Fatalf("Set(%s, %s) succeeded", tt.key, tt.value)
			}
			if after := m.Get(); *after != *before {
				t.Errorf("config changed after rejected Set: %+v", after)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FRAMEGRAB_SERVER_PORT", "7000")
	t.Setenv("FRAMEGRAB_DEVICE_IDENTITY", "00:11:22:33:44:55")

	m, _ := newManager(t)
	cfg := m.Get()
	if cfg.ServerPort != 7000 {
		t.Errorf("server_port = %d, want 7000", cfg.ServerPort)
	}
	id := cfg.DeviceSettings().Identity
	if id.MAC != "00:11:22:33:44:55" || id.Serial != "" {
		t.Errorf("identity = %+v", id)
	}
}

func TestApplyOverrides(t *testing.T) {
	m, _ := newManager(t)

	flags := viper.New()
	flags.Set("server_port", 9191)
	flags.Set("log_level", "debug")

	if err := m.ApplyOverrides(flags); err != nil {
		t.Fatalf("ApplyOverrides() failed: %v", err)
	}
	cfg := m.Get()
	if cfg.ServerPort != 9191 || cfg.LogLevel != "debug" {
		t.Errorf("after overrides: port=%d level=%s", cfg.ServerPort, cfg.LogLevel)
	}
}

func TestDeviceSettings(t *testing.T) {
	m, _ := newManager(t)
	m.Set("device.identity", "SN-42")
	m.Set("device.urb_count", "64")

	got := m.Get().DeviceSettings()
	want := device.Config{
		Identity:         device.Identity{Serial: "SN-42"},
		AcquisitionMode:  "Continuous",
		TriggerMode:      "Off",
		TriggerSource:    "Software",
		BufferQueueDepth: 8,
		URBCount:         64,
	}
	if got != want {
		t.Errorf("DeviceSettings() = %+v, want %+v", got, want)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	m, path := newManager(t)

	changed := make(chan *config.Config, 4)
	m.Watch(func(cfg *config.Config) { changed <- cfg })

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	edited := strings.Replace(string(data), "log_level: info", "log_level: debug", 1)
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.LogLevel == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("no reload after editing the config file")
		}
	}
}

func TestKeysSorted(t *testing.T) {
	keys := config.Keys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not sorted at %d: %v", i, keys)
		}
	}
}
