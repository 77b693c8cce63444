package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

// EnvPrefix is prepended to environment overrides, e.g. FRAMEGRAB_DEVICE_DRIVER
const EnvPrefix = "FRAMEGRAB"

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	DisplayFPS int    `json:"display_fps" yaml:"display_fps" mapstructure:"display_fps"`
	SaveDir    string `json:"save_dir" yaml:"save_dir" mapstructure:"save_dir"`

	DisplayOverlay bool `json:"display_overlay" yaml:"display_overlay" mapstructure:"display_overlay"`
	JPEGQuality    int  `json:"jpeg_quality" yaml:"jpeg_quality" mapstructure:"jpeg_quality"`

	BufferPoolSize          int `json:"buffer_pool_size" yaml:"buffer_pool_size" mapstructure:"buffer_pool_size"`
	PullTimeoutMS           int `json:"pull_timeout_ms" yaml:"pull_timeout_ms" mapstructure:"pull_timeout_ms"`
	ReconnectPollIntervalMS int `json:"reconnect_poll_interval_ms" yaml:"reconnect_poll_interval_ms" mapstructure:"reconnect_poll_interval_ms"`

	Device DeviceConfig `json:"device" yaml:"device" mapstructure:"device"`
	Sim    SimConfig    `json:"sim" yaml:"sim" mapstructure:"sim"`
	Gst    GstConfig    `json:"gst" yaml:"gst" mapstructure:"gst"`
}

// DeviceConfig selects the driver and the camera settings applied on first open
type DeviceConfig struct {
	Driver           string `json:"driver" yaml:"driver" mapstructure:"driver"`
	Identity         string `json:"identity" yaml:"identity" mapstructure:"identity"`
	ProfilePath      string `json:"profile_path" yaml:"profile_path" mapstructure:"profile_path"`
	AcquisitionMode  string `json:"acquisition_mode" yaml:"acquisition_mode" mapstructure:"acquisition_mode"`
	TriggerMode      string `json:"trigger_mode" yaml:"trigger_mode" mapstructure:"trigger_mode"`
	TriggerSource    string `json:"trigger_source" yaml:"trigger_source" mapstructure:"trigger_source"`
	BufferQueueDepth int    `json:"buffer_queue_depth" yaml:"buffer_queue_depth" mapstructure:"buffer_queue_depth"`
	TransferSize     int    `json:"transfer_size" yaml:"transfer_size" mapstructure:"transfer_size"`
	URBCount         int    `json:"urb_count" yaml:"urb_count" mapstructure:"urb_count"`
}

// SimConfig describes the simulated camera
type SimConfig struct {
	Width           int    `json:"width" yaml:"width" mapstructure:"width"`
	Height          int    `json:"height" yaml:"height" mapstructure:"height"`
	PixelFormat     string `json:"pixel_format" yaml:"pixel_format" mapstructure:"pixel_format"`
	FrameIntervalMS int    `json:"frame_interval_ms" yaml:"frame_interval_ms" mapstructure:"frame_interval_ms"`
}

// GstConfig describes the GStreamer source pipeline
type GstConfig struct {
	Source string `json:"source" yaml:"source" mapstructure:"source"`
	Caps   string `json:"caps" yaml:"caps" mapstructure:"caps"`
}

// defaults doubles as the list of known keys and their types
var defaults = map[string]interface{}{
	"server_port": 8080,
	"log_level":   "info",
	"log_pretty":  false,
	"display_fps": 15,
	"save_dir":    "./captures",

	"display_overlay": true,
	"jpeg_quality":    90,

	"buffer_pool_size":           3,
	"pull_timeout_ms":            1000,
	"reconnect_poll_interval_ms": 1000,

	"device.driver":             "sim",
	"device.identity":           "",
	"device.profile_path":       "",
	"device.acquisition_mode":   "Continuous",
	"device.trigger_mode":       "Off",
	"device.trigger_source":     "Software",
	"device.buffer_queue_depth": 8,
	"device.transfer_size":      0,
	"device.urb_count":          0,

	"sim.width":             640,
	"sim.height":            480,
	"sim.pixel_format":      "BayerRG8",
	"sim.frame_interval_ms": 33,

	"gst.source": "videotestsrc is-live=true pattern=ball",
	"gst.caps":   "video/x-raw,format=GRAY8,width=640,height=480,framerate=30/1",
}

// Keys returns every known configuration key, sorted
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/framegrab/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framegrab", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{configPath: path, v: v}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.decode(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := m.decode(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("driver", m.config.Device.Driver).
		Msg("Config loaded")

	return m, nil
}

// decode rebuilds the typed config from viper's merged view
func (m *Manager) decode() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Validate checks values that would otherwise fail deep inside the pipeline
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", c.LogLevel)
	}
	if c.BufferPoolSize <= 0 {
		return fmt.Errorf("buffer_pool_size must be positive")
	}
	if c.PullTimeoutMS <= 0 || c.ReconnectPollIntervalMS <= 0 {
		return fmt.Errorf("pull_timeout_ms and reconnect_poll_interval_ms must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality %d out of range 1-100", c.JPEGQuality)
	}
	if c.DisplayFPS <= 0 {
		return fmt.Errorf("display_fps must be positive")
	}
	switch c.Device.Driver {
	case "sim", "gst":
	default:
		return fmt.Errorf("unknown device driver %q (use sim or gst)", c.Device.Driver)
	}
	if err := c.DeviceSettings().Validate(); err != nil {
		return err
	}
	if _, err := frame.ParsePixelFormat(c.Sim.PixelFormat); err != nil {
		return fmt.Errorf("sim.pixel_format: %w", err)
	}
	return nil
}

// DeviceSettings returns the acquisition configuration for the session
func (c *Config) DeviceSettings() device.Config {
	return device.Config{
		Identity:         device.ParseIdentity(c.Device.Identity),
		AcquisitionMode:  c.Device.AcquisitionMode,
		TriggerMode:      c.Device.TriggerMode,
		TriggerSource:    c.Device.TriggerSource,
		BufferQueueDepth: c.Device.BufferQueueDepth,
		TransferSize:     c.Device.TransferSize,
		URBCount:         c.Device.URBCount,
	}
}

// PullTimeout returns pull_timeout_ms as a duration
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.PullTimeoutMS) * time.Millisecond
}

// ReconnectPollInterval returns reconnect_poll_interval_ms as a duration
func (c *Config) ReconnectPollInterval() time.Duration {
	return time.Duration(c.ReconnectPollIntervalMS) * time.Millisecond
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	return &cfg
}

// GetViper exposes the underlying viper instance
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Value returns the effective value of a known key
func (m *Manager) Value(key string) (interface{}, error) {
	if _, ok := defaults[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return m.v.Get(key), nil
}

// Set parses value according to the key's type and applies it in memory.
// Invalid values are rejected and leave the configuration unchanged.
func (m *Manager) Set(key, value string) error {
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	var typed interface{}
	switch def.(type) {
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %s", key, value)
		}
		typed = n
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %s (use: true or false)", key, value)
		}
		typed = b
	default:
		typed = value
	}

	previous := m.v.Get(key)
	m.v.Set(key, typed)
	if err := m.decode(); err != nil {
		m.v.Set(key, previous)
		return err
	}
	return nil
}

// ApplyOverrides copies every known key explicitly set on src (bound
// command-line flags) into this configuration.
func (m *Manager) ApplyOverrides(src *viper.Viper) error {
	for _, key := range Keys() {
		if !src.IsSet(key) {
			continue
		}
		value := src.Get(key)
		// Unset flags bound with zero defaults still report IsSet on some paths
		if s := fmt.Sprint(value); s == "" || s == "0" {
			continue
		}
		if err := m.Set(key, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("failed to apply override %s: %w", key, err)
		}
	}
	return nil
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Watch reloads the file when it changes on disk and calls onChange with
// the new configuration. Invalid edits are logged and ignored.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log := logger.WithComponent("config")
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.decode(); err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		if onChange != nil {
			onChange(m.Get())
		}
	})
	m.v.WatchConfig()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
