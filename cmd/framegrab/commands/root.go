package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/FrameGrab/internal/config"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framegrab",
		Short: "FrameGrab - industrial camera streaming with offline recovery",
		Long: `FrameGrab pulls frames from an industrial camera, converts them to
display-ready Mono8 or RGB24 through a small pool of reusable buffers, and
serves a live MJPEG preview with one-shot BMP snapshots.

When the camera drops off the bus, FrameGrab waits for the same device to
enumerate again, reapplies the exported configuration profile and resumes
streaming without a restart.

Features:
  • Simulated and GStreamer-backed camera drivers
  • Mono and Bayer formats at 8, 10 and 12 bits
  • Latest-frame preview that never lags behind the camera
  • Automatic reconnect by serial number or MAC
  • REST API and websocket recovery events`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framegrab/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file and applies command-line overrides
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.ApplyOverrides(viper.GetViper()); err != nil {
		return nil, fmt.Errorf("failed to apply flags: %w", err)
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}
