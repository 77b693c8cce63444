package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/FrameGrab/internal/device"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage camera configuration profiles",
	Long: `A profile is the camera's own serialized configuration. FrameGrab
exports one after the first configure and reapplies it on every reconnect.`,
}

var profileExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Configure the camera and export its profile",
	Long: `Open the configured camera, apply the device settings from the config
file and print the exported profile. With --output the profile is written to
a file that device.profile_path can point at.`,
	Example: `  # Print the profile
  framegrab profile export

  # Save it and use it for every start
  framegrab profile export --output ~/.config/framegrab/camera.profile
  framegrab config set device.profile_path ~/.config/framegrab/camera.profile`,
	RunE: runProfileExport,
}

var profileOutput string

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileExportCmd)

	profileExportCmd.Flags().StringVarP(&profileOutput, "output", "o", "", "write the profile to this file instead of stdout")
}

func runProfileExport(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	drv, err := newDriver(cfg)
	if err != nil {
		return err
	}

	settings := cfg.DeviceSettings()
	session := device.NewSession(drv, nil)
	if err := session.Open(settings.Identity); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer session.Close()

	if err := session.Configure(settings); err != nil {
		return fmt.Errorf("failed to configure camera: %w", err)
	}
	blob, err := session.ExportProfile()
	if err != nil {
		return fmt.Errorf("failed to export profile: %w", err)
	}

	if profileOutput == "" {
		_, err := os.Stdout.Write(blob)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(profileOutput), 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.WriteFile(profileOutput, blob, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	fmt.Printf("✅ Profile for %s written to %s\n", session.Identity(), profileOutput)
	return nil
}
