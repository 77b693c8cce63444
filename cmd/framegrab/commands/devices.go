package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List reachable cameras",
	Long: `List the cameras the configured driver can currently see.

The serial number or MAC shown here is what device.identity should be set to
so that the same camera is reopened after a disconnect.`,
	Example: `  # List cameras in table format (default)
  framegrab devices

  # List cameras as JSON
  framegrab devices --format json`,
	RunE: runDevices,
}

var devicesFormat string

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	drv, err := newDriver(configMgr.Get())
	if err != nil {
		return err
	}

	ids, err := drv.Enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	switch devicesFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(ids)
	case "table":
		if len(ids) == 0 {
			fmt.Printf("No devices found (driver: %s)\n", drv.Name())
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tSERIAL\tMAC\tMODEL")
		for i, id := range ids {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, id.Serial, dash(id.MAC), dash(id.Model))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
