package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// per ldflags gesetzt: -X main.version=1.2.0
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "fieldpoller",
	Short: "Polls a fleet of Modbus TCP devices and publishes their telemetry",
	Long: `FieldPoller keeps one poll loop per active device from the database,
reads its holding registers in batched windows and publishes the decoded
samples to WebSocket clients, MQTT and InfluxDB.

  fieldpoller serve -c configs/config.yaml
  fieldpoller simulate --listen :5020`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fieldpoller %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
