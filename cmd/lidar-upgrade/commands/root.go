package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "lidar-upgrade",
	Short: "Lidar firmware upgrades over UDP",
	Long:  `Pushes firmware packages to fleets of lidar devices, tracks every upgrade in SQLite, and fetches packages from S3.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/upgrades.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/lidarfw", "Directory for downloaded firmware")
	rootCmd.PersistentFlags().String("s3-bucket", "lidar-firmware", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("family", "livox", "Device family (direct, industry, livox, vehicle)")
	rootCmd.PersistentFlags().String("local-addr", "0.0.0.0:56000", "Local UDP address for the device link")
	rootCmd.PersistentFlags().Int("chunk-size", 1024, "Firmware bytes per transfer command")
	rootCmd.PersistentFlags().Duration("command-timeout", 2*time.Second, "Per-command response timeout")
	rootCmd.PersistentFlags().Int("retry-ceiling", 10, "Retries allowed per upgrade phase")
	rootCmd.PersistentFlags().Int64("max-firmware-size", 64*1024*1024, "Max firmware file size in bytes")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address during upgrades")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "s3-bucket", "s3-region", "family",
		"local-addr", "chunk-size", "command-timeout", "retry-ceiling", "max-firmware-size", "metrics-addr",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
