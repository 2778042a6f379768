package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lidarops/fwupgrade/pkg/firmware"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <firmware-file>",
	Short: "Show the header of a firmware package",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	fw, err := firmware.Load(args[0])
	if err != nil {
		return err
	}
	h := fw.Header()

	format := "v2"
	if fw.IsV3() {
		format = "v3"
	}
	sig := fw.Signature()

	fmt.Printf("%-18s %s\n", "File:", args[0])
	fmt.Printf("%-18s %s (0x%08x)\n", "Format:", format, h.FormatVersion)
	fmt.Printf("%-18s %s\n", "Firmware version:", versionString(h.FirmwareVersion))
	fmt.Printf("%-18s %s\n", "Firmware type:", h.FirmwareType)
	fmt.Printf("%-18s %d\n", "Device type:", h.DeviceType)
	fmt.Printf("%-18s %s (%d bytes)\n", "Payload:", humanize.IBytes(uint64(fw.Len())), fw.Len())
	fmt.Printf("%-18s type %d, %s\n", "Checksum:", h.ChecksumType, hex.EncodeToString(fw.Checksum()))
	fmt.Printf("%-18s %s\n", "Signature:", hex.EncodeToString(sig[:]))
	if h.ModifyTime != 0 {
		bt := fw.BuildTime()
		fmt.Printf("%-18s %s (%s)\n", "Built:", bt.UTC().Format("2006-01-02 15:04:05 MST"), humanize.Time(bt))
	}
	return nil
}

// versionString renders a packed a.b.c.d firmware version.
func versionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", v>>24, (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}
