package commands

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/firmware"
)

var (
	packOut          string
	packFormat       string
	packVersion      string
	packDeviceType   uint8
	packFirmwareType string
	packWhitelist    string
)

var packCmd = &cobra.Command{
	Use:   "pack <payload-file>",
	Short: "Wrap a raw payload into a firmware package",
	Long: `Wrap a raw payload into a firmware package with a valid header checksum.
The payload checksum and the tail signature are MD5 digests.`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

func init() {
	rootCmd.AddCommand(packCmd)
	packCmd.Flags().StringVarP(&packOut, "out", "o", "", "Output package path (required)")
	packCmd.Flags().StringVar(&packFormat, "format", "v3", "Package format (v2 or v3)")
	packCmd.Flags().StringVar(&packVersion, "firmware-version", "1.0.0.0", "Firmware version as a.b.c.d")
	packCmd.Flags().Uint8Var(&packDeviceType, "device-type", 0, "Target device type")
	packCmd.Flags().StringVar(&packFirmwareType, "firmware-type", "app", "Firmware type (multi-app, app, loader)")
	packCmd.Flags().StringVar(&packWhitelist, "whitelist", "", "Hardware whitelist as hex, up to 128 bytes")
	packCmd.MarkFlagRequired("out")
}

func runPack(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read payload")
	}

	h := firmware.Header{DeviceType: packDeviceType, ModifyTime: uint64(time.Now().Unix())}

	switch packFormat {
	case "v2":
		h.FormatVersion = firmware.FormatV2
	case "v3":
		h.FormatVersion = firmware.FormatV3
	default:
		return fmt.Errorf("unknown format %q", packFormat)
	}

	if h.FirmwareVersion, err = parseVersion(packVersion); err != nil {
		return err
	}

	switch packFirmwareType {
	case "multi-app":
		h.FirmwareType = firmware.TypeMultiApp
	case "app":
		h.FirmwareType = firmware.TypeApp
	case "loader":
		h.FirmwareType = firmware.TypeLoader
	default:
		return fmt.Errorf("unknown firmware type %q", packFirmwareType)
	}

	if packWhitelist != "" {
		wl, err := hex.DecodeString(packWhitelist)
		if err != nil {
			return errors.Wrap(err, "invalid whitelist")
		}
		if len(wl) > firmware.WhitelistSize {
			return fmt.Errorf("whitelist is %d bytes, max %d", len(wl), firmware.WhitelistSize)
		}
		copy(h.HWWhitelist[:], wl)
	}

	var buf bytes.Buffer
	if err := firmware.Build(h, payload).Encode(&buf); err != nil {
		return errors.Wrap(err, "failed to encode package")
	}
	if err := os.WriteFile(packOut, buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "failed to write package")
	}

	fmt.Printf("Wrote %s (%s, payload %s)\n", packOut, humanize.IBytes(uint64(buf.Len())), humanize.IBytes(uint64(len(payload))))
	return nil
}

// parseVersion packs "a.b.c.d" into one byte per component.
func parseVersion(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("firmware version %q is not a.b.c.d", s)
	}
	var v uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("firmware version %q: %w", s, err)
		}
		v = v<<8 | uint32(n)
	}
	return v, nil
}
