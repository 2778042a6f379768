// Package security decides whether a firmware package may be pushed to devices.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lidarops/fwupgrade/pkg/firmware"
)

// Validator enforces the firmware admission policy
type Validator struct {
	maxFirmwareSize    int64
	allowedDeviceTypes []uint8
}

// NewValidator creates a new security validator. An empty allowedDeviceTypes
// admits every device type.
func NewValidator(maxFirmwareSize int64, allowedDeviceTypes []uint8) *Validator {
	slog.Info("security_validator_init",
		"max_firmware_size_mb", maxFirmwareSize/1024/1024,
		"allowed_device_types", allowedDeviceTypes)

	return &Validator{
		maxFirmwareSize:    maxFirmwareSize,
		allowedDeviceTypes: slices.Clone(allowedDeviceTypes),
	}
}

// ValidatePath checks that an object key maps to a file inside the work
// directory.
func (v *Validator) ValidatePath(key string) error {
	if filepath.IsAbs(key) {
		slog.Error("security_path_validation_failed", "path", key, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", key)
	}

	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") {
		slog.Error("security_path_validation_failed", "path", key, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", key)
	}

	return nil
}

// ValidateFileSize checks the size of a firmware file before it is parsed.
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFirmwareSize {
		slog.Error("security_file_size_exceeded", "size", size, "max", v.maxFirmwareSize)
		return fmt.Errorf("security: firmware size %d exceeds limit %d", size, v.maxFirmwareSize)
	}
	if size < firmware.HeaderSize+firmware.TailSize {
		slog.Error("security_file_too_small", "size", size)
		return fmt.Errorf("security: firmware size %d is smaller than an empty package", size)
	}
	return nil
}

// ValidateFirmware checks a parsed package against the policy.
func (v *Validator) ValidateFirmware(fw *firmware.Firmware) error {
	h := fw.Header()

	if h.FormatVersion != firmware.FormatV2 && h.FormatVersion != firmware.FormatV3 {
		slog.Error("security_firmware_rejected", "reason", "unknown_format", "format_version", h.FormatVersion)
		return fmt.Errorf("security: unknown format version 0x%08x", h.FormatVersion)
	}

	if len(v.allowedDeviceTypes) > 0 && !slices.Contains(v.allowedDeviceTypes, h.DeviceType) {
		slog.Error("security_firmware_rejected", "reason", "device_type", "device_type", h.DeviceType)
		return fmt.Errorf("security: device type %d not allowed", h.DeviceType)
	}

	if h.FirmwareType >= firmware.TypeUnknown {
		slog.Error("security_firmware_rejected", "reason", "firmware_type", "firmware_type", uint8(h.FirmwareType))
		return fmt.Errorf("security: unknown firmware type %d", uint8(h.FirmwareType))
	}

	slog.Info("security_firmware_admitted",
		"device_type", h.DeviceType,
		"firmware_type", h.FirmwareType.String(),
		"payload_length", fw.Len())
	return nil
}
