package security

import (
	"testing"

	"github.com/lidarops/fwupgrade/pkg/firmware"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(1024, nil)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"mid360.bin", false},
		{"livox/mid360.bin", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"livox/../mid360.bin", false},
		{"livox/../../etc/passwd", true},
		{".", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(4096, nil)

	if err := v.ValidateFileSize(1024); err != nil {
		t.Errorf("expected no error for size 1024, got: %v", err)
	}

	if err := v.ValidateFileSize(5000); err == nil {
		t.Error("expected error for size 5000 exceeding limit 4096")
	}

	if err := v.ValidateFileSize(100); err == nil {
		t.Error("expected error for size below an empty package")
	}
}

func TestValidateFirmware(t *testing.T) {
	v := NewValidator(1<<20, []uint8{3, 9})

	tests := []struct {
		name      string
		header    firmware.Header
		shouldErr bool
	}{
		{"v2 allowed", firmware.Header{FormatVersion: firmware.FormatV2, DeviceType: 3, FirmwareType: firmware.TypeApp}, false},
		{"v3 allowed", firmware.Header{FormatVersion: firmware.FormatV3, DeviceType: 9, FirmwareType: firmware.TypeMultiApp}, false},
		{"unknown format", firmware.Header{FormatVersion: 0x04000000, DeviceType: 3}, true},
		{"device type not allowed", firmware.Header{FormatVersion: firmware.FormatV2, DeviceType: 4}, true},
		{"unknown firmware type", firmware.Header{FormatVersion: firmware.FormatV2, DeviceType: 3, FirmwareType: firmware.TypeUnknown}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateFirmware(firmware.Build(tt.header, make([]byte, 64)))
			if tt.shouldErr && err == nil {
				t.Error("expected error")
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateFirmware_NoAllowList(t *testing.T) {
	v := NewValidator(1<<20, nil)
	fw := firmware.Build(firmware.Header{FormatVersion: firmware.FormatV2, DeviceType: 200}, nil)
	if err := v.ValidateFirmware(fw); err != nil {
		t.Errorf("empty allow list should admit any device type: %v", err)
	}
}
