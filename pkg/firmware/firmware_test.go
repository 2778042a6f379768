package firmware

import (
	"bytes"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func testFirmware(t *testing.T, size int, format uint32) *Firmware {
	t.Helper()
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return Build(Header{
		FormatVersion:   format,
		FirmwareVersion: 0x01020304,
		FirmwareType:    TypeApp,
		DeviceType:      9,
		ModifyTime:      uint64(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix()),
	}, payload)
}

func encoded(t *testing.T, fw *Firmware) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := fw.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestCRC16MCRF4XX(t *testing.T) {
	if got := crc16MCRF4XX([]byte("123456789")); got != 0x6F91 {
		t.Errorf("check value = 0x%04x, want 0x6f91", got)
	}
	if got := crc16MCRF4XX(nil); got != 0xFFFF {
		t.Errorf("empty input = 0x%04x, want 0xffff", got)
	}
}

func TestParseValid(t *testing.T) {
	src := testFirmware(t, 2500, FormatV3)
	raw := encoded(t, src)

	if len(raw) != HeaderSize+2500+TailSize {
		t.Fatalf("encoded size = %d", len(raw))
	}

	fw, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fw.Len() != 2500 {
		t.Errorf("Len() = %d, want 2500", fw.Len())
	}
	if !fw.IsV3() {
		t.Error("expected V3 package")
	}
	if fw.DeviceType() != 9 {
		t.Errorf("DeviceType() = %d, want 9", fw.DeviceType())
	}
	if len(fw.Checksum()) != 16 {
		t.Errorf("checksum length = %d, want 16", len(fw.Checksum()))
	}
	if fw.Signature() != src.Signature() {
		t.Error("signature mismatch after round trip")
	}
	if want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC); !fw.BuildTime().Equal(want) {
		t.Errorf("BuildTime() = %v, want %v", fw.BuildTime(), want)
	}
}

func TestParseTruncated(t *testing.T) {
	raw := encoded(t, testFirmware(t, 100, FormatV2))

	tests := []struct {
		name string
		keep int
	}{
		{"empty", 0},
		{"partial header", HeaderSize - 1},
		{"header only", HeaderSize},
		{"partial payload", HeaderSize + 50},
		{"missing tail", HeaderSize + 100},
		{"partial tail", HeaderSize + 100 + TailSize - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(bytes.NewReader(raw[:tt.keep]))
			if !errors.Is(err, ErrTruncatedFile) {
				t.Fatalf("expected ErrTruncatedFile, got %v", err)
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected *LoadError, got %T", err)
			}
		})
	}
}

func TestParseHugeDeclaredLength(t *testing.T) {
	fw := Build(Header{FormatVersion: FormatV2}, nil)
	fw.header.PayloadLength = 0xF0000000
	fw.header.HeaderChecksum = crc16MCRF4XX(fw.headerBytes()[:headerChecksumOffset])
	raw := append(fw.headerBytes(), make([]byte, 19)...)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := Parse(bytes.NewReader(raw))
	runtime.ReadMemStats(&after)

	if !errors.Is(err, ErrTruncatedFile) {
		t.Fatalf("expected ErrTruncatedFile, got %v", err)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Errorf("parse allocated %d bytes for a %d byte file", grew, len(raw))
	}
}

func TestParseChecksumMismatch(t *testing.T) {
	raw := encoded(t, testFirmware(t, 64, FormatV2))

	// Any flipped bit in the header, checksum field included, must be caught.
	for _, pos := range []int{0, 12, 20, HeaderSize - 3, HeaderSize - 2, HeaderSize - 1} {
		corrupt := append([]byte(nil), raw...)
		corrupt[pos] ^= 0x01
		_, err := Parse(bytes.NewReader(corrupt))
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("byte %d: expected ErrChecksumMismatch, got %v", pos, err)
		}
	}
}

func TestParseIgnoresTrailingBytes(t *testing.T) {
	raw := encoded(t, testFirmware(t, 10, FormatV2))
	raw = append(raw, 0xde, 0xad)

	if _, err := Parse(bytes.NewReader(raw)); err != nil {
		t.Fatalf("parse with trailing data: %v", err)
	}
}

func TestLoadFS(t *testing.T) {
	fsys := afero.NewMemMapFs()
	raw := encoded(t, testFirmware(t, 300, FormatV2))
	if err := afero.WriteFile(fsys, "/fw/lidar.bin", raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, "/fw/short.bin", raw[:40], 0o644); err != nil {
		t.Fatal(err)
	}

	fw, err := LoadFS(fsys, "/fw/lidar.bin")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fw.Len() != 300 {
		t.Errorf("Len() = %d, want 300", fw.Len())
	}

	_, err = LoadFS(fsys, "/fw/short.bin")
	var le *LoadError
	if !errors.As(err, &le) || le.Path != "/fw/short.bin" {
		t.Fatalf("expected LoadError with path, got %v", err)
	}

	if _, err := LoadFS(fsys, "/fw/missing.bin"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestChunk(t *testing.T) {
	fw := testFirmware(t, 2500, FormatV2)

	var offsets, lengths []int
	for off := 0; off < fw.Len(); {
		c := fw.Chunk(off, 1024)
		offsets = append(offsets, off)
		lengths = append(lengths, len(c))
		off += len(c)
	}

	wantOffsets := []int{0, 1024, 2048}
	wantLengths := []int{1024, 1024, 452}
	for i := range wantOffsets {
		if offsets[i] != wantOffsets[i] || lengths[i] != wantLengths[i] {
			t.Fatalf("chunks = %v/%v, want %v/%v", offsets, lengths, wantOffsets, wantLengths)
		}
	}
	if len(offsets) != 3 {
		t.Fatalf("got %d chunks, want 3", len(offsets))
	}

	if c := fw.Chunk(2500, 1024); c != nil {
		t.Errorf("chunk past end = %d bytes, want nil", len(c))
	}
}
