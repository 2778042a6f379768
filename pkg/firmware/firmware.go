// Package firmware loads and validates encrypted lidar firmware packages.
//
// A package is a fixed 286-byte little-endian header, the opaque payload and a
// 16-byte signature tail. The payload is never decrypted or inspected here; it
// is handed to the device verbatim in chunks.
package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/spf13/afero"
)

// Layout constants.
const (
	HeaderSize       = 286
	TailSize         = 16
	ChecksumCapacity = 128
	WhitelistSize    = 128

	// headerChecksumOffset is where the trailing u16 header checksum starts.
	headerChecksumOffset = HeaderSize - 2
)

// Package format versions.
const (
	FormatV2 uint32 = 0x02000000
	FormatV3 uint32 = 0x03000000
)

// Type is the firmware image type carried in the header.
type Type uint8

const (
	TypeMultiApp Type = 0
	TypeApp      Type = 1
	TypeLoader   Type = 2
	TypeUnknown  Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeMultiApp:
		return "multi-app"
	case TypeApp:
		return "app"
	case TypeLoader:
		return "loader"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	// ErrTruncatedFile means the file holds fewer bytes than the header declares.
	ErrTruncatedFile = errors.New("truncated firmware file")
	// ErrChecksumMismatch means the stored header checksum does not verify.
	ErrChecksumMismatch = errors.New("header checksum mismatch")
	// ErrChecksumLength means the declared payload checksum does not fit its field.
	ErrChecksumLength = errors.New("checksum length exceeds capacity")
)

// LoadError reports why a firmware package was rejected.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load firmware: %v", e.Err)
	}
	return fmt.Sprintf("load firmware %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Header mirrors the on-disk package header.
type Header struct {
	FormatVersion   uint32
	FirmwareVersion uint32
	PayloadLength   uint32
	FirmwareType    Type
	DeviceType      uint8
	EncryptType     uint8
	Reserved        [2]byte
	ChecksumType    uint8
	ChecksumLength  uint16
	Checksum        [ChecksumCapacity]byte
	HWWhitelist     [WhitelistSize]byte
	ModifyTime      uint64
	HeaderChecksum  uint16
}

// Firmware is an immutable, validated firmware package. It is safe to share
// between any number of concurrently running upgrade sessions.
type Firmware struct {
	header    Header
	payload   []byte
	signature [TailSize]byte
}

// Load reads and validates the package at path.
func Load(path string) (*Firmware, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS reads and validates the package at path on fsys.
func LoadFS(fsys afero.Fs, path string) (*Firmware, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	fw, err := Parse(f)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
		}
		slog.Error("firmware_load_failed", "path", path, "error", err)
		return nil, err
	}

	slog.Info("firmware_loaded",
		"path", path,
		"device_type", fw.header.DeviceType,
		"firmware_type", fw.header.FirmwareType.String(),
		"payload_length", fw.header.PayloadLength,
		"format_version", fmt.Sprintf("0x%08x", fw.header.FormatVersion),
	)
	return fw, nil
}

// Parse reads a whole package from r. It never returns a partially read image.
func Parse(r io.Reader) (*Firmware, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, &LoadError{Err: truncated(err, "header")}
	}

	want := binary.LittleEndian.Uint16(raw[headerChecksumOffset:])
	if got := crc16MCRF4XX(raw[:headerChecksumOffset]); got != want {
		return nil, &LoadError{Err: fmt.Errorf("%w: computed 0x%04x, stored 0x%04x", ErrChecksumMismatch, got, want)}
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return nil, &LoadError{Err: errors.Wrap(err, "decode header")}
	}
	if h.ChecksumLength > ChecksumCapacity {
		return nil, &LoadError{Err: fmt.Errorf("%w: %d", ErrChecksumLength, h.ChecksumLength)}
	}

	// The declared length is untrusted until the bytes arrive, so the
	// buffer grows with what is actually read.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r, int64(h.PayloadLength)); err != nil {
		return nil, &LoadError{Err: truncated(err, "payload")}
	}

	fw := &Firmware{header: h, payload: payload.Bytes()}
	if _, err := io.ReadFull(r, fw.signature[:]); err != nil {
		return nil, &LoadError{Err: truncated(err, "signature tail")}
	}
	return fw, nil
}

func truncated(err error, section string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short %s", ErrTruncatedFile, section)
	}
	return errors.Wrapf(err, "read %s", section)
}

// Header returns a copy of the package header.
func (f *Firmware) Header() Header { return f.header }

// Len is the payload length in bytes.
func (f *Firmware) Len() int { return len(f.payload) }

// DeviceType is the device-type code the package targets.
func (f *Firmware) DeviceType() uint8 { return f.header.DeviceType }

// IsV3 reports whether the package uses the V3 format, whose authorize
// request carries version, build time and hardware whitelist.
func (f *Firmware) IsV3() bool { return f.header.FormatVersion == FormatV3 }

// BuildTime is the package modify time, stored as unix seconds.
func (f *Firmware) BuildTime() time.Time {
	return time.Unix(int64(f.header.ModifyTime), 0).UTC()
}

// Checksum returns the payload checksum bytes the device verifies on finalize.
func (f *Firmware) Checksum() []byte {
	return f.header.Checksum[:f.header.ChecksumLength]
}

// Signature returns the overall signature from the package tail.
func (f *Firmware) Signature() [TailSize]byte { return f.signature }

// Chunk returns at most max payload bytes starting at offset. The returned
// slice aliases the payload and must not be modified.
func (f *Firmware) Chunk(offset, max int) []byte {
	if offset < 0 || offset >= len(f.payload) || max <= 0 {
		return nil
	}
	end := offset + max
	if end > len(f.payload) {
		end = len(f.payload)
	}
	return f.payload[offset:end:end]
}
