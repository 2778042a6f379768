// Package family encodes the upgrade commands of each lidar device family.
//
// All families run the same five-phase protocol. They differ only in
// command ids, in which authorize layout they speak, and in how long they
// tolerate progress polling.
package family

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/firmware"
)

// ReturnCode is the status byte leading every device acknowledgement.
type ReturnCode uint8

const (
	CodeOK                   ReturnCode = 0
	CodeFirmwareOutOfLength  ReturnCode = 1
	CodeSystemNotReady       ReturnCode = 2
	CodeFirmwareTypeMismatch ReturnCode = 3
	CodeUpgradeStateMismatch ReturnCode = 4
)

func (c ReturnCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeFirmwareOutOfLength:
		return "firmware out of length"
	case CodeSystemNotReady:
		return "system not ready"
	case CodeFirmwareTypeMismatch:
		return "firmware type mismatch"
	case CodeUpgradeStateMismatch:
		return "upgrade state mismatch"
	default:
		return fmt.Sprintf("code %d", uint8(c))
	}
}

// Busy reports whether the device asked to be retried later.
func (c ReturnCode) Busy() bool { return c == CodeSystemNotReady }

const (
	whitelistWireSize = 32
	rebootDelayMillis = 100
)

var ErrShortAck = errors.New("acknowledgement too short")

// Request is a command id and its payload.
type Request struct {
	CmdID   uint16
	Payload []byte
}

// ChunkAck is the device's answer to a transfer command.
type ChunkAck struct {
	Code   ReturnCode
	Offset uint32
	Length uint32
}

// ProgressAck is the device's answer to a progress query.
type ProgressAck struct {
	Code     ReturnCode
	Progress uint8
}

// Family supplies the wire encodings the upgrade session needs.
type Family interface {
	Name() string
	Authorize(fw *firmware.Firmware) Request
	Chunk(offset uint32, data []byte) Request
	Finalize(fw *firmware.Firmware) Request
	Progress() Request
	Reboot() Request

	// ParseStatus decodes authorize, finalize and reboot acknowledgements.
	ParseStatus(data []byte) (ReturnCode, error)
	ParseChunk(data []byte) (ChunkAck, error)
	ParseProgress(data []byte) (ProgressAck, error)

	// ProgressRetryCeiling overrides the poll-phase retry ceiling when
	// positive.
	ProgressRetryCeiling() int
}

type authorizeLayout int

const (
	authorizeV2 authorizeLayout = iota
	authorizeV3
	// authorizeByFile picks V3 only when the package itself is V3.
	authorizeByFile
)

// commandSet is the table-driven Family used by every known device family.
type commandSet struct {
	name        string
	authorize   uint16
	transfer    uint16
	finalize    uint16
	progress    uint16
	reboot      uint16
	layout      authorizeLayout
	pollCeiling int
}

func (c *commandSet) Name() string              { return c.name }
func (c *commandSet) ProgressRetryCeiling() int { return c.pollCeiling }

func (c *commandSet) Authorize(fw *firmware.Firmware) Request {
	h := fw.Header()
	v3 := c.layout == authorizeV3 || (c.layout == authorizeByFile && fw.IsV3())

	size := 7
	if v3 {
		size += 4 + 8 + whitelistWireSize
	}
	b := make([]byte, size)
	b[0] = byte(h.FirmwareType)
	b[1] = h.EncryptType
	binary.LittleEndian.PutUint32(b[2:], h.PayloadLength)
	b[6] = h.DeviceType
	if v3 {
		binary.LittleEndian.PutUint32(b[7:], h.FirmwareVersion)
		binary.LittleEndian.PutUint64(b[11:], h.ModifyTime)
		copy(b[19:], h.HWWhitelist[:whitelistWireSize])
	}
	return Request{CmdID: c.authorize, Payload: b}
}

func (c *commandSet) Chunk(offset uint32, data []byte) Request {
	b := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(b[0:], offset)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(data)))
	// encrypt type and three reserved bytes stay zero
	copy(b[12:], data)
	return Request{CmdID: c.transfer, Payload: b}
}

func (c *commandSet) Finalize(fw *firmware.Firmware) Request {
	sum := fw.Checksum()
	b := make([]byte, 2+len(sum))
	b[0] = fw.Header().ChecksumType
	b[1] = uint8(len(sum))
	copy(b[2:], sum)
	return Request{CmdID: c.finalize, Payload: b}
}

func (c *commandSet) Progress() Request {
	return Request{CmdID: c.progress}
}

func (c *commandSet) Reboot() Request {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, rebootDelayMillis)
	return Request{CmdID: c.reboot, Payload: b}
}

func (c *commandSet) ParseStatus(data []byte) (ReturnCode, error) {
	if len(data) < 1 {
		return 0, ErrShortAck
	}
	return ReturnCode(data[0]), nil
}

func (c *commandSet) ParseChunk(data []byte) (ChunkAck, error) {
	if len(data) < 9 {
		return ChunkAck{}, fmt.Errorf("%w: chunk ack has %d bytes", ErrShortAck, len(data))
	}
	return ChunkAck{
		Code:   ReturnCode(data[0]),
		Offset: binary.LittleEndian.Uint32(data[1:]),
		Length: binary.LittleEndian.Uint32(data[5:]),
	}, nil
}

func (c *commandSet) ParseProgress(data []byte) (ProgressAck, error) {
	if len(data) < 2 {
		return ProgressAck{}, fmt.Errorf("%w: progress ack has %d bytes", ErrShortAck, len(data))
	}
	return ProgressAck{Code: ReturnCode(data[0]), Progress: data[1]}, nil
}

// Livox is the current lidar family. It speaks the V3 authorize layout for V3
// packages and polls progress for longer than the others.
func Livox() Family {
	return &commandSet{
		name:        "livox",
		authorize:   0x0400,
		transfer:    0x0401,
		finalize:    0x0402,
		progress:    0x0403,
		reboot:      0x0200,
		layout:      authorizeByFile,
		pollCeiling: 30,
	}
}

// Direct is the directly connected lidar family.
func Direct() Family {
	return &commandSet{
		name:      "direct",
		authorize: 0x0200,
		transfer:  0x0201,
		finalize:  0x0202,
		progress:  0x0203,
		reboot:    0x010E,
		layout:    authorizeV2,
	}
}

// Vehicle is the automotive lidar family.
func Vehicle() Family {
	return &commandSet{
		name:      "vehicle",
		authorize: 0x20,
		transfer:  0x21,
		finalize:  0x22,
		progress:  0x23,
		reboot:    0x0A,
		layout:    authorizeV3,
	}
}

// Industry shares the vehicle command ids but the V2 authorize layout.
func Industry() Family {
	return &commandSet{
		name:      "industry",
		authorize: 0x20,
		transfer:  0x21,
		finalize:  0x22,
		progress:  0x23,
		reboot:    0x0A,
		layout:    authorizeV2,
	}
}

var registry = map[string]func() Family{
	"livox":    Livox,
	"direct":   Direct,
	"vehicle":  Vehicle,
	"industry": Industry,
}

// ByName looks up a family by its configuration name.
func ByName(name string) (Family, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown device family %q (known: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the known family names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
