// Package protocol frames commands in the lidar control envelope.
//
// Envelope layout, little-endian:
//
//	sof u8 | version u8 | length u16 | seq u16 | cmd_id u16 | cmd_type u8 |
//	sender_type u8 | reserved [6] | crc16 u16 | crc32 u32 | data
//
// length counts the whole frame. crc16 covers the first 18 bytes and crc32
// covers the data, or is zero when there is no data.
package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/lidarops/fwupgrade/pkg/errors"
)

const (
	SOF        = 0xAA
	Version    = 0
	HeaderSize = 24
	MaxFrame   = 1400

	crc16Span = 18
)

// CmdType separates requests from acknowledgements.
type CmdType uint8

const (
	CmdRequest CmdType = 0
	CmdAck     CmdType = 1
)

// SenderType identifies who built the frame.
type SenderType uint8

const (
	SenderHost  SenderType = 0
	SenderLidar SenderType = 1
)

var (
	ErrShortFrame     = errors.New("frame shorter than header")
	ErrBadSOF         = errors.New("bad start of frame")
	ErrBadVersion     = errors.New("unsupported envelope version")
	ErrBadLength      = errors.New("frame length mismatch")
	ErrHeaderChecksum = errors.New("header checksum mismatch")
	ErrDataChecksum   = errors.New("data checksum mismatch")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// Frame is one decoded command or acknowledgement.
type Frame struct {
	Seq    uint16
	CmdID  uint16
	Type   CmdType
	Sender SenderType
	Data   []byte
}

// Codec turns frames into datagrams and back.
type Codec struct{}

// Encode packs f into a new buffer.
func (Codec) Encode(f Frame) ([]byte, error) {
	total := HeaderSize + len(f.Data)
	if total > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	buf := make([]byte, total)
	buf[0] = SOF
	buf[1] = Version
	binary.LittleEndian.PutUint16(buf[2:], uint16(total))
	binary.LittleEndian.PutUint16(buf[4:], f.Seq)
	binary.LittleEndian.PutUint16(buf[6:], f.CmdID)
	buf[8] = byte(f.Type)
	buf[9] = byte(f.Sender)
	binary.LittleEndian.PutUint16(buf[18:], crc16CCITT(buf[:crc16Span]))
	binary.LittleEndian.PutUint32(buf[20:], dataChecksum(f.Data))
	copy(buf[HeaderSize:], f.Data)
	return buf, nil
}

// Decode validates raw and returns the frame it carries. The returned Data
// is a copy.
func (Codec) Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	if raw[0] != SOF {
		return Frame{}, ErrBadSOF
	}
	if raw[1] != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadVersion, raw[1])
	}
	length := int(binary.LittleEndian.Uint16(raw[2:]))
	if length < HeaderSize || length > len(raw) {
		return Frame{}, fmt.Errorf("%w: header says %d, have %d", ErrBadLength, length, len(raw))
	}
	if crc16CCITT(raw[:crc16Span]) != binary.LittleEndian.Uint16(raw[18:]) {
		return Frame{}, ErrHeaderChecksum
	}

	data := raw[HeaderSize:length]
	if dataChecksum(data) != binary.LittleEndian.Uint32(raw[20:]) {
		return Frame{}, ErrDataChecksum
	}

	return Frame{
		Seq:    binary.LittleEndian.Uint16(raw[4:]),
		CmdID:  binary.LittleEndian.Uint16(raw[6:]),
		Type:   CmdType(raw[8]),
		Sender: SenderType(raw[9]),
		Data:   append([]byte(nil), data...),
	}, nil
}

func dataChecksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// crc16CCITT is CRC-16/CCITT-FALSE: polynomial 0x1021, initial value 0xFFFF,
// not reflected.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
