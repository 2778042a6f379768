package firmware

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"io"

	"github.com/lidarops/fwupgrade/pkg/errors"
)

// Build assembles a package from a header template and payload. Payload
// length, checksum fields and the header checksum are filled in; the payload
// checksum and tail signature are MD5 digests.
func Build(h Header, payload []byte) *Firmware {
	sum := md5.Sum(payload)
	h.PayloadLength = uint32(len(payload))
	if h.ChecksumLength == 0 {
		h.Checksum = [ChecksumCapacity]byte{}
		copy(h.Checksum[:], sum[:])
		h.ChecksumLength = uint16(len(sum))
	}

	fw := &Firmware{header: h, payload: append([]byte(nil), payload...)}
	fw.header.HeaderChecksum = crc16MCRF4XX(fw.headerBytes()[:headerChecksumOffset])
	fw.signature = md5.Sum(append(fw.headerBytes(), payload...))
	return fw
}

func (f *Firmware) headerBytes() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	// Writes to a bytes.Buffer cannot fail for a fixed-size struct.
	_ = binary.Write(&buf, binary.LittleEndian, &f.header)
	return buf.Bytes()
}

// Encode writes the package in its on-disk layout.
func (f *Firmware) Encode(w io.Writer) error {
	if _, err := w.Write(f.headerBytes()); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(f.payload); err != nil {
		return errors.Wrap(err, "write payload")
	}
	if _, err := w.Write(f.signature[:]); err != nil {
		return errors.Wrap(err, "write signature")
	}
	return nil
}
