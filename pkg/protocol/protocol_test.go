package protocol

import (
	"errors"
	"testing"
)

func TestCRC16CCITT(t *testing.T) {
	if got := crc16CCITT([]byte("123456789")); got != 0x29B1 {
		t.Errorf("check value = 0x%04x, want 0x29b1", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	var c Codec
	in := Frame{Seq: 0x1234, CmdID: 0x0401, Type: CmdAck, Sender: SenderLidar, Data: []byte{0, 1, 2, 3}}

	raw, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != HeaderSize+4 {
		t.Fatalf("len = %d", len(raw))
	}
	if raw[0] != SOF || raw[2] != byte(HeaderSize+4) {
		t.Fatalf("bad preamble % x", raw[:4])
	}

	out, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Seq != in.Seq || out.CmdID != in.CmdID || out.Type != in.Type || out.Sender != in.Sender {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
	if string(out.Data) != string(in.Data) {
		t.Errorf("data = % x", out.Data)
	}
}

func TestEmptyDataHasZeroChecksum(t *testing.T) {
	raw, err := Codec{}.Encode(Frame{Seq: 1, CmdID: 0x0403})
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range raw[20:24] {
		if b != 0 {
			t.Fatalf("crc32 field = % x, want zeros", raw[20:24])
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	good, err := Codec{}.Encode(Frame{Seq: 7, CmdID: 0x20, Data: []byte{9, 9}})
	if err != nil {
		t.Fatal(err)
	}

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"short", good[:10], ErrShortFrame},
		{"sof", mutate(func(b []byte) []byte { b[0] = 0x55; return b }), ErrBadSOF},
		{"version", mutate(func(b []byte) []byte { b[1] = 3; return b }), ErrBadVersion},
		{"length", mutate(func(b []byte) []byte { b[2] = 0xFF; return b }), ErrBadLength},
		{"header crc", mutate(func(b []byte) []byte { b[5] ^= 1; return b }), ErrHeaderChecksum},
		{"data crc", mutate(func(b []byte) []byte { b[HeaderSize] ^= 1; return b }), ErrDataChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (Codec{}).Decode(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Codec{}.Encode(Frame{Data: make([]byte, MaxFrame)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}
