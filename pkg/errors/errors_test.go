package errors

import (
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	err := Wrap(io.EOF, "read header")
	if err.Error() != "read header: EOF" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !Is(err, io.EOF) {
		t.Error("wrapped error must unwrap to io.EOF")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(io.ErrUnexpectedEOF, "chunk at offset %d", 2048)
	if err.Error() != "chunk at offset 2048: unexpected EOF" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("wrapping nil must return nil")
	}
}
