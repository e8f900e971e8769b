package streams

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type observingReader struct {
	r    io.Reader
	c    *ByteStreamController
	seen *BYOBRequest
}

func (o *observingReader) Read(p []byte) (int, error) {
	o.seen = o.c.BYOBRequest()
	return o.r.Read(p)
}

func TestReadIntoFillsCallerBuffer(t *testing.T) {
	src := &observingReader{r: strings.NewReader("hello world")}
	c := NewByteStreamController(src)
	src.c = c

	view := make([]byte, 5)
	n, err := c.ReadInto(view)
	if err != nil {
		t.Fatalf("ReadInto failed: %v", err)
	}
	if string(view[:n]) != "hello" {
		t.Errorf("expected 'hello', got %q", view[:n])
	}

	if src.seen == nil {
		t.Fatal("expected a pending request during the read")
	}
	if src.seen.View() != nil || src.seen.Controller() != nil {
		t.Error("request must be invalidated after the read")
	}
	if c.BYOBRequest() != nil {
		t.Error("no request should be pending after the read")
	}
}

func TestReadIntoUntilEOF(t *testing.T) {
	c := NewByteStreamController(bytes.NewReader([]byte("abcdefg")))
	var out []byte
	view := make([]byte, 3)
	for {
		n, err := c.ReadInto(view)
		out = append(out, view[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if string(out) != "abcdefg" {
		t.Errorf("got %q", out)
	}
}

func TestReadIntoRejectsEmptyView(t *testing.T) {
	c := NewByteStreamController(strings.NewReader("x"))
	if _, err := c.ReadInto(nil); !errors.Is(err, ErrEmptyView) {
		t.Errorf("expected ErrEmptyView, got %v", err)
	}
}

func TestCloseRejectsReads(t *testing.T) {
	c := NewByteStreamController(io.NopCloser(strings.NewReader("x")))
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.ReadInto(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
