package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestSerialWritesBytesAfterInit(t *testing.T) {
	var buf bytes.Buffer
	s := &Serial{Out: &buf}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, c := range []byte("hi") {
		if err := s.Putc(c); err != nil {
			t.Fatalf("Putc: %v", err)
		}
	}
	if buf.String() != "hi" {
		t.Fatalf("expected %q, got %q", "hi", buf.String())
	}
	if err := s.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if err := s.Putc('x'); err == nil {
		t.Fatalf("expected Putc after Deinit to fail")
	}
}

func TestVGAWrapsAndScrolls(t *testing.T) {
	v := NewVGA(4, 2)
	if err := v.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, c := range []byte("abcdefgh") {
		if err := v.Putc(c); err != nil {
			t.Fatalf("Putc: %v", err)
		}
	}
	lines := v.Dump()
	if len(lines) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(lines))
	}
	if lines[0] != "abcd" || lines[1] != "efgh" {
		t.Fatalf("unexpected framebuffer: %q", lines)
	}

	if err := v.Putc('X'); err != nil {
		t.Fatalf("Putc: %v", err)
	}
	lines = v.Dump()
	if !strings.HasPrefix(lines[1], "X") {
		t.Fatalf("expected scroll to promote the new line, got %q", lines)
	}
}

func TestNewSelectsDriverByName(t *testing.T) {
	if d, err := New("serial"); err != nil || d == nil {
		t.Fatalf("New(serial): %v", err)
	}
	if d, err := New(""); err != nil || d == nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	if d, err := New("vga"); err != nil || d == nil {
		t.Fatalf("New(vga): %v", err)
	}
	if _, err := New("bogus"); err == nil {
		t.Fatalf("expected New(bogus) to fail")
	}
}
