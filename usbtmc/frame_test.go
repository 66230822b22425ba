package usbtmc

import (
	"bytes"
	"testing"
)

func TestBulkOutIsAligned(t *testing.T) {
	b := encBulkOut(7, []byte("*IDN?\n"))
	if len(b)%4 != 0 {
		t.Errorf("transfer of %d bytes not 4-aligned", len(b))
	}
	want := []byte{0x01, 7, 0xf8, 0, 6, 0, 0, 0, 1, 0, 0, 0}
	if !bytes.Equal(b[:12], want) {
		t.Errorf("header\n got % x\nwant % x", b[:12], want)
	}
	if string(b[12:18]) != "*IDN?\n" {
		t.Errorf("payload not copied, got %q", b[12:18])
	}
}

func TestBulkInRequestTerminator(t *testing.T) {
	term := byte('\n')
	h := encBulkInRequest(3, 1024, &term)
	if h[0] != 0x02 || h[8] != 0x02 || h[9] != '\n' {
		t.Errorf("bad request header % x", h)
	}
	if h[4] != 0x00 || h[5] != 0x04 {
		t.Errorf("size not little endian: % x", h[4:8])
	}
}

func TestDecBulkInTrimsPadding(t *testing.T) {
	frame := []byte{0x02, 9, 0xf6, 0, 3, 0, 0, 0, 1, 0, 0, 0, '1', '.', '5', 0}
	got, err := decBulkIn(9, frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1.5" {
		t.Errorf("expected 1.5, got %q", got)
	}
	if _, err := decBulkIn(8, frame); err == nil {
		t.Error("expected tag mismatch")
	}
	if _, err := decBulkIn(9, frame[:5]); err != ErrShortHeader {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestTagsSkipZero(t *testing.T) {
	var g bTagGen
	g.value = 254
	if g.next() != 255 || g.next() != 1 {
		t.Error("tag did not wrap to 1")
	}
}
