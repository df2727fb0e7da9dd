package zmodem

import (
	"bytes"
	"testing"
)

func TestZsendlineRoundTripAllBytes(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		var buf bytes.Buffer
		esc := newZsendlineEscaper(&buf, false, false)
		if err := esc.WriteByte(b); err != nil {
			t.Fatalf("WriteByte(0x%02x): %v", b, err)
		}

		unesc := newZdlreadUnescaper(&buf)
		got, err := unesc.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte after WriteByte(0x%02x): %v", b, err)
		}
		if got != int(b) {
			t.Errorf("round trip of 0x%02x produced 0x%02x", b, got)
		}
	}
}

func TestZsendlineRoundTripZctlesc(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		var buf bytes.Buffer
		esc := newZsendlineEscaper(&buf, true, false)
		if err := esc.WriteByte(b); err != nil {
			t.Fatalf("WriteByte(0x%02x): %v", b, err)
		}

		unesc := newZdlreadUnescaper(&buf)
		got, err := unesc.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte after WriteByte(0x%02x) with zctlesc: %v", b, err)
		}
		if got != int(b) {
			t.Errorf("zctlesc round trip of 0x%02x produced 0x%02x", b, got)
		}
	}
}

func TestZsendlineEscapesZDLE(t *testing.T) {
	var buf bytes.Buffer
	esc := newZsendlineEscaper(&buf, false, false)
	if err := esc.WriteByte(ZDLE); err != nil {
		t.Fatal(err)
	}
	want := []byte{ZDLE, ZDLE ^ 0x40}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("ZDLE encoded as % x, want % x", buf.Bytes(), want)
	}
}

func TestZsendlineEscapesDLE(t *testing.T) {
	var buf bytes.Buffer
	esc := newZsendlineEscaper(&buf, false, false)
	if err := esc.WriteByte(0x10); err != nil {
		t.Fatal(err)
	}
	want := []byte{ZDLE, 0x10 ^ 0x40}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("DLE encoded as % x, want % x", buf.Bytes(), want)
	}
}

func TestZsendlineConditionalCREscape(t *testing.T) {
	// CR following an '@' byte must be escaped; CR elsewhere must not be.
	var buf bytes.Buffer
	esc := newZsendlineEscaper(&buf, false, false)
	if err := esc.WriteByte('a'); err != nil {
		t.Fatal(err)
	}
	if err := esc.WriteByte(0x0D); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(buf.Bytes(), []byte{ZDLE}) {
		t.Errorf("CR after 'a' was escaped, should not have been: % x", buf.Bytes())
	}

	buf.Reset()
	esc = newZsendlineEscaper(&buf, false, false)
	if err := esc.WriteByte('@'); err != nil {
		t.Fatal(err)
	}
	if err := esc.WriteByte(0x0D); err != nil {
		t.Fatal(err)
	}
	want := []byte{'@', ZDLE, 0x0D ^ 0x40}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("CR after '@' encoded as % x, want % x", buf.Bytes(), want)
	}
}

func TestZsendlineTurboEscapeSkipsSpace(t *testing.T) {
	var buf bytes.Buffer
	esc := newZsendlineEscaper(&buf, false, true)
	if err := esc.WriteByte(0x20); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0x20}) {
		t.Errorf("space under turboEscape encoded as % x, want unescaped", buf.Bytes())
	}
}

func TestZdlreadDetectsCANx5(t *testing.T) {
	buf := bytes.NewBuffer([]byte{ZDLE, CAN, CAN, CAN, CAN, CAN})
	unesc := newZdlreadUnescaper(buf)
	got, err := unesc.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if got != GOTCAN {
		t.Errorf("CAN*5 sequence returned 0x%x, want GOTCAN (0x%x)", got, GOTCAN)
	}
}

func TestZdlreadFrameEndSequences(t *testing.T) {
	cases := []struct {
		name string
		term byte
		want int
	}{
		{"ZCRCE", ZCRCE, GOTCRCE},
		{"ZCRCG", ZCRCG, GOTCRCG},
		{"ZCRCQ", ZCRCQ, GOTCRCQ},
		{"ZCRCW", ZCRCW, GOTCRCW},
	}
	for _, tc := range cases {
		buf := bytes.NewBuffer([]byte{ZDLE, tc.term})
		unesc := newZdlreadUnescaper(buf)
		got, err := unesc.ReadByte()
		if err != nil {
			t.Fatalf("%s: ReadByte: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: ReadByte returned 0x%x, want 0x%x", tc.name, got, tc.want)
		}
	}
}

func TestZdlreadRubout(t *testing.T) {
	cases := []struct {
		name string
		term byte
		want int
	}{
		{"ZRUB0", ZRUB0, 0x7F},
		{"ZRUB1", ZRUB1, 0xFF},
	}
	for _, tc := range cases {
		buf := bytes.NewBuffer([]byte{ZDLE, tc.term})
		unesc := newZdlreadUnescaper(buf)
		got, err := unesc.ReadByte()
		if err != nil {
			t.Fatalf("%s: ReadByte: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: ReadByte returned 0x%02x, want 0x%02x", tc.name, got, tc.want)
		}
	}
}

func TestZdlreadSkipsFlowControl(t *testing.T) {
	// XON/XOFF bytes in the stream (outside an escape sequence) are
	// swallowed and the next real byte is returned instead.
	buf := bytes.NewBuffer([]byte{XON, XOFF, 'z'})
	unesc := newZdlreadUnescaper(buf)
	got, err := unesc.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if got != int('z') {
		t.Errorf("ReadByte returned 0x%02x, want 'z'", got)
	}
}

func TestZdlreadInvalidEscapeSequence(t *testing.T) {
	// A byte following ZDLE that is neither a known control code nor a
	// validly-escaped byte (bits 0x60 equal to 0x40) is a protocol error.
	buf := bytes.NewBuffer([]byte{ZDLE, 0x00})
	unesc := newZdlreadUnescaper(buf)
	if _, err := unesc.ReadByte(); err == nil {
		t.Error("expected error for invalid escape sequence, got nil")
	}
}

func TestZsendlineWriteMultipleBytes(t *testing.T) {
	var buf bytes.Buffer
	esc := newZsendlineEscaper(&buf, false, false)
	data := []byte("hello, zmodem!")
	n, err := esc.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Errorf("Write returned n=%d, want %d", n, len(data))
	}

	unesc := newZdlreadUnescaper(&buf)
	for i, want := range data {
		got, err := unesc.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte[%d]: %v", i, err)
		}
		if got != int(want) {
			t.Errorf("byte %d: got 0x%02x, want 0x%02x", i, got, want)
		}
	}
}
