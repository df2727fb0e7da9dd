package zmodem

import (
	"bufio"
	"bytes"
	"testing"
)

func TestHeaderRoundTripZBIN(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	hdr := stohdr(0x12345678)
	if err := zsbhdr(w, ZRINIT, hdr, false, 0); err != nil {
		t.Fatalf("zsbhdr: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	if raw[0] != ZPAD || raw[1] != ZDLE || raw[2] != ZBIN {
		t.Fatalf("unexpected header prefix: % x", raw[:3])
	}

	unesc := newZdlreadUnescaper(bytes.NewReader(raw[3:]))
	frameType, gotHdr, err := zrbhdr(nil, unesc)
	if err != nil {
		t.Fatalf("zrbhdr: %v", err)
	}
	if frameType != ZRINIT {
		t.Errorf("frameType = %d, want %d", frameType, ZRINIT)
	}
	if gotHdr != hdr {
		t.Errorf("header = %v, want %v", gotHdr, hdr)
	}
	if rclhdr(gotHdr) != 0x12345678 {
		t.Errorf("rclhdr(header) = 0x%x, want 0x12345678", rclhdr(gotHdr))
	}
}

func TestHeaderRoundTripZBIN32(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	hdr := stohdr(0xCAFEBABE)
	if err := zsbhdr(w, ZFILE, hdr, true, 0); err != nil {
		t.Fatalf("zsbhdr: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	if raw[0] != ZPAD || raw[1] != ZDLE || raw[2] != ZBIN32 {
		t.Fatalf("unexpected header prefix: % x", raw[:3])
	}

	unesc := newZdlreadUnescaper(bytes.NewReader(raw[3:]))
	frameType, gotHdr, err := zrbhdr32(nil, unesc)
	if err != nil {
		t.Fatalf("zrbhdr32: %v", err)
	}
	if frameType != ZFILE {
		t.Errorf("frameType = %d, want %d", frameType, ZFILE)
	}
	if gotHdr != hdr {
		t.Errorf("header = %v, want %v", gotHdr, hdr)
	}
}

func TestHeaderRoundTripZHEX(t *testing.T) {
	var buf bytes.Buffer
	hdr := stohdr(42)
	if err := zshhdr(&buf, ZRQINIT, hdr); err != nil {
		t.Fatalf("zshhdr: %v", err)
	}

	raw := buf.Bytes()
	if raw[0] != ZPAD || raw[1] != ZPAD || raw[2] != ZDLE || raw[3] != ZHEX {
		t.Fatalf("unexpected hex header prefix: % x", raw[:4])
	}

	frameType, gotHdr, err := zrhhdr(bytes.NewReader(raw[4:]))
	if err != nil {
		t.Fatalf("zrhhdr: %v", err)
	}
	if frameType != ZRQINIT {
		t.Errorf("frameType = %d, want %d", frameType, ZRQINIT)
	}
	if gotHdr != hdr {
		t.Errorf("header = %v, want %v", gotHdr, hdr)
	}
}

func TestHeaderZHEXNoTrailingXONForZFIN(t *testing.T) {
	var buf bytes.Buffer
	if err := zshhdr(&buf, ZFIN, Header{}); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(buf.Bytes(), []byte{XON}) {
		t.Errorf("ZFIN hex header unexpectedly contains trailing XON: % x", buf.Bytes())
	}

	buf.Reset()
	if err := zshhdr(&buf, ZRQINIT, Header{}); err != nil {
		t.Fatal(err)
	}
	if buf.Bytes()[len(buf.Bytes())-1] != XON {
		t.Errorf("non-FIN/ACK hex header missing trailing XON: % x", buf.Bytes())
	}
}

func TestDataSubpacketRoundTrip16Bit(t *testing.T) {
	terminators := []struct {
		name string
		term int
		want int
	}{
		{"ZCRCE", ZCRCE, GOTCRCE},
		{"ZCRCG", ZCRCG, GOTCRCG},
		{"ZCRCQ", ZCRCQ, GOTCRCQ},
		{"ZCRCW", ZCRCW, GOTCRCW},
	}
	data := []byte("the quick brown fox jumps over the lazy dog")

	for _, tc := range terminators {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		if err := zsdata(w, data, tc.term, false); err != nil {
			t.Fatalf("%s: zsdata: %v", tc.name, err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}

		unesc := newZdlreadUnescaper(&buf)
		out := make([]byte, len(data))
		n, frameend, err := zrdata(nil, unesc, out, false)
		if err != nil {
			t.Fatalf("%s: zrdata: %v", tc.name, err)
		}
		if n != len(data) {
			t.Errorf("%s: n = %d, want %d", tc.name, n, len(data))
		}
		if frameend != tc.want {
			t.Errorf("%s: frameend = 0x%x, want 0x%x", tc.name, frameend, tc.want)
		}
		if !bytes.Equal(out[:n], data) {
			t.Errorf("%s: data = %q, want %q", tc.name, out[:n], data)
		}
	}
}

func TestDataSubpacketRoundTrip32Bit(t *testing.T) {
	terminators := []struct {
		name string
		term int
		want int
	}{
		{"ZCRCE", ZCRCE, GOTCRCE},
		{"ZCRCG", ZCRCG, GOTCRCG},
		{"ZCRCQ", ZCRCQ, GOTCRCQ},
		{"ZCRCW", ZCRCW, GOTCRCW},
	}
	data := bytes.Repeat([]byte{0x00, 0x18, 0x10, 0xFF, 'z'}, 50) // includes ZDLE/0x10 bytes needing escape

	for _, tc := range terminators {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		if err := zsdata(w, data, tc.term, true); err != nil {
			t.Fatalf("%s: zsdata(32): %v", tc.name, err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}

		unesc := newZdlreadUnescaper(&buf)
		out := make([]byte, len(data))
		n, frameend, err := zrdata(nil, unesc, out, true)
		if err != nil {
			t.Fatalf("%s: zrdata(32): %v", tc.name, err)
		}
		if n != len(data) {
			t.Errorf("%s: n = %d, want %d", tc.name, n, len(data))
		}
		if frameend != tc.want {
			t.Errorf("%s: frameend = 0x%x, want 0x%x", tc.name, frameend, tc.want)
		}
		if !bytes.Equal(out[:n], data) {
			t.Errorf("%s: data mismatch", tc.name)
		}
	}
}

func TestDataSubpacketBadCRC(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := zsdata(w, []byte("hello"), ZCRCE, false); err != nil {
		t.Fatal(err)
	}
	w.Flush()

	corrupt := buf.Bytes()
	corrupt[0] ^= 0xFF // flip a data bit, invalidating the CRC

	unesc := newZdlreadUnescaper(bytes.NewReader(corrupt))
	out := make([]byte, 5)
	if _, _, err := zrdata(nil, unesc, out, false); err == nil {
		t.Error("expected CRC error, got nil")
	}
}

// TestZrdataCANCascade is a regression test for the frame-end detection
// order: GOTCAN sets the same GOTOR bit that marks a normal ZCRCx
// terminator, so a CAN*5 abort arriving mid-subpacket must be
// recognized as ZCAN rather than misparsed as a frame-end-plus-CRC.
func TestZrdataCANCascade(t *testing.T) {
	raw := []byte{'a', 'b', ZDLE, CAN, CAN, CAN, CAN, CAN}
	unesc := newZdlreadUnescaper(bytes.NewReader(raw))
	out := make([]byte, 2)
	n, frameend, err := zrdata(nil, unesc, out, false)
	if err != nil {
		t.Fatalf("zrdata: %v", err)
	}
	if frameend != ZCAN {
		t.Errorf("frameend = 0x%x, want ZCAN (0x%x)", frameend, ZCAN)
	}
	if n != 2 || !bytes.Equal(out[:n], []byte("ab")) {
		t.Errorf("data before cancel = %q, want \"ab\"", out[:n])
	}
}

func TestZrdat32CANCascade(t *testing.T) {
	raw := []byte{'x', ZDLE, CAN, CAN, CAN, CAN, CAN}
	unesc := newZdlreadUnescaper(bytes.NewReader(raw))
	out := make([]byte, 1)
	n, frameend, err := zrdata(nil, unesc, out, true)
	if err != nil {
		t.Fatalf("zrdata(32): %v", err)
	}
	if frameend != ZCAN {
		t.Errorf("frameend = 0x%x, want ZCAN (0x%x)", frameend, ZCAN)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}
