package zmodem

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// fakeSeekableReader implements ReaderWithTimeout plus io.Seeker, for
// exercising FlushLine's seek-to-end behavior without a real network
// connection.
type fakeSeekableReader struct {
	*bytes.Reader
}

func (f fakeSeekableReader) SetReadDeadline(time.Time) error { return nil }

func TestZmodemIOCancelSendsCanCascade(t *testing.T) {
	var out bytes.Buffer
	reader := fakeSeekableReader{bytes.NewReader(nil)}
	zio := newZmodemIO(reader, &out, 128, 256, 0)

	zio.Cancel()

	want := append(bytes.Repeat([]byte{CAN}, 10), bytes.Repeat([]byte{0x08}, 10)...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("Cancel wrote % x, want % x", out.Bytes(), want)
	}
}

func TestZmodemIOFlushLineSeeksToEnd(t *testing.T) {
	data := []byte("leftover garbage after the deadline fired")
	reader := fakeSeekableReader{bytes.NewReader(data)}
	zio := newZmodemIO(reader, io.Discard, 128, 256, 0)

	// Prime the buffer as if a read had landed bytes that haven't all
	// been consumed yet.
	zio.rbuf[0] = 'x'
	zio.rpos = 0
	zio.rleft = 5

	zio.FlushLine()

	if zio.rleft != 0 || zio.rpos != 0 {
		t.Errorf("FlushLine left rleft=%d rpos=%d, want 0, 0", zio.rleft, zio.rpos)
	}
	pos, err := reader.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if pos != int64(len(data)) {
		t.Errorf("FlushLine left reader at %d, want end-of-stream %d", pos, len(data))
	}
}

func TestZmodemIOPurgeLineDropsBufferedBytes(t *testing.T) {
	reader := fakeSeekableReader{bytes.NewReader(nil)}
	zio := newZmodemIO(reader, io.Discard, 128, 256, 0)
	zio.rpos = 3
	zio.rleft = 7

	zio.PurgeLine()

	if zio.rleft != 0 || zio.rpos != 0 {
		t.Errorf("PurgeLine left rleft=%d rpos=%d, want 0, 0", zio.rleft, zio.rpos)
	}
}
