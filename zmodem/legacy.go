package zmodem

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"
)

// LegacyReceiver implements the XMODEM/YMODEM sector-oriented receive
// fallback (C8's "legacy sector mode") used when a ZRQINIT/ZRINIT
// handshake never materializes, grounded in original_source/src/lrz.c's
// tryz/wcrxpn path and rbsb.c's sector framing. Receive-only, per
// spec.md §4.8 ("the legacy path is optional ... receive side only").
type LegacyReceiver struct {
	io      *zmodemIO
	timeout time.Duration
	useCRC  bool
	logger  Logger
}

// NewLegacyReceiver wraps a zmodemIO for sector-mode reception.
func NewLegacyReceiver(rw *zmodemIO, logger Logger) *LegacyReceiver {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &LegacyReceiver{io: rw, timeout: 10 * time.Second, useCRC: true, logger: logger}
}

// LegacyFile is one YMODEM batch entry (or the sole XMODEM transfer,
// whose Name is empty since 1-file XMODEM carries no filename block).
type LegacyFile struct {
	Name  string
	Size  int64
	Mtime int64
	Mode  uint32
}

// legacySectorSize is 128 for SOH-framed sectors, 1024 for STX-framed.
func legacySectorSize(lead byte) int {
	if lead == STX {
		return 1024
	}
	return 128
}

// StartRequest sends the initial "C" (CRC request) a few times before
// falling back to plain NAK (checksum mode), matching tryz's retry
// ladder. Call this before ReadBatchHeader/ReceiveFile.
func (r *LegacyReceiver) StartRequest(ctx context.Context) error {
	for i := 0; i < 3; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.io.WriteByte(WANTCRC); err != nil {
			return NewError(ErrIO, err.Error())
		}
		r.io.Flush()
		time.Sleep(3 * time.Second)
	}
	r.useCRC = false
	return r.io.WriteByte(NAK)
}

// ReceiveFile reads one XMODEM/YMODEM transfer into w. For YMODEM
// batch, the caller first reads the block-0 filename header via
// ReadBatchHeader; for plain XMODEM, skip straight to ReceiveFile.
func (r *LegacyReceiver) ReceiveFile(ctx context.Context, w io.Writer) (int64, error) {
	var total int64
	expectSeq := byte(1)
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		lead, err := r.readByteTimeout(ctx)
		if err != nil {
			return total, err
		}
		switch lead {
		case EOT:
			if err := r.io.WriteByte(ACK); err != nil {
				return total, NewError(ErrIO, err.Error())
			}
			return total, nil
		case CAN:
			return total, NewError(ErrCancelled, "peer sent CAN during legacy transfer")
		case SOH, STX:
			payload, seq, err := r.readSector(ctx, lead)
			if err != nil {
				errCount++
				if errCount > 10 {
					return total, NewError(ErrProtocol, "too many legacy sector errors")
				}
				_ = r.io.WriteByte(NAK)
				continue
			}
			errCount = 0
			switch {
			case seq == expectSeq:
				if _, err := w.Write(payload); err != nil {
					return total, NewError(ErrIO, err.Error())
				}
				total += int64(len(payload))
				expectSeq++
				_ = r.io.WriteByte(ACK)
			case seq == expectSeq-1:
				// duplicate of the last accepted sector: ACK without rewriting
				_ = r.io.WriteByte(ACK)
			default:
				return total, NewError(ErrProtocol, "legacy sector sequence mismatch")
			}
		default:
			errCount++
			if errCount > 10 {
				return total, NewError(ErrProtocol, "garbage in legacy transfer")
			}
		}
	}
}

// ReadBatchHeader reads the YMODEM block-0 filename sector and parses
// its "name\0size mtime_octal mode_octal ..." payload. A zero-length
// payload signals end-of-batch.
func (r *LegacyReceiver) ReadBatchHeader(ctx context.Context) (LegacyFile, bool, error) {
	lead, err := r.readByteTimeout(ctx)
	if err != nil {
		return LegacyFile{}, false, err
	}
	if lead == EOT {
		return LegacyFile{}, false, nil
	}
	if lead != SOH && lead != STX {
		return LegacyFile{}, false, NewError(ErrProtocol, "expected YMODEM batch header sector")
	}
	payload, seq, err := r.readSector(ctx, lead)
	if err != nil {
		return LegacyFile{}, false, err
	}
	if seq != 0 {
		return LegacyFile{}, false, NewError(ErrProtocol, "expected sequence 0 batch header")
	}
	_ = r.io.WriteByte(ACK)
	nul := indexByte(payload, 0)
	if nul <= 0 {
		return LegacyFile{}, false, nil // empty block: end of batch
	}
	name := string(payload[:nul])
	fields := strings.Fields(string(payload[nul+1:]))
	lf := LegacyFile{Name: name}
	if len(fields) > 0 {
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			lf.Size = v
		}
	}
	if len(fields) > 1 {
		if v, err := strconv.ParseInt(fields[1], 8, 64); err == nil {
			lf.Mtime = v
		}
	}
	if len(fields) > 2 {
		if v, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			lf.Mode = uint32(v)
		}
	}
	return lf, true, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// readSector reads a complete SOH/STX-framed sector: seq, ~seq,
// payload, and a 16-bit CRC or 8-bit checksum trailer depending on
// r.useCRC, verifying before returning.
func (r *LegacyReceiver) readSector(ctx context.Context, lead byte) ([]byte, byte, error) {
	size := legacySectorSize(lead)
	seq, err := r.readByteTimeout(ctx)
	if err != nil {
		return nil, 0, err
	}
	seqComp, err := r.readByteTimeout(ctx)
	if err != nil {
		return nil, 0, err
	}
	if seqComp != ^seq {
		return nil, 0, NewError(ErrProtocol, "legacy sequence complement mismatch")
	}
	payload := make([]byte, size)
	for i := 0; i < size; i++ {
		b, err := r.readByteTimeout(ctx)
		if err != nil {
			return nil, 0, err
		}
		payload[i] = b
	}
	if r.useCRC {
		hi, err := r.readByteTimeout(ctx)
		if err != nil {
			return nil, 0, err
		}
		lo, err := r.readByteTimeout(ctx)
		if err != nil {
			return nil, 0, err
		}
		want := uint16(hi)<<8 | uint16(lo)
		var crc uint16
		for _, b := range payload {
			crc = updcrc16(b, crc)
		}
		crc = CRC16Finalize(crc)
		if crc != want {
			return nil, 0, NewError(ErrCRC, "legacy sector CRC mismatch")
		}
	} else {
		sum, err := r.readByteTimeout(ctx)
		if err != nil {
			return nil, 0, err
		}
		var got byte
		for _, b := range payload {
			got += b
		}
		if got != sum {
			return nil, 0, NewError(ErrCRC, "legacy sector checksum mismatch")
		}
	}
	return payload, seq, nil
}

func (r *LegacyReceiver) readByteTimeout(ctx context.Context) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := r.io.ReadByte()
	if err != nil {
		return 0, NewError(ErrTimeout, err.Error())
	}
	return b, nil
}
