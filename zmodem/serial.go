//go:build linux

package zmodem

import (
	"fmt"
	"time"

	serial "github.com/daedaluz/goserial"
)

// SerialTransport adapts a github.com/daedaluz/goserial Port to the
// ReaderWithTimeout interface the engine's byte reader (C1) expects,
// giving the engine a real transport for the genuinely-serial case
// named in spec.md §1 ("octet-oriented, possibly 7-bit unclean,
// serial-style byte stream") rather than only the SSH/pipe case the
// teacher repo shipped with.
type SerialTransport struct {
	port *serial.Port
}

// OpenSerialTransport opens device (e.g. "/dev/ttyUSB0") in raw mode
// with read timeouts disabled by default; callers drive timeouts
// through SetReadDeadline the same way the SSH transport does.
func OpenSerialTransport(device string) (*SerialTransport, error) {
	opts := serial.NewOptions()
	port, err := serial.Open(device, opts)
	if err != nil {
		return nil, NewError(ErrIO, fmt.Sprintf("open %s: %v", device, err))
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, NewError(ErrIO, fmt.Sprintf("set raw mode on %s: %v", device, err))
	}
	return &SerialTransport{port: port}, nil
}

func (s *SerialTransport) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// SetReadDeadline converts the absolute deadline into the
// goserial Port's relative read-timeout knob, satisfying
// ReaderWithTimeout the way io.go's zmodemIO expects.
func (s *SerialTransport) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.port.SetReadTimeout(-1)
		return nil
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	s.port.SetReadTimeout(d)
	return nil
}

// BaudRate reports the line's configured baud rate via the TIOCGSERIAL
// ioctl, used by the send engine to derive the starting block length
// (spec.md §4.6: "Derive initial block length from baud rate").
func (s *SerialTransport) BaudRate() (int, error) {
	info, err := s.port.GetSerial()
	if err != nil {
		return 0, NewError(ErrIO, err.Error())
	}
	if info.CustomDivisor > 0 && info.BaudBase > 0 {
		return int(info.BaudBase / info.CustomDivisor), nil
	}
	return int(info.BaudBase), nil
}

// Close releases the underlying serial port.
func (s *SerialTransport) Close() error {
	return s.port.Close()
}
