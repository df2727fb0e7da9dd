package zmodem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Policy governs the session-level decisions that sit above the
// protocol state machines themselves (C8): whether a stalled transfer
// counts as abandoned, whether destination paths are trusted, and
// whether a legacy sector-mode fallback is acceptable when a ZMODEM
// handshake never arrives. Grounded in spec.md §6's top-level
// receive()/send() entry points and lrz.c's "-Z"/"--restricted"
// command line handling for RestrictedPaths.
type Policy struct {
	// MinBPS, when nonzero, is the lowest sustained transfer rate
	// tolerated over MinBPSWindow before a transfer is aborted with
	// ErrPolicyRejected. Matches lrz.c's stalled-link detection.
	MinBPS float64
	// MinBPSWindow is the interval over which MinBPS is measured. A
	// zero value defaults to one second.
	MinBPSWindow time.Duration
	// Deadline, when non-zero, aborts the transfer if it is still
	// running past this wall-clock time.
	Deadline time.Time
	// RestrictedPaths rejects absolute paths in incoming filenames.
	// Directory components (including "..") are stripped and partial
	// files are removed on abort whether or not it is set.
	RestrictedPaths bool
	// AllowLegacyFallback permits dropping to XMODEM/YMODEM sector
	// mode (C8) when the ZMODEM handshake does not complete.
	AllowLegacyFallback bool
	// TrustResumeWithoutVerification opts in to ResumeSink.Plan's
	// len&^1023 heuristic even when no CRC challenge can confirm the
	// existing file's prefix actually matches what the sender has.
	// Unset (the default), a same-named file on disk is always
	// overwritten from byte zero: resume is opt-in, never automatic.
	TrustResumeWithoutVerification bool
}

// Approver decides whether an incoming file should be accepted, matching
// Callbacks.OnFilePrompt but hoisted to the orchestrator so policy and
// caller logic share one gate.
type Approver func(filename string, size int64, mode os.FileMode) (bool, error)

// Tick is invoked periodically during a transfer with cumulative byte
// count and elapsed time; returning false aborts the transfer with
// ErrPolicyRejected, mirroring spec.md §6's tick(bytes, elapsed) -> bool.
type Tick func(filename string, transferred, total int64, elapsed time.Duration) bool

// Complete is invoked once per file after it finishes (successfully or
// not), matching spec.md §6's complete(file, ok, err) callback.
type Complete func(filename string, transferred int64, err error)

// Orchestrator binds a transport to a Policy and drives the top-level
// receive/send operations spec.md §6 exposes as a library, selecting
// between the ZMODEM engine and the legacy sector fallback (C8).
type Orchestrator struct {
	reader ReaderWithTimeout
	writer io.Writer
	config *Config
	policy Policy
	logger Logger
}

// NewOrchestrator binds reader/writer to a Policy. config, when nil,
// uses DefaultConfig(); logger, when nil, discards output.
func NewOrchestrator(reader ReaderWithTimeout, writer io.Writer, config *Config, policy Policy, logger Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = NoopLogger{}
	}
	if policy.MinBPSWindow <= 0 {
		policy.MinBPSWindow = time.Second
	}
	return &Orchestrator{reader: reader, writer: writer, config: config, policy: policy, logger: logger}
}

// monitoredWriter wraps a Sink's Write calls to enforce MinBPS and
// Deadline and to drive Tick, without touching Receiver.ReceiveFile's
// internals: every termination branch of that loop already propagates
// a Write error immediately, so returning ErrPolicyRejected here is
// enough to abort the transfer cleanly.
type monitoredWriter struct {
	dest     io.Writer
	policy   Policy
	tick     Tick
	filename string
	total    int64
	conn     io.Writer

	start       time.Time
	written     int64
	windowStart time.Time
	windowBytes int64
}

// newMonitoredWriter wraps dest for Write-side accounting. conn, when
// non-nil, is the raw session connection: check() sends the CAN
// cascade over it the moment a policy rejection fires, so the peer
// learns the transfer is dead rather than waiting out a timeout.
func newMonitoredWriter(dest io.Writer, policy Policy, tick Tick, filename string, total int64, conn io.Writer) *monitoredWriter {
	now := time.Now()
	return &monitoredWriter{
		dest:        dest,
		policy:      policy,
		tick:        tick,
		filename:    filename,
		total:       total,
		conn:        conn,
		start:       now,
		windowStart: now,
	}
}

func (m *monitoredWriter) Write(p []byte) (int, error) {
	n, err := m.dest.Write(p)
	if n > 0 {
		m.account(int64(n))
	}
	if err != nil {
		return n, err
	}
	if perr := m.check(); perr != nil {
		return n, perr
	}
	return n, nil
}

func (m *monitoredWriter) account(n int64) {
	m.written += n
	m.windowBytes += n
}

// check evaluates Deadline, MinBPS and Tick against the bytes
// accounted so far, returning ErrPolicyRejected on the first
// violation. Shared by monitoredWriter (receive side) and
// monitoredReader (send side).
func (m *monitoredWriter) check() error {
	now := time.Now()

	if !m.policy.Deadline.IsZero() && now.After(m.policy.Deadline) {
		return m.reject("transfer exceeded deadline")
	}

	if elapsed := now.Sub(m.windowStart); elapsed >= m.policy.MinBPSWindow {
		if m.policy.MinBPS > 0 {
			bps := float64(m.windowBytes) / elapsed.Seconds()
			if bps < m.policy.MinBPS {
				return m.reject("transfer rate fell below policy minimum")
			}
		}
		m.windowStart = now
		m.windowBytes = 0
	}

	if m.tick != nil {
		if !m.tick(m.filename, m.written, m.total, now.Sub(m.start)) {
			return m.reject("tick callback rejected transfer")
		}
	}

	return nil
}

// reject sends the cancel cascade over the session connection, if
// one was supplied, and returns the ErrPolicyRejected error that
// aborts the transfer loop.
func (m *monitoredWriter) reject(msg string) error {
	if m.conn != nil {
		sendCancel(m.conn)
	}
	return NewError(ErrPolicyRejected, msg)
}

// monitoredReader is monitoredWriter's send-side counterpart: it
// tracks bytes as they are read from the local file rather than
// written to the peer, since Sender.SendFile pulls from an io.Reader.
type monitoredReader struct {
	src   io.Reader
	state *monitoredWriter
}

func newMonitoredReader(src io.Reader, policy Policy, tick Tick, filename string, total int64, conn io.Writer) *monitoredReader {
	return &monitoredReader{src: src, state: newMonitoredWriter(nil, policy, tick, filename, total, conn)}
}

func (r *monitoredReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.state.account(int64(n))
		if perr := r.state.check(); perr != nil {
			return n, perr
		}
	}
	return n, err
}

// Seek forwards to the wrapped reader, so a ZRPOS rewind in
// sendFileData still repositions the underlying file.
func (r *monitoredReader) Seek(offset int64, whence int) (int64, error) {
	if s, ok := r.src.(io.Seeker); ok {
		return s.Seek(offset, whence)
	}
	return 0, NewError(ErrIO, "monitored source is not seekable")
}

// Receive runs the receive side of a session: it attempts a ZMODEM
// handshake first, falling back to legacy sector mode per
// policy.AllowLegacyFallback when the handshake never materializes,
// and returns the total bytes written across the ZMODEM-received
// files; bytes received through the legacy sector fallback are not
// included in the total. dir is the destination directory; approver,
// tick and complete may be nil.
func (o *Orchestrator) Receive(dir string, approver Approver, tick Tick, complete Complete) (int64, error) {
	sinkPolicy := FileSinkPolicy{Dir: dir, Overwrite: true, Restricted: o.policy.RestrictedPaths}

	receiverConfig := &ReceiverConfig{
		Use32BitCRC:   o.config.Use32BitCRC,
		EscapeControl: o.config.EscapeControl,
		TurboEscape:   o.config.TurboEscape,
		Timeout:       o.config.Timeout,
		BufferSize:    o.config.MaxBlockSize,
		Attention:     o.config.Attention,
		Logger:        o.logger,
		Context:       context.Background(),
	}
	receiver := NewReceiver(o.reader, o.writer, receiverConfig)

	var total int64
	for {
		fileHeader, err := receiver.WaitForZFILE()
		if err != nil {
			if zerr, ok := err.(*Error); ok && zerr.Type == ErrCancelled && zerr.Message == "session finished" {
				// ZFIN: sender has no more files, batch ends cleanly.
				return total, nil
			}
			if IsTimeout(err) && o.policy.AllowLegacyFallback {
				o.logger.Info("Receive: ZMODEM handshake timed out, falling back to legacy sector mode")
				return total, o.receiveLegacy(dir, sinkPolicy, approver, tick, complete)
			}
			return total, err
		}

		filename, size, mtime, mode, _, _, err := ParseFileHeader(fileHeader)
		if err != nil {
			return total, err
		}

		n, ferr := o.receiveOneZmodemFile(receiver, sinkPolicy, filename, size, mtime, mode, approver, tick, complete)
		total += n
		if ferr != nil {
			if e, ok := ferr.(*Error); ok && e.Type == ErrFileSkipped {
				continue
			}
			return total, ferr
		}
	}
}

func (o *Orchestrator) receiveOneZmodemFile(receiver *Receiver, sinkPolicy FileSinkPolicy, filename string, size, mtime int64, mode os.FileMode, approver Approver, tick Tick, complete Complete) (n int64, ferr error) {
	defer func() {
		if complete != nil {
			complete(filename, n, ferr)
		}
	}()

	if approver != nil {
		accept, err := approver(filename, size, mode)
		if err != nil {
			ferr = err
			return
		}
		if !accept {
			hdr := stohdr(0)
			_ = zshhdr(o.writer, ZSKIP, hdr)
			ferr = NewError(ErrFileSkipped, filename)
			return
		}
	}

	destPath, err := sinkPolicy.ResolvePath(filename)
	if err != nil {
		ferr = err
		return
	}

	// A pre-existing same-named file is untrustworthy without a CRC
	// challenge confirming its prefix actually came from this sender;
	// resume is opt-in via Policy, never automatic. The default
	// behavior overwrites from byte zero.
	var resumeAt int64
	if o.policy.TrustResumeWithoutVerification {
		resumePlan := ResumeSink{Policy: sinkPolicy}
		resumeAt, err = resumePlan.Plan(destPath, nil)
		if err != nil {
			ferr = err
			return
		}
	}

	sink, err := OpenFileSink(destPath, resumeAt, sinkPolicy.Overwrite)
	if err != nil {
		ferr = err
		return
	}

	var dest io.Writer = sink
	if tick != nil || o.policy.MinBPS > 0 || !o.policy.Deadline.IsZero() {
		dest = newMonitoredWriter(sink, o.policy, tick, filename, size, o.writer)
	}

	err = receiver.ReceiveFile(dest, resumeAt, size)
	if err != nil {
		_ = sink.Abort()
		ferr = err
		return
	}

	if cerr := sink.Close(time.Unix(mtime, 0), mode); cerr != nil {
		ferr = cerr
		return
	}

	n = size - resumeAt
	return
}

// receiveLegacy drives the XMODEM/YMODEM sector fallback for a single
// batch, writing accepted files under dir.
func (o *Orchestrator) receiveLegacy(dir string, sinkPolicy FileSinkPolicy, approver Approver, tick Tick, complete Complete) error {
	zio := newZmodemIO(o.reader, o.writer, 128, 1024, o.config.Timeout)
	legacy := NewLegacyReceiver(zio, o.logger)
	ctx := context.Background()
	if err := legacy.StartRequest(ctx); err != nil {
		return err
	}

	lf, ok, err := legacy.ReadBatchHeader(ctx)
	if err != nil {
		// Not a YMODEM batch; treat as a single anonymous XMODEM file.
		name := filepath.Join(dir, "xmodem.out")
		return o.receiveLegacyFile(ctx, legacy, name, sinkPolicy, approver, tick, complete)
	}
	if !ok {
		return nil
	}
	for ok {
		destPath, rerr := sinkPolicy.ResolvePath(lf.Name)
		if rerr != nil {
			return rerr
		}
		if err := o.receiveLegacyFile(ctx, legacy, destPath, sinkPolicy, approver, tick, complete); err != nil {
			return err
		}
		lf, ok, err = legacy.ReadBatchHeader(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) receiveLegacyFile(ctx context.Context, legacy *LegacyReceiver, destPath string, sinkPolicy FileSinkPolicy, approver Approver, tick Tick, complete Complete) (ferr error) {
	var n int64
	defer func() {
		if complete != nil {
			complete(destPath, n, ferr)
		}
	}()

	if approver != nil {
		accept, err := approver(destPath, 0, 0)
		if err != nil {
			ferr = err
			return
		}
		if !accept {
			ferr = NewError(ErrFileSkipped, destPath)
			return
		}
	}

	sink, err := OpenFileSink(destPath, 0, sinkPolicy.Overwrite)
	if err != nil {
		ferr = err
		return
	}

	var dest io.Writer = sink
	if tick != nil || o.policy.MinBPS > 0 {
		dest = newMonitoredWriter(sink, o.policy, tick, destPath, 0, o.writer)
	}

	n, ferr = legacy.ReceiveFile(ctx, dest)
	if ferr != nil {
		_ = sink.Abort()
		return
	}
	ferr = sink.Close(time.Time{}, 0)
	return
}

// Send runs the send side of a session for the given files, returning
// the total bytes transmitted.
func (o *Orchestrator) Send(files []FileInfo, tick Tick, complete Complete) (int64, error) {
	senderConfig := &SenderConfig{
		Use32BitCRC:      o.config.Use32BitCRC,
		EscapeControl:    o.config.EscapeControl,
		TurboEscape:      o.config.TurboEscape,
		Timeout:          o.config.Timeout,
		WindowSize:       o.config.WindowSize,
		BlockSize:        o.config.BlockSize,
		MaxBlockSize:     o.config.MaxBlockSize,
		ZNulls:           o.config.ZNulls,
		Attention:        o.config.Attention,
		Logger:           o.logger,
		ProgressInterval: o.config.ProgressInterval,
		Context:          context.Background(),
	}
	sender := NewSender(o.reader, o.writer, senderConfig)

	if err := sender.GetReceiverInit(); err != nil {
		return 0, err
	}

	var total int64
	for _, fi := range files {
		n, err := o.sendOneFile(sender, fi, tick, complete)
		total += n
		if err != nil {
			if e, ok := err.(*Error); ok && e.Type == ErrFileSkipped {
				continue
			}
			return total, err
		}
	}

	hdr := stohdr(0)
	_ = zshhdr(o.writer, ZFIN, hdr)

	return total, nil
}

func (o *Orchestrator) sendOneFile(sender *Sender, fi FileInfo, tick Tick, complete Complete) (n int64, ferr error) {
	defer func() {
		if complete != nil {
			complete(fi.Filename, n, ferr)
		}
	}()

	src, err := OpenFileSource(fi.Filename)
	if err != nil {
		ferr = err
		return
	}
	defer src.Close()

	info := fi.Info
	if info == nil {
		info, err = os.Stat(fi.Filename)
		if err != nil {
			ferr = err
			return
		}
	}

	_, name := filepath.Split(fi.Filename)
	header := BuildFileHeader(name, info, 0, 0)

	var reader io.Reader = io.NewSectionReader(src, 0, info.Size())
	if tick != nil || o.policy.MinBPS > 0 || !o.policy.Deadline.IsZero() {
		// monitoredReader forwards Seek to the *io.SectionReader, so a
		// ZRPOS rewind mid-transfer still repositions the file.
		reader = newMonitoredReader(reader, o.policy, tick, name, info.Size(), o.writer)
	}

	ferr = sender.SendFile(name, reader, info, header)
	if ferr == nil {
		n = info.Size()
	}
	return
}
