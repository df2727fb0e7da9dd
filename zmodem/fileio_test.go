package zmodem

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSinkPolicyResolvePathStripsTraversal(t *testing.T) {
	p := FileSinkPolicy{Dir: "/tmp/incoming"}
	got, err := p.ResolvePath("../../etc/passwd")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	want := filepath.Join("/tmp/incoming", "passwd")
	if got != want {
		t.Errorf("ResolvePath(traversal) = %q, want %q", got, want)
	}
}

func TestFileSinkPolicyResolvePathRejectsAbsoluteWhenRestricted(t *testing.T) {
	p := FileSinkPolicy{Dir: "/tmp/incoming", Restricted: true}
	if _, err := p.ResolvePath("/etc/passwd"); err == nil {
		t.Error("expected rejection of absolute path under restricted policy, got nil")
	}
}

func TestFileSinkPolicyResolvePathAllowsAbsoluteWhenUnrestricted(t *testing.T) {
	p := FileSinkPolicy{Dir: "/tmp/incoming", Restricted: false}
	got, err := p.ResolvePath("/etc/passwd")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	want := filepath.Join("/tmp/incoming", "passwd")
	if got != want {
		t.Errorf("ResolvePath = %q, want %q", got, want)
	}
}

func TestFileSinkPolicyResolvePathRejectsEmptyBase(t *testing.T) {
	p := FileSinkPolicy{Dir: "/tmp/incoming"}
	for _, name := range []string{"", ".", "..", "../.."} {
		if _, err := p.ResolvePath(name); err == nil {
			t.Errorf("ResolvePath(%q): expected error, got nil", name)
		}
	}
}

func TestOpenFileSinkWriteAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	sink, err := OpenFileSink(path, 0, true)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	if _, err := sink.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mtime := time.Unix(1700000000, 0)
	if err := sink.Close(mtime, 0o600); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("file contents = %q, want %q", got, "hello world")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestOpenFileSinkRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.bin")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := OpenFileSink(path, 0, false)
	if err == nil {
		t.Fatal("expected error opening existing file with overwrite=false")
	}
	zerr, ok := err.(*Error)
	if !ok || zerr.Type != ErrFileSkipped {
		t.Errorf("err = %v, want *Error{Type: ErrFileSkipped}", err)
	}
}

func TestOpenFileSinkResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink, err := OpenFileSink(path, 5, true)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	if _, err := sink.Write([]byte("ABCDE")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(time.Time{}, 0); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "01234ABCDE" {
		t.Errorf("resumed file = %q, want %q", got, "01234ABCDE")
	}
}

func TestFileSinkAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")

	sink, err := OpenFileSink(path, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Write([]byte("partial data")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed after Abort, stat err = %v", err)
	}
}

func TestOpenFileSourceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.bin")
	content := []byte("the quick brown fox")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenFileSource(path)
	if err != nil {
		t.Fatalf("OpenFileSource: %v", err)
	}
	defer src.Close()

	if src.Size() != int64(len(content)) {
		t.Errorf("Size() = %d, want %d", src.Size(), len(content))
	}
	buf := make([]byte, len(content))
	n, err := src.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(content) || string(buf) != string(content) {
		t.Errorf("ReadAt = %q, want %q", buf[:n], content)
	}
}

func TestCRC32PrefixMatchesFullFileCRC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("0123456789ABCDEF")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := OpenFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	full, err := CRC32Prefix(src, 0)
	if err != nil {
		t.Fatalf("CRC32Prefix(0): %v", err)
	}

	crc := uint32(0xFFFFFFFF)
	for _, b := range content {
		crc = updcrc32(b, crc)
	}
	want := CRC32Finalize(crc)
	if full != want {
		t.Errorf("CRC32Prefix(whole file) = 0x%08x, want 0x%08x", full, want)
	}

	prefix, err := CRC32Prefix(src, 4)
	if err != nil {
		t.Fatalf("CRC32Prefix(4): %v", err)
	}
	crc = uint32(0xFFFFFFFF)
	for _, b := range content[:4] {
		crc = updcrc32(b, crc)
	}
	wantPrefix := CRC32Finalize(crc)
	if prefix != wantPrefix {
		t.Errorf("CRC32Prefix(4) = 0x%08x, want 0x%08x", prefix, wantPrefix)
	}
}

func TestResumeSinkPlanRoundsDownTo1024(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	// 1050 bytes: 1050 &^ 1023 == 1024.
	if err := os.WriteFile(path, make([]byte, 1050), 0o644); err != nil {
		t.Fatal(err)
	}

	rs := ResumeSink{Policy: FileSinkPolicy{Dir: dir}}
	offset, err := rs.Plan(path, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if offset != 1024 {
		t.Errorf("Plan offset = %d, want 1024", offset)
	}
}

func TestResumeSinkPlanNoFileReturnsZero(t *testing.T) {
	dir := t.TempDir()
	rs := ResumeSink{Policy: FileSinkPolicy{Dir: dir}}
	offset, err := rs.Plan(filepath.Join(dir, "missing.bin"), nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if offset != 0 {
		t.Errorf("Plan offset = %d, want 0 for missing file", offset)
	}
}

func TestResumeSinkPlanCRCMismatchForcesFullResend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	if err := os.WriteFile(path, make([]byte, 2050), 0o644); err != nil {
		t.Fatal(err)
	}

	rs := ResumeSink{Policy: FileSinkPolicy{Dir: dir}}
	offset, err := rs.Plan(path, func(prefixLen int64) (uint32, error) {
		return 0xDEADBEEF, nil // never matches the local all-zero prefix
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if offset != 0 {
		t.Errorf("Plan offset = %d, want 0 on CRC mismatch", offset)
	}
}

func TestResumeSinkPlanCRCMatchKeepsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	if err := os.WriteFile(path, make([]byte, 1050), 0o644); err != nil {
		t.Fatal(err)
	}

	want, err := crc32OfFilePrefix(path, 1024)
	if err != nil {
		t.Fatal(err)
	}

	rs := ResumeSink{Policy: FileSinkPolicy{Dir: dir}}
	offset, err := rs.Plan(path, func(prefixLen int64) (uint32, error) {
		if prefixLen != 1024 {
			t.Errorf("remoteCRC called with prefixLen=%d, want 1024", prefixLen)
		}
		return want, nil
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if offset != 1024 {
		t.Errorf("Plan offset = %d, want 1024 on CRC match", offset)
	}
}

func TestIsPipeDestination(t *testing.T) {
	cases := map[string]bool{
		"$tcp$.t":    true,
		"$cmd$.t":    true,
		"regular.go": false,
		"$tcp$":      false,
		"tcp$.t":     false,
	}
	for name, want := range cases {
		if got := IsPipeDestination(name); got != want {
			t.Errorf("IsPipeDestination(%q) = %v, want %v", name, got, want)
		}
	}
}
