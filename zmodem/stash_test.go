package zmodem

import "testing"

func TestStashPutAndDrainContiguous(t *testing.T) {
	s := newOutOfSyncStash()
	s.Put(5, []byte("world"))
	s.Put(0, []byte("hello"))

	// cursor at 3: no stashed chunk starts there, so nothing drains.
	data, cursor := s.Drain(3)
	if len(data) != 0 || cursor != 3 {
		t.Fatalf("Drain(3) = (%q, %d), want (\"\", 3)", data, cursor)
	}

	data, cursor = s.Drain(0)
	if string(data) != "helloworld" {
		t.Errorf("Drain(0) data = %q, want %q", data, "helloworld")
	}
	if cursor != 10 {
		t.Errorf("Drain(0) cursor = %d, want 10", cursor)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after full drain", s.Len())
	}
}

func TestStashDrainStopsAtGap(t *testing.T) {
	s := newOutOfSyncStash()
	s.Put(0, []byte("abc"))
	s.Put(10, []byte("xyz")) // gap between offset 3 and 10

	data, cursor := s.Drain(0)
	if string(data) != "abc" || cursor != 3 {
		t.Fatalf("Drain(0) = (%q, %d), want (\"abc\", 3)", data, cursor)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (the unreachable chunk at 10)", s.Len())
	}
}

func TestStashPutOverwritesSameOffset(t *testing.T) {
	s := newOutOfSyncStash()
	s.Put(0, []byte("first"))
	s.Put(0, []byte("second"))

	data, _ := s.Drain(0)
	if string(data) != "second" {
		t.Errorf("Drain(0) = %q, want %q (newer write should win)", data, "second")
	}
}

func TestStashPutEmptyIsNoop(t *testing.T) {
	s := newOutOfSyncStash()
	s.Put(5, nil)
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Put with empty data", s.Len())
	}
}

func TestStashReset(t *testing.T) {
	s := newOutOfSyncStash()
	s.Put(0, []byte("abc"))
	s.Put(10, []byte("xyz"))
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	s.Reset()
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Reset", s.Len())
	}
	data, cursor := s.Drain(0)
	if len(data) != 0 || cursor != 0 {
		t.Errorf("Drain after Reset = (%q, %d), want (\"\", 0)", data, cursor)
	}
}

func TestStashDrainAtNonZeroCursor(t *testing.T) {
	s := newOutOfSyncStash()
	s.Put(100, []byte("tail"))
	data, cursor := s.Drain(100)
	if string(data) != "tail" || cursor != 104 {
		t.Errorf("Drain(100) = (%q, %d), want (\"tail\", 104)", data, cursor)
	}
}
