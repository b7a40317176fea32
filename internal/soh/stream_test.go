package soh

import (
	"bytes"
	"strings"
	"testing"
)

func TestStreamInMemorySmallWrite(t *testing.T) {
	s := NewStream(DefaultOptions())
	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, truncated := s.ReadAll()
	if string(data) != "hello" {
		t.Errorf("ReadAll = %q, want %q", data, "hello")
	}
	if truncated {
		t.Errorf("truncated = true, want false")
	}
	if s.IsOnDisk() {
		t.Errorf("IsOnDisk = true, want false for small write")
	}
}

func TestStreamSpillsAtThreshold(t *testing.T) {
	dir := t.TempDir()
	opts := Options{ThresholdBytes: 16, HardCapBytes: 1024, ChunkBytes: 8, Dir: dir, Prefix: "tasker_stdout_"}
	s := NewStream(opts)

	if _, err := s.Write(bytes.Repeat([]byte("a"), 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.IsOnDisk() {
		t.Fatalf("IsOnDisk = true after 10 bytes with threshold 16")
	}

	if _, err := s.Write(bytes.Repeat([]byte("b"), 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.IsOnDisk() {
		t.Fatalf("IsOnDisk = false after exceeding threshold")
	}

	data, truncated := s.ReadAll()
	if truncated {
		t.Errorf("truncated = true, want false")
	}
	if len(data) != 20 {
		t.Errorf("len(data) = %d, want 20", len(data))
	}

	path, err := s.Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("Path = %q, want prefix %q", path, dir)
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	// idempotent
	if err := s.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestStreamHardCapTruncates(t *testing.T) {
	opts := Options{ThresholdBytes: 1024, HardCapBytes: 8, ChunkBytes: 8}
	s := NewStream(opts)

	if _, err := s.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, truncated := s.ReadAll()
	if !truncated {
		t.Errorf("truncated = false, want true")
	}
	if len(data) != 8 {
		t.Errorf("len(data) = %d, want 8 (hard cap)", len(data))
	}

	// Further writes must not block or error; they are silently dropped.
	if _, err := s.Write([]byte("more data that should be discarded")); err != nil {
		t.Fatalf("Write after cap: %v", err)
	}
	if s.SizeBytes() != 8 {
		t.Errorf("SizeBytes = %d, want 8", s.SizeBytes())
	}
}

func TestStreamExactlyAtThresholdBoundary(t *testing.T) {
	// Output exactly at the threshold triggers the OnDisk transition;
	// one byte under stays in memory.
	dir := t.TempDir()
	opts := Options{ThresholdBytes: 10, HardCapBytes: 1024, ChunkBytes: 16, Dir: dir, Prefix: "tasker_stdout_"}

	under := NewStream(opts)
	under.Write(bytes.Repeat([]byte("x"), 9))
	if under.IsOnDisk() {
		t.Errorf("threshold-1 write spilled to disk, want in-memory")
	}

	exact := NewStream(opts)
	exact.Write(bytes.Repeat([]byte("x"), 10))
	if !exact.IsOnDisk() {
		t.Errorf("exactly-at-threshold write stayed in memory, want on-disk")
	}
	exact.Cleanup()
}

func TestRegistryCleanupRemovesAllFiles(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	for i := 0; i < 3; i++ {
		s := reg.New(Options{ThresholdBytes: 1, HardCapBytes: 1024, Dir: dir, Prefix: "tasker_stdout_"})
		s.Write([]byte("spill me"))
	}

	if reg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reg.Len())
	}

	if errs := reg.Cleanup(); len(errs) != 0 {
		t.Fatalf("Cleanup errors: %v", errs)
	}
	// idempotent: a second cleanup tolerates already-removed files.
	if errs := reg.Cleanup(); len(errs) != 0 {
		t.Fatalf("second Cleanup errors: %v", errs)
	}
}

func TestDrainCopiesReaderIntoStream(t *testing.T) {
	s := NewStream(DefaultOptions())
	r := strings.NewReader("streamed output\n")
	done := make(chan error, 1)

	Drain(r, s, done)
	if err := <-done; err != nil {
		t.Fatalf("Drain: %v", err)
	}

	data, _ := s.ReadAll()
	if string(data) != "streamed output\n" {
		t.Errorf("ReadAll = %q, want %q", data, "streamed output\n")
	}
}
