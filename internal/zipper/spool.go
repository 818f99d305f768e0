package zipper

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/shirou/gopsutil/v4/mem"
)

// fallbackSpoolThreshold is used when system memory cannot be probed.
const fallbackSpoolThreshold = 256 * 1024 * 1024

// SpoolThreshold returns the per-job memory budget for archive
// spooling: a fair share of available memory across the maximum number
// of concurrent archive jobs.
func SpoolThreshold(maxConcurrent int) int64 {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		return fallbackSpoolThreshold
	}
	return int64(vm.Available) / int64(maxConcurrent)
}

// SpooledBuffer accumulates writes in memory up to a threshold, then
// spills everything to a temporary file. This bounds the worst-case
// memory of an archive build while keeping small archives off disk.
type SpooledBuffer struct {
	fs        billy.Filesystem
	threshold int64

	buf     bytes.Buffer
	file    billy.File
	written int64
}

// NewSpooledBuffer creates a buffer that spills to a temp file on fs
// once more than threshold bytes are written.
func NewSpooledBuffer(fs billy.Filesystem, threshold int64) *SpooledBuffer {
	if threshold <= 0 {
		threshold = fallbackSpoolThreshold
	}
	return &SpooledBuffer{fs: fs, threshold: threshold}
}

// Write appends p, spilling to disk when the threshold is crossed.
func (s *SpooledBuffer) Write(p []byte) (int, error) {
	if s.file == nil && s.written+int64(len(p)) > s.threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.written += int64(n)
	return n, err
}

func (s *SpooledBuffer) spill() error {
	f, err := s.fs.TempFile("", "spool-")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("spill to disk: %w", err)
	}
	s.buf.Reset()
	s.file = f
	return nil
}

// Size reports the total bytes written so far.
func (s *SpooledBuffer) Size() int64 {
	return s.written
}

// Spilled reports whether the buffer has spilled to disk.
func (s *SpooledBuffer) Spilled() bool {
	return s.file != nil
}

// Reader returns a ReadSeeker over everything written. No writes may
// follow.
func (s *SpooledBuffer) Reader() (io.ReadSeeker, error) {
	if s.file == nil {
		return bytes.NewReader(s.buf.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return s.file, nil
}

// Close releases the spool file, if any.
func (s *SpooledBuffer) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil
	return s.fs.Remove(name)
}
