package uploader

import (
	"fmt"
	"io"
	"sync"
)

// LockedReader serializes access to a shared io.ReadSeeker so multiple
// part-upload workers can read disjoint ranges of one source handle.
// The seek+read pair must be atomic per caller: interleaved seeks from
// two workers would corrupt both parts.
type LockedReader struct {
	mu  sync.Mutex
	src io.ReadSeeker
}

// NewLockedReader wraps src for concurrent range reads.
func NewLockedReader(src io.ReadSeeker) *LockedReader {
	return &LockedReader{src: src}
}

// Size reports the total length of the source and rewinds it.
func (r *LockedReader) Size() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := r.src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek source end: %w", err)
	}
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind source: %w", err)
	}
	return size, nil
}

// ReadAt reads exactly len(p) bytes starting at off. Unlike the usual
// io.ReaderAt contract, short reads are errors: a part must be uploaded
// whole or not at all.
func (r *LockedReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.src.Seek(off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to offset %d: %w", off, err)
	}
	n, err := io.ReadFull(r.src, p)
	if err != nil {
		return n, fmt.Errorf("read %d bytes at offset %d: %w", len(p), off, err)
	}
	return n, nil
}
