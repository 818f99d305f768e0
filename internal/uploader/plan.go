package uploader

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size constants for upload planning.
const (
	OneKiB = 1024
	OneMiB = 1024 * OneKiB

	// DefaultChunkSize is the preferred part granularity. It matches the
	// storage provider's internal chunk size so part boundaries align
	// with provider buffering.
	DefaultChunkSize = 256 * OneKiB

	// DefaultSingleUploadThreshold is the largest source that is pushed
	// in one call instead of going through the multipart path.
	DefaultSingleUploadThreshold = 128 * OneMiB
)

// ErrInvalidPlan is returned for non-positive planning inputs.
var ErrInvalidPlan = errors.New("invalid upload plan parameters")

// FilePart is one byte range of a source stream, planned for upload as a
// temporary object. Parts are immutable once planned; the temporary
// object a part produces is deleted during composition.
type FilePart struct {
	Index  int
	Offset int64
	Size   int64

	// Name is the content-addressed name of the part's temporary object,
	// derived from the destination object name and the part geometry so
	// that concurrent uploads of different sources never collide.
	Name string
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func partName(object string, index int, offset, size int64) string {
	sum := blake2b.Sum256(fmt.Appendf(nil, "%s_%d_%d_%d", object, index, offset, size))
	return fmt.Sprintf("%x", sum)
}

// PlanParts computes the part boundaries for a multipart upload of
// totalSize bytes. When the source is small enough that chunkSize-sized
// parts stay within maxParts, parts are chunkSize long; otherwise the
// part size grows so the count never exceeds maxParts, keeping a single
// reduction round within the compose fan-in limit. The final part
// absorbs the remainder. Parts are contiguous, non-overlapping, and sum
// to totalSize exactly.
func PlanParts(object string, totalSize, chunkSize int64, maxParts int) ([]FilePart, error) {
	if totalSize <= 0 || chunkSize <= 0 || maxParts <= 0 {
		return nil, fmt.Errorf("%w: total=%d chunk=%d maxParts=%d",
			ErrInvalidPlan, totalSize, chunkSize, maxParts)
	}

	effective := chunkSize
	if ceilDiv(totalSize, int64(maxParts)) >= chunkSize {
		effective = ceilDiv(totalSize, int64(maxParts))
	}
	numParts := ceilDiv(totalSize, effective)

	parts := make([]FilePart, 0, numParts)
	for i := int64(0); i < numParts; i++ {
		offset := i * effective
		size := effective
		if i == numParts-1 {
			size = totalSize - offset
		}
		parts = append(parts, FilePart{
			Index:  int(i),
			Offset: offset,
			Size:   size,
			Name:   partName(object, int(i), offset, size),
		})
	}
	return parts, nil
}
