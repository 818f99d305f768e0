package zipper

import (
	"errors"
	"fmt"
)

// ErrUnknownFingerprint is returned by cache operations on a fingerprint
// that was never registered. It signals an ordering bug in the caller,
// not an expected runtime condition.
var ErrUnknownFingerprint = errors.New("unknown fingerprint")

// ErrArchiveMissing is returned when the uploaded archive cannot be
// found at its destination during verification.
var ErrArchiveMissing = errors.New("archive missing after upload")

// errBuildAborted is the worker's result when the batch was abandoned
// upstream. The fetch error that caused the abort is the one surfaced
// to callers.
var errBuildAborted = errors.New("archive build aborted")

// BlobNotFoundError marks a single requested object that does not exist
// in the source bucket. It is non-fatal to the batch: the archive is
// still built and the manifest records the failure inline.
type BlobNotFoundError struct {
	Object string
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s", e.Object)
}

// ProcessError is the single error surface of a failed archive build.
// It wraps the original cause from whichever stage failed.
type ProcessError struct {
	Fingerprint string
	Err         error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("processing archive %s: %v", e.Fingerprint, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
