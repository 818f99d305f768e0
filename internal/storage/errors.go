package storage

import "errors"

// Storage error types.
var (
	ErrBucketNotFound       = errors.New("bucket not found")
	ErrObjectNotFound       = errors.New("object not found")
	ErrTooManyComposeInputs = errors.New("too many compose inputs")
	ErrNoComposeInputs      = errors.New("compose requires at least one input")
	ErrMixedBackends        = errors.New("compose sources must share the destination's backend")
)
