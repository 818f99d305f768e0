// Package storage abstracts the object store the pipeline reads from and
// writes to. Two implementations are provided: a Google Cloud Storage
// adapter for production and a local-disk store used by tests and dev
// mode. The compose operation concatenates already-stored objects into
// one and is the primitive the multipart upload engine is built on.
package storage

import (
	"context"
	"io"
	"time"
)

// MaxComposeInputs is the provider limit on inputs to a single compose
// call. Compose requests must never exceed it.
const MaxComposeInputs = 32

// ObjectAttrs describes a stored object.
type ObjectAttrs struct {
	Bucket     string
	Name       string
	Size       int64
	Updated    time.Time
	CustomTime time.Time
}

// Client is a handle to an object storage backend.
type Client interface {
	Bucket(name string) Bucket
}

// Bucket is a handle to a bucket within a backend.
type Bucket interface {
	Name() string
	Object(key string) Object
}

// Object is a handle to a single object. Handles are cheap and may refer
// to objects that do not exist yet.
type Object interface {
	BucketName() string
	Name() string

	// Attrs fetches object metadata. Returns ErrObjectNotFound if the
	// object does not exist.
	Attrs(ctx context.Context) (*ObjectAttrs, error)

	// NewReader opens the object for reading.
	NewReader(ctx context.Context) (io.ReadCloser, error)

	// NewWriter opens the object for writing. The object is not visible
	// until Close returns nil.
	NewWriter(ctx context.Context) io.WriteCloser

	// Delete removes the object.
	Delete(ctx context.Context) error

	// ComposeFrom concatenates srcs, in order, into this object. The
	// sources must live in the same bucket and backend. Fails with
	// ErrTooManyComposeInputs when len(srcs) exceeds MaxComposeInputs.
	ComposeFrom(ctx context.Context, srcs []Object) (*ObjectAttrs, error)

	// SetCustomTime stamps the object's custom-time metadata, used by
	// bucket lifecycle rules downstream.
	SetCustomTime(ctx context.Context, t time.Time) error
}
