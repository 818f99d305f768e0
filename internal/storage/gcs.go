package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
)

// GCSClient adapts a Google Cloud Storage client to the Client interface.
// Compose maps directly onto the GCS compose API, which shares the
// 32-input limit.
type GCSClient struct {
	client *gcs.Client
}

// NewGCSClient wraps an existing GCS client. The caller owns the client's
// lifecycle.
func NewGCSClient(client *gcs.Client) *GCSClient {
	return &GCSClient{client: client}
}

// DialGCS creates a GCS-backed storage client using ambient credentials.
func DialGCS(ctx context.Context) (*GCSClient, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial gcs: %w", err)
	}
	return &GCSClient{client: client}, nil
}

// Close releases the underlying client.
func (c *GCSClient) Close() error {
	return c.client.Close()
}

func (c *GCSClient) Bucket(name string) Bucket {
	return &gcsBucket{handle: c.client.Bucket(name), name: name}
}

type gcsBucket struct {
	handle *gcs.BucketHandle
	name   string
}

func (b *gcsBucket) Name() string { return b.name }

func (b *gcsBucket) Object(key string) Object {
	return &gcsObject{handle: b.handle.Object(key), bucket: b.name, key: key}
}

type gcsObject struct {
	handle *gcs.ObjectHandle
	bucket string
	key    string
}

func (o *gcsObject) BucketName() string { return o.bucket }
func (o *gcsObject) Name() string       { return o.key }

func mapGCSError(bucket, key string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return fmt.Errorf("%s: %w", bucket, ErrBucketNotFound)
	}
	return err
}

func (o *gcsObject) Attrs(ctx context.Context) (*ObjectAttrs, error) {
	attrs, err := o.handle.Attrs(ctx)
	if err != nil {
		return nil, mapGCSError(o.bucket, o.key, err)
	}
	return &ObjectAttrs{
		Bucket:     o.bucket,
		Name:       o.key,
		Size:       attrs.Size,
		Updated:    attrs.Updated,
		CustomTime: attrs.CustomTime,
	}, nil
}

func (o *gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := o.handle.NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(o.bucket, o.key, err)
	}
	return r, nil
}

func (o *gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	return o.handle.NewWriter(ctx)
}

func (o *gcsObject) Delete(ctx context.Context) error {
	if err := o.handle.Delete(ctx); err != nil {
		return mapGCSError(o.bucket, o.key, err)
	}
	return nil
}

func (o *gcsObject) ComposeFrom(ctx context.Context, srcs []Object) (*ObjectAttrs, error) {
	if len(srcs) == 0 {
		return nil, ErrNoComposeInputs
	}
	if len(srcs) > MaxComposeInputs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyComposeInputs, len(srcs), MaxComposeInputs)
	}

	handles := make([]*gcs.ObjectHandle, len(srcs))
	for i, src := range srcs {
		gsrc, ok := src.(*gcsObject)
		if !ok {
			return nil, ErrMixedBackends
		}
		handles[i] = gsrc.handle
	}

	attrs, err := o.handle.ComposerFrom(handles...).Run(ctx)
	if err != nil {
		return nil, mapGCSError(o.bucket, o.key, err)
	}
	return &ObjectAttrs{
		Bucket:     o.bucket,
		Name:       o.key,
		Size:       attrs.Size,
		Updated:    attrs.Updated,
		CustomTime: attrs.CustomTime,
	}, nil
}

func (o *gcsObject) SetCustomTime(ctx context.Context, t time.Time) error {
	_, err := o.handle.Update(ctx, gcs.ObjectAttrsToUpdate{CustomTime: t.UTC()})
	if err != nil {
		return mapGCSError(o.bucket, o.key, err)
	}
	return nil
}
