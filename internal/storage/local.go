package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// LocalClient is a disk-backed storage backend. It exists for tests and
// for running the pipeline against a directory instead of a cloud bucket.
// Directory structure:
//
//	{dataDir}/
//	  {bucket}/
//	    objects/
//	      {key}            # object content
//	    meta/
//	      {key}.json       # object metadata (custom time)
type LocalClient struct {
	dataDir string
	mu      sync.RWMutex

	composeCalls atomic.Int64
}

type localMeta struct {
	CustomTime time.Time `json:"custom_time,omitzero"`
}

// NewLocalClient creates a disk-backed storage client rooted at dataDir.
func NewLocalClient(dataDir string) (*LocalClient, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &LocalClient{dataDir: dataDir}, nil
}

// ComposeCalls reports how many compose operations this client has
// served. Used by tests to verify reduction round counts.
func (c *LocalClient) ComposeCalls() int64 {
	return c.composeCalls.Load()
}

// Bucket returns a handle to the named bucket. The bucket directory is
// created lazily on first write.
func (c *LocalClient) Bucket(name string) Bucket {
	return &localBucket{client: c, name: name}
}

type localBucket struct {
	client *LocalClient
	name   string
}

func (b *localBucket) Name() string { return b.name }

func (b *localBucket) Object(key string) Object {
	return &localObject{bucket: b, key: key}
}

func (b *localBucket) objectPath(key string) string {
	return filepath.Join(b.client.dataDir, b.name, "objects", filepath.FromSlash(key))
}

func (b *localBucket) metaPath(key string) string {
	return filepath.Join(b.client.dataDir, b.name, "meta", filepath.FromSlash(key)+".json")
}

type localObject struct {
	bucket *localBucket
	key    string
}

func (o *localObject) BucketName() string { return o.bucket.name }
func (o *localObject) Name() string       { return o.key }

func (o *localObject) Attrs(_ context.Context) (*ObjectAttrs, error) {
	c := o.bucket.client
	c.mu.RLock()
	defer c.mu.RUnlock()
	return o.attrsLocked()
}

func (o *localObject) attrsLocked() (*ObjectAttrs, error) {
	fi, err := os.Stat(o.bucket.objectPath(o.key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", o.bucket.name, o.key, ErrObjectNotFound)
		}
		return nil, err
	}

	attrs := &ObjectAttrs{
		Bucket:  o.bucket.name,
		Name:    o.key,
		Size:    fi.Size(),
		Updated: fi.ModTime(),
	}

	if data, err := os.ReadFile(o.bucket.metaPath(o.key)); err == nil {
		var meta localMeta
		if err := json.Unmarshal(data, &meta); err == nil {
			attrs.CustomTime = meta.CustomTime
		}
	}
	return attrs, nil
}

func (o *localObject) NewReader(_ context.Context) (io.ReadCloser, error) {
	c := o.bucket.client
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(o.bucket.objectPath(o.key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", o.bucket.name, o.key, ErrObjectNotFound)
		}
		return nil, err
	}
	return f, nil
}

// localWriter stages content in a temp file and publishes it on Close,
// so concurrent readers never observe a half-written object.
type localWriter struct {
	obj  *localObject
	tmp  *os.File
	err  error
	once sync.Once
}

func (o *localObject) NewWriter(_ context.Context) io.WriteCloser {
	w := &localWriter{obj: o}

	dir := filepath.Dir(o.bucket.objectPath(o.key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.err = fmt.Errorf("create object dir: %w", err)
		return w
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		w.err = fmt.Errorf("create staging file: %w", err)
		return w
	}
	w.tmp = tmp
	return w
}

func (w *localWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.tmp.Write(p)
}

func (w *localWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	var closeErr error
	w.once.Do(func() {
		if err := w.tmp.Close(); err != nil {
			closeErr = err
			return
		}
		c := w.obj.bucket.client
		c.mu.Lock()
		defer c.mu.Unlock()
		closeErr = os.Rename(w.tmp.Name(), w.obj.bucket.objectPath(w.obj.key))
	})
	return closeErr
}

func (o *localObject) Delete(_ context.Context) error {
	c := o.bucket.client
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(o.bucket.objectPath(o.key))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s/%s: %w", o.bucket.name, o.key, ErrObjectNotFound)
	}
	_ = os.Remove(o.bucket.metaPath(o.key))
	return err
}

func (o *localObject) ComposeFrom(ctx context.Context, srcs []Object) (*ObjectAttrs, error) {
	if len(srcs) == 0 {
		return nil, ErrNoComposeInputs
	}
	if len(srcs) > MaxComposeInputs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyComposeInputs, len(srcs), MaxComposeInputs)
	}
	for _, src := range srcs {
		if _, ok := src.(*localObject); !ok {
			return nil, ErrMixedBackends
		}
	}

	o.bucket.client.composeCalls.Add(1)

	w := o.NewWriter(ctx)
	for _, src := range srcs {
		r, err := src.NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("compose source %s: %w", src.Name(), err)
		}
		_, copyErr := io.Copy(w, r)
		r.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("compose source %s: %w", src.Name(), copyErr)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose %s/%s: %w", o.bucket.name, o.key, err)
	}
	return o.Attrs(ctx)
}

func (o *localObject) SetCustomTime(ctx context.Context, t time.Time) error {
	c := o.bucket.client
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := o.attrsLocked(); err != nil {
		return err
	}

	path := o.bucket.metaPath(o.key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	data, err := json.Marshal(localMeta{CustomTime: t.UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
