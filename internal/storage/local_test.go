package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T) (*LocalClient, Bucket) {
	t.Helper()
	client, err := NewLocalClient(t.TempDir())
	require.NoError(t, err)
	return client, client.Bucket("test-bucket")
}

func writeObject(t *testing.T, bucket Bucket, key, content string) {
	t.Helper()
	w := bucket.Object(key).NewWriter(context.Background())
	_, err := io.Copy(w, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readObject(t *testing.T, bucket Bucket, key string) string {
	t.Helper()
	r, err := bucket.Object(key).NewReader(context.Background())
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestLocalWriteReadAttrs(t *testing.T) {
	_, bucket := newTestBucket(t)
	writeObject(t, bucket, "dir/sub/a.txt", "hello world")

	assert.Equal(t, "hello world", readObject(t, bucket, "dir/sub/a.txt"))

	attrs, err := bucket.Object("dir/sub/a.txt").Attrs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), attrs.Size)
	assert.Equal(t, "dir/sub/a.txt", attrs.Name)
	assert.Equal(t, "test-bucket", attrs.Bucket)
}

func TestLocalMissingObject(t *testing.T) {
	_, bucket := newTestBucket(t)

	_, err := bucket.Object("nope.txt").Attrs(context.Background())
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = bucket.Object("nope.txt").NewReader(context.Background())
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalDelete(t *testing.T) {
	_, bucket := newTestBucket(t)
	writeObject(t, bucket, "a.txt", "x")

	require.NoError(t, bucket.Object("a.txt").Delete(context.Background()))
	_, err := bucket.Object("a.txt").Attrs(context.Background())
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalComposeOrderPreserved(t *testing.T) {
	client, bucket := newTestBucket(t)
	writeObject(t, bucket, "p0", "AAA")
	writeObject(t, bucket, "p1", "BBB")
	writeObject(t, bucket, "p2", "CCC")

	srcs := []Object{bucket.Object("p0"), bucket.Object("p1"), bucket.Object("p2")}
	attrs, err := bucket.Object("combined").ComposeFrom(context.Background(), srcs)
	require.NoError(t, err)
	assert.Equal(t, int64(9), attrs.Size)
	assert.Equal(t, "AAABBBCCC", readObject(t, bucket, "combined"))
	assert.Equal(t, int64(1), client.ComposeCalls())
}

func TestLocalComposeLimits(t *testing.T) {
	_, bucket := newTestBucket(t)

	_, err := bucket.Object("out").ComposeFrom(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoComposeInputs)

	srcs := make([]Object, MaxComposeInputs+1)
	for i := range srcs {
		srcs[i] = bucket.Object("p")
	}
	_, err = bucket.Object("out").ComposeFrom(context.Background(), srcs)
	assert.ErrorIs(t, err, ErrTooManyComposeInputs)
}

func TestLocalComposeMissingSourceKeepsInputs(t *testing.T) {
	_, bucket := newTestBucket(t)
	writeObject(t, bucket, "p0", "AAA")

	srcs := []Object{bucket.Object("p0"), bucket.Object("missing")}
	_, err := bucket.Object("out").ComposeFrom(context.Background(), srcs)
	require.Error(t, err)

	// The surviving input must not have been deleted by the failed compose.
	assert.Equal(t, "AAA", readObject(t, bucket, "p0"))
}

func TestLocalCustomTime(t *testing.T) {
	_, bucket := newTestBucket(t)
	writeObject(t, bucket, "a.txt", "x")

	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, bucket.Object("a.txt").SetCustomTime(context.Background(), stamp))

	attrs, err := bucket.Object("a.txt").Attrs(context.Background())
	require.NoError(t, err)
	assert.True(t, attrs.CustomTime.Equal(stamp))

	// Stamping a missing object fails.
	err = bucket.Object("missing").SetCustomTime(context.Background(), stamp)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
