package zipper

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipperd/zipperd/internal/notify"
	"github.com/zipperd/zipperd/internal/storage"
	"github.com/zipperd/zipperd/pkg/fingerprint"
	"github.com/zipperd/zipperd/pkg/wire"
	"github.com/zipperd/zipperd/testutil"
)

func testConfig() Config {
	return Config{
		Workers:             4,
		DrainPollInterval:   10 * time.Millisecond,
		SiblingPollInterval: 10 * time.Millisecond,
	}
}

func TestProcessEndToEnd(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")
	testutil.SeedBucket(t, src, map[string][]byte{
		"a.txt":       []byte("alpha"),
		"dir/b.txt":   []byte("beta"),
		"dir/c.jsonl": []byte(`{"n":1}`),
	})

	recorder := testutil.NewNotificationRecorder(t)
	sender := notify.NewSender(recorder.URL(), nil, zerolog.Nop())
	cache := NewInProgressCache(nil)

	files := []wire.FileRef{
		{Object: "a.txt", Size: 5},
		{Object: "dir/b.txt", Size: 4},
		{Object: "dir/c.jsonl", Size: 7},
	}
	_, fp := fingerprint.Files([]string{"a.txt", "dir/b.txt", "dir/c.jsonl"})
	cache.AddRequester(fp, alice)
	cache.AddRequester(fp, bob)

	z := New(src, dst, memfs.New(), cache, sender, nil, testConfig(), zerolog.Nop())
	res, err := z.Process(context.Background(), files, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, fp, res.Fingerprint)
	assert.Equal(t, "out", res.OutputBucket)
	assert.Equal(t, "gs://out/"+fp+".zip", res.OutputPath)
	assert.Len(t, res.Manifest, 3)
	assert.Len(t, res.Requesters, 2)

	// Archive landed in the destination bucket.
	attrs, err := dst.Object(fp + ".zip").Attrs(context.Background())
	require.NoError(t, err)
	assert.Positive(t, attrs.Size)

	// Everyone waiting was told, and the entry is finished.
	msgs := recorder.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, fp+".zip", m.Zipfile)
		assert.Len(t, m.Files, 3)
	}
	assert.True(t, cache.IsProcessed(fp))
}

func TestProcessPartialFailure(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")
	testutil.SeedBucket(t, src, map[string][]byte{
		"a.txt": []byte("alpha"),
	})

	z := New(src, dst, memfs.New(), nil, nil, nil, testConfig(), zerolog.Nop())
	res, err := z.Process(context.Background(), []wire.FileRef{
		{Object: "a.txt", Size: 5},
		{Object: "missing.txt", Size: 100},
	}, []wire.Requester{alice}, nil)
	require.NoError(t, err, "a missing source file must not fail the batch")

	assert.Contains(t, res.Manifest, "a.txt")
	assert.Contains(t, res.Manifest, "missing.txt [Error: unable to retrieve file]")

	_, err = dst.Object(res.Fingerprint + ".zip").Attrs(context.Background())
	assert.NoError(t, err)
}

func TestProcessNoFiles(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")

	z := New(src, dst, memfs.New(), nil, nil, nil, testConfig(), zerolog.Nop())
	_, err := z.Process(context.Background(), nil, nil, nil)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
}

func TestProcessDuplicateFileRequests(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")
	testutil.SeedBucket(t, src, map[string][]byte{
		"shared.bin": []byte("same bytes"),
	})

	// The same object requested twice: the second fetch sees the first
	// one's staged file and must not re-download or fail.
	z := New(src, dst, memfs.New(), nil, nil, nil, testConfig(), zerolog.Nop())
	res, err := z.Process(context.Background(), []wire.FileRef{
		{Object: "shared.bin", Size: 10},
		{Object: "shared.bin", Size: 10},
	}, []wire.Requester{alice}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Manifest, 2)
}

func TestProcessExtendsLease(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")
	testutil.SeedBucket(t, src, map[string][]byte{
		"a.txt": []byte("alpha"),
	})

	lease := &fakeLease{}
	monitor := NewLeaseMonitor(lease, time.Nanosecond, zerolog.Nop())

	z := New(src, dst, memfs.New(), nil, nil, nil, testConfig(), zerolog.Nop())
	_, err := z.Process(context.Background(), []wire.FileRef{
		{Object: "a.txt", Size: 5},
	}, []wire.Requester{alice}, monitor)
	require.NoError(t, err)

	// An already-exhausted deadline forces an extension on the first
	// progress check.
	assert.NotEmpty(t, lease.extensions)
}

func TestNotifyOnly(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")

	recorder := testutil.NewNotificationRecorder(t)
	sender := notify.NewSender(recorder.URL(), nil, zerolog.Nop())
	cache := NewInProgressCache(nil)
	cache.AddRequester("fpX", alice)

	z := New(src, dst, memfs.New(), cache, sender, nil, testConfig(), zerolog.Nop())
	res, err := z.NotifyOnly(context.Background(), "fpX", nil, []string{"a.txt"})
	require.NoError(t, err)

	assert.Equal(t, "gs://out/fpX.zip", res.OutputPath)
	assert.Equal(t, []string{alice.String()}, res.Requesters)
	require.Len(t, recorder.Messages(), 1)
	assert.Equal(t, "fpX.zip", recorder.Messages()[0].Zipfile)
	assert.True(t, cache.IsProcessed("fpX"))

	// Calling again for the same finished fingerprint re-sends to every
	// registered requester; dedup happens at registration, not here.
	cache.AddRequester("fpX", bob)
	res, err = z.NotifyOnly(context.Background(), "fpX", nil, []string{"a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{alice.String(), bob.String()}, res.Requesters)
	assert.Len(t, recorder.Messages(), 3)
}

func TestProcessFetchFailureDoesNotUpload(t *testing.T) {
	_, src := testutil.NewLocalBucket(t, "src")
	_, dst := testutil.NewLocalBucket(t, "out")
	testutil.SeedBucket(t, src, map[string][]byte{"a.txt": []byte("alpha")})

	// One object stats out with a backend error rather than a missing
	// blob: fatal to the batch, and the partially-built archive must
	// never land under the canonical destination name.
	z := New(erroringSource{Bucket: src, key: "bad.bin"}, dst, memfs.New(), nil, nil, nil,
		testConfig(), zerolog.Nop())
	_, err := z.Process(context.Background(), []wire.FileRef{
		{Object: "a.txt", Size: 5},
		{Object: "bad.bin", Size: 9},
	}, []wire.Requester{alice}, nil)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)

	_, fp := fingerprint.Files([]string{"a.txt", "bad.bin"})
	_, err = dst.Object(fp + ".zip").Attrs(context.Background())
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestProcessWrapsStageFailures(t *testing.T) {
	// Destination bucket on a read-only backend: the upload fails and
	// Process must surface one wrapped error.
	_, src := testutil.NewLocalBucket(t, "src")
	testutil.SeedBucket(t, src, map[string][]byte{"a.txt": []byte("alpha")})

	dst := failingBucket{}
	z := New(src, dst, memfs.New(), nil, nil, nil, testConfig(), zerolog.Nop())
	_, err := z.Process(context.Background(), []wire.FileRef{
		{Object: "a.txt", Size: 5},
	}, []wire.Requester{alice}, nil)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.NotNil(t, perr.Unwrap())
}

// erroringSource delegates to a real bucket except for one key whose
// Attrs fail with a backend error.
type erroringSource struct {
	storage.Bucket
	key string
}

func (b erroringSource) Object(key string) storage.Object {
	if key == b.key {
		return erroringObject{failingObject{key: key}}
	}
	return b.Bucket.Object(key)
}

type erroringObject struct{ failingObject }

func (erroringObject) Attrs(context.Context) (*storage.ObjectAttrs, error) {
	return nil, assert.AnError
}

// failingBucket rejects all writes.
type failingBucket struct{}

func (failingBucket) Name() string { return "broken" }
func (failingBucket) Object(key string) storage.Object {
	return failingObject{key: key}
}

type failingObject struct{ key string }

func (o failingObject) BucketName() string { return "broken" }
func (o failingObject) Name() string       { return o.key }
func (o failingObject) Attrs(context.Context) (*storage.ObjectAttrs, error) {
	return nil, storage.ErrObjectNotFound
}
func (o failingObject) NewReader(context.Context) (io.ReadCloser, error) {
	return nil, storage.ErrObjectNotFound
}
func (o failingObject) NewWriter(context.Context) io.WriteCloser {
	return brokenWriter{}
}
func (o failingObject) Delete(context.Context) error { return nil }
func (o failingObject) ComposeFrom(context.Context, []storage.Object) (*storage.ObjectAttrs, error) {
	return nil, assert.AnError
}
func (o failingObject) SetCustomTime(context.Context, time.Time) error { return assert.AnError }

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, assert.AnError }
func (brokenWriter) Close() error              { return assert.AnError }
