package zipper

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipperd/zipperd/testutil"
)

func TestFetcherDownloads(t *testing.T) {
	_, bucket := testutil.NewLocalBucket(t, "src")
	testutil.SeedBucket(t, bucket, map[string][]byte{
		"data/sample.txt": []byte("hello"),
	})

	fs := memfs.New()
	f := NewFetcher(bucket, fs, zerolog.Nop())

	path, err := f.Fetch(context.Background(), "data/sample.txt")
	require.NoError(t, err)
	assert.Equal(t, "data/sample.txt", path)

	got, err := util.ReadFile(fs, "data/sample.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestFetcherMissingObject(t *testing.T) {
	_, bucket := testutil.NewLocalBucket(t, "src")

	f := NewFetcher(bucket, memfs.New(), zerolog.Nop())

	_, err := f.Fetch(context.Background(), "nope.txt")
	var notFound *BlobNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope.txt", notFound.Object)
}

func TestFetcherSkipsCompleteLocalFile(t *testing.T) {
	_, bucket := testutil.NewLocalBucket(t, "src")
	testutil.SeedBucket(t, bucket, map[string][]byte{
		"f.bin": []byte("12345"),
	})

	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "f.bin", []byte("12345"), 0o644))

	f := NewFetcher(bucket, fs, zerolog.Nop())

	// A size-matching local file returns without touching the bucket
	// contents; staging a different payload proves no re-download.
	require.NoError(t, util.WriteFile(fs, "f.bin", []byte("local"), 0o644))
	path, err := f.Fetch(context.Background(), "f.bin")
	require.NoError(t, err)

	got, err := util.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), got)
}

func TestFetcherWaitsForSibling(t *testing.T) {
	_, bucket := testutil.NewLocalBucket(t, "src")
	testutil.SeedBucket(t, bucket, map[string][]byte{
		"big.bin": []byte("full-content"),
	})

	fs := memfs.New()
	// Partial file: a sibling download is presumed in flight.
	require.NoError(t, util.WriteFile(fs, "big.bin", []byte("full"), 0o644))

	f := NewFetcher(bucket, fs, zerolog.Nop())
	f.PollInterval = 10 * time.Millisecond

	// Complete the file shortly after the fetch starts waiting.
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = util.WriteFile(fs, "big.bin", []byte("full-content"), 0o644)
	}()

	path, err := f.Fetch(context.Background(), "big.bin")
	require.NoError(t, err)
	assert.Equal(t, "big.bin", path)
}

func TestFetcherSiblingWaitTimeout(t *testing.T) {
	_, bucket := testutil.NewLocalBucket(t, "src")
	testutil.SeedBucket(t, bucket, map[string][]byte{
		"stuck.bin": []byte("never-finished"),
	})

	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "stuck.bin", []byte("nev"), 0o644))

	f := NewFetcher(bucket, fs, zerolog.Nop())
	f.PollInterval = 5 * time.Millisecond
	f.WaitTimeout = 25 * time.Millisecond

	_, err := f.Fetch(context.Background(), "stuck.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestFetcherSiblingWaitHonorsContext(t *testing.T) {
	_, bucket := testutil.NewLocalBucket(t, "src")
	testutil.SeedBucket(t, bucket, map[string][]byte{
		"stuck.bin": []byte("never-finished"),
	})

	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "stuck.bin", []byte("nev"), 0o644))

	f := NewFetcher(bucket, fs, zerolog.Nop())
	f.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, "stuck.bin")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
