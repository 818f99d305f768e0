package zipper

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipperd/zipperd/internal/storage"
	"github.com/zipperd/zipperd/internal/uploader"
	"github.com/zipperd/zipperd/testutil"
)

func buildArchive(t *testing.T, staged map[string][]byte, items []ArchiveItem) (*ArchiveWriter, storage.Bucket) {
	t.Helper()

	fs := memfs.New()
	for name, data := range staged {
		require.NoError(t, util.WriteFile(fs, name, data, 0o644))
	}

	_, bucket := testutil.NewLocalBucket(t, "archives")
	up := uploader.New(bucket, uploader.Config{}, zerolog.Nop())

	w := NewArchiveWriter(fs, up, "fp123", 4, 1<<20, nil, zerolog.Nop())
	go w.Run(context.Background())

	for _, item := range items {
		w.Enqueue(item)
	}
	w.Finish()
	<-w.Done()
	return w, bucket
}

func readZip(t *testing.T, bucket storage.Bucket, object string) map[string][]byte {
	t.Helper()

	r, err := bucket.Object(object).NewReader(context.Background())
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = content
	}
	return out
}

func TestArchiveWriterBuildsZip(t *testing.T) {
	staged := map[string][]byte{
		"a.txt":     []byte("alpha"),
		"sub/b.txt": []byte("beta"),
	}
	w, bucket := buildArchive(t, staged, []ArchiveItem{
		{Object: "a.txt"},
		{Object: "sub/b.txt"},
	})
	require.NoError(t, w.Err())
	assert.Equal(t, int64(2), w.Written())
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, w.Manifest())
	assert.Equal(t, "fp123.zip", w.ObjectName())
	assert.Positive(t, w.Size())

	entries := readZip(t, bucket, "fp123.zip")
	assert.Equal(t, []byte("alpha"), entries["a.txt"])
	assert.Equal(t, []byte("beta"), entries["sub/b.txt"])
	assert.Contains(t, entries, "fp123.nested.manifest.json")
	assert.Contains(t, entries, "fp123.list.manifest.json")
}

func TestArchiveWriterRecordsFaults(t *testing.T) {
	staged := map[string][]byte{"ok.txt": []byte("fine")}
	w, bucket := buildArchive(t, staged, []ArchiveItem{
		{Object: "ok.txt"},
		{Object: "gone.txt", Fault: true},
	})
	require.NoError(t, w.Err())
	assert.Equal(t, []string{"ok.txt", "gone.txt [Error: unable to retrieve file]"}, w.Manifest())

	entries := readZip(t, bucket, "fp123.zip")
	assert.NotContains(t, entries, "gone.txt")

	var list []string
	require.NoError(t, json.Unmarshal(entries["fp123.list.manifest.json"], &list))
	assert.Contains(t, list, "gone.txt [Error: unable to retrieve file]")

	var nested map[string]any
	require.NoError(t, json.Unmarshal(entries["fp123.nested.manifest.json"], &nested))
	assert.Equal(t, []any{"ok.txt"}, nested["contents"])
}

func TestArchiveWriterMissingStagedFile(t *testing.T) {
	w, bucket := buildArchive(t, nil, []ArchiveItem{
		{Object: "never-staged.txt"},
	})
	require.Error(t, w.Err())

	_, err := bucket.Object("fp123.zip").Attrs(context.Background())
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestArchiveWriterAbortDiscardsArchive(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "a.txt", []byte("alpha"), 0o644))

	_, bucket := testutil.NewLocalBucket(t, "archives")
	up := uploader.New(bucket, uploader.Config{}, zerolog.Nop())

	w := NewArchiveWriter(fs, up, "fp123", 4, 1<<20, nil, zerolog.Nop())
	go w.Run(context.Background())

	w.Enqueue(ArchiveItem{Object: "a.txt"})
	w.Abort()
	<-w.Done()

	require.ErrorIs(t, w.Err(), errBuildAborted)

	// The partial archive never reaches the bucket.
	_, err := bucket.Object("fp123.zip").Attrs(context.Background())
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestArchiveWriterEmptyBatch(t *testing.T) {
	w, bucket := buildArchive(t, nil, nil)
	require.NoError(t, w.Err())
	assert.Empty(t, w.Manifest())

	entries := readZip(t, bucket, "fp123.zip")
	assert.Len(t, entries, 2, "only the two manifests")
}
