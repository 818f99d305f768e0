package zipper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"github.com/zipperd/zipperd/internal/storage"
)

// DefaultSiblingPollInterval is how often a fetcher re-checks a partial
// local file while a sibling download is filling it.
const DefaultSiblingPollInterval = time.Second

// Fetcher downloads source objects into a local staging filesystem.
// Objects land at their key path relative to the filesystem root, so a
// second fetch of the same object within a batch can detect the file a
// sibling task is already writing and wait instead of re-downloading.
type Fetcher struct {
	bucket storage.Bucket
	fs     billy.Filesystem

	// PollInterval paces sibling-download waits.
	PollInterval time.Duration
	// WaitTimeout bounds a sibling-download wait. Zero waits forever.
	WaitTimeout time.Duration

	log zerolog.Logger
}

// NewFetcher creates a Fetcher staging into fs.
func NewFetcher(bucket storage.Bucket, fs billy.Filesystem, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		bucket:       bucket,
		fs:           fs,
		PollInterval: DefaultSiblingPollInterval,
		log:          log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch ensures the named object exists locally and returns its staging
// path (the object key). A missing remote object fails with
// BlobNotFoundError; a partial local file is waited on rather than
// re-downloaded.
func (f *Fetcher) Fetch(ctx context.Context, object string) (string, error) {
	attrs, err := f.bucket.Object(object).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", &BlobNotFoundError{Object: object}
		}
		return "", fmt.Errorf("stat %s: %w", object, err)
	}

	fi, err := f.fs.Stat(object)
	switch {
	case err == nil && fi.Size() == attrs.Size:
		f.log.Debug().Str("object", object).Msg("Already staged")
		return object, nil
	case err == nil:
		return object, f.waitForSibling(ctx, object, attrs.Size)
	case !os.IsNotExist(err):
		return "", fmt.Errorf("stat local %s: %w", object, err)
	}

	return object, f.download(ctx, object)
}

// waitForSibling polls a partial local file until it reaches the remote
// size. Another task is assumed to be appending to it; re-downloading
// would corrupt the file both tasks share.
func (f *Fetcher) waitForSibling(ctx context.Context, object string, want int64) error {
	f.log.Info().Str("object", object).Msg("Partial file present, waiting for sibling download")

	var deadline <-chan time.Time
	if f.WaitTimeout > 0 {
		t := time.NewTimer(f.WaitTimeout)
		defer t.Stop()
		deadline = t.C
	}

	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for sibling download of %s", object)
		case <-ticker.C:
			fi, err := f.fs.Stat(object)
			if err != nil {
				return fmt.Errorf("stat local %s: %w", object, err)
			}
			if fi.Size() >= want {
				return nil
			}
		}
	}
}

func (f *Fetcher) download(ctx context.Context, object string) error {
	if dir := path.Dir(object); dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create staging dir for %s: %w", object, err)
		}
	}

	r, err := f.bucket.Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", object, err)
	}
	defer r.Close()

	w, err := f.fs.Create(object)
	if err != nil {
		return fmt.Errorf("create staging file %s: %w", object, err)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return fmt.Errorf("download %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish staging %s: %w", object, err)
	}

	f.log.Debug().Str("object", object).Int64("bytes", n).Msg("Downloaded")
	return nil
}
