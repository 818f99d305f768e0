package zipper

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"

	"github.com/zipperd/zipperd/internal/metrics"
	"github.com/zipperd/zipperd/internal/uploader"
	"github.com/zipperd/zipperd/pkg/bytesize"
)

// ArchiveItem is one unit of work for the archive worker: either a
// staged object ready to be written, or a fault marker for an object
// that could not be fetched.
type ArchiveItem struct {
	Object string
	Fault  bool
}

// ArchiveWriter drains a queue of fetched files into a deflate archive
// on a dedicated goroutine, isolating compression from the fetch pool.
// The orchestrator and the worker share only the queue and an atomic
// progress counter. Closing the queue is the stop signal; the worker
// then appends the two manifest entries, uploads the archive, and
// reports on Done.
type ArchiveWriter struct {
	fs          billy.Filesystem
	up          *uploader.Uploader
	fingerprint string
	threshold   int64
	metrics     *metrics.Metrics
	log         zerolog.Logger

	queue   chan ArchiveItem
	written atomic.Int64
	aborted atomic.Bool
	done    chan struct{}

	manifest []string
	size     int64
	err      error
}

// NewArchiveWriter creates a worker archiving staged files from fs into
// <fingerprint>.zip. queueDepth bounds the item queue; enqueueing
// blocks when the worker falls behind. m may be nil.
func NewArchiveWriter(fs billy.Filesystem, up *uploader.Uploader, fingerprint string,
	queueDepth int, spoolThreshold int64, m *metrics.Metrics, log zerolog.Logger) *ArchiveWriter {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &ArchiveWriter{
		fs:          fs,
		up:          up,
		fingerprint: fingerprint,
		threshold:   spoolThreshold,
		metrics:     m,
		log:         log.With().Str("component", "archiver").Str("fingerprint", fingerprint).Logger(),
		queue:       make(chan ArchiveItem, queueDepth),
		done:        make(chan struct{}),
	}
}

// Enqueue hands an item to the worker, blocking when the queue is full.
func (w *ArchiveWriter) Enqueue(item ArchiveItem) {
	w.queue <- item
}

// Finish signals that no more items will arrive.
func (w *ArchiveWriter) Finish() {
	close(w.queue)
}

// Abort signals that the batch failed upstream. The worker discards the
// partial archive instead of finalizing and uploading it. Callers use
// either Finish or Abort, never both.
func (w *ArchiveWriter) Abort() {
	w.aborted.Store(true)
	close(w.queue)
}

// Done is closed once the archive has been finalized and uploaded, or
// the build failed.
func (w *ArchiveWriter) Done() <-chan struct{} {
	return w.done
}

// Written reports how many items the worker has archived so far. Safe
// to read concurrently with the worker.
func (w *ArchiveWriter) Written() int64 {
	return w.written.Load()
}

// Err returns the build failure, if any. Valid after Done is closed.
func (w *ArchiveWriter) Err() error {
	return w.err
}

// Manifest returns the flat ordered manifest, fault entries included.
// Valid after Done is closed.
func (w *ArchiveWriter) Manifest() []string {
	return w.manifest
}

// Size reports the finished archive's byte size. Valid after Done is
// closed.
func (w *ArchiveWriter) Size() int64 {
	return w.size
}

// ObjectName is the destination object the archive is uploaded to.
func (w *ArchiveWriter) ObjectName() string {
	return w.fingerprint + ".zip"
}

// Run drains the queue and builds the archive. It must be called
// exactly once, normally on its own goroutine.
func (w *ArchiveWriter) Run(ctx context.Context) {
	defer close(w.done)
	w.err = w.build(ctx)
	if w.err != nil {
		w.log.Error().Err(w.err).Msg("Archive build failed")
		// Keep draining so producers blocked on a full queue can finish
		// and observe the failure.
		for range w.queue {
		}
	}
}

func (w *ArchiveWriter) build(ctx context.Context) error {
	spool := NewSpooledBuffer(w.fs, w.threshold)
	defer spool.Close()

	zw := zip.NewWriter(spool)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	for item := range w.queue {
		if item.Fault {
			w.manifest = append(w.manifest, faultEntry(item.Object))
			if w.metrics != nil {
				w.metrics.FetchErrors.Inc()
			}
			w.written.Add(1)
			continue
		}
		if err := w.addFile(zw, item.Object); err != nil {
			return err
		}
		w.manifest = append(w.manifest, item.Object)
		w.written.Add(1)
	}

	if w.aborted.Load() {
		return errBuildAborted
	}

	if err := w.writeManifests(zw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	w.size = spool.Size()

	w.log.Info().
		Str("size", bytesize.Format(w.size)).
		Int("entries", len(w.manifest)).
		Bool("spilled", spool.Spilled()).
		Msg("Archive assembled, uploading")

	src, err := spool.Reader()
	if err != nil {
		return err
	}
	if err := w.up.Upload(ctx, src, w.ObjectName()); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	if w.metrics != nil {
		w.metrics.ArchivesBuilt.Inc()
		w.metrics.ArchiveBytes.Add(float64(w.size))
	}
	return nil
}

// addFile copies one staged file into the archive under its object key.
func (w *ArchiveWriter) addFile(zw *zip.Writer, object string) error {
	f, err := w.fs.Open(object)
	if err != nil {
		return fmt.Errorf("open staged %s: %w", object, err)
	}
	defer f.Close()

	entry, err := zw.Create(object)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", object, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("archive %s: %w", object, err)
	}
	return nil
}

func (w *ArchiveWriter) writeManifests(zw *zip.Writer) error {
	nested, err := NestedManifestJSON(w.manifest)
	if err != nil {
		return fmt.Errorf("render nested manifest: %w", err)
	}
	flat, err := ListManifestJSON(w.manifest)
	if err != nil {
		return fmt.Errorf("render list manifest: %w", err)
	}

	for _, m := range []struct {
		name string
		data []byte
	}{
		{w.fingerprint + ".nested.manifest.json", nested},
		{w.fingerprint + ".list.manifest.json", flat},
	} {
		entry, err := zw.Create(m.name)
		if err != nil {
			return fmt.Errorf("create manifest entry %s: %w", m.name, err)
		}
		if _, err := entry.Write(m.data); err != nil {
			return fmt.Errorf("write manifest entry %s: %w", m.name, err)
		}
	}
	return nil
}
