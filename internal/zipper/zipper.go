// Package zipper implements the archive-assembly pipeline: concurrent
// fetch of source objects into local staging, a dedicated archive
// worker, in-progress deduplication, lease maintenance, and requester
// notification.
package zipper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zipperd/zipperd/internal/metrics"
	"github.com/zipperd/zipperd/internal/notify"
	"github.com/zipperd/zipperd/internal/storage"
	"github.com/zipperd/zipperd/internal/uploader"
	"github.com/zipperd/zipperd/pkg/fingerprint"
	"github.com/zipperd/zipperd/pkg/wire"
)

// Config tunes the archive pipeline. Zero values fall back to defaults.
type Config struct {
	// Workers bounds the parallel fetch pool.
	Workers int
	// QueueDepth bounds the fetch-to-archiver queue.
	QueueDepth int
	// MaxInProgress is the deployment-wide cap on concurrent archive
	// jobs; the per-job spool memory budget is available memory divided
	// by it.
	MaxInProgress int
	// DrainPollInterval paces the wait for the archive worker after all
	// fetches are enqueued.
	DrainPollInterval time.Duration
	// SiblingPollInterval and SiblingWaitTimeout tune partial-file
	// waits; a zero timeout waits forever.
	SiblingPollInterval time.Duration
	SiblingWaitTimeout  time.Duration
	// Upload tunes the archive upload engine.
	Upload uploader.Config
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxInProgress <= 0 {
		c.MaxInProgress = 4
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 5 * time.Second
	}
	if c.SiblingPollInterval <= 0 {
		c.SiblingPollInterval = DefaultSiblingPollInterval
	}
	return c
}

// Result summarizes one completed archive build.
type Result struct {
	Fingerprint  string
	OutputBucket string
	OutputPath   string
	Manifest     []string
	Requesters   []string
	Duration     time.Duration
}

// ZipUploader drives archive requests end to end: stage, archive,
// upload, verify, notify.
type ZipUploader struct {
	srcBucket storage.Bucket
	dstBucket storage.Bucket
	scratch   billy.Filesystem
	cache     *InProgressCache
	sender    *notify.Sender
	metrics   *metrics.Metrics
	cfg       Config
	log       zerolog.Logger
}

// New creates a ZipUploader staging under scratch. cache and m may be
// nil; sender may be nil when notifications are not wanted (dev mode).
func New(src, dst storage.Bucket, scratch billy.Filesystem, cache *InProgressCache,
	sender *notify.Sender, m *metrics.Metrics, cfg Config, log zerolog.Logger) *ZipUploader {
	return &ZipUploader{
		srcBucket: src,
		dstBucket: dst,
		scratch:   scratch,
		cache:     cache,
		sender:    sender,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "zipper").Logger(),
	}
}

// Process builds the archive for the given files and notifies every
// requester. lease may be nil when no broker deadline needs extending.
// Any fatal stage failure cleans up local scratch state and surfaces as
// a ProcessError.
func (z *ZipUploader) Process(ctx context.Context, files []wire.FileRef,
	requesters []wire.Requester, lease *LeaseMonitor) (*Result, error) {
	start := time.Now()

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Object
	}
	_, fp := fingerprint.Files(names)

	log := z.log.With().Str("fingerprint", fp).Logger()
	log.Info().Int("files", len(files)).Msg("Processing archive request")

	res, err := z.process(ctx, fp, files, lease, log)
	if err != nil {
		if z.metrics != nil {
			z.metrics.ArchivesFailed.Inc()
		}
		return nil, &ProcessError{Fingerprint: fp, Err: err}
	}

	notified, err := z.notifyAndFinish(ctx, fp, requesters, res.Manifest)
	if err != nil {
		return nil, &ProcessError{Fingerprint: fp, Err: err}
	}
	res.Requesters = notified
	res.Duration = time.Since(start)

	if z.metrics != nil {
		z.metrics.RequestDurationSec.Observe(res.Duration.Seconds())
	}
	log.Info().
		Dur("duration", res.Duration).
		Int("requesters", len(notified)).
		Str("output", res.OutputPath).
		Msg("Archive request complete")
	return res, nil
}

func (z *ZipUploader) process(ctx context.Context, fp string, files []wire.FileRef,
	lease *LeaseMonitor, log zerolog.Logger) (*Result, error) {
	if len(files) == 0 {
		return nil, errors.New("no files requested")
	}

	if err := z.scratch.MkdirAll(fp, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	jobFS, err := z.scratch.Chroot(fp)
	if err != nil {
		return nil, fmt.Errorf("enter scratch dir: %w", err)
	}
	defer func() {
		if err := util.RemoveAll(z.scratch, fp); err != nil {
			log.Warn().Err(err).Msg("Scratch cleanup failed")
		}
	}()

	fetcher := NewFetcher(z.srcBucket, jobFS, log)
	fetcher.PollInterval = z.cfg.SiblingPollInterval
	fetcher.WaitTimeout = z.cfg.SiblingWaitTimeout

	upCfg := z.cfg.Upload
	upCfg.Metrics = z.metrics
	up := uploader.New(z.dstBucket, upCfg, log)
	writer := NewArchiveWriter(jobFS, up, fp, z.cfg.QueueDepth,
		SpoolThreshold(z.cfg.MaxInProgress), z.metrics, log)
	go writer.Run(ctx)

	if err := z.fetchAll(ctx, fetcher, writer, files, lease); err != nil {
		// The partial archive must never reach the destination bucket.
		writer.Abort()
		<-writer.Done()
		return nil, err
	}
	writer.Finish()

	if err := z.drain(ctx, writer, len(files), lease); err != nil {
		return nil, err
	}
	if err := writer.Err(); err != nil {
		return nil, err
	}

	// The upload reported success; trust nothing and confirm the object
	// is actually there before telling anyone about it.
	if _, err := z.dstBucket.Object(writer.ObjectName()).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveMissing, writer.ObjectName())
		}
		return nil, fmt.Errorf("verify %s: %w", writer.ObjectName(), err)
	}

	return &Result{
		Fingerprint:  fp,
		OutputBucket: z.dstBucket.Name(),
		OutputPath:   fmt.Sprintf("gs://%s/%s", z.dstBucket.Name(), writer.ObjectName()),
		Manifest:     writer.Manifest(),
	}, nil
}

// fetchAll downloads every requested file on the bounded pool, feeding
// the archive worker in completion order. Missing objects become fault
// items; any other failure aborts the batch.
func (z *ZipUploader) fetchAll(ctx context.Context, fetcher *Fetcher, writer *ArchiveWriter,
	files []wire.FileRef, lease *LeaseMonitor) error {
	// Smallest files first so early completions keep the archive
	// worker fed while large downloads run.
	ordered := make([]wire.FileRef, len(files))
	copy(ordered, files)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Size < ordered[j].Size })

	total := len(ordered)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(z.cfg.Workers)
	for _, f := range ordered {
		g.Go(func() error {
			object, err := fetcher.Fetch(gctx, f.Object)
			var notFound *BlobNotFoundError
			switch {
			case errors.As(err, &notFound):
				writer.Enqueue(ArchiveItem{Object: f.Object, Fault: true})
			case err != nil:
				return err
			default:
				writer.Enqueue(ArchiveItem{Object: object})
				if z.metrics != nil {
					z.metrics.FilesFetched.Inc()
				}
			}
			return lease.Check(gctx, int(writer.Written()), total)
		})
	}
	return g.Wait()
}

// drain waits for the archive worker to finish the already-enqueued
// work, keeping the lease alive off the shared progress counter.
func (z *ZipUploader) drain(ctx context.Context, writer *ArchiveWriter, total int,
	lease *LeaseMonitor) error {
	ticker := time.NewTicker(z.cfg.DrainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-writer.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := lease.Check(ctx, int(writer.Written()), total); err != nil {
				return err
			}
		}
	}
}

// NotifyOnly sends notifications for an archive that a concurrent or
// earlier build already produced, then marks the fingerprint finished.
// Used on a dedup hit where only notification is owed.
func (z *ZipUploader) NotifyOnly(ctx context.Context, fp string,
	requesters []wire.Requester, manifest []string) (*Result, error) {
	notified, err := z.notifyAndFinish(ctx, fp, requesters, manifest)
	if err != nil {
		return nil, &ProcessError{Fingerprint: fp, Err: err}
	}
	return &Result{
		Fingerprint:  fp,
		OutputBucket: z.dstBucket.Name(),
		OutputPath:   fmt.Sprintf("gs://%s/%s.zip", z.dstBucket.Name(), fp),
		Manifest:     manifest,
		Requesters:   notified,
	}, nil
}

// notifyAndFinish resolves the requester list, fans out notifications,
// and marks the cache entry finished.
func (z *ZipUploader) notifyAndFinish(ctx context.Context, fp string,
	requesters []wire.Requester, manifest []string) ([]string, error) {
	if len(requesters) == 0 && z.cache != nil {
		requesters = z.cache.GetRequesters(fp)
	}

	notified := make([]string, 0, len(requesters))
	for _, r := range requesters {
		if z.sender != nil {
			msg := &wire.UserNotificationMessage{
				Requester: r,
				Zipfile:   fp + ".zip",
				Files:     manifest,
			}
			if err := z.sender.Send(ctx, msg); err != nil {
				return nil, fmt.Errorf("notify %s: %w", r.String(), err)
			}
			if z.metrics != nil {
				z.metrics.NotificationsSent.Inc()
			}
		}
		notified = append(notified, r.String())
	}

	if z.cache != nil {
		if err := z.cache.FinishFile(fp); err != nil && !errors.Is(err, ErrUnknownFingerprint) {
			return nil, err
		}
	}
	return notified, nil
}
