// Package uploader pushes byte streams into object storage, switching to
// a parallel multipart path for large sources. The multipart path splits
// the source into planned parts, uploads them on a bounded pool, then
// recombines them with a multi-round compose reduction that never exceeds
// the provider's fan-in limit per compose call.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/zipperd/zipperd/internal/metrics"
	"github.com/zipperd/zipperd/internal/storage"
)

// ErrPartUpload wraps storage failures from the part-upload workers.
var ErrPartUpload = errors.New("part upload failed")

// Config tunes an Uploader. Zero values fall back to defaults.
type Config struct {
	// ChunkSize is the preferred part size for multipart uploads.
	ChunkSize int64
	// SingleUploadThreshold is the largest source uploaded in one call.
	SingleUploadThreshold int64
	// MaxComposeInputs caps the inputs per compose call. Must not exceed
	// the provider limit.
	MaxComposeInputs int
	// Workers bounds the part-upload and compose pool. Submission blocks
	// when all workers are busy, providing backpressure instead of
	// unbounded queueing.
	Workers int
	// StampCustomTime stamps the destination object's custom-time
	// metadata with the completion time, for lifecycle rules.
	StampCustomTime bool
	// Metrics receives part-upload and compose counts. May be nil.
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SingleUploadThreshold <= 0 {
		c.SingleUploadThreshold = DefaultSingleUploadThreshold
	}
	if c.MaxComposeInputs <= 0 || c.MaxComposeInputs > storage.MaxComposeInputs {
		c.MaxComposeInputs = storage.MaxComposeInputs
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return c
}

// Uploader uploads sources into one bucket.
type Uploader struct {
	bucket storage.Bucket
	cfg    Config
	log    zerolog.Logger
}

// New creates an Uploader for the given bucket.
func New(bucket storage.Bucket, cfg Config, log zerolog.Logger) *Uploader {
	return &Uploader{
		bucket: bucket,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("bucket", bucket.Name()).Logger(),
	}
}

// Upload pushes src to the named object, choosing the single-part or
// multipart path by source size.
func (u *Uploader) Upload(ctx context.Context, src io.ReadSeeker, object string) error {
	locked := NewLockedReader(src)
	size, err := locked.Size()
	if err != nil {
		return err
	}

	if size <= u.cfg.SingleUploadThreshold {
		err = u.uploadSinglePart(ctx, src, object, size)
	} else {
		err = u.uploadMultiPart(ctx, locked, object, size)
	}
	if err != nil {
		return err
	}

	if u.cfg.StampCustomTime {
		u.log.Debug().Str("object", object).Msg("Stamping custom time metadata")
		if err := u.bucket.Object(object).SetCustomTime(ctx, time.Now().UTC()); err != nil {
			return fmt.Errorf("stamp custom time on %s: %w", object, err)
		}
	}
	return nil
}

func (u *Uploader) uploadSinglePart(ctx context.Context, src io.Reader, object string, size int64) error {
	u.log.Info().Str("object", object).Int64("size", size).Msg("Uploading as a single part")

	w := u.bucket.Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", object, err)
	}
	return nil
}

func (u *Uploader) uploadMultiPart(ctx context.Context, src *LockedReader, object string, size int64) error {
	parts, err := PlanParts(object, size, u.cfg.ChunkSize, u.cfg.MaxComposeInputs)
	if err != nil {
		return err
	}

	u.log.Info().
		Str("object", object).
		Int64("size", size).
		Int("parts", len(parts)).
		Msg("Uploading as a multipart upload")

	objs := make([]storage.Object, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Workers)
	for i, part := range parts {
		g.Go(func() error {
			obj, err := u.uploadPart(gctx, src, part)
			if err != nil {
				return err
			}
			objs[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		u.cleanupObjects(ctx, objs)
		return err
	}

	composed, err := u.reduceTo(ctx, objs, u.cfg.MaxComposeInputs)
	if err != nil {
		// A failed compose round leaves its inputs in place rather than
		// risking data loss; external cleanup reclaims them.
		return fmt.Errorf("compose %s: %w", object, err)
	}

	defer u.cleanupObjects(ctx, composed)
	if _, err := u.bucket.Object(object).ComposeFrom(ctx, composed); err != nil {
		return fmt.Errorf("compose %s: %w", object, err)
	}
	if u.cfg.Metrics != nil {
		u.cfg.Metrics.ComposeCalls.Inc()
	}
	return nil
}

// uploadPart reads one planned range from the shared source and writes
// it to the part's temporary object.
func (u *Uploader) uploadPart(ctx context.Context, src *LockedReader, part FilePart) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, part.Size)
	if _, err := src.ReadAt(buf, part.Offset); err != nil {
		return nil, fmt.Errorf("%w: part %d: %v", ErrPartUpload, part.Index, err)
	}

	obj := u.bucket.Object(part.Name)
	w := obj.NewWriter(ctx)
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: part %d: %v", ErrPartUpload, part.Index, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: part %d: %v", ErrPartUpload, part.Index, err)
	}

	if u.cfg.Metrics != nil {
		u.cfg.Metrics.PartsUploaded.Inc()
	}
	u.log.Debug().Int("part", part.Index).Int64("size", part.Size).Msg("Uploaded part")
	return obj, nil
}

// Reduce composes the given temporary objects down to a single object
// and returns its handle. Inputs of each successful compose are deleted;
// a failed compose leaves its inputs untouched.
func (u *Uploader) Reduce(ctx context.Context, objs []storage.Object) (storage.Object, error) {
	out, err := u.reduceTo(ctx, objs, 1)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// reduceTo runs reduction rounds until at most target handles remain.
// Groups within one round compose in parallel on the bounded pool; the
// next round only starts once the whole round has settled, since its
// inputs are the round's outputs.
func (u *Uploader) reduceTo(ctx context.Context, objs []storage.Object, target int) ([]storage.Object, error) {
	if len(objs) == 0 {
		return nil, storage.ErrNoComposeInputs
	}
	if target < 1 {
		target = 1
	}

	round := 0
	for len(objs) > target {
		groups := groupObjects(objs, u.cfg.MaxComposeInputs)
		next := make([]storage.Object, len(groups))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(u.cfg.Workers)
		for gi, group := range groups {
			if len(group) == 1 {
				// A leftover single carries forward without a compose call.
				next[gi] = group[0]
				continue
			}
			g.Go(func() error {
				obj, err := u.composeGroup(gctx, group)
				if err != nil {
					return err
				}
				next[gi] = obj
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		round++
		u.log.Debug().Int("round", round).Int("remaining", len(next)).Msg("Finished compose round")
		objs = next
	}
	return objs, nil
}

// composeGroup merges one ordered group into a new object named by
// hashing the constituent names, then deletes the consumed inputs.
func (u *Uploader) composeGroup(ctx context.Context, group []storage.Object) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obj := u.bucket.Object(composedName(group))
	if _, err := obj.ComposeFrom(ctx, group); err != nil {
		return nil, err
	}
	if u.cfg.Metrics != nil {
		u.cfg.Metrics.ComposeCalls.Inc()
	}
	u.cleanupObjects(ctx, group)
	return obj, nil
}

// cleanupObjects best-effort deletes temporary objects. Failures are
// logged and ignored: a leaked temp object costs storage, not
// correctness.
func (u *Uploader) cleanupObjects(ctx context.Context, objs []storage.Object) {
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			u.log.Warn().Err(err).Str("object", obj.Name()).Msg("Failed to delete temporary object")
		}
	}
}

func composedName(group []storage.Object) string {
	h, _ := blake2b.New256(nil)
	for _, obj := range group {
		h.Write([]byte(obj.Name()))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func groupObjects(objs []storage.Object, size int) [][]storage.Object {
	var groups [][]storage.Object
	for len(objs) > 0 {
		n := min(len(objs), size)
		groups = append(groups, objs[:n])
		objs = objs[n:]
	}
	return groups
}
