// Package normalizer moves raw uploads to their canonical keys and hands
// them to the indexer.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/storage"
)

// ObjectStore is the subset of object storage the normalizer needs.
type ObjectStore interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
}

// IndexInvoker hands a canonical object to the indexer, in process or
// through a queue.
type IndexInvoker interface {
	Invoke(ctx context.Context, req models.IndexRequest) error
}

// Outcome describes how an event was resolved.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeNormalized  Outcome = "normalized"
	OutcomeAlready     Outcome = "already_normalized"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeGone        Outcome = "gone"
)

// Normalizer is safe for concurrent use across different objects and
// idempotent for repeated events on the same object.
type Normalizer struct {
	objects   ObjectStore
	indexer   IndexInvoker
	extractor *metadata.Extractor
	reporter  *failures.Reporter
	keepRaw   bool
	logger    *zap.Logger
}

// New creates a normalizer. With keepRaw the raw object is left in place
// after copying.
func New(objects ObjectStore, indexer IndexInvoker, extractor *metadata.Extractor, reporter *failures.Reporter, keepRaw bool, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = failures.NewReporter(nil, logger)
	}
	return &Normalizer{
		objects:   objects,
		indexer:   indexer,
		extractor: extractor,
		reporter:  reporter,
		keepRaw:   keepRaw,
		logger:    logger,
	}
}

// Handle processes one object-created event. Returned errors are transient
// and should cause redelivery; parse failures are quarantined instead.
func (n *Normalizer) Handle(ctx context.Context, ref models.ObjectRef) error {
	out, err := n.Normalize(ctx, ref)
	if err != nil {
		metrics.Normalized.WithLabelValues("error").Inc()
		n.logger.Warn("normalize failed", zap.String("key", ref.Key), zap.Error(err))
		return err
	}
	metrics.Normalized.WithLabelValues(string(out)).Inc()
	return nil
}

// Normalize runs the normalization steps and reports the outcome.
func (n *Normalizer) Normalize(ctx context.Context, ref models.ObjectRef) (Outcome, error) {
	if !metadata.IsRawKey(ref.Key) {
		return OutcomeIgnored, nil
	}
	rel := metadata.RelativeRawPath(ref.Key)
	name := path.Base(rel)
	log := n.logger.With(zap.String("key", ref.Key))

	raw, err := n.objects.Head(ctx, ref.Key)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return n.rawGone(ctx, ref, rel, log)
		}
		return "", err
	}

	id, err := n.identify(rel, raw.Metadata)
	if err != nil {
		if qerr := n.quarantine(ctx, ref.Key, rel); qerr != nil {
			return "", qerr
		}
		n.reporter.Report(ctx, models.StageNormalize, ref.Key, 1, err)
		log.Warn("quarantined unparseable upload", zap.String("quarantine_key", metadata.QuarantineKey(rel)))
		return OutcomeQuarantined, nil
	}
	canonical := metadata.CanonicalKey(id, name)

	outcome := OutcomeNormalized
	_, err = n.objects.Head(ctx, canonical)
	switch {
	case err == nil:
		outcome = OutcomeAlready
	case errors.Is(err, apperr.ErrNotFound):
		if err := n.objects.Copy(ctx, ref.Key, canonical); err != nil {
			return "", fmt.Errorf("copy to canonical: %w", err)
		}
	default:
		return "", fmt.Errorf("head canonical: %w", err)
	}

	size := raw.Size
	if size == 0 {
		size = ref.Size
	}
	if err := n.indexer.Invoke(ctx, models.IndexRequest{Bucket: ref.Bucket, Key: canonical, Size: size}); err != nil {
		return "", fmt.Errorf("invoke indexer: %w", err)
	}

	if !n.keepRaw {
		if err := n.objects.Delete(ctx, ref.Key); err != nil {
			log.Warn("delete raw object failed", zap.Error(err))
		}
	}
	log.Info("normalized upload", zap.String("canonical_key", canonical), zap.String("outcome", string(outcome)))
	return outcome, nil
}

// identify derives the segment from the raw path below the upload prefix.
// Names that do not carry a camera fall back to the upload metadata. The
// stored site wins over the path. The resulting canonical key must parse
// back, since the indexer reads the identity from it.
func (n *Normalizer) identify(rel string, meta map[string]string) (models.SegmentIdentity, error) {
	id, err := n.extractor.Extract(rel)
	if err != nil {
		stored, ok := metadata.IdentityFromMetadata(meta)
		if !ok {
			return models.SegmentIdentity{}, err
		}
		id = stored
	}
	if site := meta[metadata.MetaSite]; site != "" {
		id.SiteID = site
	}
	if id.SiteID == "" {
		id.SiteID = n.extractor.DefaultSite
	}
	if _, err := n.extractor.ParseCanonicalKey(metadata.CanonicalKey(id, path.Base(rel))); err != nil {
		return models.SegmentIdentity{}, err
	}
	return id, nil
}

// rawGone handles a repeated event whose raw object was already moved. When
// the canonical object can be located from the raw path the indexer is
// invoked again, which is a no-op for an indexed segment.
func (n *Normalizer) rawGone(ctx context.Context, ref models.ObjectRef, rel string, log *zap.Logger) (Outcome, error) {
	id, err := n.extractor.Extract(rel)
	if err != nil {
		log.Debug("raw object gone and name unparseable")
		return OutcomeGone, nil
	}
	canonical := metadata.CanonicalKey(id, path.Base(rel))
	info, err := n.objects.Head(ctx, canonical)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Info("raw object already processed")
			return OutcomeGone, nil
		}
		return "", fmt.Errorf("head canonical: %w", err)
	}
	if err := n.indexer.Invoke(ctx, models.IndexRequest{Bucket: ref.Bucket, Key: canonical, Size: info.Size}); err != nil {
		return "", fmt.Errorf("invoke indexer: %w", err)
	}
	return OutcomeAlready, nil
}

func (n *Normalizer) quarantine(ctx context.Context, key, rel string) error {
	if err := n.objects.Copy(ctx, key, metadata.QuarantineKey(rel)); err != nil {
		return fmt.Errorf("copy to quarantine: %w", err)
	}
	if err := n.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete quarantined raw: %w", err)
	}
	return nil
}
