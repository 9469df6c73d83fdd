package worker

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// snapshotter archives the scraped fragments of each page as one blob keyed
// snapshots/<sourceID>/<runKey>/page-N.html. Entries arrive in page order, so
// a page is flushed as soon as the next one starts. Failures are logged and
// swallowed; snapshots are an audit trail, not pipeline state.
type snapshotter struct {
	blobs       ingest.BlobStore
	contentType string
	sourceID    int64
	runKey      string
	logger      *zap.Logger

	page     int
	parts    [][]byte
	failures int
}

func newSnapshotter(blobs ingest.BlobStore, contentType string, sourceID int64, runKey string, logger *zap.Logger) *snapshotter {
	return &snapshotter{
		blobs:       blobs,
		contentType: contentType,
		sourceID:    sourceID,
		runKey:      runKey,
		logger:      logger,
	}
}

func (s *snapshotter) add(ctx context.Context, page int, payload []byte) {
	if s.blobs == nil || len(payload) == 0 {
		return
	}
	if page != s.page && len(s.parts) > 0 {
		s.flushPage(ctx)
	}
	s.page = page
	s.parts = append(s.parts, payload)
}

func (s *snapshotter) flush(ctx context.Context) {
	if s.blobs == nil || len(s.parts) == 0 {
		return
	}
	s.flushPage(ctx)
}

func (s *snapshotter) flushPage(ctx context.Context) {
	path := fmt.Sprintf("snapshots/%d/%s/page-%d.html", s.sourceID, s.runKey, s.page)
	if _, err := s.blobs.PutObject(ctx, path, s.contentType, bytes.Join(s.parts, []byte("\n"))); err != nil {
		s.failures++
		s.logger.Warn("page snapshot failed", zap.String("path", path), zap.Error(err))
	}
	s.parts = s.parts[:0]
}
