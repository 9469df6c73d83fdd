package scraper

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/metrics"
	"github.com/openlistings/listing-ingest/internal/progress"
)

// boardListingsPerPage is the assumed page size for offset-paginated boards.
const boardListingsPerPage = 15

// Scraper drives pagination for one source and yields raw entries.
type Scraper interface {
	Scrape(ctx context.Context, src ingest.Source, runKey string) *Stream
}

// Deps are the collaborators shared by all scraper variants.
type Deps struct {
	Fetcher ingest.Fetcher
	Gate    ingest.ComplianceGate
	Robots  *RobotsCache
	Clock   ingest.Clock
	Hub     progress.Emitter
	Logger  *zap.Logger
}

// Config holds pagination knobs.
type Config struct {
	PoliteDelay  time.Duration
	MaxPages     int
	StreamBuffer int
}

// Factory hands out the scraper variant matching a source type.
type Factory struct {
	deps Deps
	cfg  Config
}

// NewFactory validates defaults and builds a Factory.
func NewFactory(deps Deps, cfg Config) *Factory {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PoliteDelay <= 0 {
		cfg.PoliteDelay = 2 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	return &Factory{deps: deps, cfg: cfg}
}

// For returns the scraper for a source type; unknown types get the generic
// variant.
func (f *Factory) For(sourceType string) Scraper {
	var v variant
	switch strings.ToLower(sourceType) {
	case "board":
		v = boardVariant{}
	case "product":
		v = productVariant{}
	default:
		v = genericVariant{}
	}
	return &pageScraper{deps: f.deps, cfg: f.cfg, variant: v}
}

// variant supplies the per-source-type pieces of the shared page loop.
type variant interface {
	request(src ingest.Source, page int) ingest.FetchRequest
	fallbacks() []string
	extract(sel fragment, selectors map[string]string, pageURL string) (ingest.RawFields, string)
	defaultKind() ingest.RecordKind
}

type pageScraper struct {
	deps    Deps
	cfg     Config
	variant variant
}

// Scrape starts the page loop in a goroutine and returns immediately; the
// caller drains the stream.
func (s *pageScraper) Scrape(ctx context.Context, src ingest.Source, runKey string) *Stream {
	stream := newStream(s.cfg.StreamBuffer)
	go s.run(ctx, src, runKey, stream)
	return stream
}

func (s *pageScraper) run(ctx context.Context, src ingest.Source, runKey string, stream *Stream) {
	logger := s.deps.Logger.With(
		zap.String("source", src.Name),
		zap.String("run_key", runKey),
	)
	logger.Info("starting scrape", zap.String("base_url", src.BaseURL))

	yielded := 0
	for page := 1; page <= s.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			stream.finish(End{Aborted: true, Reason: AbortCancelled, Pages: page - 1})
			return
		}

		req := s.variant.request(src, page)

		if s.deps.Robots != nil && !s.deps.Robots.Allowed(ctx, req.URL) {
			logger.Warn("robots.txt disallows page", zap.String("url", req.URL))
			stream.finish(End{Pages: page - 1})
			return
		}
		if s.deps.Gate != nil {
			if ok, reason := s.deps.Gate.CheckURL(req.URL); !ok {
				logger.Warn("compliance blocked page",
					zap.String("url", req.URL),
					zap.String("reason", reason),
				)
				stream.finish(End{Aborted: true, Reason: AbortCompliance, Pages: page - 1})
				return
			}
		}

		if page > 1 {
			if err := sleepWithContext(ctx, s.cfg.PoliteDelay); err != nil {
				stream.finish(End{Aborted: true, Reason: AbortCancelled, Pages: page - 1})
				return
			}
		}
		if s.deps.Gate != nil {
			if err := s.deps.Gate.EnforceRateLimit(ctx, req.URL); err != nil {
				stream.finish(End{Aborted: true, Reason: AbortCancelled, Pages: page - 1})
				return
			}
		}

		logger.Info("fetching page", zap.Int("page", page), zap.String("url", req.URL))
		res := s.deps.Fetcher.Fetch(ctx, req)
		s.emitPage(src, runKey, req.URL, page, res)

		if res.CaptchaDetected {
			logger.Error("captcha detected, stopping scrape", zap.Int("page", page))
			stream.finish(End{Aborted: true, Reason: AbortCaptcha, Pages: page})
			return
		}
		if res.Err != "" {
			logger.Error("page fetch failed",
				zap.Int("page", page),
				zap.String("error", res.Err),
			)
			continue
		}
		if res.StatusCode == http.StatusNotFound {
			logger.Info("reached end of pagination", zap.Int("page", page))
			stream.finish(End{Pages: page})
			return
		}
		if res.StatusCode != http.StatusOK {
			logger.Warn("non-200 page skipped",
				zap.Int("page", page),
				zap.Int("status", res.StatusCode),
			)
			continue
		}

		body := string(res.Body)
		if s.deps.Gate != nil {
			if ok, reason := s.deps.Gate.CheckMetaRobots(body); !ok {
				logger.Warn("meta robots prohibits page", zap.String("reason", reason))
				stream.finish(End{Aborted: true, Reason: AbortMetaRobots, Pages: page})
				return
			}
		}

		fragments, jsRendered := splitListings(body, src.Selectors["listing"], s.variant.fallbacks())
		if jsRendered {
			logger.Warn("page appears to be rendered client-side", zap.Int("page", page))
			sentinel := ingest.RawEntry{
				SourceID:   src.ID,
				SourceName: src.Name,
				ExternalID: JSRenderSentinel,
				Kind:       s.kindFor(src),
				Fields:     ingest.RawFields{ParseWarning: "js_rendered_content"},
				FetchMeta:  fetchMetaFor(res, req.URL, page),
				ScrapedAt:  s.now(),
			}
			if !s.send(ctx, stream, sentinel, page) {
				return
			}
			stream.finish(End{Aborted: true, Reason: AbortJSRendered, Pages: page})
			return
		}
		if len(fragments) == 0 {
			logger.Info("no listings found, stopping", zap.Int("page", page))
			stream.finish(End{Pages: page})
			return
		}

		for _, frag := range fragments {
			fields, externalID := s.variant.extract(frag, src.Selectors, req.URL)
			entry := ingest.RawEntry{
				SourceID:   src.ID,
				SourceName: src.Name,
				ExternalID: externalID,
				Kind:       s.kindFor(src),
				Payload:    []byte(fragmentHTML(frag)),
				Fields:     fields,
				FetchMeta:  fetchMetaFor(res, req.URL, page),
				ScrapedAt:  s.now(),
			}
			if !s.send(ctx, stream, entry, page) {
				return
			}
			yielded++
			s.emitEntry(src, runKey)
		}
		logger.Info("page scraped",
			zap.Int("page", page),
			zap.Int("listings", len(fragments)),
		)
	}

	logger.Info("scrape complete", zap.Int("listings", yielded))
	stream.finish(End{Pages: s.cfg.MaxPages})
}

// send delivers one entry, honoring cancellation. Returns false when the
// stream was finished because the context ended.
func (s *pageScraper) send(ctx context.Context, stream *Stream, entry ingest.RawEntry, page int) bool {
	select {
	case stream.entries <- entry:
		return true
	case <-ctx.Done():
		stream.finish(End{Aborted: true, Reason: AbortCancelled, Pages: page})
		return false
	}
}

func (s *pageScraper) emitPage(src ingest.Source, runKey, pageURL string, page int, res ingest.FetchResult) {
	class := metrics.StatusClass(res.StatusCode)
	if res.Err != "" && res.StatusCode == 0 {
		class = "err"
	}
	metrics.ObservePageFetched(src.Name, class)
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Emit(progress.Event{
		RunKey:      runKey,
		TS:          s.now(),
		Stage:       progress.StagePageFetched,
		Source:      src.Name,
		URL:         pageURL,
		Page:        page,
		Bytes:       int64(len(res.Body)),
		StatusClass: class,
		Dur:         time.Duration(res.DurationMs) * time.Millisecond,
		Note:        res.Err,
	})
}

func (s *pageScraper) emitEntry(src ingest.Source, runKey string) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Emit(progress.Event{
		RunKey: runKey,
		TS:     s.now(),
		Stage:  progress.StageEntryScraped,
		Source: src.Name,
	})
}

func (s *pageScraper) kindFor(src ingest.Source) ingest.RecordKind {
	if src.Kind != "" {
		return src.Kind
	}
	return s.variant.defaultKind()
}

func (s *pageScraper) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func fetchMetaFor(res ingest.FetchResult, pageURL string, page int) ingest.FetchMeta {
	return ingest.FetchMeta{
		StatusCode: res.StatusCode,
		DurationMs: res.DurationMs,
		PageURL:    pageURL,
		PageNum:    page,
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// genericVariant paginates via a URL template with a {page} placeholder.
type genericVariant struct{}

func (genericVariant) request(src ingest.Source, page int) ingest.FetchRequest {
	pageURL := src.BaseURL
	if src.PaginationTemplate != "" {
		pageURL = strings.ReplaceAll(src.PaginationTemplate, "{page}", strconv.Itoa(page))
	}
	return ingest.FetchRequest{URL: pageURL}
}

func (genericVariant) fallbacks() []string { return listingFallbacks }

func (genericVariant) extract(sel fragment, selectors map[string]string, pageURL string) (ingest.RawFields, string) {
	return extractJobFields(sel, selectors, pageURL)
}

func (genericVariant) defaultKind() ingest.RecordKind { return ingest.KindJob }

// boardVariant paginates via an offset query parameter against a fixed URL.
type boardVariant struct{}

func (boardVariant) request(src ingest.Source, page int) ingest.FetchRequest {
	params := make(map[string]string, len(src.SearchParams)+1)
	for k, v := range src.SearchParams {
		params[k] = v
	}
	params["start"] = strconv.Itoa((page - 1) * boardListingsPerPage)
	return ingest.FetchRequest{URL: src.BaseURL, Params: params}
}

func (boardVariant) fallbacks() []string { return listingFallbacks }

func (boardVariant) extract(sel fragment, selectors map[string]string, pageURL string) (ingest.RawFields, string) {
	return extractJobFields(sel, selectors, pageURL)
}

func (boardVariant) defaultKind() ingest.RecordKind { return ingest.KindJob }

// productVariant paginates product grids via a page query parameter.
type productVariant struct{}

func (productVariant) request(src ingest.Source, page int) ingest.FetchRequest {
	params := make(map[string]string, len(src.SearchParams)+1)
	for k, v := range src.SearchParams {
		params[k] = v
	}
	params["page"] = strconv.Itoa(page)
	return ingest.FetchRequest{URL: src.BaseURL, Params: params}
}

func (productVariant) fallbacks() []string { return productFallbacks }

func (productVariant) extract(sel fragment, selectors map[string]string, pageURL string) (ingest.RawFields, string) {
	return extractProductFields(sel, selectors, pageURL)
}

func (productVariant) defaultKind() ingest.RecordKind { return ingest.KindProduct }
