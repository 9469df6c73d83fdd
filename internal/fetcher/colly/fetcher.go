// Package collyfetch implements ingest.Fetcher using the Colly collector.
package collyfetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/fetcher/ratelimit"
	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/metrics"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Config controls collector behavior.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	MaxBodyBytes int
	UserAgents   []string
	Proxies      []string
}

// Fetcher issues rate-limited GET/POST requests with bounded retries. It
// never returns a Go error for transport failure; every outcome is reported
// through the FetchResult so callers decide what to abandon.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
	uaIndex       atomic.Uint64
	logger        *zap.Logger
}

// New builds a Fetcher. A nil limiter disables domain pacing (tests only).
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 * 1024 * 1024
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{defaultUserAgent}
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// The raw byte cap is enforced by hand below; the collector reads one
	// extra byte so oversize bodies are distinguishable from exact fits.
	c.MaxBodySize = cfg.MaxBodyBytes + 1
	c.IgnoreRobotsTxt = true // robots handling lives in the scraper's cache

	if len(cfg.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, err
		}
		c.SetProxyFunc(switcher)
	}

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
		logger:        logger,
	}, nil
}

// Fetch executes one request with retry and backoff. Captcha detection and
// non-retryable HTTP statuses return immediately.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) ingest.FetchResult {
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return ingest.FetchResult{Err: ingest.FetchErrInvalidURL, Headers: http.Header{}}
	}

	target, err := buildURL(req)
	if err != nil {
		return ingest.FetchResult{Err: ingest.FetchErrInvalidURL, Headers: http.Header{}}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return ingest.FetchResult{Err: ingest.FetchErrRateLimitWait, Headers: http.Header{}}
		}
	}

	lastErr := ""
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		result, retryable := f.attempt(ctx, req, target)
		if !retryable {
			return result
		}
		lastErr = result.Err
		f.logger.Warn("fetch attempt failed",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", f.cfg.MaxRetries),
			zap.String("error", lastErr),
		)
		if attempt < f.cfg.MaxRetries-1 {
			if err := sleepWithContext(ctx, f.backoff(attempt)); err != nil {
				break
			}
		}
	}

	if lastErr == "" {
		lastErr = ingest.FetchErrRetriesSpent
	}
	return ingest.FetchResult{Err: lastErr, Headers: http.Header{}}
}

// attempt performs a single request. The second return value reports whether
// the failure is worth retrying.
func (f *Fetcher) attempt(ctx context.Context, req ingest.FetchRequest, target string) (ingest.FetchResult, bool) {
	var (
		result   ingest.FetchResult
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.nextUserAgent()
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.MaxBodySize = f.cfg.MaxBodyBytes + 1

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = ingest.FetchResult{
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			DurationMs: time.Since(start).Milliseconds(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			result = ingest.FetchResult{
				StatusCode: r.StatusCode,
				Headers:    cloneHeaders(r),
				Body:       append([]byte(nil), r.Body...),
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
	})

	visitErr := f.visit(ctx, collector, req, target)
	if result.Headers == nil {
		result.Headers = http.Header{}
	}
	result.DurationMs = time.Since(start).Milliseconds()

	// A received HTTP status, even an error one, is never retried here; the
	// scraper decides whether 404 ends pagination or a 5xx skips the page.
	if result.StatusCode > 0 {
		return f.inspectBody(result, target), false
	}

	if visitErr == nil {
		visitErr = fetchErr
	}
	switch {
	case visitErr == nil:
		return f.inspectBody(result, target), false
	case errors.Is(visitErr, context.Canceled):
		result.Err = visitErr.Error()
		return result, false
	case isTimeout(visitErr):
		result.Err = ingest.FetchErrTimeout
		return result, true
	default:
		result.Err = ingest.FetchErrConnection
		return result, true
	}
}

// inspectBody applies the size ceiling and captcha screen to a completed
// response.
func (f *Fetcher) inspectBody(result ingest.FetchResult, target string) ingest.FetchResult {
	if len(result.Body) > f.cfg.MaxBodyBytes {
		f.logger.Warn("response too large",
			zap.String("url", target),
			zap.Int("bytes", len(result.Body)),
		)
		result.Err = ingest.FetchErrTooLarge
		result.Body = nil
		return result
	}
	if IsCaptcha(string(result.Body)) {
		domain := "unknown"
		if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
			domain = u.Hostname()
		}
		metrics.ObserveCaptchaDetected(domain)
		f.logger.Error("captcha detected", zap.String("url", target))
		result.Err = ingest.FetchErrCaptcha
		result.CaptchaDetected = true
		if len(result.Body) > 1000 {
			result.Body = result.Body[:1000]
		}
		return result
	}
	return result
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, req ingest.FetchRequest, target string) error {
	done := make(chan error, 1)
	go func() {
		if strings.EqualFold(req.Method, http.MethodPost) {
			done <- collector.Post(target, req.Params)
			return
		}
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		// Let the in-flight request finish; partial writes are worse than a
		// slightly late cancellation.
		err := <-done
		if err != nil {
			return err
		}
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (f *Fetcher) nextUserAgent() string {
	idx := f.uaIndex.Add(1) - 1
	return f.cfg.UserAgents[idx%uint64(len(f.cfg.UserAgents))]
}

// backoff returns base*2^attempt plus up to 10% random jitter.
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := float64(f.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	return time.Duration(delay) + randomJitter(time.Duration(delay/10))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
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

func buildURL(req ingest.FetchRequest) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}
	if len(req.Params) > 0 && !strings.EqualFold(req.Method, http.MethodPost) {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func cloneHeaders(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
