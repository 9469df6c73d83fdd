package collyfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return f
}

func TestFetch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>listings</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.True(t, res.OK())
	require.Empty(t, res.Err)
	require.False(t, res.CaptchaDetected)
	require.Contains(t, string(res.Body), "listings")
	require.Equal(t, "text/html", res.Headers.Get("Content-Type"))
}

func TestFetch_InvalidScheme(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{})
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: "ftp://example.com/file"})
	require.Equal(t, ingest.FetchErrInvalidURL, res.Err)
	require.Zero(t, res.StatusCode)
}

func TestFetch_CaptchaNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>please complete the security check</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxRetries: 3})
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.True(t, res.CaptchaDetected)
	require.Equal(t, ingest.FetchErrCaptcha, res.Err)
	require.Equal(t, int32(1), hits.Load(), "captcha responses must not be retried")
}

func TestFetch_CaptchaBodyTruncated(t *testing.T) {
	t.Parallel()

	long := "recaptcha " + strings.Repeat("x", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
	require.True(t, res.CaptchaDetected)
	require.LessOrEqual(t, len(res.Body), 1000)
}

func TestFetch_NotFoundReturnedWithoutRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxRetries: 3})
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, int32(1), hits.Load(), "HTTP error statuses must not be retried")
}

func TestFetch_OversizedBodyRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxBodyBytes: 1024})
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.FetchErrTooLarge, res.Err)
	require.Empty(t, res.Body)
}

func TestFetch_RetriesConnectionErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	srv.Close() // connection refused from here on

	f := newTestFetcher(t, Config{MaxRetries: 2, BackoffBase: 10 * time.Millisecond})
	start := time.Now()
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.FetchErrConnection, res.Err)
	require.Zero(t, res.StatusCode)
	// One backoff gap between the two attempts.
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestFetch_QueryParamsAppended(t *testing.T) {
	t.Parallel()

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	res := f.Fetch(context.Background(), ingest.FetchRequest{
		URL:    srv.URL + "/jobs",
		Params: map[string]string{"q": "golang", "start": "10"},
	})
	require.True(t, res.OK())
	require.Contains(t, gotQuery, "q=golang")
	require.Contains(t, gotQuery, "start=10")
}

func TestFetch_UserAgentRotation(t *testing.T) {
	t.Parallel()

	var agents []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents = append(agents, r.UserAgent())
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{UserAgents: []string{"bot-a/1.0", "bot-b/1.0"}})
	for i := 0; i < 2; i++ {
		res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
		require.True(t, res.OK())
	}
	require.Equal(t, []string{"bot-a/1.0", "bot-b/1.0"}, agents)
}

func TestIsCaptcha(t *testing.T) {
	t.Parallel()

	require.True(t, IsCaptcha("Please VERIFY you are HUMAN"))
	require.True(t, IsCaptcha(`<iframe src="https://google.com/recaptcha/api2"></iframe>`))
	require.False(t, IsCaptcha("<html><body>Senior Developer - Acme</body></html>"))
}
