package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/resilience"
)

// maxFeedBytes bounds how much of a feed document is read.
const maxFeedBytes = 16 << 20

// Options configures the HTTP feed fetcher.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	Retry        resilience.RetryConfig
	Breaker      resilience.CircuitBreakerConfig
	PerHostRate  rate.Limit
	PerHostBurst int
}

// FeedFetcher implements Fetcher over net/http. Each host gets its own
// rate limiter and circuit breaker, created on first use.
type FeedFetcher struct {
	client *http.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers *resilience.ServiceBreakers
}

// New creates a FeedFetcher with the given options.
func New(opts Options) *FeedFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "newsbot/1.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PerHostRate == 0 {
		opts.PerHostRate = 2
	}
	if opts.PerHostBurst == 0 {
		opts.PerHostBurst = 4
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &FeedFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		breakers: resilience.NewServiceBreakers(opts.Breaker),
	}
}

func (f *FeedFetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.opts.PerHostRate, f.opts.PerHostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// BreakerStates exposes per-host circuit states for diagnostics.
func (f *FeedFetcher) BreakerStates() map[string]resilience.CircuitState {
	return f.breakers.States()
}

// Fetch retrieves one feed. Conditional headers from the Source's
// fetch cache are attached; every terminal failure lands in
// FetchResult.Err, never in a panic or an aborted run.
func (f *FeedFetcher) Fetch(ctx context.Context, src model.Source) FetchResult {
	u, err := url.Parse(src.URL)
	if err != nil {
		return FetchResult{Status: StatusError, Err: eris.Wrapf(err, "fetch %s: parse url", src.URL)}
	}

	lim := f.limiterFor(u.Host)
	cb := f.breakers.Get(u.Host)

	cfg := f.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("fetcher", src.URL)

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (FetchResult, error) {
		if err := lim.Wait(ctx); err != nil {
			return FetchResult{}, eris.Wrap(err, "rate limiter wait")
		}
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (FetchResult, error) {
			return f.attempt(ctx, src)
		})
	})
	if err != nil {
		return FetchResult{Status: StatusError, Err: eris.Wrapf(err, "fetch %s", src.URL)}
	}
	return res
}

// attempt performs one HTTP round trip and classifies the outcome.
func (f *FeedFetcher) attempt(ctx context.Context, src model.Source) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if !src.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", src.LastModified.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Let the transient check inspect the network error.
		return FetchResult{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// Cache stands; nothing to parse.
		return FetchResult{
			Status:       StatusNotModified,
			ETag:         src.ETag,
			LastModified: src.LastModified,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return FetchResult{}, resilience.NewRateLimitError(
			eris.Errorf("http 429 from %s", src.URL), retryAfter)

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return FetchResult{}, resilience.NewTransientError(
			eris.Errorf("http %d from %s", resp.StatusCode, src.URL), resp.StatusCode)

	case resp.StatusCode != http.StatusOK:
		return FetchResult{}, eris.Errorf("http %d from %s", resp.StatusCode, src.URL)
	}

	entries, err := ParseFeed(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		// Malformed feed content is terminal, not retried.
		return FetchResult{}, err
	}

	etag := resp.Header.Get("ETag")
	lastModified := parseLastModified(resp.Header.Get("Last-Modified"))

	zap.L().Debug("feed fetched",
		zap.String("url", src.URL),
		zap.Int("entries", len(entries)),
		zap.String("etag", etag),
	)

	return FetchResult{
		Status:       StatusOK,
		Entries:      entries,
		ETag:         etag,
		LastModified: lastModified,
	}, nil
}

// parseRetryAfter reads a Retry-After header as delta seconds or as an
// HTTP date. Missing or unparsable values yield 0, which falls back to
// the backoff schedule.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// parseLastModified parses a Last-Modified header, clamping values
// from the future (server clock skew) to now.
func parseLastModified(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		zap.L().Debug("unparsable Last-Modified header", zap.String("value", v))
		return time.Time{}
	}
	if now := time.Now().UTC(); t.After(now) {
		return now
	}
	return t.UTC()
}
