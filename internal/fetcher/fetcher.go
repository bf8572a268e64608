package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/resilience"
)

// DocumentFetcher retrieves raw disclosure documents. Handlers receive the
// bytes; the fetcher owns rate limiting and retry.
type DocumentFetcher interface {
	Fetch(ctx context.Context, sourceRef string) ([]byte, error)
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive tuning: success nudges
// the rate up 20% (capped at 2x initial), a 429 halves it (floored at
// initial/4).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("fetcher: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements DocumentFetcher over net/http with per-host
// adaptive rate limiting, per-host circuit breakers, and bounded retry.
type HTTPFetcher struct {
	client   *http.Client
	cfg      config.FetcherConfig
	breakers *resilience.HostBreakers

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

func NewHTTPFetcher(cfg config.FetcherConfig) *HTTPFetcher {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
			Transport: transport,
		},
		cfg:      cfg,
		breakers: resilience.NewHostBreakers(resilience.CircuitBreakerConfig{}),
		limiters: map[string]*AdaptiveLimiter{},
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(f.cfg.RequestsPerSec), f.cfg.Burst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch retrieves sourceRef. Transient failures (network errors, 429, 5xx)
// are retried with backoff inside the per-host circuit breaker; a tripped
// breaker fails fast without touching the host.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceRef string) ([]byte, error) {
	u, err := url.Parse(sourceRef)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse source ref %s", sourceRef)
	}
	limiter := f.limiterFor(u.Host)
	breaker := f.breakers.Get(u.Host)

	var body []byte
	err = resilience.Do(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		if err := limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "fetcher: rate limiter wait")
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceRef, nil)
			if err != nil {
				return eris.Wrap(err, "fetcher: create request")
			}
			req.Header.Set("User-Agent", f.cfg.UserAgent)

			resp, err := f.client.Do(req)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			defer resp.Body.Close() //nolint:errcheck

			if resp.StatusCode == http.StatusTooManyRequests {
				limiter.OnRateLimit()
				return resilience.NewTransientError(
					eris.Errorf("fetcher: http 429 from %s", u.Host), resp.StatusCode)
			}
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(
					eris.Errorf("fetcher: http %d from %s", resp.StatusCode, u.Host), resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return eris.Errorf("fetcher: http %d from %s", resp.StatusCode, sourceRef)
			}

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), 0)
			}
			limiter.OnSuccess()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
