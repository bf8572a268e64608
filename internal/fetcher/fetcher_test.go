package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/monitor-cli/internal/config"
)

func testFetcherConfig() config.FetcherConfig {
	return config.FetcherConfig{
		UserAgent:      "monitor-cli test",
		TimeoutSecs:    5,
		RequestsPerSec: 100,
		Burst:          100,
	}
}

func TestFetch_ReturnsBodyAndSetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("filing body")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testFetcherConfig())
	body, err := f.Fetch(context.Background(), srv.URL+"/doc/1")
	require.NoError(t, err)
	assert.Equal(t, "filing body", string(body))
	assert.Equal(t, "monitor-cli test", gotUA)
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testFetcherConfig())
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testFetcherConfig())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAdaptiveLimiter_TunesRate(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnRateLimit()
	assert.Equal(t, rate.Limit(5), lim.Limit())

	for range 10 {
		lim.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), lim.Limit())

	for range 10 {
		lim.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), lim.Limit())
}
