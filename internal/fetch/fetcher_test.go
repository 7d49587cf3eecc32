package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine leaks past fetchHTTPSync's result channel,
// which would otherwise pile up across a long research run's many fetches.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIsSuccess(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   bool
	}{
		{200, strings.Repeat("x", 100), true},
		{200, strings.Repeat("x", 99), false},
		{404, strings.Repeat("x", 200), false},
		{200, "", false},
	}
	for _, c := range cases {
		if got := isSuccess(c.status, []byte(c.body)); got != c.want {
			t.Errorf("isSuccess(%d, len=%d) = %v, want %v", c.status, len(c.body), got, c.want)
		}
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://www.example.com/product/1"); got != "www.example.com" {
		t.Errorf("unexpected host: %q", got)
	}
	if got := hostOf("not a url"); got != "" {
		t.Errorf("expected empty host for invalid url, got %q", got)
	}
}

func TestFetch_SucceedsOnHTTPAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("product content ", 20)))
	}))
	defer srv.Close()

	f := NewFetcher(nil)
	f.Timeout = 2 * time.Second

	res := f.Fetch(context.Background(), srv.URL)
	if !res.Success {
		t.Fatalf("expected success, got error: %v", res.Error)
	}
	if res.MethodUsed != "http_async" {
		t.Errorf("expected http_async to win, got %q", res.MethodUsed)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}
}

func TestFetch_ShortBodyFailsThenAllTransportsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	f := NewFetcher(nil)
	f.Timeout = 500 * time.Millisecond

	res := f.Fetch(context.Background(), srv.URL)
	if res.Success {
		t.Error("expected short body to fail every non-browser, non-curl-reachable transport")
	}
}

func TestApplyRateLimit_EnforcesMinimumGap(t *testing.T) {
	f := NewFetcher(nil)

	start := time.Now()
	f.applyRateLimit("https://example.com/a")
	f.applyRateLimit("https://example.com/b")
	elapsed := time.Since(start)

	if elapsed < minDomainGap {
		t.Errorf("expected at least %v between same-domain requests, got %v", minDomainGap, elapsed)
	}
}

func TestApplyRateLimit_DifferentDomainsDoNotWait(t *testing.T) {
	f := NewFetcher(nil)

	start := time.Now()
	f.applyRateLimit("https://example.com/a")
	f.applyRateLimit("https://other.com/b")
	elapsed := time.Since(start)

	if elapsed >= minDomainGap {
		t.Errorf("expected different domains to not incur rate-limit wait, took %v", elapsed)
	}
}
