// Package fetch implements the resilient fetcher (C1): fetch a URL as text
// through an ordered chain of transports, exhausting every option before
// reporting failure, with per-domain pacing so no retailer sees a burst.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"researchcore/internal/browser"
	"researchcore/internal/logging"
)

// minDomainGap is the minimum spacing enforced between requests to the same domain.
const minDomainGap = 500 * time.Millisecond

// minSuccessBodyLen is the minimum response body length, combined with a 200
// status, required for a transport attempt to count as a success.
const minSuccessBodyLen = 100

// DefaultTimeout is the per-request budget; each attempt, including the HTTP
// transports' one retry, gets a fresh budget of this length.
const DefaultTimeout = 10 * time.Second

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Result is the outcome of a fetch attempt, win or lose.
type Result struct {
	HTML       string
	FinalURL   string
	MethodUsed string
	StatusCode int
	Headers    http.Header
	Success    bool
	Error      error
}

// Fetcher tries an ordered chain of transports until one succeeds.
type Fetcher struct {
	UserAgent string
	Timeout   time.Duration

	// Browser is optional; when set, Fetch falls back to driving a real page
	// through it as the third transport.
	Browser *browser.SessionManager

	mu          sync.Mutex
	lastRequest map[string]time.Time

	client *http.Client
}

// NewFetcher creates a fetcher with the default timeout and user agent. sm
// may be nil, in which case the browser transport is skipped.
func NewFetcher(sm *browser.SessionManager) *Fetcher {
	return &Fetcher{
		UserAgent:   defaultUserAgent,
		Timeout:     DefaultTimeout,
		Browser:     sm,
		lastRequest: make(map[string]time.Time),
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			// Redirects are followed by the default http.Client policy.
		},
	}
}

type transport struct {
	name string
	fn   func(ctx context.Context, f *Fetcher, rawURL string) Result
}

// Fetch tries, in order: an async HTTP client, a synchronous HTTP client (off
// the main scheduling path), a headless browser, and an external curl
// subprocess. The first transport to report success wins.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Result {
	f.applyRateLimit(rawURL)

	transports := []transport{
		{"http_async", fetchHTTPAsync},
		{"http_sync", fetchHTTPSync},
		{"browser", fetchBrowser},
		{"curl", fetchCurl},
	}

	var errs []string
	for _, t := range transports {
		logging.Fetch("attempting %s for %s", t.name, rawURL)
		res := t.fn(ctx, f, rawURL)
		if res.Success {
			logging.Fetch("%s succeeded for %s (status=%d)", t.name, rawURL, res.StatusCode)
			res.MethodUsed = t.name
			return res
		}
		msg := "unknown error"
		if res.Error != nil {
			msg = res.Error.Error()
		}
		errs = append(errs, fmt.Sprintf("%s: %s", t.name, msg))
		logging.FetchWarn("%s failed for %s: %s", t.name, rawURL, msg)
	}

	return Result{
		FinalURL:   rawURL,
		MethodUsed: "none",
		Success:    false,
		Error:      fmt.Errorf("all %d fetch transports failed: %s", len(transports), strings.Join(errs, "; ")),
	}
}

func (f *Fetcher) applyRateLimit(rawURL string) {
	domain := hostOf(rawURL)
	if domain == "" {
		return
	}

	f.mu.Lock()
	last, ok := f.lastRequest[domain]
	var wait time.Duration
	if ok {
		elapsed := time.Since(last)
		if elapsed < minDomainGap {
			wait = minDomainGap - elapsed
		}
	}
	f.lastRequest[domain] = time.Now().Add(wait)
	f.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func isSuccess(statusCode int, body []byte) bool {
	return statusCode == 200 && len(body) >= minSuccessBodyLen
}

// doHTTPRequest performs one GET with f's timeout, retrying once on failure.
func doHTTPRequest(ctx context.Context, f *Fetcher, rawURL string) Result {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, f.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			cancel()
			return Result{FinalURL: rawURL, Error: err}
		}
		req.Header.Set("User-Agent", f.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		result := Result{
			HTML:       string(body),
			FinalURL:   resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Success:    isSuccess(resp.StatusCode, body),
		}
		if !result.Success {
			result.Error = fmt.Errorf("status %d, body length %d", resp.StatusCode, len(body))
			lastErr = result.Error
			continue
		}
		return result
	}
	return Result{FinalURL: rawURL, Error: lastErr}
}

// fetchHTTPAsync is the primary transport: a plain context-bound HTTP GET.
func fetchHTTPAsync(ctx context.Context, f *Fetcher, rawURL string) Result {
	return doHTTPRequest(ctx, f, rawURL)
}

// fetchHTTPSync mirrors the async transport but is scheduled via a dedicated
// goroutine so a slow DNS/TLS handshake here never shares a worker with the
// primary transport's pool. Behaviorally identical; kept as a distinct
// fallback per spec.md's 4-transport chain.
func fetchHTTPSync(ctx context.Context, f *Fetcher, rawURL string) Result {
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- doHTTPRequest(ctx, f, rawURL)
	}()
	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return Result{FinalURL: rawURL, Error: ctx.Err()}
	}
}

// fetchBrowser drives a real headless page when the HTTP transports can't get
// past JS-rendered content or a soft block.
func fetchBrowser(ctx context.Context, f *Fetcher, rawURL string) Result {
	if f.Browser == nil {
		return Result{FinalURL: rawURL, Error: fmt.Errorf("no browser session manager configured")}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	browserCtx, err := f.Browser.GetOrCreate(reqCtx, hostOf(rawURL), "fetch", "fetcher")
	if err != nil {
		return Result{FinalURL: rawURL, Error: err}
	}
	if err := f.Browser.Navigate(reqCtx, browserCtx, rawURL); err != nil {
		return Result{FinalURL: rawURL, Error: err}
	}

	page := browserCtx.Page()
	if page == nil {
		return Result{FinalURL: rawURL, Error: fmt.Errorf("no live page after navigate")}
	}
	html, err := page.Context(reqCtx).HTML()
	if err != nil {
		return Result{FinalURL: rawURL, Error: err}
	}

	body := []byte(html)
	return Result{
		HTML:       html,
		FinalURL:   browserCtx.URL,
		StatusCode: 200,
		Success:    isSuccess(200, body),
	}
}

// fetchCurl shells out to curl as the last resort, following redirects and
// ignoring TLS errors the same way the HTTP transports do.
func fetchCurl(ctx context.Context, f *Fetcher, rawURL string) Result {
	reqCtx, cancel := context.WithTimeout(ctx, f.Timeout+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(reqCtx, "curl",
		"-sL", "-k",
		"--max-time", fmt.Sprintf("%d", int(f.Timeout.Seconds())),
		"-A", f.UserAgent,
		rawURL,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{FinalURL: rawURL, Error: fmt.Errorf("curl: %w: %s", err, stderr.String())}
	}

	body := stdout.Bytes()
	return Result{
		HTML:       stdout.String(),
		FinalURL:   rawURL,
		StatusCode: 200,
		Success:    isSuccess(200, body),
	}
}
