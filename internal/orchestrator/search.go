package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/input"

	"researchcore/internal/blocker"
	"researchcore/internal/browser"
	"researchcore/internal/intervention"
	"researchcore/internal/logging"
)

const (
	searchBoxSelector    = `input[name="q"], input[type="search"], input[name="k"]`
	searchResultSelector = `a[href]`
	searchNavTimeout     = 15 * time.Second
	blockerConfidenceMin = 0.7
	interventionTimeout  = 120 * time.Second
)

// searchEngineURL is the landing page driveSearchEngine starts from. A real
// deployment points this at whichever engine the session's fingerprint
// favors; kept as a var so tests and alternate configurations can swap it.
var searchEngineURL = "https://www.bing.com/"

// searchResult is one candidate link read off a search engine's results
// page, before any page classification has happened.
type searchResult struct {
	Title string
	URL   string
}

// driveSearchEngine types query into a search engine's search box and reads
// back the resulting links. It checks for a blocker both before typing
// (the landing page itself) and after submitting (the results page), using
// the same detect-then-request-intervention-then-wait idiom verify.go uses
// on PDP pages.
func (o *Orchestrator) driveSearchEngine(ctx context.Context, c *browser.Context, query string) ([]searchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, searchNavTimeout)
	defer cancel()

	if err := o.sessions.Navigate(ctx, c, searchEngineURL); err != nil {
		return nil, fmt.Errorf("navigating to search engine: %w", err)
	}
	if !o.checkAndHandleBlocker(ctx, c, searchEngineURL) {
		return nil, fmt.Errorf("search engine blocked and unresolved: %s", searchEngineURL)
	}

	page := c.Page()
	if page == nil {
		return nil, fmt.Errorf("search engine session has no live page")
	}

	el, err := page.Context(ctx).Element(searchBoxSelector)
	if err != nil {
		return nil, fmt.Errorf("search box not found: %w", err)
	}
	if err := el.Input(query); err != nil {
		return nil, fmt.Errorf("typing search query: %w", err)
	}
	if err := el.Type(input.Enter); err != nil {
		return nil, fmt.Errorf("submitting search query: %w", err)
	}

	_ = page.Context(ctx).WaitStable(2 * time.Second)

	resultsURL := page.MustInfo().URL
	if !o.checkAndHandleBlocker(ctx, c, resultsURL) {
		return nil, fmt.Errorf("search results blocked and unresolved: %s", resultsURL)
	}

	elements, err := page.Context(ctx).Elements(searchResultSelector)
	if err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}

	var results []searchResult
	seen := map[string]bool{}
	for _, el := range elements {
		href, err := el.Attribute("href")
		if err != nil || href == nil || *href == "" {
			continue
		}
		title, err := el.Text()
		if err != nil || title == "" {
			continue
		}
		if seen[*href] {
			continue
		}
		seen[*href] = true
		results = append(results, searchResult{Title: title, URL: *href})
	}
	return results, nil
}

// checkAndHandleBlocker mirrors verify.Verifier's blocker-handling: detect a
// CAPTCHA/rate-limit page, request human intervention through the broker if
// one is wired in, and wait for it to be resolved before continuing.
func (o *Orchestrator) checkAndHandleBlocker(ctx context.Context, c *browser.Context, pageURL string) bool {
	page := c.Page()
	if page == nil {
		return true
	}
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return true
	}

	detection, found := blocker.Detect(pageURL, html, 200)
	if !found || detection.Confidence < blockerConfidenceMin {
		return true
	}

	logging.OrchestratorWarn("blocker detected: type=%s url=%s", detection.Type, pageURL)
	o.events.Progress(fmt.Sprintf("blocker detected on %s", pageURL))

	if o.interv == nil {
		return true
	}

	screenshotPath, _ := screenshotToTempFile(ctx, page)
	iv, err := o.interv.RequestIntervention(detection.Type, pageURL, screenshotPath, o.sessionID, map[string]any{
		"confidence": detection.Confidence,
	})
	if err != nil {
		logging.OrchestratorError("requesting intervention: %v", err)
		return true
	}

	resolved := o.interv.WaitForResolution(iv.InterventionID, interventionTimeout)
	if resolved {
		time.Sleep(intervention.SettleDelay())
		return true
	}
	return false
}
