package extraction

import (
	"net/url"
	"regexp"
	"strings"
)

// adURLSubstrings marks sponsored/tracking links that are never real
// product destinations, regardless of which strategy surfaced them.
var adURLSubstrings = []string{
	"aax-us-east",
	"/sspa/",
	"/gp/r.html",
	"doubleclick.net",
	"googlesyndication.com",
	"/rvi/",
	"click.example",
}

// linkTextDenylist is UI chrome that occasionally carries a real-looking
// href but is never a product name.
var linkTextDenylist = []string{
	"add to cart",
	"see all",
	"home",
	"next",
	"previous",
	"sign in",
	"cart",
	"wishlist",
	"compare",
	"shop now",
	"view all",
	"back to top",
	"amazon", "walmart", "target", "best buy", "bestbuy", "newegg",
}

// skipURLSubstrings are path shapes that are never a product page even
// though they might otherwise pass every other filter.
var skipURLSubstrings = []string{
	"/search", "/category", "/filter", "#", "javascript:",
}

var productDetailPathShapes = []*regexp.Regexp{
	regexp.MustCompile(`/dp/[A-Za-z0-9]{6,}`),
	regexp.MustCompile(`/product/[\w-]+`),
	regexp.MustCompile(`/p/[\w-]+`),
	regexp.MustCompile(`/item/[\w-]+`),
	regexp.MustCompile(`/ip/[\w-]+`),
	regexp.MustCompile(`/pd/[\w-]+`),
	regexp.MustCompile(`/products/[\w-]+`),
}

// isProductURLShape reports whether path matches one of the known
// product-detail URL shapes.
func isProductURLShape(path string) bool {
	for _, re := range productDetailPathShapes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// isAdURL rejects sponsored/tracking links.
func isAdURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, s := range adURLSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// isSkippableURL rejects search/category/filter/fragment/script URLs.
func isSkippableURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, s := range skipURLSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// isGarbageLinkText rejects link text matching the UI-chrome denylist.
func isGarbageLinkText(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return true
	}
	for _, s := range linkTextDenylist {
		if lower == s || strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// isCandidateURL runs the full garbage-filter chain shared by C8/C9.
func isCandidateURL(rawURL string) bool {
	if rawURL == "" || isAdURL(rawURL) || isSkippableURL(rawURL) {
		return false
	}
	return true
}

// normalizeURL strips query/fragment so dedup keys on scheme+host+path.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9 ]`)
var multiSpace = regexp.MustCompile(`\s+`)

// normalizeText lowercases, strips non-alphanumerics, and collapses
// whitespace — the comparison form used throughout C11's similarity scoring.
func normalizeText(s string) string {
	lower := strings.ToLower(s)
	stripped := nonAlphanumeric.ReplaceAllString(lower, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(stripped, " "))
}

// dedupeByURL keeps the highest-confidence candidate per normalized URL.
func dedupeByURL(candidates []HTMLCandidate) []HTMLCandidate {
	best := make(map[string]HTMLCandidate)
	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := normalizeURL(c.URL)
		existing, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = c
			continue
		}
		if c.Confidence > existing.Confidence {
			best[key] = c
		}
	}
	out := make([]HTMLCandidate, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}
