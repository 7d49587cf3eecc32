package orchestrator

import (
	"context"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
)

// pdpURLPatterns match URL shapes that are almost always a single product's
// detail page across major retailers (amazon /dp/, /gp/product/, walmart
// /ip/, bestbuy /site/.../skuId, etc). Ported from pipeline.py's
// PDP_URL_PATTERNS.
var pdpURLPatterns = compileAll([]string{
	`/dp/[A-Z0-9]{10}`,
	`/gp/product/[A-Z0-9]{10}`,
	`/ip/\d+`,
	`/product/\d+`,
	`/p/[\w-]+/\d+`,
	`/site/[\w-]+/\d+\.p`,
	`/itm/\d+`,
	`/[\w-]+/dp/[A-Z0-9]{10}`,
	`/products/[\w-]+`,
	`/pd/[\w-]+`,
	`/-/A-\d+`,
	`/skuId/\d+`,
	`/sku/\d+`,
	`/item/\d+`,
})

// searchURLPatterns match URL shapes that are a search/listing/category page
// rather than a single product. Ported from pipeline.py's
// SEARCH_URL_PATTERNS.
var searchURLPatterns = compileAll([]string{
	`[?&]k=`,
	`[?&]q=`,
	`[?&]query=`,
	`[?&]search`,
	`/s\?`,
	`/search`,
	`/sr=`,
	`/b/`,
	`/c/`,
	`/category`,
	`/browse`,
})

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

var (
	addToCartPhrases = []string{"add to cart", "add to bag", "buy now", "add to basket"}
	productDetailMarkers = []string{"product-detail", "pdp-", "product_detail", "itemprop=\"price\""}
	listingMarkers       = []string{"search-result", "product-grid", "listing-item", "product-card", "results-list"}
	priceSymbolPattern   = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{2})?`)
)

// isPDPByURL is the instant Tier 1 check: a URL pattern match decides the
// page's type without needing to load it. Returns nil when the URL matches
// neither pattern set (inconclusive, fall through to Tier 2).
func isPDPByURL(rawURL string) *bool {
	lower := strings.ToLower(rawURL)
	for _, p := range pdpURLPatterns {
		if p.MatchString(lower) {
			yes := true
			return &yes
		}
	}
	for _, p := range searchURLPatterns {
		if p.MatchString(lower) {
			no := false
			return &no
		}
	}
	return nil
}

// classifyPageByContent is the Tier 2 fallback: a body-content heuristic
// used when the URL alone is inconclusive. It counts add-to-cart phrasing
// and product-detail markers against listing/grid markers and the number of
// distinct prices visible, mirroring pipeline.py's
// _classify_page_with_vision. Defaults to "listing" (false, the safer
// assumption - a click-to-verify step can still recover a PDP from a
// listing, but not vice versa) when no page is available.
func classifyPageByContent(ctx context.Context, page *rod.Page) bool {
	if page == nil {
		return false
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)

	cartScore := 0
	for _, phrase := range addToCartPhrases {
		if strings.Contains(lower, phrase) {
			cartScore++
		}
	}
	detailScore := 0
	for _, marker := range productDetailMarkers {
		if strings.Contains(lower, marker) {
			detailScore++
		}
	}
	listingScore := 0
	for _, marker := range listingMarkers {
		if strings.Contains(lower, marker) {
			listingScore++
		}
	}

	uniquePrices := map[string]bool{}
	for _, m := range priceSymbolPattern.FindAllString(html, -1) {
		uniquePrices[m] = true
	}

	if len(uniquePrices) > 3 || listingScore > 0 {
		return false
	}
	if len(uniquePrices) == 1 && (cartScore > 0 || detailScore > 0) {
		return true
	}
	return cartScore > 0 && detailScore > 0
}

// classifyPage is the two-tier dispatcher: an instant URL check, falling
// back to loading and scoring the page body only when the URL is
// ambiguous. Mirrors pipeline.py's _is_pdp.
func classifyPage(ctx context.Context, page *rod.Page, pageURL string) bool {
	if decided := isPDPByURL(pageURL); decided != nil {
		return *decided
	}
	return classifyPageByContent(ctx, page)
}
