// Package verify implements C14: the click-to-verify PDP visit loop. This is
// the primary extraction path — every prioritized candidate gets its own PDP
// visit for accurate price and availability, rather than trusting listing-page
// text.
package verify

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"researchcore/internal/blocker"
	"researchcore/internal/extraction"
	"researchcore/internal/intervention"
	"researchcore/internal/logging"
	"researchcore/internal/models"
)

const (
	clickTimeout         = 3 * time.Second
	interProductPause    = 3 * time.Second
	navigationPollTries  = 6
	navigationPollPause  = 500 * time.Millisecond
	blockerConfidenceMin = 0.7
	interventionTimeout  = 120 * time.Second
)

// PDPExtractor is the subset of C13's Extractor this package depends on. Kept
// as an interface so verify never imports the pdp package directly.
type PDPExtractor interface {
	Extract(ctx context.Context, page *rod.Page, pdpURL, goal string) (*models.PDPData, error)
}

// Verifier is C14. MaxProducts caps how many candidates get a PDP visit per
// call to VerifyProducts.
type Verifier struct {
	extractor          PDPExtractor
	interv             *intervention.Broker
	sessionID          string
	MaxProducts        int
	enableClickResolve bool
	maxClickResolves   int
}

// NewVerifier builds a Verifier. interv may be nil, in which case blocker
// detection never triggers a human-intervention pause (verification simply
// fails and falls back to an unverified product, same as a detection with no
// broker wired in the original pipeline). enableClickResolve and
// maxClickResolves gate the click-to-resolve fallback (spec.md §6's
// enable_click_resolve/max_click_resolves): when a candidate has no usable
// direct URL, verifySingle will click through the listing page to find its
// PDP, up to maxClickResolves times per listing page.
func NewVerifier(extractor PDPExtractor, interv *intervention.Broker, sessionID string, maxProducts int, enableClickResolve bool, maxClickResolves int) *Verifier {
	if maxProducts <= 0 {
		maxProducts = 5
	}
	if maxClickResolves <= 0 {
		maxClickResolves = 3
	}
	return &Verifier{
		extractor:          extractor,
		interv:             interv,
		sessionID:          sessionID,
		MaxProducts:        maxProducts,
		enableClickResolve: enableClickResolve,
		maxClickResolves:   maxClickResolves,
	}
}

// VerifyProducts visits up to MaxProducts candidates' PDPs in priority order,
// navigating back to originalURL between each. A candidate that fails
// verification still produces a lower-confidence "listing_fallback" record
// rather than being dropped silently.
func (v *Verifier) VerifyProducts(ctx context.Context, page *rod.Page, candidates []extraction.FusedProduct, originalURL, vendor string) []models.VerifiedProduct {
	return v.verify(ctx, page, candidates, originalURL, vendor, "", nil, "", 0)
}

// VerifyProductsWithEarlyStop verifies candidates (pre-sorted by priority) in
// order, running a lightweight local viability check after each verified
// product and stopping once targetViable products look viable — saving the
// cost of visiting every remaining low-priority candidate. Falls back to
// VerifyProducts when requirements is the zero value.
func (v *Verifier) VerifyProductsWithEarlyStop(ctx context.Context, page *rod.Page, candidates []extraction.FusedProduct, originalURL, vendor string, targetViable int, requirements models.Requirements, query string) []models.VerifiedProduct {
	if len(requirements.HardRequirements) == 0 && len(requirements.NiceToHaves) == 0 && requirements.PriceRange.Max == 0 {
		logging.Verifier("no requirements given, falling back to standard verification")
		return v.VerifyProducts(ctx, page, candidates, originalURL, vendor)
	}
	return v.verify(ctx, page, candidates, originalURL, vendor, query, &requirements, "", targetViable)
}

func (v *Verifier) verify(ctx context.Context, page *rod.Page, candidates []extraction.FusedProduct, originalURL, vendor, query string, requirements *models.Requirements, goal string, targetViable int) []models.VerifiedProduct {
	if len(candidates) == 0 {
		return nil
	}

	earlyStop := requirements != nil
	limit := v.MaxProducts
	if earlyStop {
		limit = v.MaxProducts * 2
	}
	toVerify := candidates
	if len(toVerify) > limit {
		toVerify = toVerify[:limit]
	}

	logging.Verifier("starting verification of %d products on %s (early_stop=%v)", len(toVerify), vendor, earlyStop)

	var verified []models.VerifiedProduct
	viableCount := 0
	clickResolveCount := 0

	for i, candidate := range toVerify {
		if earlyStop {
			remaining := len(toVerify) - i - 1
			if cont, reason := shouldContinueVerification(viableCount, len(verified), remaining, targetViable); !cont {
				logging.Verifier("early stop: %s", reason)
				break
			}
		}

		product, err := v.verifySingle(ctx, page, candidate, originalURL, query, &clickResolveCount)
		if err != nil {
			logging.VerifierWarn("error verifying %q: %v", candidate.Title, err)
			v.ensureOnListing(ctx, page, originalURL)
		}

		if product != nil {
			verified = append(verified, *product)
			if earlyStop && quickViabilityCheck(*product, *requirements, query) {
				viableCount++
			}
		} else if unverified := createUnverifiedProduct(candidate, originalURL); unverified != nil {
			verified = append(verified, *unverified)
		}

		if i < len(toVerify)-1 {
			time.Sleep(interProductPause)
		}
	}

	logging.Verifier("verification complete: %d/%d products verified (%d viable)", len(verified), len(toVerify), viableCount)
	return verified
}

// shouldContinueVerification decides whether early-stop verification should
// keep visiting PDPs. Not present in the indexed source (only imported from
// an unindexed sibling module), so this trigger — stop once the viable
// target is hit or candidates run out — is this implementation's own
// decision, recorded in DESIGN.md.
func shouldContinueVerification(viableCount, verifiedCount, remainingCount, targetPerVendor int) (bool, string) {
	if targetPerVendor > 0 && viableCount >= targetPerVendor {
		return false, fmt.Sprintf("reached target of %d viable products", targetPerVendor)
	}
	if remainingCount <= 0 {
		return false, "no remaining candidates"
	}
	return true, ""
}

// quickViabilityCheck is a cheap pre-check used only to decide whether to
// stop early, not a substitute for C15's full LLM-reasoned filter.
func quickViabilityCheck(product models.VerifiedProduct, requirements models.Requirements, query string) bool {
	title := strings.ToLower(product.Title)
	queryLower := strings.ToLower(query)

	wantsNvidia := containsAny(queryLower, nvidiaKeywords)
	if !wantsNvidia {
		for _, req := range requirements.HardRequirements {
			if containsAny(strings.ToLower(req), nvidiaKeywords) {
				wantsNvidia = true
				break
			}
		}
	}

	if wantsNvidia {
		hasNvidia := containsAny(title, nvidiaKeywords)
		if !hasNvidia {
			if gpu, ok := product.Specs["gpu"]; ok {
				hasNvidia = containsAny(strings.ToLower(gpu), nvidiaKeywords)
			}
		}
		if !hasNvidia && containsAny(title, integratedGPUKeywords) {
			return false
		}
		if containsAny(title, wrongCategoryKeywords) {
			return false
		}
	}

	if requirements.PriceRange.Max > 0 && product.Price > 0 && product.Price > requirements.PriceRange.Max*1.1 {
		return false
	}

	return true
}

var nvidiaKeywords = []string{"nvidia", "rtx", "geforce", "gtx"}
var integratedGPUKeywords = []string{"intel uhd", "intel iris", "integrated"}
var wrongCategoryKeywords = []string{"chromebook", "macbook", "ipad", "tablet"}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func (v *Verifier) verifySingle(ctx context.Context, page *rod.Page, candidate extraction.FusedProduct, originalURL, goal string, clickResolveCount *int) (*models.VerifiedProduct, error) {
	pdpURL := ""
	verificationMethod := models.VerificationUnverified
	clickResolved := false

	if candidate.URL != "" && isValidProductURL(candidate.URL) {
		logging.Verifier("navigating directly to %s", candidate.URL)
		if err := page.Context(ctx).Timeout(10 * time.Second).Navigate(candidate.URL); err != nil {
			return nil, fmt.Errorf("direct navigation: %w", err)
		}
		pdpURL = page.MustInfo().URL
		verificationMethod = models.VerificationDirectPDP
	} else if candidate.Title != "" && v.enableClickResolve && *clickResolveCount < v.maxClickResolves {
		logging.Verifier("clicking to reach PDP for %q (click-resolve %d/%d)", candidate.Title, *clickResolveCount+1, v.maxClickResolves)
		navigated, err := v.clickToPDP(ctx, page, candidate.Title, originalURL)
		if err != nil {
			return nil, err
		}
		if navigated != "" {
			pdpURL = navigated
			verificationMethod = models.VerificationPDPNavigation
			clickResolved = true
			*clickResolveCount++
			candidate.ExtractionMethod = extraction.MethodClickResolved
		}
	}

	if pdpURL == "" {
		logging.VerifierWarn("could not navigate to PDP for %q", candidate.Title)
		return nil, nil
	}

	if !isValidProductURL(pdpURL) {
		logging.VerifierWarn("navigation landed on a non-product URL: %s", pdpURL)
		v.goBack(ctx, page, originalURL)
		return nil, nil
	}

	if ok := v.checkAndHandleBlocker(ctx, page, pdpURL); !ok {
		logging.VerifierWarn("blocker not resolved for %s", pdpURL)
		v.goBack(ctx, page, originalURL)
		return nil, nil
	}

	data, err := v.extractor.Extract(ctx, page, pdpURL, goal)
	if err != nil || data == nil {
		logging.VerifierWarn("PDP extraction failed for %s: %v", pdpURL, err)
		v.goBack(ctx, page, originalURL)
		return nil, nil
	}

	title := data.Title
	if title == "" {
		title = candidate.Title
	}
	condition := data.Condition
	if condition == "" {
		condition = models.ConditionNew
	}

	verified := &models.VerifiedProduct{
		Title:                title,
		Price:                data.Price,
		URL:                  pdpURL,
		VendorDomain:         extraction.VendorDomain(pdpURL),
		Availability:         data.StockStatus,
		Condition:            condition,
		Rating:               data.Rating,
		ReviewCount:          data.ReviewCount,
		Specs:                data.Specs,
		ExtractionConfidence: data.Confidence,
		ExtractionSource:     data.ExtractionSource,
		VerificationMethod:   verificationMethod,
	}

	if clickResolved {
		logging.Verifier("resolved %q via %s: boosting confidence", candidate.Title, candidate.ExtractionMethod)
		verified.ExtractionConfidence = clickResolveConfidenceBoost(verified.ExtractionConfidence)
	}

	v.goBack(ctx, page, originalURL)
	return verified, nil
}

// clickResolveConfidenceBoost raises a click-resolved product's extraction
// confidence by 0.15, capped at 0.95 - the same reward the click-to-verify
// fallback gives a product once navigation away from the listing page
// confirms the candidate was real.
func clickResolveConfidenceBoost(confidence float64) float64 {
	boosted := confidence + 0.15
	if boosted > 0.95 {
		return 0.95
	}
	return boosted
}

// checkAndHandleBlocker detects a CAPTCHA/blocker on the current page and, if
// an intervention broker is wired in, requests human intervention and waits
// for resolution before letting extraction proceed.
func (v *Verifier) checkAndHandleBlocker(ctx context.Context, page *rod.Page, pdpURL string) bool {
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return true
	}

	detection, found := blocker.Detect(pdpURL, html, 200)
	if !found || detection.Confidence < blockerConfidenceMin {
		return true
	}

	logging.VerifierWarn("blocker detected on PDP: type=%s url=%s", detection.Type, pdpURL)

	if v.interv == nil {
		return true
	}

	screenshotPath, _ := screenshotToTempFile(ctx, page)
	iv, err := v.interv.RequestIntervention(detection.Type, pdpURL, screenshotPath, v.sessionID, map[string]any{
		"confidence": detection.Confidence,
	})
	if err != nil {
		logging.VerifierError("requesting intervention: %v", err)
		return true
	}

	resolved := v.interv.WaitForResolution(iv.InterventionID, interventionTimeout)
	if resolved {
		time.Sleep(intervention.SettleDelay())
		return true
	}
	return false
}

func screenshotToTempFile(ctx context.Context, page *rod.Page) (string, error) {
	data, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "verify-screenshot-*.png")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func (v *Verifier) goBack(ctx context.Context, page *rod.Page, originalURL string) {
	if err := page.Context(ctx).NavigateBack(); err == nil {
		return
	}
	if err := page.Context(ctx).Timeout(5 * time.Second).Navigate(originalURL); err != nil {
		logging.VerifierWarn("failed to return to listing: %v", err)
	}
}

func (v *Verifier) ensureOnListing(ctx context.Context, page *rod.Page, originalURL string) {
	if page.MustInfo().URL == originalURL {
		return
	}
	if err := page.Context(ctx).Timeout(5 * time.Second).Navigate(originalURL); err != nil {
		logging.VerifierWarn("could not ensure on listing: %v", err)
	}
}

// clickToPDP tries progressively shorter title search patterns against every
// link on the page, clicking the first that both matches and looks like a
// real product URL.
func (v *Verifier) clickToPDP(ctx context.Context, page *rod.Page, title, originalURL string) (string, error) {
	patterns := generateSearchPatterns(title)
	links, err := page.Context(ctx).Elements("a")
	if err != nil {
		return "", fmt.Errorf("listing links: %w", err)
	}

	for _, pattern := range patterns {
		lowerPattern := strings.ToLower(pattern)
		for _, link := range links {
			text, err := link.Text()
			if err != nil || !strings.Contains(strings.ToLower(text), lowerPattern) {
				continue
			}
			href, err := link.Attribute("href")
			if err != nil || href == nil || !isValidProductURL(*href) {
				continue
			}

			logging.Verifier("clicking link matching %q: %s", pattern, *href)
			clickCtx, cancel := context.WithTimeout(ctx, clickTimeout)
			clickErr := link.Context(clickCtx).Click(proto.InputMouseButtonLeft, 1)
			cancel()
			if clickErr != nil {
				continue
			}
			if newURL := v.waitForNavigation(ctx, page, originalURL); newURL != "" {
				return newURL, nil
			}
		}
	}

	return "", nil
}

func (v *Verifier) waitForNavigation(ctx context.Context, page *rod.Page, originalURL string) string {
	time.Sleep(navigationPollPause)
	for i := 0; i < navigationPollTries; i++ {
		current := page.MustInfo().URL
		if current != originalURL && !isSamePage(current, originalURL) {
			return current
		}
		time.Sleep(navigationPollPause)
	}
	return ""
}

func isSamePage(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ua.Host == ub.Host && strings.TrimRight(ua.Path, "/") == strings.TrimRight(ub.Path, "/")
}

var searchPatternBrands = map[string]bool{
	"acer": true, "asus": true, "dell": true, "hp": true, "lenovo": true,
	"msi": true, "razer": true, "alienware": true, "samsung": true, "lg": true,
	"gigabyte": true, "microsoft": true, "apple": true, "toshiba": true,
	"huawei": true, "xiaomi": true,
}

var titlePunctuation = regexp.MustCompile(`["'(){}\[\]]`)

// generateSearchPatterns builds progressively shorter substrings of a
// product title to search for among listing-page links, from most specific
// (first 5 words) down to just a recognized brand name as a last resort.
func generateSearchPatterns(title string) []string {
	clean := titlePunctuation.ReplaceAllString(title, "")
	words := strings.Fields(clean)
	if len(words) == 0 {
		return nil
	}

	brand := ""
	brandIdx := -1
	for i, w := range words {
		if i >= 3 {
			break
		}
		if searchPatternBrands[strings.ToLower(w)] {
			brand = w
			brandIdx = i
			break
		}
	}

	var patterns []string
	addPattern := func(p string) {
		if p != "" {
			patterns = append(patterns, p)
		}
	}

	if len(words) >= 5 {
		addPattern(strings.Join(words[:5], " "))
	}
	if len(words) >= 4 {
		addPattern(strings.Join(words[:4], " "))
	}
	if len(words) >= 3 {
		addPattern(strings.Join(words[:3], " "))
	}
	if brand != "" && brandIdx+1 < len(words) {
		addPattern(brand + " " + words[brandIdx+1])
	}
	if len(words) >= 2 {
		addPattern(strings.Join(words[:2], " "))
	}
	if brand != "" {
		addPattern(brand)
	}

	seen := make(map[string]bool)
	var unique []string
	for _, p := range patterns {
		lower := strings.ToLower(p)
		if seen[lower] || len(p) < 3 {
			continue
		}
		seen[lower] = true
		unique = append(unique, p)
		if len(unique) == 6 {
			break
		}
	}
	return unique
}

var productPathMarkers = []string{"/dp/", "/product/", "/p/", "/ip/", "/pd/", "/sku/", "/item/"}
var phpProductMarkers = []string{"product_info", "products_id=", "product_id=", "pid=", "item_id="}
var rejectPaths = map[string]bool{"": true, "/": true, "/home": true, "/index": true, "/search": true, "/category": true, "/browse": true}
var rejectURLSubstrings = []string{"searchpage.jsp", "_facet", "modelfamily_facet", "/browse/", "/category/", "qp="}
var blockerURLSubstrings = []string{"/splashui/captcha", "/blocked", "/captcha", "/challenge", "/verify", "/sorry/", "blocked?url="}

// isValidProductURL filters out navigation, filter/facet, sponsored-ad
// redirect, and captcha-redirect URLs that a click or direct-URL navigation
// might land on instead of a genuine PDP.
func isValidProductURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	lower := strings.ToLower(rawURL)
	u, err := url.Parse(lower)
	if err != nil {
		return false
	}
	path := strings.TrimRight(u.Path, "/")
	host := u.Host

	if rejectPaths[path] {
		return false
	}
	if strings.Contains(lower, "ref=nav_") || strings.Contains(lower, "ref=logo") {
		return false
	}
	if strings.Contains(host, "aax-us-east") || strings.Contains(host, "aax-") {
		return false
	}
	for _, s := range rejectURLSubstrings {
		if strings.Contains(lower, s) {
			return false
		}
	}
	for _, p := range blockerURLSubstrings {
		if strings.Contains(lower, p) {
			return false
		}
	}
	for _, p := range productPathMarkers {
		if strings.Contains(path, p) {
			return true
		}
	}
	for _, p := range phpProductMarkers {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return len(path) > 15
}

// createUnverifiedProduct builds a lower-confidence VerifiedProduct from a
// candidate's own listing-page data when its PDP could not be verified, so
// the pipeline still returns something rather than dropping the candidate.
// VendorDomain comes from the candidate itself (already derived from its own
// URL by C11), falling back to listingURL's host only if the candidate
// never got one.
func createUnverifiedProduct(candidate extraction.FusedProduct, listingURL string) *models.VerifiedProduct {
	title := strings.TrimSpace(candidate.Title)
	if len(title) < 3 {
		return nil
	}

	price := candidate.PriceNumeric
	if price == 0 && candidate.PriceRaw != "" {
		price = parseRawPrice(candidate.PriceRaw)
	}

	vendor := candidate.VendorDomain
	if vendor == "" {
		vendor = extraction.VendorDomain(listingURL)
	}

	return &models.VerifiedProduct{
		Title:                title,
		Price:                price,
		URL:                  listingURL,
		VendorDomain:         vendor,
		Availability:         "unverified",
		Condition:            models.ConditionNew,
		ExtractionConfidence: 0.5,
		ExtractionSource:     models.SourceVision,
		VerificationMethod:   models.VerificationUnverified,
	}
}

var rawPricePattern = regexp.MustCompile(`[\d,]+\.?\d*`)

func parseRawPrice(text string) float64 {
	match := rawPricePattern.FindString(text)
	if match == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0
	}
	return f
}
