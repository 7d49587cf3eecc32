package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-rod/rod"

	"researchcore/internal/extraction"
	"researchcore/internal/logging"
)

// CatalogItem is one product listing found while deep-crawling a vendor's
// own site, rather than reaching it through a search engine result.
type CatalogItem struct {
	Title        string
	URL          string
	PriceRaw     string
	PriceNumeric float64
	Availability string
}

// ContactInfo is whatever vendor contact details ExploreCatalog could lift
// off the vendor's landing page.
type ContactInfo struct {
	Email          string
	Phone          string
	ApplicationURL string
	ContactPageURL string
}

// CatalogReport is ExploreCatalog's result.
type CatalogReport struct {
	VendorName   string
	VendorURL    string
	Category     string
	ItemsFound   int
	PagesCrawled int
	Items        []CatalogItem
	Contact      ContactInfo
}

const maxCatalogPages = 5

var (
	paginationWords = []string{"next", "more", "→"}
	categoryWords   = []string{"available", "retired", "upcoming", "sold", "shop", "catalog", "inventory"}
	availableWords  = []string{"available", "ready", "in stock", "now"}
	soldWords       = []string{"sold", "reserved", "adopted", "pending", "hold"}
	upcomingWords   = []string{"upcoming", "expected", "litter", "soon", "future", "coming"}
	applyWords      = []string{"apply", "application", "adopt", "adoption"}

	emailAddressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneNumberPattern  = regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)
)

type pageLink struct {
	Text string
	Href string
}

type catalogStructure struct {
	categoryLinks map[string]string
	hasPagination bool
}

// ExploreCatalog deep-crawls a vendor's own site for product listings,
// following pagination rather than going through a search engine, and is
// the Go home for the Python original's vendor.explore_catalog tool
// (spec.md names it in the HTTP surface without detailing it). It reuses
// the same HTML+DOM extraction family (C8-C11's non-vision lanes) every
// other lane in the pipeline uses, since a vendor's own catalog pages are
// markup-rich and rarely need the vision fallback.
func (o *Orchestrator) ExploreCatalog(ctx context.Context, vendorURL, vendorName, category string, maxItems int, sessionID string) (*CatalogReport, error) {
	if maxItems <= 0 {
		maxItems = 20
	}
	if category == "" {
		category = "all"
	}

	report := &CatalogReport{VendorName: vendorName, VendorURL: vendorURL, Category: category}

	c, err := o.sessions.GetOrCreate(ctx, vendorName, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("creating browser session for %s: %w", vendorName, err)
	}

	if err := o.sessions.Navigate(ctx, c, vendorURL); err != nil {
		return nil, fmt.Errorf("navigating to vendor %s: %w", vendorURL, err)
	}
	o.checkAndHandleBlocker(ctx, c, vendorURL)

	mainHTML, err := c.Page().Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("reading vendor landing page: %w", err)
	}
	mainLinks := readPageLinks(ctx, c.Page(), vendorURL)
	structure := detectCatalogStructure(mainLinks)

	startURL := vendorURL
	if category != "all" {
		if u, ok := structure.categoryLinks[category]; ok {
			startURL = u
		}
	}

	current := startURL
	visited := map[string]bool{}

	for len(report.Items) < maxItems && report.PagesCrawled < maxCatalogPages && current != "" {
		if visited[current] {
			logging.OrchestratorWarn("catalog crawl revisited %s, stopping", current)
			break
		}
		visited[current] = true

		if current != vendorURL {
			if err := o.sessions.Navigate(ctx, c, current); err != nil {
				logging.OrchestratorWarn("catalog crawl navigation to %s failed: %v", current, err)
				break
			}
			if !o.checkAndHandleBlocker(ctx, c, current) {
				break
			}
		}

		page := c.Page()
		html, err := page.Context(ctx).HTML()
		if err != nil {
			break
		}

		htmlCandidates, _ := o.htmlEx.Extract(html)
		domCandidates, _ := o.domEx.Extract(html)
		merged := append(htmlCandidates, domCandidates...)
		report.Items = append(report.Items, catalogItemsFromCandidates(merged, vendorURL)...)
		report.PagesCrawled++

		pageLinks := readPageLinks(ctx, page, vendorURL)
		current = findNextPageLink(pageLinks, current)
	}

	if len(report.Items) > maxItems {
		report.Items = report.Items[:maxItems]
	}
	report.ItemsFound = len(report.Items)
	report.Contact = extractContactInfo(mainHTML, mainLinks)

	return report, nil
}

// readPageLinks reads every anchor's href/text off the current page,
// resolving relative hrefs against base. Mirrors search.go's element-read
// idiom (Elements + Attribute + Text).
func readPageLinks(ctx context.Context, page *rod.Page, base string) []pageLink {
	elements, err := page.Context(ctx).Elements("a[href]")
	if err != nil {
		return nil
	}
	var links []pageLink
	for _, el := range elements {
		href, err := el.Attribute("href")
		if err != nil || href == nil || *href == "" {
			continue
		}
		text, _ := el.Text()
		links = append(links, pageLink{Text: strings.TrimSpace(text), Href: resolveURL(base, *href)})
	}
	return links
}

func resolveURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	refURL, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(refURL).String()
}

// detectCatalogStructure classifies a landing page's links into pagination
// and category navigation, the same two-bucket heuristic the Python
// original's detect_catalog_structure uses.
func detectCatalogStructure(links []pageLink) catalogStructure {
	structure := catalogStructure{categoryLinks: map[string]string{}}
	for _, l := range links {
		text := strings.ToLower(l.Text)
		if containsAny(text, paginationWords) || isAllDigits(text) {
			structure.hasPagination = true
			continue
		}
		if containsAny(text, categoryWords) {
			structure.categoryLinks[text] = l.Href
		}
	}
	return structure
}

// catalogItemsFromCandidates turns fused HTML/DOM candidates into catalog
// items, inferring availability from each candidate's surrounding text.
func catalogItemsFromCandidates(candidates []extraction.HTMLCandidate, vendorURL string) []CatalogItem {
	items := make([]CatalogItem, 0, len(candidates))
	for _, c := range candidates {
		priceRaw := ""
		var priceNumeric float64
		if m := priceSymbolPattern.FindString(c.Context); m != "" {
			priceRaw = m
			priceNumeric = parsePriceNumeric(m)
		}
		items = append(items, CatalogItem{
			Title:        c.LinkText,
			URL:          resolveURL(vendorURL, c.URL),
			PriceRaw:     priceRaw,
			PriceNumeric: priceNumeric,
			Availability: availabilityFromText(c.Context),
		})
	}
	return items
}

func parsePriceNumeric(raw string) float64 {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(raw)
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return n
}

// availabilityFromText mirrors extract_availability_status: sold/reserved
// wording wins over available wording, which wins over upcoming wording.
func availabilityFromText(text string) string {
	lower := strings.ToLower(text)
	if lower == "" {
		return "unknown"
	}
	if containsAny(lower, soldWords) {
		return "reserved_sold"
	}
	if containsAny(lower, availableWords) {
		return "available_now"
	}
	if containsAny(lower, upcomingWords) {
		return "upcoming"
	}
	return "unknown"
}

// findNextPageLink looks for a "next"/"more"/arrow-worded link anywhere on
// the page just crawled. The Python original also tries a numbered
// ?page=N+1 fallback; link text is the far more common case across real
// catalog sites and is kept as the sole strategy here for simplicity.
func findNextPageLink(links []pageLink, current string) string {
	for _, l := range links {
		text := strings.ToLower(l.Text)
		if containsAny(text, paginationWords) {
			return l.Href
		}
	}
	return ""
}

// extractContactInfo pulls an email, phone number, and contact/application
// links off the vendor's landing page.
func extractContactInfo(html string, links []pageLink) ContactInfo {
	var contact ContactInfo
	if email := emailAddressPattern.FindString(html); email != "" {
		contact.Email = email
	}
	if phone := phoneNumberPattern.FindString(html); phone != "" {
		contact.Phone = phone
	}
	for _, l := range links {
		text := strings.ToLower(l.Text)
		href := strings.ToLower(l.Href)
		if contact.ContactPageURL == "" && (strings.Contains(text, "contact") || strings.Contains(href, "contact")) {
			contact.ContactPageURL = l.Href
		}
		if contact.ApplicationURL == "" && containsAny(text, applyWords) {
			contact.ApplicationURL = l.Href
		}
	}
	return contact
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
